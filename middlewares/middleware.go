package middlewares

import (
	"context"
	"net/http"
	"strings"

	"bitbucket.org/skillbridge/backend/escrow"
	"bitbucket.org/skillbridge/backend/models"
	"bitbucket.org/skillbridge/backend/session"
	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	jwtmiddleware "github.com/mfuentesg/go-jwtmiddleware"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/negroni"
)

type contextKey string

const (
	userKey   contextKey = "user"
	loggerKey contextKey = "logger"

	// tokenProperty is where the jwt middleware leaves the parsed token.
	tokenProperty = "_jwt-token"
)

func jwtErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	rw := NewResponseWriter(w, r)
	message := Responses.Unauthorized.In(rw.Lang)
	rw.WriteJSON(http.StatusUnauthorized, &errorBody{Error: message, Code: "unauthorized"}, err, message)
}

// NewJWTMiddleware checks the HS256 tokens issued by the hosted auth service.
func NewJWTMiddleware(secret []byte) *jwtmiddleware.Middleware {
	return jwtmiddleware.New(
		jwtmiddleware.WithErrorHandler(jwtErrorHandler),
		jwtmiddleware.WithSigningMethod(jwt.SigningMethodHS256),
		jwtmiddleware.WithSignKey(secret),
		jwtmiddleware.WithUserProperty(tokenProperty),
	)
}

// LoggerRequest attaches a request scoped logger to the context.
func LoggerRequest(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	rw.Header().Set("X-Request-ID", requestID)

	requestLogger := log.WithFields(log.Fields{
		"request_id": requestID,
		"method":     r.Method,
		"query":      r.URL.Query(),
		"host":       r.Host,
		"url":        r.URL.Path,
	})
	requestLogger.Info("logger_request")
	next(rw, r.WithContext(WithLogger(r.Context(), requestLogger)))
}

func WithLogger(ctx context.Context, logger *log.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger, or the standard one outside a request.
func Logger(ctx context.Context) *log.Entry {
	if logger, ok := ctx.Value(loggerKey).(*log.Entry); ok {
		return logger
	}
	return log.NewEntry(log.StandardLogger())
}

func WithUser(ctx context.Context, user models.InfoUser) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromRequest returns the caller, or a zero InfoUser for anonymous
// requests.
func UserFromRequest(r *http.Request) models.InfoUser {
	user, _ := r.Context().Value(userKey).(models.InfoUser)
	return user
}

func bearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	if len(authorization) == 0 {
		authorization = r.URL.Query().Get("token")
		if authorization != "" && !strings.HasPrefix(authorization, "Bearer ") {
			authorization = "Bearer " + authorization
		}
		r.Header.Set("Authorization", authorization)
	}
	token := strings.Split(authorization, " ")
	if len(token) != 2 || !strings.EqualFold(token[0], "Bearer") {
		return ""
	}
	return token[1]
}

func parseToken(tokenString string, secret []byte) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
}

// DecodeUser maps the token claims to the caller identity.
func DecodeUser(token *jwt.Token) (models.InfoUser, error) {
	var user models.InfoUser
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return user, errors.New("unexpected claims type")
	}
	if err := mapstructure.Decode(map[string]interface{}(claims), &user); err != nil {
		return user, errors.Wrap(err, "decode claims")
	}
	if user.ID == "" {
		return user, errors.New("token has no subject")
	}
	user.AccessToken = token.Raw
	return user, nil
}

// UserMiddleware puts the caller in the request context when the request
// carries a valid token. Requests without one go through untouched.
func UserMiddleware(secret []byte) negroni.HandlerFunc {
	return negroni.HandlerFunc(func(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		token, _ := r.Context().Value(tokenProperty).(*jwt.Token)
		if token == nil {
			tokenString := bearerToken(r)
			if tokenString == "" {
				next(rw, r)
				return
			}
			parsed, err := parseToken(tokenString, secret)
			if err != nil || !parsed.Valid {
				Logger(r.Context()).WithError(err).Debug("ignoring invalid token")
				next(rw, r)
				return
			}
			token = parsed
		}

		user, err := DecodeUser(token)
		if err != nil {
			Logger(r.Context()).WithError(err).Warn("could not decode token claims")
			next(rw, r)
			return
		}

		logger := Logger(r.Context()).WithField("user_id", user.ID)
		ctx := WithLogger(WithUser(r.Context(), user), logger)
		next(rw, r.WithContext(ctx))
	})
}

// RequireUser rejects requests whose token did not yield a caller.
func RequireUser(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if !UserFromRequest(r).Authenticated() {
		jwtErrorHandler(rw, r, errors.New("missing user"))
		return
	}
	next(rw, r)
}

// RequireRole answers 403 unless the caller's token carries one of roles.
func RequireRole(roles ...string) negroni.HandlerFunc {
	return negroni.HandlerFunc(func(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		user := UserFromRequest(r)
		if !user.HasRole(roles...) {
			w := NewResponseWriter(rw, r)
			w.Logger.WithFields(log.Fields{
				"user_id": user.ID,
				"role":    user.Role,
			}).Warn("role not allowed")
			w.WriteError(escrow.ErrUnauthorized)
			return
		}
		next(rw, r)
	})
}

// SessionMiddleware moves the caller's session out of anonymous, starting
// the profile load in the background.
func SessionMiddleware(sessions *session.Manager) negroni.HandlerFunc {
	return negroni.HandlerFunc(func(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		user := UserFromRequest(r)
		if sessions != nil && user.Authenticated() {
			_, err := sessions.Authenticate(session.Claims{
				UserID:      user.ID,
				Email:       user.Email,
				Role:        user.Role,
				AccessToken: user.AccessToken,
			})
			if err != nil {
				Logger(r.Context()).WithError(err).Warn("could not start session")
			}
		}
		next(rw, r)
	})
}
