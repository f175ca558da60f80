package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/skillbridge/backend/checkout"
	"bitbucket.org/skillbridge/backend/config"
	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/escrow"
	"bitbucket.org/skillbridge/backend/events"
	"bitbucket.org/skillbridge/backend/fees"
	"bitbucket.org/skillbridge/backend/helpers"
	"bitbucket.org/skillbridge/backend/middlewares"
	"bitbucket.org/skillbridge/backend/proposals"
	"bitbucket.org/skillbridge/backend/session"
	"bitbucket.org/skillbridge/backend/supabase"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	joonix "github.com/joonix/log"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/urfave/negroni"
)

func recoveryHandler(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	defer func() {
		if err := recover(); err != nil {
			rw := middlewares.NewResponseWriter(w, r)
			rw.Logger.WithField("panic", err).Error("recovered from panic")
			rw.WriteJSON(http.StatusInternalServerError, nil, nil, middlewares.Responses.InternalServerError.In(rw.Lang))
		}
	}()
	next(w, r)
}

type AppHandlerFunc func(*config.AppContext, *middlewares.ResponseWriter, *http.Request)

type AppHandler struct {
	Context     *config.AppContext
	HandlerFunc AppHandlerFunc
}

func (a *AppHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.HandlerFunc(a.Context, middlewares.NewResponseWriter(w, r), r)
}

type Route struct {
	Path        string
	Handler     AppHandlerFunc
	Methods     []string
	IsProtected bool
	// IsRoleProtected routes also need one of the configured admin roles.
	IsRoleProtected bool
}

// NewRouter mounts routes. Protected routes go through the token check, the
// caller lookup and the session before the handler, role protected ones
// through the admin role check as well.
func NewRouter(ctx *config.AppContext, routes []*Route) *mux.Router {
	router := mux.NewRouter()
	jwt := middlewares.NewJWTMiddleware([]byte(ctx.Config.Supabase.JWTSecret))
	for _, r := range routes {
		handler := &AppHandler{Context: ctx, HandlerFunc: r.Handler}
		if r.IsProtected || r.IsRoleProtected {
			chain := negroni.New(
				negroni.HandlerFunc(jwt.HandlerNext),
				negroni.HandlerFunc(middlewares.RequireUser),
			)
			if r.IsRoleProtected {
				chain.Use(middlewares.RequireRole(ctx.Config.Supabase.AdminRoles...))
			}
			chain.Use(middlewares.SessionMiddleware(ctx.Sessions))
			chain.UseHandler(handler)
			router.Handle(r.Path, chain).Methods(r.Methods...)
			continue
		}
		router.Handle(r.Path, handler).Methods(r.Methods...)
	}
	router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)
	return router
}

func GetAppContext() *ContextWrapper {
	var conf config.Configuration
	if err := envdecode.Decode(&conf); err != nil {
		log.Fatal(errors.Wrap(err, "could not load the app configuration"))
	}
	if !conf.IsDevelopment() {
		log.SetFormatter(joonix.NewFormatter())
	}
	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}

	return &ContextWrapper{
		Context: &config.AppContext{Config: conf},
	}
}

type ContextWrapper struct {
	Context *config.AppContext
}

func (wrapper *ContextWrapper) CreateSQLConnection() {
	conn, err := config.CreateConnectionSQL(wrapper.Context.Config.SQL)
	if err != nil {
		log.Fatal(err)
	}
	wrapper.Context.SQLConn = conn
	wrapper.Context.DB, err = db.New(conn)
	if err != nil {
		log.WithFields(log.Fields{
			"error":  err,
			"driver": wrapper.Context.Config.SQL.Driver,
		}).Fatal("failed to connect")
	}
}

func (wrapper *ContextWrapper) CreateRedisConnection() {
	if wrapper.Context.Config.Redis.URL == "" {
		return
	}
	client, err := config.CreateRedisClient(wrapper.Context.Config.Redis)
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("redis: failed to connect")
	}
	wrapper.Context.Redis = client
}

func (wrapper *ContextWrapper) CreateSMTPConnection() {
	if !wrapper.Context.Config.SMTPEnabled() {
		log.Info("SMTP is not configured, payees will not be emailed")
		return
	}
	conn := config.CreateNewConnectionSMTP(wrapper.Context.Config.AwsSMTP)
	if conn == nil {
		log.Fatal(errors.Errorf("failed connecting SMTP"))
	}
	wrapper.Context.AwsSMTP = conn
}

func (wrapper *ContextWrapper) CreateNewSessionS3() {
	if !wrapper.Context.Config.S3Enabled() {
		return
	}
	s3Session, err := config.CreateNewSessionS3(wrapper.Context.Config.AwsS3)
	if err != nil {
		log.Fatal(errors.Errorf("failed to create new session s3 - %s", err.Error()))
	}
	if s3Session == nil {
		log.Fatal(errors.Errorf("nil session s3"))
	}
	wrapper.Context.AwsS3 = s3Session
}

func (wrapper *ContextWrapper) CreateSupabaseClient() {
	conf := wrapper.Context.Config.Supabase
	if conf.URL == "" {
		return
	}
	wrapper.Context.Supabase = supabase.New(conf.URL, conf.AnonKey)
}

func (wrapper *ContextWrapper) CreateEventPublisher() {
	publisher, err := config.CreateEventPublisher(wrapper.Context.Config.Kafka)
	if err != nil {
		log.WithError(err).Fatal("kafka: failed to connect")
	}
	wrapper.Context.Events = publisher
}

// CreateServices wires the escrow flow on top of the connections created
// before. DB must be set.
func (wrapper *ContextWrapper) CreateServices() {
	c := wrapper.Context
	conf := c.Config

	if c.Processor == nil {
		c.Processor = config.CreateProcessor(conf)
	}
	if c.Events == nil {
		c.Events = events.NewLog()
	}
	rates := conf.Rates()
	if rates == (fees.Rates{}) {
		rates = fees.DefaultRates
	}

	c.Receipts = &helpers.Receipts{
		Profiles: c.DB,
		Rates:    rates,
		S3: helpers.S3Target{
			Session: c.AwsS3,
			Bucket:  conf.AwsS3.S3Bucket,
			URL:     conf.AwsS3.S3Url,
		},
		Prefix: conf.AwsS3.S3PathReceipt,
	}

	opts := []escrow.Option{escrow.WithEvents(c.Events), escrow.WithRates(rates)}
	if c.AwsSMTP != nil {
		opts = append(opts, escrow.WithNotifier(&helpers.Mailer{
			SMTP:      c.AwsSMTP,
			EmailFrom: conf.Mail.EmailFrom,
			NameFrom:  conf.Mail.NameFrom,
			Rates:     rates,
			Receipt:   c.Receipts.Bytes,
		}))
	}
	c.Escrow = escrow.NewService(c.DB, c.Processor, opts...)
	c.Proposals = proposals.NewOrchestrator(c.DB, c.Escrow, c.Events)

	var guard checkout.Guard = checkout.NewMemoryGuard()
	if c.Redis != nil {
		guard = checkout.NewRedisGuard(c.Redis)
	}
	c.Checkout = checkout.NewController(c.Proposals, c.Escrow, guard, checkout.Config{
		PublishableKey: conf.Stripe.PublishableKey,
		MockMode:       conf.MockMode(),
	})

	var users session.UserFetcher
	if c.Supabase != nil {
		users = c.Supabase
	}
	c.Sessions = session.NewManager(c.DB, users)

	log.WithFields(log.Fields{
		"processor": c.Processor.Name(),
		"mock_mode": conf.MockMode(),
		"guard":     fmt.Sprintf("%T", guard),
	}).Info("services ready")
}

// Migrate creates the schema on the SQL connection.
func (wrapper *ContextWrapper) Migrate(ctx context.Context) error {
	store, ok := wrapper.Context.DB.(*db.DB)
	if !ok {
		return errors.New("migrations need a SQL connection")
	}
	return store.Migrate(ctx)
}

// Close releases the connections held by the context.
func (wrapper *ContextWrapper) Close() {
	c := wrapper.Context
	if c.Sessions != nil {
		c.Sessions.Close()
	}
	if c.Events != nil {
		if err := c.Events.Close(); err != nil {
			log.WithError(err).Warn("failed to close event publisher")
		}
	}
	if c.Redis != nil {
		c.Redis.Close()
	}
	if c.SQLConn != nil {
		c.SQLConn.Close()
	}
}

func UpServer(routes []*Route, wrapper *ContextWrapper) {
	server, err := createServer(wrapper.Context, routes)
	if err != nil {
		log.Fatal(err)
	}
	defer wrapper.Close()

	log.Info("Environment " + wrapper.Context.Config.Environment)
	log.Info("Listening on " + server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server stopped")
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("failed to shut down")
		}
	}
}

// NewHandler builds the middleware chain around the routes.
func NewHandler(context *config.AppContext, routes []*Route) http.Handler {
	n := negroni.New()
	c := cors.New(cors.Options{
		AllowedOrigins:   context.Config.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "PUT", "PATCH", "HEAD"},
		AllowedHeaders:   []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Accept-Language", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	})
	n.Use(c)
	n.Use(negroni.HandlerFunc(middlewares.LoggerRequest))
	n.UseFunc(recoveryHandler)
	n.Use(middlewares.UserMiddleware([]byte(context.Config.Supabase.JWTSecret)))
	n.UseHandler(NewRouter(context, routes))
	return n
}

func createServer(context *config.AppContext, routes []*Route) (*http.Server, error) {
	if context.Config.Port == 0 {
		return nil, errors.New("PORT must be set")
	}
	timeout := time.Duration(context.Config.Timeout) * time.Second
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", context.Config.Port),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      NewHandler(context, routes),
	}, nil
}
