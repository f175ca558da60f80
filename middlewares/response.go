package middlewares

import (
	"encoding/json"
	"fmt"
	"net/http"

	"bitbucket.org/skillbridge/backend/escrow"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type ResponseWriter struct {
	Writer http.ResponseWriter
	Logger *log.Entry
	Lang   string
}

// NewResponseWriter binds w to the logger and language of the request.
func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{
		Writer: w,
		Logger: Logger(r.Context()),
		Lang:   RequestLanguage(r),
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (r *ResponseWriter) logger() *log.Entry {
	if r.Logger == nil {
		return log.NewEntry(log.StandardLogger())
	}
	return r.Logger
}

func (r *ResponseWriter) writePlainJSONResponse(statusCode int, data interface{}) {
	b, err := json.Marshal(data)
	if err != nil {
		r.logger().WithError(err).Error("could not encode response")
		r.Writer.WriteHeader(http.StatusInternalServerError)
		r.Writer.Write([]byte(fmt.Sprintf("unexpected error: %v", err)))
		return
	}

	r.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	r.Writer.WriteHeader(statusCode)

	if _, err := r.Writer.Write(b); err != nil {
		r.logger().WithError(err).Warn("could not write response")
	}
}

// WriteJSON writes data with statusCode. Error statuses without data get a
// {"error": message} body.
func (r *ResponseWriter) WriteJSON(statusCode int, data interface{}, err error, message string) {
	logger := r.logger()
	fields := make(log.Fields)
	fields["status_code"] = statusCode
	if statusCode >= 200 && statusCode <= 299 {
		logger.WithFields(fields).Info("success")
	}
	if statusCode >= 300 {
		if data == nil {
			data = map[string]interface{}{
				"error": message,
			}
		}
		if err == nil {
			err = errors.New(message)
		}
		fields["errors"] = data
		if statusCode >= 500 {
			logger.WithFields(fields).Error(err)
		} else {
			logger.WithFields(fields).Warn(err)
		}
	}
	if statusCode == http.StatusNoContent {
		r.Writer.WriteHeader(statusCode)
		return
	}
	r.writePlainJSONResponse(statusCode, data)
}

// WriteError classifies err and writes it with the matching status and a
// message in the caller's language.
func (r *ResponseWriter) WriteError(err error) {
	kind := escrow.KindOf(err)
	body := &errorBody{
		Error:     Message(r.Lang, err),
		Code:      escrow.CodeOf(err),
		Retryable: kind.Retryable(),
	}
	r.WriteJSON(kind.HTTPStatus(), body, err, body.Error)
}

// WriteValidation writes the field errors reported by govalidator.
func (r *ResponseWriter) WriteValidation(errs map[string][]string) {
	r.WriteJSON(http.StatusBadRequest, map[string]interface{}{
		"error":  Responses.FailedValidations.In(r.Lang),
		"fields": errs,
	}, nil, "failed validations")
}

func (r *ResponseWriter) String(code int, msg string) {
	r.Writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	r.Writer.WriteHeader(code)
	if _, err := r.Writer.Write([]byte(msg)); err != nil {
		r.logger().WithError(err).Warn("could not write response")
	}
}
