package escrow

import (
	"context"
	"net/http"

	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/processor"
	"github.com/pkg/errors"
)

// Kind classifies a failure for the caller: whether it is worth retrying
// and how it maps to an HTTP status.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindProcessor      Kind = "processor"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindPartialFailure Kind = "partial_failure"
	KindInternal       Kind = "internal"
)

func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindProcessor:
		return http.StatusPaymentRequired
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPartialFailure:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether repeating the same call may succeed.
func (k Kind) Retryable() bool {
	return k == KindProcessor || k == KindConflict || k == KindPartialFailure || k == KindInternal
}

// Error is a classified escrow failure. Code is a stable identifier used to
// pick a localized message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) ErrorKind() Kind {
	return e.Kind
}

var (
	ErrInvalidAmount       = &Error{KindValidation, "invalid_amount", "amount must be greater than zero"}
	ErrSelfPayment         = &Error{KindValidation, "self_payment", "payer and payee must be different users"}
	ErrRefundTooLarge      = &Error{KindValidation, "refund_too_large", "refund amount exceeds the payment amount"}
	ErrMissingIntent       = &Error{KindValidation, "missing_intent", "payment has no processor intent"}
	ErrUnauthorized        = &Error{KindAuthorization, "unauthorized", "user is not allowed to act on this payment"}
	ErrPaymentNotFound     = &Error{KindNotFound, "payment_not_found", "payment not found"}
	ErrProfileNotFound     = &Error{KindNotFound, "profile_not_found", "profile not found"}
	ErrAlreadyCaptured     = &Error{KindConflict, "already_captured", "payment has already been captured"}
	ErrNotHeld             = &Error{KindConflict, "not_held", "payment is not held in escrow"}
	ErrNoChargeFound       = &Error{KindConflict, "no_charge_found", "payment has no charge to refund"}
	ErrInvalidTransition   = &Error{KindConflict, "invalid_transition", "payment status does not allow this operation"}
	ErrConcurrentUpdate    = &Error{KindConflict, "concurrent_update", "payment was updated by another request"}
	ErrPaymentNotConfirmed = &Error{KindProcessor, "payment_not_confirmed", "payment was not completed by the processor"}
)

type kinded interface {
	ErrorKind() Kind
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if _, ok := processor.AsError(err); ok {
		return KindProcessor
	}
	if errors.Is(err, db.ErrConflict) {
		return KindConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProcessor
	}
	return KindInternal
}

// CodeOf returns the stable code of a classified error, or the kind.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if perr, ok := processor.AsError(err); ok && perr.Code != "" {
		return perr.Code
	}
	return string(KindOf(err))
}

// UserMessage is the message shown to the end user. Processor messages are
// passed through verbatim.
func UserMessage(err error) string {
	if perr, ok := processor.AsError(err); ok && perr.Message != "" {
		return perr.Message
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	var k kinded
	if errors.As(err, &k) {
		return err.Error()
	}
	return "internal error"
}
