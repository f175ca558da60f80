package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Intent statuses reported by the processor.
const (
	IntentStatusSucceeded             = "succeeded"
	IntentStatusProcessing            = "processing"
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresConfirmation  = "requires_confirmation"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusRequiresCapture       = "requires_capture"
	IntentStatusCanceled              = "canceled"
)

// Cancellation reasons accepted by CancelIntent.
const (
	CancelReasonAbandoned           = "abandoned"
	CancelReasonDuplicate           = "duplicate"
	CancelReasonRequestedByCustomer = "requested_by_customer"
)

// ErrCodeUnexpectedState is reported when an intent is not in a state that
// allows the requested operation.
const ErrCodeUnexpectedState = "payment_intent_unexpected_state"

// Processor is the subset of the payment processor API the escrow flow uses.
type Processor interface {
	CreateIntent(ctx context.Context, params IntentParams) (*Intent, error)
	ConfirmIntent(ctx context.Context, params ConfirmParams) (*Intent, error)
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	CancelIntent(ctx context.Context, intentID, reason string) (*Intent, error)
	Refund(ctx context.Context, params RefundParams) (*Refund, error)
	Transfer(ctx context.Context, params TransferParams) (*Transfer, error)
	Payout(ctx context.Context, params TransferParams) (*Transfer, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
	Name() string
}

type IntentParams struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type ConfirmParams struct {
	IntentID      string
	PaymentMethod string
}

type Intent struct {
	ID            string
	ClientSecret  string
	Status        string
	Amount        int64
	Currency      string
	PaymentMethod string
	LatestCharge  string
	// AlreadySucceeded is set when a confirm call found the intent already
	// succeeded instead of confirming it.
	AlreadySucceeded bool
}

// Succeeded reports whether the funds have been captured.
func (i *Intent) Succeeded() bool {
	return i != nil && i.Status == IntentStatusSucceeded
}

type RefundParams struct {
	IntentID       string
	ChargeID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

type Refund struct {
	ID       string
	IntentID string
	Amount   int64
	Currency string
	Status   string
	Reason   string
	Created  int64
}

type TransferParams struct {
	Amount         int64
	Currency       string
	Destination    string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type Transfer struct {
	ID          string
	Amount      int64
	Currency    string
	Destination string
	Status      string
	Created     int64
}

// Error is a failure reported by the processor. Message is meant to be shown
// to the payer as is.
type Error struct {
	Op         string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor %s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("processor %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a processor error from err.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IntentIDFromClientSecret returns the intent id embedded in a client secret
// of the form "<intent id>_secret_<random>".
func IntentIDFromClientSecret(secret string) (string, error) {
	i := strings.Index(secret, "_secret_")
	if i <= 0 {
		return "", errors.New("malformed client secret")
	}
	return secret[:i], nil
}
