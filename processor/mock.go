package processor

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
)

const (
	DefaultMockDelay       = 2 * time.Second
	DefaultMockSuccessRate = 0.95
)

// Mock simulates the processor for running the escrow flow without live
// credentials. Confirmations wait Delay and succeed with SuccessRate.
type Mock struct {
	Delay       time.Duration
	SuccessRate float64

	mu      sync.Mutex
	rnd     *rand.Rand
	intents map[string]*Intent
}

func NewMock(delay time.Duration, successRate float64) *Mock {
	return &Mock{
		Delay:       delay,
		SuccessRate: successRate,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		intents:     make(map[string]*Intent),
	}
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) CreateIntent(_ context.Context, p IntentParams) (*Intent, error) {
	if p.Amount <= 0 {
		return nil, &Error{Op: "create intent", Code: "amount_too_small", Message: "Amount must be greater than zero."}
	}

	id := "pi_mock_" + shortuuid.New()
	intent := &Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + shortuuid.New(),
		Status:       IntentStatusRequiresPaymentMethod,
		Amount:       p.Amount,
		Currency:     strings.ToLower(p.Currency),
	}

	m.mu.Lock()
	m.intents[id] = intent
	m.mu.Unlock()

	copied := *intent
	return &copied, nil
}

func (m *Mock) ConfirmIntent(ctx context.Context, p ConfirmParams) (*Intent, error) {
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "processor confirm intent")
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[p.IntentID]
	if !ok {
		return nil, &Error{Op: "confirm intent", Code: "resource_missing", Message: "No such payment_intent: '" + p.IntentID + "'"}
	}

	if intent.Succeeded() {
		copied := *intent
		copied.AlreadySucceeded = true
		return &copied, nil
	}
	if intent.Status == IntentStatusCanceled {
		return nil, &Error{
			Op:         "confirm intent",
			Code:       ErrCodeUnexpectedState,
			Message:    "This PaymentIntent was canceled and can no longer be confirmed.",
			StatusCode: http.StatusBadRequest,
		}
	}

	if m.rnd.Float64() >= m.SuccessRate {
		intent.Status = IntentStatusRequiresPaymentMethod
		return nil, &Error{Op: "confirm intent", Code: "card_declined", Message: "Your card was declined."}
	}

	intent.Status = IntentStatusSucceeded
	intent.PaymentMethod = p.PaymentMethod
	intent.LatestCharge = "ch_mock_" + shortuuid.New()

	copied := *intent
	return &copied, nil
}

func (m *Mock) GetIntent(_ context.Context, intentID string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return nil, &Error{Op: "get intent", Code: "resource_missing", Message: "No such payment_intent: '" + intentID + "'"}
	}
	copied := *intent
	return &copied, nil
}

func (m *Mock) CancelIntent(_ context.Context, intentID, _ string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return nil, &Error{Op: "cancel intent", Code: "resource_missing", Message: "No such payment_intent: '" + intentID + "'"}
	}
	if intent.Succeeded() {
		return nil, &Error{
			Op:         "cancel intent",
			Code:       ErrCodeUnexpectedState,
			Message:    "This PaymentIntent could not be canceled because it has a status of succeeded.",
			StatusCode: http.StatusBadRequest,
		}
	}

	intent.Status = IntentStatusCanceled
	copied := *intent
	return &copied, nil
}

func (m *Mock) Refund(_ context.Context, p RefundParams) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var intent *Intent
	if p.IntentID != "" {
		intent = m.intents[p.IntentID]
	} else {
		for _, candidate := range m.intents {
			if candidate.LatestCharge == p.ChargeID {
				intent = candidate
				break
			}
		}
	}
	if intent == nil || !intent.Succeeded() {
		return nil, &Error{Op: "refund", Code: "charge_not_found", Message: "This payment has no charge to refund."}
	}

	amount := p.Amount
	if amount == 0 {
		amount = intent.Amount
	}
	if amount > intent.Amount {
		return nil, &Error{Op: "refund", Code: "amount_too_large", Message: "Refund amount is greater than the charge amount."}
	}

	return &Refund{
		ID:       "re_mock_" + shortuuid.New(),
		IntentID: intent.ID,
		Amount:   amount,
		Currency: intent.Currency,
		Status:   "succeeded",
		Reason:   p.Reason,
		Created:  time.Now().Unix(),
	}, nil
}

func (m *Mock) Transfer(_ context.Context, p TransferParams) (*Transfer, error) {
	return &Transfer{
		ID:          "tr_mock_" + shortuuid.New(),
		Amount:      p.Amount,
		Currency:    strings.ToLower(p.Currency),
		Destination: p.Destination,
		Status:      "paid",
		Created:     time.Now().Unix(),
	}, nil
}

func (m *Mock) Payout(_ context.Context, p TransferParams) (*Transfer, error) {
	return &Transfer{
		ID:          "po_mock_" + shortuuid.New(),
		Amount:      p.Amount,
		Currency:    strings.ToLower(p.Currency),
		Destination: p.Destination,
		Status:      "pending",
		Created:     time.Now().Unix(),
	}, nil
}

func (m *Mock) DetachPaymentMethod(_ context.Context, _ string) error {
	return nil
}
