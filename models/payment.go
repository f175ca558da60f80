package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/thedevsaddam/govalidator"
)

// PaymentStatus is the escrow state of a payment record.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusHeld      PaymentStatus = "held"
	PaymentStatusReleased  PaymentStatus = "released"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Terminal reports whether no transition leaves the status.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusReleased || s == PaymentStatusRefunded || s == PaymentStatusCancelled
}

// Captured reports whether the processor already took the funds.
func (s PaymentStatus) Captured() bool {
	return s == PaymentStatusPaid || s == PaymentStatusHeld || s == PaymentStatusReleased || s == PaymentStatusRefunded
}

const DefaultCurrency = "usd"

// Payment kinds as persisted in the kind column.
const (
	PaymentKindStandard       = "standard"
	PaymentKindBudgetAdjusted = "budget_adjusted"
)

// PaymentKind is a closed union over the flows that create payments.
// Implementations: StandardPayment, BudgetAdjustedPayment.
type PaymentKind interface {
	KindName() string
	isPaymentKind()
}

// StandardPayment pays a proposal at its original price.
type StandardPayment struct{}

func (StandardPayment) KindName() string { return PaymentKindStandard }
func (StandardPayment) isPaymentKind()   {}

// BudgetAdjustedPayment pays a proposal at an amount approved through a
// budget change request.
type BudgetAdjustedPayment struct {
	OriginalAmount int64  `json:"original_amount"`
	AdjustedAmount int64  `json:"adjusted_amount"`
	BudgetChangeID string `json:"budget_change_id"`
}

func (BudgetAdjustedPayment) KindName() string { return PaymentKindBudgetAdjusted }
func (BudgetAdjustedPayment) isPaymentKind()   {}

// ProcessorRefs are the identifiers handed out by the payment processor.
type ProcessorRefs struct {
	IntentID       string `json:"intent_id,omitempty"`
	ClientSecret   string `json:"-"`
	ChargeID       string `json:"charge_id,omitempty"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	TransferID     string `json:"transfer_id,omitempty"`
	RefundID       string `json:"refund_id,omitempty"`
	RefundedAmount int64  `json:"refunded_amount,omitempty"`
}

type Payment struct {
	ID         string        `json:"id"`
	PayerID    string        `json:"payer_id"`
	PayeeID    string        `json:"payee_id"`
	Amount     int64         `json:"amount"`
	Currency   string        `json:"currency"`
	Status     PaymentStatus `json:"status"`
	ProposalID string        `json:"proposal_id,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	Kind       PaymentKind   `json:"-"`
	Processor  ProcessorRefs `json:"processor"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	ReleasedAt *time.Time    `json:"released_at,omitempty"`
}

type paymentKindJSON struct {
	Type string `json:"type"`
	*BudgetAdjustedPayment
}

// MarshalJSON renders the kind union as {"type": ..., fields...}.
func (p Payment) MarshalJSON() ([]byte, error) {
	type alias Payment
	kind := paymentKindJSON{Type: PaymentKindStandard}
	if adjusted, ok := p.Kind.(BudgetAdjustedPayment); ok {
		kind.Type = adjusted.KindName()
		kind.BudgetAdjustedPayment = &adjusted
	}
	return json.Marshal(struct {
		alias
		Kind paymentKindJSON `json:"kind"`
	}{alias(p), kind})
}

// CheckInvariants validates the record level invariants of a payment.
func (p *Payment) CheckInvariants() error {
	if p.Amount <= 0 {
		return errors.Errorf("payment %s: amount must be positive, got %d", p.ID, p.Amount)
	}
	if p.PayerID == p.PayeeID {
		return errors.Errorf("payment %s: payer and payee are the same user", p.ID)
	}
	if (p.ReleasedAt != nil) != (p.Status == PaymentStatusReleased) {
		return errors.Errorf("payment %s: released_at does not match status %s", p.ID, p.Status)
	}
	return nil
}

// PaymentTransition describes a conditional status update.
type PaymentTransition struct {
	PaymentID  string
	From       PaymentStatus
	To         PaymentStatus
	Processor  *ProcessorRefs
	ReleasedAt *time.Time
	At         time.Time
}

type GetPaymentsOpts struct {
	Status    string `schema:"status"`
	Role      string `schema:"role"`
	LimitFrom int    `schema:"limit_from"`
	LimitTo   int    `schema:"limit_to"`
}

var GetPaymentsRules = govalidator.MapData{
	"status":     []string{"in:pending,paid,held,released,refunded,cancelled"},
	"role":       []string{"in:payer,payee"},
	"limit_from": []string{"numeric"},
	"limit_to":   []string{"numeric"},
}

type SubmitPaymentOpts struct {
	PaymentMethod string `json:"payment_method"`
}

var SubmitPaymentRules = govalidator.MapData{
	"payment_method": []string{"required"},
}

type RefundPaymentOpts struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

var RefundPaymentRules = govalidator.MapData{
	"amount": []string{"numeric"},
	"reason": []string{"in:duplicate,fraudulent,requested_by_customer"},
}

type PaymentReceipt struct {
	URL string `json:"url"`
}
