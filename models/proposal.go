package models

import (
	"time"

	"github.com/thedevsaddam/govalidator"
)

type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusAccepted ProposalStatus = "accepted"
	ProposalStatusRejected ProposalStatus = "rejected"
)

type BudgetChangeStatus string

const (
	BudgetChangeStatusPending  BudgetChangeStatus = "pending"
	BudgetChangeStatusApproved BudgetChangeStatus = "approved"
	BudgetChangeStatusRejected BudgetChangeStatus = "rejected"
)

// BudgetChange is a customer request to pay a proposal at a different
// amount. The provider has to approve it before any payment is initiated.
type BudgetChange struct {
	ID             string             `json:"id"`
	Status         BudgetChangeStatus `json:"status"`
	NewAmount      int64              `json:"new_amount"`
	OriginalAmount int64              `json:"original_amount"`
	RequestedAt    time.Time          `json:"requested_at"`
	DecidedAt      *time.Time         `json:"decided_at,omitempty"`
}

// Approves reports whether the change is approved for exactly amount.
func (b *BudgetChange) Approves(amount int64) bool {
	return b != nil && b.Status == BudgetChangeStatusApproved && b.NewAmount == amount
}

type Proposal struct {
	ID                string         `json:"id"`
	RequestID         string         `json:"request_id"`
	ProviderID        string         `json:"provider_id"`
	Message           string         `json:"message"`
	ProposedPrice     int64          `json:"proposed_price"`
	EstimatedDuration string         `json:"estimated_duration"`
	Status            ProposalStatus `json:"status"`
	BudgetChange      *BudgetChange  `json:"budget_change,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// BudgetChangeTransition is a conditional update of a proposal's budget change.
type BudgetChangeTransition struct {
	ProposalID     string
	BudgetChangeID string
	From           BudgetChangeStatus
	To             BudgetChangeStatus
	At             time.Time
}

// Acceptance marks one proposal accepted, its siblings rejected and the
// parent request accepted.
type Acceptance struct {
	ProposalID string
	RequestID  string
	At         time.Time
}

type InsertProposalOpts struct {
	Message           string `json:"message"`
	ProposedPrice     int64  `json:"proposed_price"`
	EstimatedDuration string `json:"estimated_duration"`
}

var InsertProposalRules = govalidator.MapData{
	"message":            []string{"required", "max:2000"},
	"proposed_price":     []string{"required", "numeric"},
	"estimated_duration": []string{"max:120"},
}

type CheckoutProposalOpts struct {
	Amount int64 `json:"amount"`
}

var CheckoutProposalRules = govalidator.MapData{
	"amount": []string{"required", "numeric"},
}
