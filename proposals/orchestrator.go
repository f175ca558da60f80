package proposals

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/escrow"
	"bitbucket.org/skillbridge/backend/events"
	"bitbucket.org/skillbridge/backend/models"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Storage interface {
	db.ProposalStorage
	db.RequestStorage
	db.PaymentStorage
}

// Orchestrator runs the proposal acceptance flow: budget change approval,
// payment initiation and the atomic acceptance once the payment is held.
type Orchestrator struct {
	storage Storage
	escrow  *escrow.Service
	events  events.Publisher
	now     func() time.Time
}

func NewOrchestrator(storage Storage, escrowService *escrow.Service, publisher events.Publisher) *Orchestrator {
	return &Orchestrator{
		storage: storage,
		escrow:  escrowService,
		events:  publisher,
		now:     time.Now,
	}
}

// Outcome of AcceptProposal. Exactly one of BudgetChange (awaiting the
// provider's approval) and Payment is set.
type Outcome struct {
	Proposal     *models.Proposal     `json:"proposal"`
	BudgetChange *models.BudgetChange `json:"budget_change,omitempty"`
	Payment      *models.Payment      `json:"payment,omitempty"`
}

func (o *Outcome) AwaitingApproval() bool {
	return o.Payment == nil && o.BudgetChange != nil
}

// AcceptProposal starts paying for a proposal. An amount different from the
// proposed price needs an approved budget change first; until then a
// pending change is recorded and no payment is created.
func (o *Orchestrator) AcceptProposal(ctx context.Context, proposalID, payerID string, amount int64) (*Outcome, error) {
	if amount <= 0 {
		return nil, escrow.ErrInvalidAmount
	}

	proposal, request, err := o.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if request.CustomerID != payerID {
		return nil, ErrNotRequestOwner
	}
	if proposal.Status != models.ProposalStatusPending {
		return nil, ErrProposalClosed
	}
	if request.Status != models.RequestStatusOpen {
		return nil, ErrRequestClosed
	}

	var kind models.PaymentKind = models.StandardPayment{}
	if amount != proposal.ProposedPrice {
		if !proposal.BudgetChange.Approves(amount) {
			return o.requestBudgetChange(ctx, proposal, payerID, amount)
		}
		kind = models.BudgetAdjustedPayment{
			OriginalAmount: proposal.ProposedPrice,
			AdjustedAmount: amount,
			BudgetChangeID: proposal.BudgetChange.ID,
		}
	}

	existing, err := o.storage.GetOpenPaymentByProposal(ctx, proposal.ID, payerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Amount == amount {
			return &Outcome{Proposal: proposal, Payment: existing}, nil
		}
		if existing.Status != models.PaymentStatusPending {
			return nil, escrow.ErrAlreadyCaptured
		}
		// one live payment per proposal: the old amount is superseded
		if _, err := o.escrow.Cancel(ctx, existing.ID, payerID); err != nil {
			return nil, errors.Wrap(err, "failed to cancel superseded payment")
		}
		log.WithFields(log.Fields{
			"payment_id":  existing.ID,
			"proposal_id": proposal.ID,
			"old_amount":  existing.Amount,
			"new_amount":  amount,
		}).Info("superseded pending payment cancelled")
	}

	payment, err := o.escrow.Initiate(ctx, escrow.InitiateParams{
		PayerID:    payerID,
		PayeeID:    proposal.ProviderID,
		Amount:     amount,
		Currency:   models.DefaultCurrency,
		ProposalID: proposal.ID,
		RequestID:  proposal.RequestID,
		Kind:       kind,
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{Proposal: proposal, Payment: payment}, nil
}

func (o *Orchestrator) requestBudgetChange(ctx context.Context, proposal *models.Proposal, customerID string, amount int64) (*Outcome, error) {
	if change := proposal.BudgetChange; change != nil && change.Status == models.BudgetChangeStatusPending {
		if change.NewAmount == amount {
			return &Outcome{Proposal: proposal, BudgetChange: change}, nil
		}
		return nil, ErrBudgetChangePending
	}

	change := &models.BudgetChange{
		ID:             shortuuid.New(),
		Status:         models.BudgetChangeStatusPending,
		NewAmount:      amount,
		OriginalAmount: proposal.ProposedPrice,
		RequestedAt:    o.now().UTC(),
	}
	err := o.storage.SetBudgetChange(ctx, proposal.ID, change)
	if errors.Is(err, db.ErrConflict) {
		return nil, ErrBudgetChangePending
	}
	if err != nil {
		return nil, err
	}

	proposal.BudgetChange = change
	o.emit(ctx, proposal.ID, events.BudgetChangeRequested, customerID, change)
	return &Outcome{Proposal: proposal, BudgetChange: change}, nil
}

// CompleteAcceptance accepts the proposal linked to a held payment, rejects
// its siblings and accepts the request, in one transaction. It can be
// called again after a partial failure.
func (o *Orchestrator) CompleteAcceptance(ctx context.Context, paymentID, callerID string) (*models.Proposal, error) {
	payment, err := o.escrow.Get(ctx, paymentID, callerID)
	if err != nil {
		return nil, err
	}
	if payment.PayerID != callerID {
		return nil, escrow.ErrUnauthorized
	}
	if payment.ProposalID == "" {
		return nil, ErrNoProposal
	}
	if payment.Status != models.PaymentStatusHeld && payment.Status != models.PaymentStatusReleased {
		return nil, ErrPaymentNotCaptured
	}

	err = o.storage.AcceptProposal(ctx, models.Acceptance{
		ProposalID: payment.ProposalID,
		RequestID:  payment.RequestID,
		At:         o.now().UTC(),
	})
	if err != nil {
		log.WithFields(log.Fields{
			"payment_id":  payment.ID,
			"proposal_id": payment.ProposalID,
			"error":       err,
		}).Error("payment held but proposal acceptance failed")
		return nil, &PartialFailureError{PaymentID: payment.ID, ProposalID: payment.ProposalID, Err: err}
	}

	proposal, err := o.storage.GetProposalByID(ctx, payment.ProposalID)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, ErrProposalNotFound
	}

	o.emit(ctx, proposal.ID, events.ProposalAccepted, callerID, map[string]string{
		"payment_id": payment.ID,
		"request_id": proposal.RequestID,
	})
	return proposal, nil
}

// CheckPayable refuses a pending payment whose proposal can no longer be
// accepted: the proposal must still be pending, its request open, and no
// other payment of the request may have been captured.
func (o *Orchestrator) CheckPayable(ctx context.Context, payment *models.Payment) error {
	if payment.ProposalID == "" || payment.Status != models.PaymentStatusPending {
		return nil
	}

	proposal, request, err := o.loadProposal(ctx, payment.ProposalID)
	if err != nil {
		return err
	}
	if proposal.Status != models.ProposalStatusPending {
		return ErrProposalClosed
	}
	if request.Status != models.RequestStatusOpen {
		return ErrRequestClosed
	}

	others, err := o.storage.GetPaymentsByRequestID(ctx, request.ID)
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.ID == payment.ID {
			continue
		}
		switch other.Status {
		case models.PaymentStatusPaid, models.PaymentStatusHeld, models.PaymentStatusReleased:
			return ErrRequestClosed
		}
	}
	return nil
}

// Reconcile completes the acceptance of held payments whose proposal is
// still pending, the leftovers of partial failures. It returns the ids of
// the payments it fixed.
func (o *Orchestrator) Reconcile(ctx context.Context, limit int) ([]string, error) {
	held, err := o.storage.GetPaymentsByStatus(ctx, models.PaymentStatusHeld, limit)
	if err != nil {
		return nil, err
	}

	var fixed []string
	for _, payment := range held {
		if payment.ProposalID == "" {
			continue
		}
		proposal, err := o.storage.GetProposalByID(ctx, payment.ProposalID)
		if err != nil {
			return fixed, err
		}
		if proposal == nil || proposal.Status != models.ProposalStatusPending {
			continue
		}

		if _, err := o.CompleteAcceptance(ctx, payment.ID, payment.PayerID); err != nil {
			log.WithFields(log.Fields{
				"payment_id": payment.ID,
				"error":      err,
			}).Warn("failed to reconcile payment")
			continue
		}
		fixed = append(fixed, payment.ID)
	}
	return fixed, nil
}

func (o *Orchestrator) ApproveBudgetChange(ctx context.Context, proposalID, providerID string) (*models.Proposal, error) {
	return o.decideBudgetChange(ctx, proposalID, providerID, models.BudgetChangeStatusApproved, events.BudgetChangeApproved)
}

func (o *Orchestrator) RejectBudgetChange(ctx context.Context, proposalID, providerID string) (*models.Proposal, error) {
	return o.decideBudgetChange(ctx, proposalID, providerID, models.BudgetChangeStatusRejected, events.BudgetChangeRejected)
}

func (o *Orchestrator) decideBudgetChange(ctx context.Context, proposalID, providerID string, to models.BudgetChangeStatus, eventType string) (*models.Proposal, error) {
	proposal, _, err := o.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.ProviderID != providerID {
		return nil, ErrNotProposalProvider
	}
	change := proposal.BudgetChange
	if change == nil || change.Status != models.BudgetChangeStatusPending {
		return nil, ErrNoPendingBudgetChange
	}

	at := o.now().UTC()
	err = o.storage.TransitionBudgetChange(ctx, models.BudgetChangeTransition{
		ProposalID:     proposal.ID,
		BudgetChangeID: change.ID,
		From:           models.BudgetChangeStatusPending,
		To:             to,
		At:             at,
	})
	if errors.Is(err, db.ErrConflict) {
		return nil, ErrNoPendingBudgetChange
	}
	if err != nil {
		return nil, err
	}

	change.Status = to
	change.DecidedAt = &at
	o.emit(ctx, proposal.ID, eventType, providerID, change)
	return proposal, nil
}

func (o *Orchestrator) CreateRequest(ctx context.Context, customerID string, opts *models.InsertRequestOpts) (*models.Request, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return nil, ErrMissingTitle
	}
	if opts.Budget < 0 {
		return nil, ErrNegativeBudget
	}

	now := o.now().UTC()
	request := &models.Request{
		ID:          uuid.New().String(),
		CustomerID:  customerID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Budget:      opts.Budget,
		Status:      models.RequestStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.storage.InsertRequest(ctx, request); err != nil {
		return nil, err
	}
	return request, nil
}

func (o *Orchestrator) CreateProposal(ctx context.Context, requestID, providerID string, opts *models.InsertProposalOpts) (*models.Proposal, error) {
	if opts.ProposedPrice <= 0 {
		return nil, escrow.ErrInvalidAmount
	}

	request, err := o.storage.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, ErrRequestNotFound
	}
	if request.CustomerID == providerID {
		return nil, ErrOwnRequest
	}
	if request.Status != models.RequestStatusOpen {
		return nil, ErrRequestClosed
	}

	now := o.now().UTC()
	proposal := &models.Proposal{
		ID:                uuid.New().String(),
		RequestID:         request.ID,
		ProviderID:        providerID,
		Message:           opts.Message,
		ProposedPrice:     opts.ProposedPrice,
		EstimatedDuration: opts.EstimatedDuration,
		Status:            models.ProposalStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.storage.InsertProposal(ctx, proposal); err != nil {
		return nil, err
	}
	return proposal, nil
}

// GetProposal returns a proposal to its provider or to the request owner.
func (o *Orchestrator) GetProposal(ctx context.Context, proposalID, callerID string) (*models.Proposal, error) {
	proposal, request, err := o.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.ProviderID != callerID && request.CustomerID != callerID {
		return nil, escrow.ErrUnauthorized
	}
	return proposal, nil
}

// ListProposals returns every proposal of a request to its owner, and only
// their own proposals to providers.
func (o *Orchestrator) ListProposals(ctx context.Context, requestID, callerID string) ([]*models.Proposal, error) {
	request, err := o.storage.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, ErrRequestNotFound
	}

	proposals, err := o.storage.GetProposalsByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.CustomerID == callerID {
		return proposals, nil
	}

	own := []*models.Proposal{}
	for _, p := range proposals {
		if p.ProviderID == callerID {
			own = append(own, p)
		}
	}
	return own, nil
}

func (o *Orchestrator) loadProposal(ctx context.Context, proposalID string) (*models.Proposal, *models.Request, error) {
	proposal, err := o.storage.GetProposalByID(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	if proposal == nil {
		return nil, nil, ErrProposalNotFound
	}

	request, err := o.storage.GetRequestByID(ctx, proposal.RequestID)
	if err != nil {
		return nil, nil, err
	}
	if request == nil {
		return nil, nil, ErrRequestNotFound
	}
	return proposal, request, nil
}

func (o *Orchestrator) emit(ctx context.Context, proposalID, eventType, actorID string, data interface{}) {
	events.Emit(ctx, o.events, events.New(events.AggregateProposal, proposalID, eventType, actorID, data))
}
