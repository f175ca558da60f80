package db

import (
	"context"
	"sort"
	"sync"

	"bitbucket.org/skillbridge/backend/models"
	"github.com/pkg/errors"
)

// Memory is a Storage kept in process memory. It backs mock mode and
// tests, and applies the same conditional updates as the SQL storage.
type Memory struct {
	mu        sync.RWMutex
	payments  map[string]*models.Payment
	proposals map[string]*models.Proposal
	requests  map[string]*models.Request
	profiles  map[string]*models.Profile
}

var _ Storage = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		payments:  map[string]*models.Payment{},
		proposals: map[string]*models.Proposal{},
		requests:  map[string]*models.Request{},
		profiles:  map[string]*models.Profile{},
	}
}

func copyPayment(p *models.Payment) *models.Payment {
	c := *p
	if p.ReleasedAt != nil {
		releasedAt := *p.ReleasedAt
		c.ReleasedAt = &releasedAt
	}
	return &c
}

func copyProposal(p *models.Proposal) *models.Proposal {
	c := *p
	if p.BudgetChange != nil {
		change := *p.BudgetChange
		if change.DecidedAt != nil {
			decidedAt := *change.DecidedAt
			change.DecidedAt = &decidedAt
		}
		c.BudgetChange = &change
	}
	return &c
}

func (m *Memory) InsertPayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[payment.ID]; ok {
		return errors.Errorf("payment %s already exists", payment.ID)
	}
	m.payments[payment.ID] = copyPayment(payment)
	return nil
}

func (m *Memory) GetPaymentByID(ctx context.Context, paymentID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payment, ok := m.payments[paymentID]
	if !ok {
		return nil, nil
	}
	return copyPayment(payment), nil
}

func (m *Memory) GetOpenPaymentByProposal(ctx context.Context, proposalID string, payerID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.Payment
	for _, payment := range m.payments {
		if payment.ProposalID != proposalID || payment.PayerID != payerID {
			continue
		}
		switch payment.Status {
		case models.PaymentStatusPending, models.PaymentStatusPaid, models.PaymentStatusHeld:
		default:
			continue
		}
		if found == nil || payment.CreatedAt.After(found.CreatedAt) {
			found = payment
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyPayment(found), nil
}

func (m *Memory) GetPaymentByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, payment := range m.payments {
		if intentID != "" && payment.Processor.IntentID == intentID {
			return copyPayment(payment), nil
		}
	}
	return nil, nil
}

func (m *Memory) GetPaymentsByRequestID(ctx context.Context, requestID string) ([]*models.Payment, error) {
	m.mu.RLock()
	var payments []*models.Payment
	for _, payment := range m.payments {
		if payment.RequestID == requestID {
			payments = append(payments, copyPayment(payment))
		}
	}
	m.mu.RUnlock()

	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
	return payments, nil
}

func (m *Memory) GetPayments(ctx context.Context, userID string, opts *models.GetPaymentsOpts) ([]*models.Payment, error) {
	if opts == nil {
		opts = &models.GetPaymentsOpts{}
	}

	m.mu.RLock()
	var payments []*models.Payment
	for _, payment := range m.payments {
		var matches bool
		switch opts.Role {
		case "payer":
			matches = payment.PayerID == userID
		case "payee":
			matches = payment.PayeeID == userID
		default:
			matches = payment.PayerID == userID || payment.PayeeID == userID
		}
		if !matches || (opts.Status != "" && string(payment.Status) != opts.Status) {
			continue
		}
		payments = append(payments, copyPayment(payment))
	}
	m.mu.RUnlock()

	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})

	if opts.LimitTo > opts.LimitFrom {
		if opts.LimitFrom >= len(payments) {
			return []*models.Payment{}, nil
		}
		to := opts.LimitTo
		if to > len(payments) {
			to = len(payments)
		}
		payments = payments[opts.LimitFrom:to]
	}
	return payments, nil
}

func (m *Memory) GetPaymentsByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error) {
	m.mu.RLock()
	var payments []*models.Payment
	for _, payment := range m.payments {
		if payment.Status == status {
			payments = append(payments, copyPayment(payment))
		}
	}
	m.mu.RUnlock()

	sort.Slice(payments, func(i, j int) bool {
		return payments[i].UpdatedAt.Before(payments[j].UpdatedAt)
	})
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

func (m *Memory) TransitionPayment(ctx context.Context, t models.PaymentTransition) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[t.PaymentID]
	if !ok || payment.Status != t.From {
		return nil, ErrConflict
	}

	payment.Status = t.To
	payment.UpdatedAt = t.At
	payment.ReleasedAt = nil
	if t.ReleasedAt != nil {
		releasedAt := *t.ReleasedAt
		payment.ReleasedAt = &releasedAt
	}
	if t.Processor != nil {
		payment.Processor = *t.Processor
	}
	return copyPayment(payment), nil
}

func (m *Memory) InsertProposal(ctx context.Context, proposal *models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.proposals[proposal.ID]; ok {
		return errors.Errorf("proposal %s already exists", proposal.ID)
	}
	if _, ok := m.requests[proposal.RequestID]; !ok {
		return errors.Errorf("request %s does not exist", proposal.RequestID)
	}
	m.proposals[proposal.ID] = copyProposal(proposal)
	return nil
}

func (m *Memory) GetProposalByID(ctx context.Context, proposalID string) (*models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	proposal, ok := m.proposals[proposalID]
	if !ok {
		return nil, nil
	}
	return copyProposal(proposal), nil
}

func (m *Memory) GetProposalsByRequestID(ctx context.Context, requestID string) ([]*models.Proposal, error) {
	m.mu.RLock()
	proposals := []*models.Proposal{}
	for _, proposal := range m.proposals {
		if proposal.RequestID == requestID {
			proposals = append(proposals, copyProposal(proposal))
		}
	}
	m.mu.RUnlock()

	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].CreatedAt.Before(proposals[j].CreatedAt)
	})
	return proposals, nil
}

func (m *Memory) SetBudgetChange(ctx context.Context, proposalID string, change *models.BudgetChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proposal, ok := m.proposals[proposalID]
	if !ok || proposal.Status != models.ProposalStatusPending {
		return ErrConflict
	}
	if proposal.BudgetChange != nil && proposal.BudgetChange.Status == models.BudgetChangeStatusPending {
		return ErrConflict
	}

	c := *change
	c.DecidedAt = nil
	proposal.BudgetChange = &c
	proposal.UpdatedAt = change.RequestedAt
	return nil
}

func (m *Memory) TransitionBudgetChange(ctx context.Context, t models.BudgetChangeTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proposal, ok := m.proposals[t.ProposalID]
	if !ok || proposal.BudgetChange == nil {
		return ErrConflict
	}
	change := proposal.BudgetChange
	if change.ID != t.BudgetChangeID || change.Status != t.From {
		return ErrConflict
	}

	at := t.At
	change.Status = t.To
	change.DecidedAt = &at
	proposal.UpdatedAt = t.At
	return nil
}

func (m *Memory) AcceptProposal(ctx context.Context, a models.Acceptance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proposal, ok := m.proposals[a.ProposalID]
	if !ok || proposal.RequestID != a.RequestID || proposal.Status == models.ProposalStatusRejected {
		return ErrConflict
	}
	request, ok := m.requests[a.RequestID]
	if !ok || request.Status == models.RequestStatusCancelled {
		return ErrConflict
	}

	proposal.Status = models.ProposalStatusAccepted
	proposal.UpdatedAt = a.At
	for _, sibling := range m.proposals {
		if sibling.RequestID == a.RequestID && sibling.ID != a.ProposalID && sibling.Status != models.ProposalStatusRejected {
			sibling.Status = models.ProposalStatusRejected
			sibling.UpdatedAt = a.At
		}
	}
	request.Status = models.RequestStatusAccepted
	request.UpdatedAt = a.At
	return nil
}

func (m *Memory) InsertRequest(ctx context.Context, request *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[request.ID]; ok {
		return errors.Errorf("request %s already exists", request.ID)
	}
	r := *request
	m.requests[request.ID] = &r
	return nil
}

func (m *Memory) GetRequestByID(ctx context.Context, requestID string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	request, ok := m.requests[requestID]
	if !ok {
		return nil, nil
	}
	r := *request
	return &r, nil
}

func (m *Memory) GetProfileByID(ctx context.Context, profileID string) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, ok := m.profiles[profileID]
	if !ok {
		return nil, nil
	}
	p := *profile
	return &p, nil
}

func (m *Memory) InsertProfile(ctx context.Context, profile *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[profile.ID]; ok {
		return errors.Errorf("profile %s already exists", profile.ID)
	}
	p := *profile
	m.profiles[profile.ID] = &p
	return nil
}
