package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"bitbucket.org/skillbridge/backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRequest(t *testing.T, m *Memory, proposalIDs ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.InsertRequest(ctx, &models.Request{
		ID:         "req-1",
		CustomerID: "customer",
		Title:      "Fix the sink",
		Status:     models.RequestStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	for i, id := range proposalIDs {
		require.NoError(t, m.InsertProposal(ctx, &models.Proposal{
			ID:            id,
			RequestID:     "req-1",
			ProviderID:    "provider-" + id,
			ProposedPrice: 10000,
			Status:        models.ProposalStatusPending,
			CreatedAt:     now.Add(time.Duration(i) * time.Second),
			UpdatedAt:     now,
		}))
	}
}

func TestMemoryTransitionPaymentIsConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertPayment(ctx, &models.Payment{
		ID:      "pay-1",
		PayerID: "a",
		PayeeID: "b",
		Amount:  500,
		Status:  models.PaymentStatusPending,
		Kind:    models.StandardPayment{},
	}))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.TransitionPayment(ctx, models.PaymentTransition{
				PaymentID: "pay-1",
				From:      models.PaymentStatusPending,
				To:        models.PaymentStatusPaid,
				At:        time.Now(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else {
				assert.Equal(t, ErrConflict, err)
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 19, conflicts)

	payment, err := m.GetPaymentByID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, payment.Status)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertPayment(ctx, &models.Payment{ID: "pay-1", Amount: 1, Status: models.PaymentStatusPending}))

	payment, err := m.GetPaymentByID(ctx, "pay-1")
	require.NoError(t, err)
	payment.Status = models.PaymentStatusReleased

	stored, err := m.GetPaymentByID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
}

func TestMemoryAcceptProposalRejectsSiblings(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedRequest(t, m, "p1", "p2", "p3")

	require.NoError(t, m.AcceptProposal(ctx, models.Acceptance{ProposalID: "p2", RequestID: "req-1", At: time.Now()}))

	proposals, err := m.GetProposalsByRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, proposals, 3)
	statuses := map[string]models.ProposalStatus{}
	for _, p := range proposals {
		statuses[p.ID] = p.Status
	}
	assert.Equal(t, map[string]models.ProposalStatus{
		"p1": models.ProposalStatusRejected,
		"p2": models.ProposalStatusAccepted,
		"p3": models.ProposalStatusRejected,
	}, statuses)

	request, err := m.GetRequestByID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusAccepted, request.Status)

	// accepting again is a no-op, accepting a rejected sibling conflicts
	assert.NoError(t, m.AcceptProposal(ctx, models.Acceptance{ProposalID: "p2", RequestID: "req-1", At: time.Now()}))
	assert.Equal(t, ErrConflict, m.AcceptProposal(ctx, models.Acceptance{ProposalID: "p1", RequestID: "req-1", At: time.Now()}))
}

func TestMemoryBudgetChange(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedRequest(t, m, "p1")

	change := &models.BudgetChange{
		ID:             "bc-1",
		Status:         models.BudgetChangeStatusPending,
		NewAmount:      12000,
		OriginalAmount: 10000,
		RequestedAt:    time.Now(),
	}
	require.NoError(t, m.SetBudgetChange(ctx, "p1", change))
	assert.Equal(t, ErrConflict, m.SetBudgetChange(ctx, "p1", change), "a pending change blocks a new one")

	transition := models.BudgetChangeTransition{
		ProposalID:     "p1",
		BudgetChangeID: "bc-1",
		From:           models.BudgetChangeStatusPending,
		To:             models.BudgetChangeStatusApproved,
		At:             time.Now(),
	}
	require.NoError(t, m.TransitionBudgetChange(ctx, transition))
	assert.Equal(t, ErrConflict, m.TransitionBudgetChange(ctx, transition))

	proposal, err := m.GetProposalByID(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, proposal.BudgetChange.Approves(12000))
	assert.False(t, proposal.BudgetChange.Approves(10000))
	assert.NotNil(t, proposal.BudgetChange.DecidedAt)
}

func TestMemoryGetPaymentsFiltersByRole(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	for i, p := range []*models.Payment{
		{ID: "1", PayerID: "alice", PayeeID: "bob", Status: models.PaymentStatusHeld},
		{ID: "2", PayerID: "bob", PayeeID: "alice", Status: models.PaymentStatusPending},
		{ID: "3", PayerID: "carol", PayeeID: "dave", Status: models.PaymentStatusHeld},
	} {
		p.Amount = 100
		p.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, m.InsertPayment(ctx, p))
	}

	all, err := m.GetPayments(ctx, "alice", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "2", all[0].ID, "newest first")

	paying, err := m.GetPayments(ctx, "alice", &models.GetPaymentsOpts{Role: "payer"})
	require.NoError(t, err)
	require.Len(t, paying, 1)
	assert.Equal(t, "1", paying[0].ID)

	held, err := m.GetPaymentsByStatus(ctx, models.PaymentStatusHeld, 10)
	require.NoError(t, err)
	assert.Len(t, held, 2)
}

func TestMemoryPaymentLookups(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	for i, id := range []string{"pay-1", "pay-2"} {
		require.NoError(t, m.InsertPayment(ctx, &models.Payment{
			ID:        id,
			PayerID:   "customer",
			PayeeID:   "provider",
			Amount:    1000,
			Status:    models.PaymentStatusPending,
			RequestID: "req-1",
			Kind:      models.StandardPayment{},
			Processor: models.ProcessorRefs{IntentID: "pi_" + id},
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, m.InsertPayment(ctx, &models.Payment{ID: "pay-3", RequestID: "req-2", Status: models.PaymentStatusPending}))

	payment, err := m.GetPaymentByIntentID(ctx, "pi_pay-2")
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, "pay-2", payment.ID)

	missing, err := m.GetPaymentByIntentID(ctx, "pi_unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	empty, err := m.GetPaymentByIntentID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, empty)

	payments, err := m.GetPaymentsByRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "pay-2", payments[0].ID)
	assert.Equal(t, "pay-1", payments[1].ID)
}
