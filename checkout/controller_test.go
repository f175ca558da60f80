package checkout

import (
	"context"
	"testing"

	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/escrow"
	"bitbucket.org/skillbridge/backend/models"
	"bitbucket.org/skillbridge/backend/processor"
	"bitbucket.org/skillbridge/backend/proposals"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingProcessor holds every confirmation until unblock is closed.
type blockingProcessor struct {
	*processor.Mock
	entered chan struct{}
	unblock chan struct{}
}

func (p *blockingProcessor) ConfirmIntent(ctx context.Context, params processor.ConfirmParams) (*processor.Intent, error) {
	p.entered <- struct{}{}
	<-p.unblock
	return p.Mock.ConfirmIntent(ctx, params)
}

type flakyStorage struct {
	*db.Memory
	failAccept bool
}

func (s *flakyStorage) AcceptProposal(ctx context.Context, a models.Acceptance) error {
	if s.failAccept {
		return errors.New("deadlock detected")
	}
	return s.Memory.AcceptProposal(ctx, a)
}

type fixture struct {
	storage      *flakyStorage
	processor    processor.Processor
	orchestrator *proposals.Orchestrator
	controller   *Controller
	request      *models.Request
	proposal     *models.Proposal
}

func newFixture(t *testing.T, proc processor.Processor) *fixture {
	t.Helper()
	ctx := context.Background()

	storage := &flakyStorage{Memory: db.NewMemory()}
	escrowService := escrow.NewService(storage, proc)
	orchestrator := proposals.NewOrchestrator(storage, escrowService, nil)

	request, err := orchestrator.CreateRequest(ctx, "customer", &models.InsertRequestOpts{Title: "Tile the bathroom"})
	require.NoError(t, err)
	proposal, err := orchestrator.CreateProposal(ctx, request.ID, "provider", &models.InsertProposalOpts{
		Message:       "Two days of work",
		ProposedPrice: 10000,
	})
	require.NoError(t, err)

	return &fixture{
		storage:      storage,
		processor:    proc,
		orchestrator: orchestrator,
		controller:   NewController(orchestrator, escrowService, NewMemoryGuard(), Config{PublishableKey: "pk_test_123", MockMode: true}),
		request:      request,
		proposal:     proposal,
	}
}

func (f *fixture) siblingProposal(t *testing.T) *models.Proposal {
	t.Helper()
	sibling, err := f.orchestrator.CreateProposal(context.Background(), f.request.ID, "other-provider", &models.InsertProposalOpts{
		Message:       "One day of work",
		ProposedPrice: 8000,
	})
	require.NoError(t, err)
	return sibling
}

func TestOpenReturnsPendingPayment(t *testing.T) {
	f := newFixture(t, processor.NewMock(0, 1))

	result, err := f.controller.Open(context.Background(), "customer", f.proposal.ID, 10000)
	require.NoError(t, err)

	assert.False(t, result.AwaitingApproval)
	require.NotNil(t, result.Payment)
	assert.Equal(t, result.Payment.Processor.ClientSecret, result.ClientSecret)
	assert.Equal(t, "pk_test_123", result.PublishableKey)
	assert.True(t, result.MockMode)
	require.NotNil(t, result.Fees)
	assert.Equal(t, 86.8, result.Fees.NetAmount)
}

func TestOpenWithAdjustedAmountAwaitsApproval(t *testing.T) {
	f := newFixture(t, processor.NewMock(0, 1))

	result, err := f.controller.Open(context.Background(), "customer", f.proposal.ID, 15000)
	require.NoError(t, err)

	assert.True(t, result.AwaitingApproval)
	assert.Nil(t, result.Payment)
	assert.Empty(t, result.ClientSecret)
	require.NotNil(t, result.BudgetChange)
	assert.EqualValues(t, 15000, result.BudgetChange.NewAmount)
}

func TestSubmitCapturesAndAccepts(t *testing.T) {
	f := newFixture(t, processor.NewMock(0, 1))
	ctx := context.Background()

	opened, err := f.controller.Open(ctx, "customer", f.proposal.ID, 10000)
	require.NoError(t, err)

	result, err := f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusHeld, result.Payment.Status)
	require.NotNil(t, result.Proposal)
	assert.Equal(t, models.ProposalStatusAccepted, result.Proposal.Status)
	assert.Empty(t, result.Warning)
}

func TestSubmitPartialFailureIsSuccessWithWarning(t *testing.T) {
	f := newFixture(t, processor.NewMock(0, 1))
	ctx := context.Background()

	opened, err := f.controller.Open(ctx, "customer", f.proposal.ID, 10000)
	require.NoError(t, err)

	f.storage.failAccept = true
	result, err := f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusHeld, result.Payment.Status)
	assert.Nil(t, result.Proposal)
	assert.NotEmpty(t, result.Warning)

	// retrying after the store recovers completes the acceptance
	f.storage.failAccept = false
	result, err = f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
	require.NoError(t, err)
	require.NotNil(t, result.Proposal)
	assert.Equal(t, models.ProposalStatusAccepted, result.Proposal.Status)
}

func TestSubmitDeclinedCanBeRetried(t *testing.T) {
	mock := processor.NewMock(0, 0)
	f := newFixture(t, mock)
	ctx := context.Background()

	opened, err := f.controller.Open(ctx, "customer", f.proposal.ID, 10000)
	require.NoError(t, err)

	_, err = f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
	require.Error(t, err)
	assert.Equal(t, "Your card was declined.", escrow.UserMessage(err))

	mock.SuccessRate = 1
	result, err := f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
	require.NoError(t, err, "the guard is released after a failure")
	assert.Equal(t, models.PaymentStatusHeld, result.Payment.Status)
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	proc := &blockingProcessor{
		Mock:    processor.NewMock(0, 1),
		entered: make(chan struct{}),
		unblock: make(chan struct{}),
	}
	f := newFixture(t, proc)
	ctx := context.Background()

	opened, err := f.controller.Open(ctx, "customer", f.proposal.ID, 10000)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
		done <- err
	}()
	<-proc.entered

	_, err = f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
	assert.Equal(t, ErrSubmissionInProgress, err)
	assert.Equal(t, escrow.KindConflict, escrow.KindOf(err))

	close(proc.unblock)
	require.NoError(t, <-done)
}

func TestReleaseAndRefundShareTheGuard(t *testing.T) {
	f := newFixture(t, processor.NewMock(0, 1))
	ctx := context.Background()

	opened, err := f.controller.Open(ctx, "customer", f.proposal.ID, 10000)
	require.NoError(t, err)
	_, err = f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
	require.NoError(t, err)

	release, err := f.controller.guard.Acquire(ctx, opened.Payment.ID)
	require.NoError(t, err)
	_, err = f.controller.Refund(ctx, escrow.RefundParams{PaymentID: opened.Payment.ID, CallerID: "customer"})
	assert.Equal(t, ErrSubmissionInProgress, err)
	release()

	released, err := f.controller.Release(ctx, "customer", opened.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusReleased, released.Status)
}

func TestSubmitSiblingAfterAcceptanceIsRefused(t *testing.T) {
	f := newFixture(t, processor.NewMock(0, 1))
	ctx := context.Background()
	sibling := f.siblingProposal(t)

	first, err := f.controller.Open(ctx, "customer", f.proposal.ID, 10000)
	require.NoError(t, err)
	second, err := f.controller.Open(ctx, "customer", sibling.ID, 8000)
	require.NoError(t, err)

	_, err = f.controller.Submit(ctx, "customer", first.Payment.ID, "pm_card_visa")
	require.NoError(t, err)

	_, err = f.controller.Submit(ctx, "customer", second.Payment.ID, "pm_card_visa")
	assert.Equal(t, proposals.ErrProposalClosed, err)

	stored, err := f.storage.GetPaymentByID(ctx, second.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, stored.Status)
	assert.Empty(t, stored.Processor.ChargeID)

	intent, err := f.processor.GetIntent(ctx, second.Payment.Processor.IntentID)
	require.NoError(t, err)
	assert.Equal(t, processor.IntentStatusCanceled, intent.Status)
}

func TestSubmitSiblingOfHeldPaymentIsRefused(t *testing.T) {
	f := newFixture(t, processor.NewMock(0, 1))
	ctx := context.Background()
	sibling := f.siblingProposal(t)

	first, err := f.controller.Open(ctx, "customer", f.proposal.ID, 10000)
	require.NoError(t, err)
	second, err := f.controller.Open(ctx, "customer", sibling.ID, 8000)
	require.NoError(t, err)

	// the first payment is held but its proposal is still pending
	f.storage.failAccept = true
	result, err := f.controller.Submit(ctx, "customer", first.Payment.ID, "pm_card_visa")
	require.NoError(t, err)
	require.NotEmpty(t, result.Warning)
	f.storage.failAccept = false

	_, err = f.controller.Submit(ctx, "customer", second.Payment.ID, "pm_card_visa")
	assert.Equal(t, proposals.ErrRequestClosed, err)

	stored, err := f.storage.GetPaymentByID(ctx, second.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, stored.Status)
}

func TestSubmitsForOneRequestAreSerialized(t *testing.T) {
	f := newFixture(t, processor.NewMock(0, 1))
	ctx := context.Background()

	opened, err := f.controller.Open(ctx, "customer", f.proposal.ID, 10000)
	require.NoError(t, err)

	release, err := f.controller.guard.Acquire(ctx, requestKey(f.request.ID))
	require.NoError(t, err)
	_, err = f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
	assert.Equal(t, ErrSubmissionInProgress, err)
	release()

	result, err := f.controller.Submit(ctx, "customer", opened.Payment.ID, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusHeld, result.Payment.Status)
}
