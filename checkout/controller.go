package checkout

import (
	"context"

	"bitbucket.org/skillbridge/backend/escrow"
	"bitbucket.org/skillbridge/backend/fees"
	"bitbucket.org/skillbridge/backend/models"
	"bitbucket.org/skillbridge/backend/proposals"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Controller drives the payment screen: opening a checkout for a proposal
// and submitting the card details for it.
type Controller struct {
	orchestrator   *proposals.Orchestrator
	escrow         *escrow.Service
	guard          Guard
	publishableKey string
	mockMode       bool
}

type Config struct {
	PublishableKey string
	MockMode       bool
}

func NewController(orchestrator *proposals.Orchestrator, escrowService *escrow.Service, guard Guard, conf Config) *Controller {
	if guard == nil {
		guard = NewMemoryGuard()
	}
	return &Controller{
		orchestrator:   orchestrator,
		escrow:         escrowService,
		guard:          guard,
		publishableKey: conf.PublishableKey,
		mockMode:       conf.MockMode,
	}
}

type OpenResult struct {
	AwaitingApproval bool                  `json:"awaiting_approval"`
	Proposal         *models.Proposal      `json:"proposal"`
	BudgetChange     *models.BudgetChange  `json:"budget_change,omitempty"`
	Payment          *models.Payment       `json:"payment,omitempty"`
	ClientSecret     string                `json:"client_secret,omitempty"`
	PublishableKey   string                `json:"publishable_key,omitempty"`
	MockMode         bool                  `json:"mock_mode"`
	Fees             *fees.DollarBreakdown `json:"fees,omitempty"`
}

// Open accepts the proposal for amount. The result either waits for the
// provider to approve a budget change or carries the pending payment.
func (c *Controller) Open(ctx context.Context, payerID, proposalID string, amount int64) (*OpenResult, error) {
	outcome, err := c.orchestrator.AcceptProposal(ctx, proposalID, payerID, amount)
	if err != nil {
		return nil, err
	}

	result := &OpenResult{
		AwaitingApproval: outcome.AwaitingApproval(),
		Proposal:         outcome.Proposal,
		BudgetChange:     outcome.BudgetChange,
		Payment:          outcome.Payment,
		MockMode:         c.mockMode,
	}
	if outcome.Payment == nil {
		return result, nil
	}

	breakdown, err := c.escrow.Rates().Calculate(outcome.Payment.Amount)
	if err != nil {
		return nil, err
	}
	dollars := breakdown.Dollars()
	result.Fees = &dollars
	result.ClientSecret = outcome.Payment.Processor.ClientSecret
	result.PublishableKey = c.publishableKey
	return result, nil
}

type SubmitResult struct {
	Payment  *models.Payment  `json:"payment"`
	Proposal *models.Proposal `json:"proposal,omitempty"`
	// Warning is set when the payment is held but the proposal could not be
	// accepted. Refreshing completes the acceptance.
	Warning string `json:"warning,omitempty"`
}

// Submit captures the payment and completes the acceptance of its proposal.
// Only one submission per payment runs at a time.
func (c *Controller) Submit(ctx context.Context, payerID, paymentID, paymentMethod string) (*SubmitResult, error) {
	release, err := c.guard.Acquire(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := c.escrow.Get(ctx, paymentID, payerID)
	if err != nil {
		return nil, err
	}
	if current.PayerID != payerID {
		return nil, escrow.ErrUnauthorized
	}
	if current.Status == models.PaymentStatusPending && current.RequestID != "" {
		// only one proposal of a request can be paid for
		releaseRequest, err := c.guard.Acquire(ctx, requestKey(current.RequestID))
		if err != nil {
			return nil, err
		}
		defer releaseRequest()

		if err := c.orchestrator.CheckPayable(ctx, current); err != nil {
			c.abandon(ctx, current, err)
			return nil, err
		}
	}

	payment, err := c.escrow.Capture(ctx, paymentID, payerID, paymentMethod)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{Payment: payment}
	if payment.ProposalID == "" {
		return result, nil
	}

	proposal, err := c.orchestrator.CompleteAcceptance(ctx, paymentID, payerID)
	var partial *proposals.PartialFailureError
	if errors.As(err, &partial) {
		log.WithFields(log.Fields{
			"payment_id":  paymentID,
			"proposal_id": partial.ProposalID,
		}).Warn("submission finished with a partial failure")
		result.Warning = "Payment succeeded, but the proposal status could not be updated. Please refresh the page."
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	result.Proposal = proposal
	return result, nil
}

func requestKey(requestID string) string {
	return "request:" + requestID
}

// abandon cancels a pending payment that can no longer be paid, so its
// intent cannot be confirmed behind our back either.
func (c *Controller) abandon(ctx context.Context, payment *models.Payment, reason error) {
	if !errors.Is(reason, proposals.ErrProposalClosed) && !errors.Is(reason, proposals.ErrRequestClosed) {
		return
	}

	logger := log.WithFields(log.Fields{
		"payment_id":  payment.ID,
		"proposal_id": payment.ProposalID,
		"reason":      escrow.CodeOf(reason),
	})
	if _, err := c.escrow.Cancel(ctx, payment.ID, payment.PayerID); err != nil {
		logger.WithError(err).Warn("failed to cancel unpayable payment")
		return
	}
	logger.Info("cancelled unpayable payment")
}

// Release pays the held funds out, guarded like Submit so that a release
// and a refund of the same payment never reach the processor together.
func (c *Controller) Release(ctx context.Context, payerID, paymentID string) (*models.Payment, error) {
	release, err := c.guard.Acquire(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer release()

	return c.escrow.Release(ctx, paymentID, payerID)
}

func (c *Controller) Refund(ctx context.Context, params escrow.RefundParams) (*models.Payment, error) {
	release, err := c.guard.Acquire(ctx, params.PaymentID)
	if err != nil {
		return nil, err
	}
	defer release()

	return c.escrow.Refund(ctx, params)
}
