package proposals

import (
	"fmt"

	"bitbucket.org/skillbridge/backend/escrow"
)

var (
	ErrRequestNotFound       = &escrow.Error{Kind: escrow.KindNotFound, Code: "request_not_found", Message: "request not found"}
	ErrProposalNotFound      = &escrow.Error{Kind: escrow.KindNotFound, Code: "proposal_not_found", Message: "proposal not found"}
	ErrNotRequestOwner       = &escrow.Error{Kind: escrow.KindAuthorization, Code: "not_request_owner", Message: "only the customer who posted the request can do this"}
	ErrNotProposalProvider   = &escrow.Error{Kind: escrow.KindAuthorization, Code: "not_proposal_provider", Message: "only the provider who sent the proposal can do this"}
	ErrOwnRequest            = &escrow.Error{Kind: escrow.KindValidation, Code: "own_request", Message: "you cannot send a proposal to your own request"}
	ErrMissingTitle          = &escrow.Error{Kind: escrow.KindValidation, Code: "missing_title", Message: "title is required"}
	ErrNegativeBudget        = &escrow.Error{Kind: escrow.KindValidation, Code: "negative_budget", Message: "budget cannot be negative"}
	ErrNoProposal            = &escrow.Error{Kind: escrow.KindValidation, Code: "no_proposal", Message: "payment is not linked to a proposal"}
	ErrRequestClosed         = &escrow.Error{Kind: escrow.KindConflict, Code: "request_closed", Message: "request is no longer open"}
	ErrProposalClosed        = &escrow.Error{Kind: escrow.KindConflict, Code: "proposal_closed", Message: "proposal is no longer pending"}
	ErrBudgetChangePending   = &escrow.Error{Kind: escrow.KindConflict, Code: "budget_change_pending", Message: "another budget change is waiting for the provider"}
	ErrNoPendingBudgetChange = &escrow.Error{Kind: escrow.KindConflict, Code: "no_pending_budget_change", Message: "proposal has no budget change waiting for a decision"}
	ErrPaymentNotCaptured    = &escrow.Error{Kind: escrow.KindConflict, Code: "payment_not_captured", Message: "payment has not been captured yet"}
)

// PartialFailureError is returned when the payment is held but the proposal
// could not be marked accepted. The payment is not rolled back; completing
// the acceptance again is safe.
type PartialFailureError struct {
	PaymentID  string
	ProposalID string
	Err        error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("payment %s is held but proposal %s was not accepted: %v", e.PaymentID, e.ProposalID, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

func (e *PartialFailureError) ErrorKind() escrow.Kind {
	return escrow.KindPartialFailure
}
