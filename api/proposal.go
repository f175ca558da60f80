package api

import (
	"net/http"

	"bitbucket.org/skillbridge/backend/config"
	"bitbucket.org/skillbridge/backend/middlewares"
	"bitbucket.org/skillbridge/backend/models"
	"github.com/gorilla/mux"
)

// InsertRequest godoc
// @Summary Post a service request
// @Tags requests
// @Accept json
// @Produce json
// @Param body body models.InsertRequestOpts true "request"
// @Success 201 {object} models.Request
// @Failure 400 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/requests [post]
func InsertRequest(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	var opts models.InsertRequestOpts
	if !validateJSON(w, r, models.InsertRequestRules, &opts) {
		return
	}

	request, err := ctx.Proposals.CreateRequest(r.Context(), user.ID, &opts)
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusCreated, request, nil, "")
}

// InsertProposal godoc
// @Summary Send a proposal for a request
// @Tags proposals
// @Accept json
// @Produce json
// @Param id path string true "request id"
// @Param body body models.InsertProposalOpts true "proposal"
// @Success 201 {object} models.Proposal
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/requests/{id}/proposals [post]
func InsertProposal(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	var opts models.InsertProposalOpts
	if !validateJSON(w, r, models.InsertProposalRules, &opts) {
		return
	}

	proposal, err := ctx.Proposals.CreateProposal(r.Context(), mux.Vars(r)["id"], user.ID, &opts)
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusCreated, proposal, nil, "")
}

// GetProposals godoc
// @Summary Proposals of a request
// @Description The customer sees every proposal, a provider only their own.
// @Tags proposals
// @Produce json
// @Param id path string true "request id"
// @Success 200 {array} models.Proposal
// @Failure 404 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/requests/{id}/proposals [get]
func GetProposals(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	proposals, err := ctx.Proposals.ListProposals(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		w.WriteError(err)
		return
	}
	if proposals == nil {
		proposals = []*models.Proposal{}
	}

	w.WriteJSON(http.StatusOK, proposals, nil, "")
}

// GetProposal godoc
// @Summary Get a proposal
// @Tags proposals
// @Produce json
// @Param id path string true "proposal id"
// @Success 200 {object} models.Proposal
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/proposals/{id} [get]
func GetProposal(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	proposal, err := ctx.Proposals.GetProposal(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusOK, proposal, nil, "")
}

// CheckoutProposal godoc
// @Summary Accept a proposal and open its payment
// @Description An amount different from the proposed price creates a budget change the provider must approve first.
// @Tags proposals
// @Accept json
// @Produce json
// @Param id path string true "proposal id"
// @Param body body models.CheckoutProposalOpts true "amount in cents"
// @Success 200 {object} checkout.OpenResult
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 402 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/proposals/{id}/checkout [post]
func CheckoutProposal(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	var opts models.CheckoutProposalOpts
	if !validateJSON(w, r, models.CheckoutProposalRules, &opts) {
		return
	}

	result, err := ctx.Checkout.Open(r.Context(), user.ID, mux.Vars(r)["id"], opts.Amount)
	if err != nil {
		w.WriteError(err)
		return
	}

	status := http.StatusOK
	if result.AwaitingApproval {
		status = http.StatusAccepted
	}
	w.WriteJSON(status, result, nil, "")
}

// ApproveBudgetChange godoc
// @Summary Approve the pending budget change of a proposal
// @Tags proposals
// @Produce json
// @Param id path string true "proposal id"
// @Success 200 {object} models.Proposal
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/proposals/{id}/budget-change/approve [post]
func ApproveBudgetChange(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	proposal, err := ctx.Proposals.ApproveBudgetChange(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusOK, proposal, nil, "")
}

// RejectBudgetChange godoc
// @Summary Reject the pending budget change of a proposal
// @Tags proposals
// @Produce json
// @Param id path string true "proposal id"
// @Success 200 {object} models.Proposal
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/proposals/{id}/budget-change/reject [post]
func RejectBudgetChange(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	proposal, err := ctx.Proposals.RejectBudgetChange(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusOK, proposal, nil, "")
}
