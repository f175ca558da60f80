package api

import (
	"net/http"

	"bitbucket.org/skillbridge/backend/config"
	"bitbucket.org/skillbridge/backend/middlewares"
	"bitbucket.org/skillbridge/backend/server"
)

// HealthcheckHandler godoc
// @Summary Liveness check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func HealthcheckHandler(ctx *config.AppContext, w *middlewares.ResponseWriter, _ *http.Request) {
	w.WriteJSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"processor": ctx.Processor.Name(),
	}, nil, "")
}

// GetRoutes ...
func GetRoutes() []*server.Route {
	return []*server.Route{
		{Path: "/health", Methods: []string{"GET", "HEAD"}, Handler: HealthcheckHandler, IsProtected: false},
		{Path: "/healthcheck", Methods: []string{"GET", "HEAD"}, Handler: HealthcheckHandler, IsProtected: false},

		// Processor
		{Path: "/api/payments/create-intent", Methods: []string{"POST"}, Handler: CreateIntent, IsProtected: true},
		{Path: "/api/payments/confirm-intent", Methods: []string{"POST"}, Handler: ConfirmIntent, IsProtected: true},
		{Path: "/api/payments/status/{id}", Methods: []string{"GET"}, Handler: GetIntentStatus, IsProtected: true},
		{Path: "/api/payments/refund", Methods: []string{"POST"}, Handler: RefundIntent, IsProtected: true},
		{Path: "/api/payments/payout", Methods: []string{"POST"}, Handler: CreatePayout, IsRoleProtected: true},
		{Path: "/api/payments/transfer", Methods: []string{"POST"}, Handler: CreateTransfer, IsRoleProtected: true},
		{Path: "/api/payments/detach-payment-method", Methods: []string{"POST"}, Handler: DetachPaymentMethod, IsRoleProtected: true},
		{Path: "/api/payments/config", Methods: []string{"GET"}, Handler: GetPaymentsConfig, IsProtected: true},
		{Path: "/api/fees", Methods: []string{"GET"}, Handler: GetFees, IsProtected: true},

		// Requests and proposals
		{Path: "/api/requests", Methods: []string{"POST"}, Handler: InsertRequest, IsProtected: true},
		{Path: "/api/requests/{id}/proposals", Methods: []string{"POST"}, Handler: InsertProposal, IsProtected: true},
		{Path: "/api/requests/{id}/proposals", Methods: []string{"GET"}, Handler: GetProposals, IsProtected: true},
		{Path: "/api/proposals/{id}", Methods: []string{"GET"}, Handler: GetProposal, IsProtected: true},
		{Path: "/api/proposals/{id}/checkout", Methods: []string{"POST"}, Handler: CheckoutProposal, IsProtected: true},
		{Path: "/api/proposals/{id}/budget-change/approve", Methods: []string{"POST"}, Handler: ApproveBudgetChange, IsProtected: true},
		{Path: "/api/proposals/{id}/budget-change/reject", Methods: []string{"POST"}, Handler: RejectBudgetChange, IsProtected: true},

		// Escrow
		{Path: "/api/escrow/payments", Methods: []string{"GET"}, Handler: GetPayments, IsProtected: true},
		{Path: "/api/escrow/payments/{id}", Methods: []string{"GET"}, Handler: GetPayment, IsProtected: true},
		{Path: "/api/escrow/payments/{id}/submit", Methods: []string{"POST"}, Handler: SubmitPayment, IsProtected: true},
		{Path: "/api/escrow/payments/{id}/release", Methods: []string{"POST"}, Handler: ReleasePayment, IsProtected: true},
		{Path: "/api/escrow/payments/{id}/refund", Methods: []string{"POST"}, Handler: RefundPayment, IsProtected: true},
		{Path: "/api/escrow/payments/{id}/cancel", Methods: []string{"POST"}, Handler: CancelPayment, IsProtected: true},
		{Path: "/api/escrow/payments/{id}/complete", Methods: []string{"POST"}, Handler: CompletePayment, IsProtected: true},
		{Path: "/api/escrow/payments/{id}/receipt", Methods: []string{"GET"}, Handler: GetPaymentReceipt, IsProtected: true},

		// Session
		{Path: "/api/session", Methods: []string{"GET"}, Handler: GetSession, IsProtected: true},
		{Path: "/api/session", Methods: []string{"DELETE"}, Handler: DeleteSession, IsProtected: true},
	}
}
