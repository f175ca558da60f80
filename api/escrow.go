package api

import (
	"net/http"
	"strconv"

	"bitbucket.org/skillbridge/backend/config"
	"bitbucket.org/skillbridge/backend/escrow"
	"bitbucket.org/skillbridge/backend/helpers"
	"bitbucket.org/skillbridge/backend/middlewares"
	"bitbucket.org/skillbridge/backend/models"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// SubmitPayment godoc
// @Summary Pay a pending escrow payment
// @Description Captures the payment into escrow and completes the acceptance of its proposal. A held payment whose proposal could not be accepted comes back with a warning.
// @Tags escrow
// @Accept json
// @Produce json
// @Param id path string true "payment id"
// @Param body body models.SubmitPaymentOpts true "payment method"
// @Success 200 {object} checkout.SubmitResult
// @Failure 402 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/escrow/payments/{id}/submit [post]
func SubmitPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	var opts models.SubmitPaymentOpts
	if !validateJSON(w, r, models.SubmitPaymentRules, &opts) {
		return
	}

	result, err := ctx.Checkout.Submit(r.Context(), user.ID, mux.Vars(r)["id"], opts.PaymentMethod)
	if err != nil {
		w.WriteError(err)
		return
	}
	if result.Warning != "" {
		w.Logger.WithField("payment_id", result.Payment.ID).Warn(result.Warning)
		result.Warning = middlewares.ErrorMessages["partial_failure"].In(w.Lang)
	}

	w.WriteJSON(http.StatusOK, result, nil, "")
}

// ReleasePayment godoc
// @Summary Release held funds to the payee
// @Tags escrow
// @Produce json
// @Param id path string true "payment id"
// @Success 200 {object} models.Payment
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/escrow/payments/{id}/release [post]
func ReleasePayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	payment, err := ctx.Checkout.Release(r.Context(), user.ID, mux.Vars(r)["id"])
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusOK, payment, nil, "")
}

// RefundPayment godoc
// @Summary Refund an escrow payment
// @Description Without amount the whole payment is refunded.
// @Tags escrow
// @Accept json
// @Produce json
// @Param id path string true "payment id"
// @Param body body models.RefundPaymentOpts false "refund"
// @Success 200 {object} models.Payment
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/escrow/payments/{id}/refund [post]
func RefundPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	var opts models.RefundPaymentOpts
	if r.ContentLength != 0 && !validateJSON(w, r, models.RefundPaymentRules, &opts) {
		return
	}

	payment, err := ctx.Checkout.Refund(r.Context(), escrow.RefundParams{
		PaymentID: mux.Vars(r)["id"],
		CallerID:  user.ID,
		Amount:    opts.Amount,
		Reason:    opts.Reason,
	})
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusOK, payment, nil, "")
}

// CancelPayment godoc
// @Summary Cancel a payment that was never captured
// @Tags escrow
// @Produce json
// @Param id path string true "payment id"
// @Success 200 {object} models.Payment
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/escrow/payments/{id}/cancel [post]
func CancelPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	payment, err := ctx.Escrow.Cancel(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusOK, payment, nil, "")
}

// CompletePayment godoc
// @Summary Finish accepting the proposal of a held payment
// @Description Safe to repeat. Used after a submission that came back with a warning.
// @Tags escrow
// @Produce json
// @Param id path string true "payment id"
// @Success 200 {object} models.Proposal
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/escrow/payments/{id}/complete [post]
func CompletePayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	proposal, err := ctx.Proposals.CompleteAcceptance(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusOK, proposal, nil, "")
}

// GetPayment godoc
// @Summary Get an escrow payment
// @Tags escrow
// @Produce json
// @Param id path string true "payment id"
// @Success 200 {object} models.Payment
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/escrow/payments/{id} [get]
func GetPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	payment, err := ctx.Escrow.Get(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		w.WriteError(err)
		return
	}

	w.WriteJSON(http.StatusOK, payment, nil, "")
}

// GetPayments godoc
// @Summary Escrow payments of the caller
// @Tags escrow
// @Produce json
// @Param status query string false "status"
// @Param role query string false "payer or payee"
// @Param limit_from query int false "offset"
// @Param limit_to query int false "limit"
// @Success 200 {array} models.Payment
// @Failure 400 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/escrow/payments [get]
func GetPayments(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	var opts models.GetPaymentsOpts
	if !validateQuery(w, r, models.GetPaymentsRules, &opts) {
		return
	}

	payments, err := ctx.Escrow.ListForUser(r.Context(), user.ID, &opts)
	if err != nil {
		w.WriteError(err)
		return
	}
	if payments == nil {
		payments = []*models.Payment{}
	}

	w.WriteJSON(http.StatusOK, payments, nil, "")
}

// GetPaymentReceipt godoc
// @Summary Receipt of a held or released payment
// @Description Returns the S3 url of the receipt when S3 is configured, the PDF itself otherwise.
// @Tags escrow
// @Produce json
// @Produce application/pdf
// @Param id path string true "payment id"
// @Success 200 {object} models.PaymentReceipt
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/escrow/payments/{id}/receipt [get]
func GetPaymentReceipt(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	payment, err := ctx.Escrow.Get(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		w.WriteError(err)
		return
	}

	if ctx.AwsS3 != nil {
		url, err := ctx.Receipts.Upload(r.Context(), payment)
		if err != nil {
			writeReceiptError(w, err)
			return
		}
		w.WriteJSON(http.StatusOK, &models.PaymentReceipt{URL: url}, nil, "")
		return
	}

	pdf, err := ctx.Receipts.Build(r.Context(), payment)
	if err != nil {
		writeReceiptError(w, err)
		return
	}
	w.Writer.Header().Set("Content-Type", "application/pdf")
	w.Writer.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(payment.ID+".pdf"))
	w.Writer.WriteHeader(http.StatusOK)
	if _, err := w.Writer.Write(pdf.Bytes()); err != nil {
		w.Logger.WithError(err).Warn("could not write receipt")
	}
}

func writeReceiptError(w *middlewares.ResponseWriter, err error) {
	if errors.Is(err, helpers.ErrNoReceipt) {
		w.WriteJSON(http.StatusConflict, nil, err, err.Error())
		return
	}
	w.WriteJSON(http.StatusInternalServerError, nil, err, "failed generating receipt")
}
