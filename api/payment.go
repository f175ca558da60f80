package api

import (
	"net/http"
	"strings"

	"bitbucket.org/skillbridge/backend/config"
	"bitbucket.org/skillbridge/backend/escrow"
	"bitbucket.org/skillbridge/backend/middlewares"
	"bitbucket.org/skillbridge/backend/models"
	"bitbucket.org/skillbridge/backend/processor"
	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/thedevsaddam/govalidator"
)

// writeProcessorError keeps the thin processor endpoints on their
// {"error": message} contract: 400 for rejected input, 500 otherwise.
func writeProcessorError(w *middlewares.ResponseWriter, err error, fallback string) {
	message := fallback
	status := http.StatusInternalServerError
	if perr, ok := processor.AsError(err); ok {
		if perr.Message != "" {
			message = perr.Message
		}
		if perr.StatusCode == http.StatusBadRequest {
			status = http.StatusBadRequest
		}
	}
	w.WriteJSON(status, nil, err, message)
}

func validateJSON(w *middlewares.ResponseWriter, r *http.Request, rules govalidator.MapData, data interface{}) bool {
	v := govalidator.New(govalidator.Options{
		Request: r,
		Rules:   rules,
		Data:    data,
	})
	if errs := v.ValidateJSON(); len(errs) > 0 {
		w.WriteValidation(errs)
		return false
	}
	return true
}

func validateQuery(w *middlewares.ResponseWriter, r *http.Request, rules govalidator.MapData, data interface{}) bool {
	v := govalidator.New(govalidator.Options{
		Request: r,
		Rules:   rules,
	})
	if errs := v.Validate(); len(errs) > 0 {
		w.WriteValidation(errs)
		return false
	}
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(data, r.URL.Query()); err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, "invalid query")
		return false
	}
	return true
}

// escrowPayment returns the escrow payment that owns intentID, nil for
// intents created through the plain processor endpoints.
func escrowPayment(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request, intentID string) (*models.Payment, bool) {
	payment, err := ctx.DB.GetPaymentByIntentID(r.Context(), intentID)
	if err != nil {
		w.WriteError(err)
		return nil, false
	}
	return payment, true
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return models.DefaultCurrency
	}
	return strings.ToLower(currency)
}

// CreateIntent godoc
// @Summary Create a payment intent
// @Tags payments
// @Accept json
// @Produce json
// @Param body body models.CreateIntentOpts true "intent"
// @Success 200 {object} models.CreateIntentResponse
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/payments/create-intent [post]
func CreateIntent(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	var opts models.CreateIntentOpts
	if !validateJSON(w, r, models.CreateIntentRules, &opts) {
		return
	}
	if opts.Amount <= 0 {
		w.WriteJSON(http.StatusBadRequest, nil, nil, "amount must be greater than zero")
		return
	}

	intent, err := ctx.Processor.CreateIntent(r.Context(), processor.IntentParams{
		Amount:   opts.Amount,
		Currency: currencyOrDefault(opts.Currency),
		Metadata: opts.Metadata,
	})
	if err != nil {
		writeProcessorError(w, err, "failed creating payment intent")
		return
	}

	w.WriteJSON(http.StatusOK, &models.CreateIntentResponse{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil, "")
}

// ConfirmIntent godoc
// @Summary Confirm a payment intent
// @Description The intent is identified by its id or by its client secret. Escrow intents are captured through the escrow flow.
// @Tags payments
// @Accept json
// @Produce json
// @Param body body models.ConfirmIntentOpts true "confirmation"
// @Success 200 {object} models.ConfirmIntentResponse
// @Failure 400 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/payments/confirm-intent [post]
func ConfirmIntent(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	var opts models.ConfirmIntentOpts
	if !validateJSON(w, r, models.ConfirmIntentRules, &opts) {
		return
	}

	intentID := opts.PaymentIntentID
	if intentID == "" {
		if opts.ClientSecret == "" {
			w.WriteJSON(http.StatusBadRequest, nil, nil, "clientSecret or paymentIntentId is required")
			return
		}
		id, err := processor.IntentIDFromClientSecret(opts.ClientSecret)
		if err != nil {
			w.WriteJSON(http.StatusBadRequest, nil, err, "invalid clientSecret")
			return
		}
		intentID = id
	}

	payment, ok := escrowPayment(ctx, w, r, intentID)
	if !ok {
		return
	}
	if payment != nil {
		// escrow intents are only captured through the escrow flow
		result, err := ctx.Checkout.Submit(r.Context(), middlewares.UserFromRequest(r).ID, payment.ID, opts.PaymentMethod)
		if err != nil {
			w.WriteError(err)
			return
		}
		w.WriteJSON(http.StatusOK, &models.ConfirmIntentResponse{
			Status:        processor.IntentStatusSucceeded,
			ID:            intentID,
			PaymentMethod: result.Payment.Processor.PaymentMethod,
			LatestCharge:  result.Payment.Processor.ChargeID,
		}, nil, "")
		return
	}

	intent, err := ctx.Processor.ConfirmIntent(r.Context(), processor.ConfirmParams{
		IntentID:      intentID,
		PaymentMethod: opts.PaymentMethod,
	})
	if err != nil {
		writeProcessorError(w, err, "failed confirming payment intent")
		return
	}

	w.WriteJSON(http.StatusOK, &models.ConfirmIntentResponse{
		Status:        intent.Status,
		ID:            intent.ID,
		PaymentMethod: intent.PaymentMethod,
		LatestCharge:  intent.LatestCharge,
	}, nil, "")
}

// GetIntentStatus godoc
// @Summary Payment intent status
// @Tags payments
// @Produce json
// @Param id path string true "intent id"
// @Success 200 {object} models.IntentStatusResponse
// @Failure 500 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/payments/status/{id} [get]
func GetIntentStatus(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	intentID := mux.Vars(r)["id"]

	payment, ok := escrowPayment(ctx, w, r, intentID)
	if !ok {
		return
	}
	if payment != nil {
		if _, err := ctx.Escrow.Get(r.Context(), payment.ID, middlewares.UserFromRequest(r).ID); err != nil {
			w.WriteError(err)
			return
		}
	}

	intent, err := ctx.Processor.GetIntent(r.Context(), intentID)
	if err != nil {
		writeProcessorError(w, err, "failed getting payment intent")
		return
	}

	w.WriteJSON(http.StatusOK, &models.IntentStatusResponse{
		ID:            intent.ID,
		Status:        intent.Status,
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		PaymentMethod: intent.PaymentMethod,
		LatestCharge:  intent.LatestCharge,
	}, nil, "")
}

// RefundIntent godoc
// @Summary Refund a payment intent
// @Description Without amount the whole intent is refunded. Escrow intents are refunded through the escrow flow by their payer, other intents need an admin role.
// @Tags payments
// @Accept json
// @Produce json
// @Param body body models.RefundOpts true "refund"
// @Success 200 {object} models.RefundResponse
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/payments/refund [post]
func RefundIntent(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	var opts models.RefundOpts
	if !validateJSON(w, r, models.RefundRules, &opts) {
		return
	}
	if opts.Amount < 0 {
		w.WriteJSON(http.StatusBadRequest, nil, nil, "amount cannot be negative")
		return
	}

	user := middlewares.UserFromRequest(r)
	payment, ok := escrowPayment(ctx, w, r, opts.PaymentIntentID)
	if !ok {
		return
	}
	if payment != nil {
		refunded, err := ctx.Checkout.Refund(r.Context(), escrow.RefundParams{
			PaymentID: payment.ID,
			CallerID:  user.ID,
			Amount:    opts.Amount,
			Reason:    opts.Reason,
		})
		if err != nil {
			w.WriteError(err)
			return
		}
		w.WriteJSON(http.StatusOK, &models.RefundResponse{
			ID:            refunded.Processor.RefundID,
			Amount:        refunded.Processor.RefundedAmount,
			Currency:      refunded.Currency,
			PaymentIntent: refunded.Processor.IntentID,
			Status:        "succeeded",
			Reason:        opts.Reason,
			Created:       refunded.UpdatedAt.Unix(),
		}, nil, "")
		return
	}

	// intents outside escrow have no owner on record
	if !user.HasRole(ctx.Config.Supabase.AdminRoles...) {
		w.WriteError(escrow.ErrUnauthorized)
		return
	}

	refund, err := ctx.Processor.Refund(r.Context(), processor.RefundParams{
		IntentID: opts.PaymentIntentID,
		Amount:   opts.Amount,
		Reason:   opts.Reason,
	})
	if err != nil {
		writeProcessorError(w, err, "failed refunding payment")
		return
	}

	w.WriteJSON(http.StatusOK, &models.RefundResponse{
		ID:            refund.ID,
		Amount:        refund.Amount,
		Currency:      refund.Currency,
		PaymentIntent: refund.IntentID,
		Status:        refund.Status,
		Reason:        refund.Reason,
		Created:       refund.Created,
	}, nil, "")
}

func transferResponse(t *processor.Transfer) *models.TransferResponse {
	return &models.TransferResponse{
		ID:          t.ID,
		Amount:      t.Amount,
		Currency:    t.Currency,
		Destination: t.Destination,
		Status:      t.Status,
		Created:     t.Created,
	}
}

// CreatePayout godoc
// @Summary Pay out the platform balance
// @Tags payments
// @Accept json
// @Produce json
// @Param body body models.TransferOpts true "payout"
// @Success 200 {object} models.TransferResponse
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/payments/payout [post]
func CreatePayout(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	var opts models.TransferOpts
	if !validateJSON(w, r, models.PayoutRules, &opts) {
		return
	}
	if opts.Amount <= 0 {
		w.WriteJSON(http.StatusBadRequest, nil, nil, "amount must be greater than zero")
		return
	}

	payout, err := ctx.Processor.Payout(r.Context(), processor.TransferParams{
		Amount:      opts.Amount,
		Currency:    currencyOrDefault(opts.Currency),
		Destination: opts.Destination,
		Description: opts.Description,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		writeProcessorError(w, err, "failed creating payout")
		return
	}

	w.WriteJSON(http.StatusOK, transferResponse(payout), nil, "")
}

// CreateTransfer godoc
// @Summary Transfer funds to a connected account
// @Tags payments
// @Accept json
// @Produce json
// @Param body body models.TransferOpts true "transfer"
// @Success 200 {object} models.TransferResponse
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/payments/transfer [post]
func CreateTransfer(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	var opts models.TransferOpts
	if !validateJSON(w, r, models.TransferRules, &opts) {
		return
	}
	if opts.Amount <= 0 {
		w.WriteJSON(http.StatusBadRequest, nil, nil, "amount must be greater than zero")
		return
	}

	transfer, err := ctx.Processor.Transfer(r.Context(), processor.TransferParams{
		Amount:      opts.Amount,
		Currency:    currencyOrDefault(opts.Currency),
		Destination: opts.Destination,
		Description: opts.Description,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		writeProcessorError(w, err, "failed creating transfer")
		return
	}

	w.WriteJSON(http.StatusOK, transferResponse(transfer), nil, "")
}

// DetachPaymentMethod godoc
// @Summary Detach a saved payment method
// @Tags payments
// @Accept json
// @Produce json
// @Param body body models.DetachPaymentMethodOpts true "payment method"
// @Success 200 {object} map[string]bool
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/payments/detach-payment-method [post]
func DetachPaymentMethod(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	var opts models.DetachPaymentMethodOpts
	if !validateJSON(w, r, models.DetachPaymentMethodRules, &opts) {
		return
	}

	if err := ctx.Processor.DetachPaymentMethod(r.Context(), opts.PaymentMethodID); err != nil {
		writeProcessorError(w, err, "failed detaching payment method")
		return
	}

	w.WriteJSON(http.StatusOK, map[string]bool{"success": true}, nil, "")
}

// GetPaymentsConfig godoc
// @Summary Client side payment settings
// @Tags payments
// @Produce json
// @Success 200 {object} models.PaymentsConfigResponse
// @Security ApiKeyAuth
// @Router /api/payments/config [get]
func GetPaymentsConfig(ctx *config.AppContext, w *middlewares.ResponseWriter, _ *http.Request) {
	w.WriteJSON(http.StatusOK, &models.PaymentsConfigResponse{
		PublishableKey: ctx.Config.Stripe.PublishableKey,
		MockMode:       ctx.Config.MockMode(),
		Currency:       models.DefaultCurrency,
	}, nil, "")
}

// GetFees godoc
// @Summary Fee breakdown of an amount
// @Description amount is in cents, the breakdown is in dollars.
// @Tags payments
// @Produce json
// @Param amount query int true "amount in cents"
// @Success 200 {object} fees.DollarBreakdown
// @Failure 400 {object} map[string]string
// @Security ApiKeyAuth
// @Router /api/fees [get]
func GetFees(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	var opts models.FeesOpts
	if !validateQuery(w, r, models.FeesRules, &opts) {
		return
	}

	breakdown, err := ctx.Escrow.Rates().Calculate(opts.Amount)
	if err != nil {
		w.WriteJSON(http.StatusBadRequest, nil, err, err.Error())
		return
	}

	w.WriteJSON(http.StatusOK, breakdown.Dollars(), nil, "")
}
