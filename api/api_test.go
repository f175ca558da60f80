package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/skillbridge/backend/config"
	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/events"
	"bitbucket.org/skillbridge/backend/models"
	"bitbucket.org/skillbridge/backend/processor"
	"bitbucket.org/skillbridge/backend/server"
	"bitbucket.org/skillbridge/backend/session"
	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret  = "super-secret-jwt-token"
	customerID = "3f0c2b1e-customer"
	providerID = "8a9d7c6b-provider"
	strangerID = "5e4d3c2b-stranger"
	operatorID = "0a1b2c3d-operator"

	roleUser  = "authenticated"
	roleAdmin = "service_role"
)

type testApp struct {
	t       *testing.T
	handler http.Handler
	ctx     *config.AppContext
	store   *db.Memory
	events  *events.Recorder
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	store := db.NewMemory()
	recorder := &events.Recorder{}
	appCtx := &config.AppContext{
		Config:    config.Configuration{Environment: "test"},
		DB:        store,
		Processor: processor.NewMock(0, 1),
		Events:    recorder,
	}
	appCtx.Config.Supabase.JWTSecret = jwtSecret
	appCtx.Config.Supabase.AdminRoles = config.List{roleAdmin}
	appCtx.Config.CORS.AllowedOrigins = config.List{"http://localhost:5173"}

	wrapper := &server.ContextWrapper{Context: appCtx}
	wrapper.CreateServices()
	t.Cleanup(appCtx.Sessions.Close)

	for _, p := range []*models.Profile{
		{ID: customerID, Email: "customer@example.com", FullName: "Carla Customer", Role: "customer"},
		{ID: providerID, Email: "provider@example.com", FullName: "Pablo Provider", Role: "provider", PayoutAccountID: "acct_provider"},
	} {
		require.NoError(t, store.InsertProfile(context.Background(), p))
	}

	return &testApp{
		t:       t,
		handler: server.NewHandler(appCtx, GetRoutes()),
		ctx:     appCtx,
		store:   store,
		events:  recorder,
	}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": userID + "@example.com",
		"role":  role,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (a *testApp) do(method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.doAs(method, path, userID, roleUser, body)
}

func (a *testApp) doAs(method, path, userID, role string, body interface{}) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(a.t, userID, role))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

type paymentBody struct {
	ID         string               `json:"id"`
	Status     models.PaymentStatus `json:"status"`
	Amount     int64                `json:"amount"`
	ReleasedAt *time.Time           `json:"released_at"`
	Kind       struct {
		Type string `json:"type"`
	} `json:"kind"`
}

type openBody struct {
	AwaitingApproval bool            `json:"awaiting_approval"`
	Proposal         models.Proposal `json:"proposal"`
	Payment          *paymentBody    `json:"payment"`
	ClientSecret     string          `json:"client_secret"`
	MockMode         bool            `json:"mock_mode"`
	Fees             struct {
		Total         float64 `json:"total"`
		ProcessingFee float64 `json:"processingFee"`
		PlatformFee   float64 `json:"platformFee"`
		NetAmount     float64 `json:"netAmount"`
	} `json:"fees"`
}

type errBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// proposalFor posts a request as the customer and a proposal for it as the
// provider.
func (a *testApp) proposalFor(price int64) *models.Proposal {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/requests", customerID, models.InsertRequestOpts{
		Title:  "Fix the kitchen sink",
		Budget: price,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var request models.Request
	decode(a.t, rec, &request)

	rec = a.do(http.MethodPost, "/api/requests/"+request.ID+"/proposals", providerID, models.InsertProposalOpts{
		Message:           "I can come tomorrow",
		ProposedPrice:     price,
		EstimatedDuration: "2 hours",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var proposal models.Proposal
	decode(a.t, rec, &proposal)
	return &proposal
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","processor":"mock"}`, rec.Body.String())
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(http.MethodGet, "/api/escrow/payments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFees(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(http.MethodGet, "/api/fees?amount=10000", customerID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"processingFee":3.2,"platformFee":10,"netAmount":86.8,"total":100}`, rec.Body.String())

	rec = app.do(http.MethodGet, "/api/fees", customerID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEscrowFlow(t *testing.T) {
	app := newTestApp(t)
	proposal := app.proposalFor(10000)

	rec := app.do(http.MethodPost, "/api/proposals/"+proposal.ID+"/checkout", customerID, models.CheckoutProposalOpts{Amount: 10000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var opened openBody
	decode(t, rec, &opened)
	require.NotNil(t, opened.Payment)
	assert.False(t, opened.AwaitingApproval)
	assert.True(t, opened.MockMode)
	assert.Equal(t, models.PaymentStatusPending, opened.Payment.Status)
	assert.NotEmpty(t, opened.ClientSecret)
	assert.Equal(t, 100.0, opened.Fees.Total)
	assert.Equal(t, 86.8, opened.Fees.NetAmount)

	paymentPath := "/api/escrow/payments/" + opened.Payment.ID

	rec = app.do(http.MethodPost, paymentPath+"/submit", customerID, models.SubmitPaymentOpts{PaymentMethod: "pm_card_visa"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var submitted struct {
		Payment  paymentBody     `json:"payment"`
		Proposal models.Proposal `json:"proposal"`
		Warning  string          `json:"warning"`
	}
	decode(t, rec, &submitted)
	assert.Equal(t, models.PaymentStatusHeld, submitted.Payment.Status)
	assert.Equal(t, models.ProposalStatusAccepted, submitted.Proposal.Status)
	assert.Empty(t, submitted.Warning)

	// paying twice is a no-op
	rec = app.do(http.MethodPost, paymentPath+"/submit", customerID, models.SubmitPaymentOpts{PaymentMethod: "pm_card_visa"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = app.do(http.MethodPost, paymentPath+"/release", providerID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var denied errBody
	decode(t, rec, &denied)
	assert.Equal(t, "unauthorized", denied.Code)
	assert.False(t, denied.Retryable)

	rec = app.do(http.MethodGet, paymentPath, providerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stillHeld paymentBody
	decode(t, rec, &stillHeld)
	assert.Equal(t, models.PaymentStatusHeld, stillHeld.Status)

	rec = app.do(http.MethodPost, paymentPath+"/release", customerID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var released paymentBody
	decode(t, rec, &released)
	assert.Equal(t, models.PaymentStatusReleased, released.Status)
	assert.NotNil(t, released.ReleasedAt)

	rec = app.do(http.MethodPost, paymentPath+"/release", customerID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = app.do(http.MethodGet, "/api/escrow/payments?role=payee", providerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []paymentBody
	decode(t, rec, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, opened.Payment.ID, listed[0].ID)

	assert.Contains(t, app.events.Types(), "payment.released")
}

func TestBudgetChangeFlow(t *testing.T) {
	app := newTestApp(t)
	proposal := app.proposalFor(10000)

	rec := app.do(http.MethodPost, "/api/proposals/"+proposal.ID+"/checkout", customerID, models.CheckoutProposalOpts{Amount: 12000})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var awaiting openBody
	decode(t, rec, &awaiting)
	assert.True(t, awaiting.AwaitingApproval)
	assert.Nil(t, awaiting.Payment)

	rec = app.do(http.MethodPost, "/api/proposals/"+proposal.ID+"/budget-change/approve", customerID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = app.do(http.MethodPost, "/api/proposals/"+proposal.ID+"/budget-change/approve", providerID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = app.do(http.MethodPost, "/api/proposals/"+proposal.ID+"/checkout", customerID, models.CheckoutProposalOpts{Amount: 12000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var opened openBody
	decode(t, rec, &opened)
	require.NotNil(t, opened.Payment)
	assert.Equal(t, int64(12000), opened.Payment.Amount)
	assert.Equal(t, models.PaymentKindBudgetAdjusted, opened.Payment.Kind.Type)
}

func TestRefundAndCancel(t *testing.T) {
	app := newTestApp(t)
	proposal := app.proposalFor(5000)

	rec := app.do(http.MethodPost, "/api/proposals/"+proposal.ID+"/checkout", customerID, models.CheckoutProposalOpts{Amount: 5000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var opened openBody
	decode(t, rec, &opened)
	paymentPath := "/api/escrow/payments/" + opened.Payment.ID

	rec = app.do(http.MethodPost, paymentPath+"/refund", customerID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = app.do(http.MethodPost, paymentPath+"/submit", customerID, models.SubmitPaymentOpts{PaymentMethod: "pm_card_visa"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = app.do(http.MethodPost, paymentPath+"/cancel", customerID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = app.do(http.MethodPost, paymentPath+"/refund", customerID, models.RefundPaymentOpts{Amount: 9000})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = app.do(http.MethodPost, paymentPath+"/refund", customerID, models.RefundPaymentOpts{Reason: "requested_by_customer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refunded paymentBody
	decode(t, rec, &refunded)
	assert.Equal(t, models.PaymentStatusRefunded, refunded.Status)
}

func TestSelfPaymentRejected(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(http.MethodPost, "/api/requests", customerID, models.InsertRequestOpts{Title: "Paint the fence"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var request models.Request
	decode(t, rec, &request)

	rec = app.do(http.MethodPost, "/api/requests/"+request.ID+"/proposals", customerID, models.InsertProposalOpts{
		Message:       "I will do it myself",
		ProposedPrice: 1000,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errBody
	decode(t, rec, &body)
	assert.Equal(t, "own_request", body.Code)
}

func TestErrorsAreLocalized(t *testing.T) {
	app := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/api/escrow/payments/missing", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, customerID, roleUser))
	req.Header.Set("Accept-Language", "es-CL")
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errBody
	decode(t, rec, &body)
	assert.Equal(t, "No se encontró el pago", body.Error)
}

func TestProcessorPassThrough(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(http.MethodPost, "/api/payments/create-intent", customerID, map[string]interface{}{
		"amount":   2500,
		"currency": "usd",
		"metadata": map[string]string{"order": "42"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created models.CreateIntentResponse
	decode(t, rec, &created)
	assert.NotEmpty(t, created.ID)

	rec = app.do(http.MethodPost, "/api/payments/confirm-intent", customerID, models.ConfirmIntentOpts{
		ClientSecret:  created.ClientSecret,
		PaymentMethod: "pm_card_visa",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var confirmed models.ConfirmIntentResponse
	decode(t, rec, &confirmed)
	assert.Equal(t, processor.IntentStatusSucceeded, confirmed.Status)
	assert.Equal(t, created.ID, confirmed.ID)
	assert.NotEmpty(t, confirmed.LatestCharge)

	rec = app.do(http.MethodGet, "/api/payments/status/"+created.ID, customerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.IntentStatusResponse
	decode(t, rec, &status)
	assert.Equal(t, int64(2500), status.Amount)

	// intents outside escrow are refunded by operators only
	rec = app.do(http.MethodPost, "/api/payments/refund", customerID, models.RefundOpts{PaymentIntentID: created.ID, Amount: 1000})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = app.doAs(http.MethodPost, "/api/payments/refund", operatorID, roleAdmin, models.RefundOpts{PaymentIntentID: created.ID, Amount: 1000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refund models.RefundResponse
	decode(t, rec, &refund)
	assert.Equal(t, int64(1000), refund.Amount)

	rec = app.doAs(http.MethodPost, "/api/payments/transfer", operatorID, roleAdmin, models.TransferOpts{
		Amount:      800,
		Currency:    "usd",
		Destination: "acct_provider",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var transfer models.TransferResponse
	decode(t, rec, &transfer)
	assert.Equal(t, "acct_provider", transfer.Destination)

	rec = app.do(http.MethodGet, "/api/payments/status/pi_unknown", customerID, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var failed map[string]string
	decode(t, rec, &failed)
	assert.Contains(t, failed["error"], "No such payment_intent")

	rec = app.do(http.MethodPost, "/api/payments/create-intent", customerID, map[string]interface{}{"currency": "usd"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlatformFundsNeedAdminRole(t *testing.T) {
	app := newTestApp(t)

	for _, path := range []string{"/api/payments/transfer", "/api/payments/payout"} {
		rec := app.do(http.MethodPost, path, strangerID, models.TransferOpts{
			Amount:      500000,
			Currency:    "usd",
			Destination: "acct_stranger",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		var denied errBody
		decode(t, rec, &denied)
		assert.Equal(t, "unauthorized", denied.Code)
	}

	rec := app.do(http.MethodPost, "/api/payments/detach-payment-method", strangerID, models.DetachPaymentMethodOpts{PaymentMethodID: "pm_card_visa"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = app.do(http.MethodPost, "/api/payments/transfer", "", models.TransferOpts{Amount: 100, Destination: "acct_stranger"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = app.doAs(http.MethodPost, "/api/payments/payout", operatorID, roleAdmin, models.TransferOpts{Amount: 100, Currency: "usd"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEscrowIntentsFollowTheEscrowFlow(t *testing.T) {
	app := newTestApp(t)
	proposal := app.proposalFor(10000)

	rec := app.do(http.MethodPost, "/api/proposals/"+proposal.ID+"/checkout", customerID, models.CheckoutProposalOpts{Amount: 10000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var opened openBody
	decode(t, rec, &opened)
	intentID, err := processor.IntentIDFromClientSecret(opened.ClientSecret)
	require.NoError(t, err)
	paymentPath := "/api/escrow/payments/" + opened.Payment.ID

	rec = app.do(http.MethodPost, "/api/payments/confirm-intent", strangerID, models.ConfirmIntentOpts{
		PaymentIntentID: intentID,
		PaymentMethod:   "pm_card_visa",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = app.do(http.MethodPost, "/api/payments/confirm-intent", customerID, models.ConfirmIntentOpts{
		ClientSecret:  opened.ClientSecret,
		PaymentMethod: "pm_card_visa",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var confirmed models.ConfirmIntentResponse
	decode(t, rec, &confirmed)
	assert.Equal(t, processor.IntentStatusSucceeded, confirmed.Status)
	assert.Equal(t, intentID, confirmed.ID)

	stored, err := app.store.GetPaymentByID(context.Background(), opened.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusHeld, stored.Status)

	rec = app.do(http.MethodGet, "/api/payments/status/"+intentID, strangerID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	for _, caller := range []string{strangerID, providerID} {
		rec = app.do(http.MethodPost, "/api/payments/refund", caller, models.RefundOpts{PaymentIntentID: intentID})
		assert.Equal(t, http.StatusForbidden, rec.Code, caller)
	}
	rec = app.doAs(http.MethodPost, "/api/payments/refund", operatorID, roleAdmin, models.RefundOpts{PaymentIntentID: intentID})
	assert.Equal(t, http.StatusForbidden, rec.Code, "escrow refunds belong to the payer")

	rec = app.do(http.MethodGet, paymentPath, customerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var held paymentBody
	decode(t, rec, &held)
	assert.Equal(t, models.PaymentStatusHeld, held.Status)

	rec = app.do(http.MethodPost, "/api/payments/refund", customerID, models.RefundOpts{PaymentIntentID: intentID, Reason: "requested_by_customer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refund models.RefundResponse
	decode(t, rec, &refund)
	assert.Equal(t, int64(10000), refund.Amount)
	assert.Equal(t, intentID, refund.PaymentIntent)

	// the refunded payment can no longer be released
	rec = app.do(http.MethodPost, paymentPath+"/release", customerID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = app.do(http.MethodGet, paymentPath, customerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var refunded paymentBody
	decode(t, rec, &refunded)
	assert.Equal(t, models.PaymentStatusRefunded, refunded.Status)
}

func TestSiblingCheckoutAfterAcceptance(t *testing.T) {
	app := newTestApp(t)
	first := app.proposalFor(10000)

	rec := app.do(http.MethodPost, "/api/requests/"+first.RequestID+"/proposals", strangerID, models.InsertProposalOpts{
		Message:       "Cheaper",
		ProposedPrice: 8000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var second models.Proposal
	decode(t, rec, &second)

	var payments []string
	for _, p := range []struct {
		id     string
		amount int64
	}{{first.ID, 10000}, {second.ID, 8000}} {
		rec = app.do(http.MethodPost, "/api/proposals/"+p.id+"/checkout", customerID, models.CheckoutProposalOpts{Amount: p.amount})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var opened openBody
		decode(t, rec, &opened)
		payments = append(payments, opened.Payment.ID)
	}

	rec = app.do(http.MethodPost, "/api/escrow/payments/"+payments[0]+"/submit", customerID, models.SubmitPaymentOpts{PaymentMethod: "pm_card_visa"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = app.do(http.MethodPost, "/api/escrow/payments/"+payments[1]+"/submit", customerID, models.SubmitPaymentOpts{PaymentMethod: "pm_card_visa"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var closed errBody
	decode(t, rec, &closed)
	assert.Equal(t, "proposal_closed", closed.Code)

	stored, err := app.store.GetPaymentByID(context.Background(), payments[1])
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, stored.Status)
	assert.Empty(t, stored.Processor.ChargeID)
}

func TestSessionLifecycle(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(http.MethodGet, "/api/session?wait=true", customerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view session.View
	decode(t, rec, &view)
	assert.Equal(t, session.StateAuthenticatedWithProfile, view.State)
	require.NotNil(t, view.Profile)
	assert.Equal(t, "Carla Customer", view.Profile.FullName)

	rec = app.do(http.MethodDelete, "/api/session", customerID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := app.ctx.Sessions.Get(customerID)
	assert.False(t, ok)
}
