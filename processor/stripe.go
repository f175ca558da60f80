package processor

import (
	"context"

	"github.com/pkg/errors"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// Stripe talks to the Stripe API through the official SDK.
type Stripe struct {
	api *client.API
}

func NewStripe(secretKey string) *Stripe {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{api: api}
}

func (s *Stripe) Name() string {
	return "stripe"
}

func (s *Stripe) CreateIntent(ctx context.Context, p IntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(p.Amount),
		Currency:           stripe.String(p.Currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapStripe("create intent", err)
	}
	return intentFromStripe(pi), nil
}

// ConfirmIntent confirms an intent. An intent that already succeeded is
// returned as a success with AlreadySucceeded set.
func (s *Stripe) ConfirmIntent(ctx context.Context, p ConfirmParams) (*Intent, error) {
	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(p.PaymentMethod),
	}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Confirm(p.IntentID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			existing, getErr := s.GetIntent(ctx, p.IntentID)
			if getErr == nil && existing.Succeeded() {
				existing.AlreadySucceeded = true
				return existing, nil
			}
		}
		return nil, wrapStripe("confirm intent", err)
	}
	return intentFromStripe(pi), nil
}

func (s *Stripe) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, wrapStripe("get intent", err)
	}
	return intentFromStripe(pi), nil
}

// CancelIntent cancels an intent that was never captured. An intent that is
// canceled already is returned as is.
func (s *Stripe) CancelIntent(ctx context.Context, intentID, reason string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if reason != "" {
		params.CancellationReason = stripe.String(reason)
	}

	pi, err := s.api.PaymentIntents.Cancel(intentID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			existing, getErr := s.GetIntent(ctx, intentID)
			if getErr == nil && existing.Status == IntentStatusCanceled {
				return existing, nil
			}
		}
		return nil, wrapStripe("cancel intent", err)
	}
	return intentFromStripe(pi), nil
}

func (s *Stripe) Refund(ctx context.Context, p RefundParams) (*Refund, error) {
	params := &stripe.RefundParams{}
	params.Context = ctx
	if p.IntentID != "" {
		params.PaymentIntent = stripe.String(p.IntentID)
	} else {
		params.Charge = stripe.String(p.ChargeID)
	}
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}
	if p.Reason != "" {
		params.Reason = stripe.String(p.Reason)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, wrapStripe("refund", err)
	}

	refund := &Refund{
		ID:       r.ID,
		Amount:   r.Amount,
		Currency: string(r.Currency),
		Status:   string(r.Status),
		Reason:   string(r.Reason),
		Created:  r.Created,
	}
	if r.PaymentIntent != nil {
		refund.IntentID = r.PaymentIntent.ID
	}
	return refund, nil
}

func (s *Stripe) Transfer(ctx context.Context, p TransferParams) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(p.Amount),
		Currency:    stripe.String(p.Currency),
		Destination: stripe.String(p.Destination),
	}
	params.Context = ctx
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	t, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, wrapStripe("transfer", err)
	}

	status := "paid"
	if t.Reversed {
		status = "reversed"
	}
	transfer := &Transfer{
		ID:          t.ID,
		Amount:      t.Amount,
		Currency:    string(t.Currency),
		Destination: p.Destination,
		Status:      status,
		Created:     t.Created,
	}
	if t.Destination != nil {
		transfer.Destination = t.Destination.ID
	}
	return transfer, nil
}

func (s *Stripe) Payout(ctx context.Context, p TransferParams) (*Transfer, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
	}
	params.Context = ctx
	if p.Destination != "" {
		params.Destination = stripe.String(p.Destination)
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	po, err := s.api.Payouts.New(params)
	if err != nil {
		return nil, wrapStripe("payout", err)
	}

	return &Transfer{
		ID:          po.ID,
		Amount:      po.Amount,
		Currency:    string(po.Currency),
		Destination: p.Destination,
		Status:      string(po.Status),
		Created:     po.Created,
	}, nil
}

func (s *Stripe) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx

	if _, err := s.api.PaymentMethods.Detach(paymentMethodID, params); err != nil {
		return wrapStripe("detach payment method", err)
	}
	return nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	intent := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
	}
	if pi.PaymentMethod != nil {
		intent.PaymentMethod = pi.PaymentMethod.ID
	}
	if pi.LatestCharge != nil {
		intent.LatestCharge = pi.LatestCharge.ID
	}
	return intent
}

func wrapStripe(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return &Error{
			Op:         op,
			Code:       string(serr.Code),
			Message:    serr.Msg,
			StatusCode: serr.HTTPStatusCode,
			Err:        err,
		}
	}
	return errors.Wrapf(err, "processor %s", op)
}
