package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockConfirmSucceeds(t *testing.T) {
	m := NewMock(0, 1)
	ctx := context.Background()

	intent, err := m.CreateIntent(ctx, IntentParams{Amount: 5000, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "usd", intent.Currency)
	assert.Equal(t, IntentStatusRequiresPaymentMethod, intent.Status)

	id, err := IntentIDFromClientSecret(intent.ClientSecret)
	require.NoError(t, err)
	assert.Equal(t, intent.ID, id)

	confirmed, err := m.ConfirmIntent(ctx, ConfirmParams{IntentID: intent.ID, PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, confirmed.Succeeded())
	assert.False(t, confirmed.AlreadySucceeded)
	assert.NotEmpty(t, confirmed.LatestCharge)

	again, err := m.ConfirmIntent(ctx, ConfirmParams{IntentID: intent.ID, PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, again.AlreadySucceeded)
	assert.Equal(t, confirmed.LatestCharge, again.LatestCharge)
}

func TestMockConfirmDeclines(t *testing.T) {
	m := NewMock(0, 0)
	ctx := context.Background()

	intent, err := m.CreateIntent(ctx, IntentParams{Amount: 5000, Currency: "usd"})
	require.NoError(t, err)

	_, err = m.ConfirmIntent(ctx, ConfirmParams{IntentID: intent.ID, PaymentMethod: "pm_card_visa"})
	perr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, "card_declined", perr.Code)
	assert.Equal(t, "Your card was declined.", perr.Message)
}

func TestMockConfirmHonoursContext(t *testing.T) {
	m := NewMock(time.Minute, 1)
	intent, err := m.CreateIntent(context.Background(), IntentParams{Amount: 100, Currency: "usd"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = m.ConfirmIntent(ctx, ConfirmParams{IntentID: intent.ID, PaymentMethod: "pm"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockRefund(t *testing.T) {
	m := NewMock(0, 1)
	ctx := context.Background()

	intent, err := m.CreateIntent(ctx, IntentParams{Amount: 5000, Currency: "usd"})
	require.NoError(t, err)

	_, err = m.Refund(ctx, RefundParams{IntentID: intent.ID})
	_, ok := AsError(err)
	assert.True(t, ok, "refund before capture must fail")

	confirmed, err := m.ConfirmIntent(ctx, ConfirmParams{IntentID: intent.ID, PaymentMethod: "pm"})
	require.NoError(t, err)

	refund, err := m.Refund(ctx, RefundParams{ChargeID: confirmed.LatestCharge, Amount: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), refund.Amount)
	assert.Equal(t, intent.ID, refund.IntentID)
}

func TestIntentIDFromClientSecret(t *testing.T) {
	id, err := IntentIDFromClientSecret("pi_3Nabc_secret_xyz")
	require.NoError(t, err)
	assert.Equal(t, "pi_3Nabc", id)

	_, err = IntentIDFromClientSecret("garbage")
	assert.Error(t, err)
}

func TestMockCancelIntent(t *testing.T) {
	m := NewMock(0, 1)
	ctx := context.Background()

	intent, err := m.CreateIntent(ctx, IntentParams{Amount: 5000, Currency: "usd"})
	require.NoError(t, err)

	canceled, err := m.CancelIntent(ctx, intent.ID, CancelReasonAbandoned)
	require.NoError(t, err)
	assert.Equal(t, IntentStatusCanceled, canceled.Status)

	_, err = m.ConfirmIntent(ctx, ConfirmParams{IntentID: intent.ID, PaymentMethod: "pm_card_visa"})
	perr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeUnexpectedState, perr.Code)

	paid, err := m.CreateIntent(ctx, IntentParams{Amount: 5000, Currency: "usd"})
	require.NoError(t, err)
	_, err = m.ConfirmIntent(ctx, ConfirmParams{IntentID: paid.ID, PaymentMethod: "pm_card_visa"})
	require.NoError(t, err)

	_, err = m.CancelIntent(ctx, paid.ID, CancelReasonAbandoned)
	perr, ok = AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeUnexpectedState, perr.Code)
}
