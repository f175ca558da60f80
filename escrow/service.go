package escrow

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/events"
	"bitbucket.org/skillbridge/backend/fees"
	"bitbucket.org/skillbridge/backend/models"
	"bitbucket.org/skillbridge/backend/processor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var transitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentStatusPending: {models.PaymentStatusPaid, models.PaymentStatusHeld, models.PaymentStatusCancelled},
	models.PaymentStatusPaid:    {models.PaymentStatusHeld},
	models.PaymentStatusHeld:    {models.PaymentStatusReleased, models.PaymentStatusRefunded},
}

// CanTransition reports whether from -> to is a legal payment transition.
func CanTransition(from, to models.PaymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Storage interface {
	db.PaymentStorage
	db.ProfileStorage
}

// Notifier tells the payee about money movements. Failures are logged only.
type Notifier interface {
	PaymentHeld(ctx context.Context, payment *models.Payment, payee *models.Profile) error
	PaymentReleased(ctx context.Context, payment *models.Payment, payee *models.Profile) error
}

type Service struct {
	storage   Storage
	processor processor.Processor
	events    events.Publisher
	notifier  Notifier
	rates     fees.Rates
	now       func() time.Time
}

type Option func(*Service)

func WithEvents(publisher events.Publisher) Option {
	return func(s *Service) { s.events = publisher }
}

func WithNotifier(notifier Notifier) Option {
	return func(s *Service) { s.notifier = notifier }
}

func WithRates(rates fees.Rates) Option {
	return func(s *Service) { s.rates = rates }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(storage Storage, proc processor.Processor, opts ...Option) *Service {
	s := &Service{
		storage:   storage,
		processor: proc,
		rates:     fees.DefaultRates,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Rates() fees.Rates {
	return s.rates
}

type InitiateParams struct {
	PayerID    string
	PayeeID    string
	Amount     int64
	Currency   string
	ProposalID string
	RequestID  string
	Kind       models.PaymentKind
}

// Initiate creates a processor intent and stores a pending payment for it.
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (*models.Payment, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.PayerID == p.PayeeID {
		return nil, ErrSelfPayment
	}

	currency := strings.ToLower(p.Currency)
	if currency == "" {
		currency = models.DefaultCurrency
	}
	kind := p.Kind
	if kind == nil {
		kind = models.StandardPayment{}
	}

	id := uuid.New().String()
	intent, err := s.processor.CreateIntent(ctx, processor.IntentParams{
		Amount:   p.Amount,
		Currency: currency,
		Metadata: map[string]string{
			"payment_id":  id,
			"proposal_id": p.ProposalID,
			"request_id":  p.RequestID,
			"payer_id":    p.PayerID,
			"payee_id":    p.PayeeID,
			"kind":        kind.KindName(),
		},
		IdempotencyKey: "initiate-" + id,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create payment intent")
	}

	now := s.now().UTC()
	payment := &models.Payment{
		ID:         id,
		PayerID:    p.PayerID,
		PayeeID:    p.PayeeID,
		Amount:     p.Amount,
		Currency:   currency,
		Status:     models.PaymentStatusPending,
		ProposalID: p.ProposalID,
		RequestID:  p.RequestID,
		Kind:       kind,
		Processor: models.ProcessorRefs{
			IntentID:     intent.ID,
			ClientSecret: intent.ClientSecret,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := payment.CheckInvariants(); err != nil {
		return nil, errors.Wrap(err, "refusing to store payment")
	}
	if err := s.storage.InsertPayment(ctx, payment); err != nil {
		return nil, err
	}

	s.emit(ctx, payment, events.PaymentInitiated, p.PayerID)
	return payment, nil
}

// Capture confirms the payment with the processor and moves it into
// escrow: pending -> paid -> held. Capturing a held payment is a no-op.
func (s *Service) Capture(ctx context.Context, paymentID, callerID, paymentMethod string) (*models.Payment, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.PayerID != callerID {
		return nil, ErrUnauthorized
	}

	switch payment.Status {
	case models.PaymentStatusHeld:
		return payment, nil
	case models.PaymentStatusPaid:
		return s.hold(ctx, payment, callerID)
	case models.PaymentStatusReleased, models.PaymentStatusRefunded:
		return nil, ErrAlreadyCaptured
	case models.PaymentStatusCancelled:
		return nil, ErrInvalidTransition
	}

	if payment.Processor.IntentID == "" {
		return nil, ErrMissingIntent
	}

	intent, err := s.processor.ConfirmIntent(ctx, processor.ConfirmParams{
		IntentID:      payment.Processor.IntentID,
		PaymentMethod: paymentMethod,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to confirm payment")
	}
	if !intent.Succeeded() {
		return nil, errors.Wrapf(ErrPaymentNotConfirmed, "intent %s is %s", intent.ID, intent.Status)
	}

	refs := payment.Processor
	refs.ChargeID = intent.LatestCharge
	refs.PaymentMethod = intent.PaymentMethod
	if refs.PaymentMethod == "" {
		refs.PaymentMethod = paymentMethod
	}

	paid, err := s.storage.TransitionPayment(ctx, models.PaymentTransition{
		PaymentID: payment.ID,
		From:      models.PaymentStatusPending,
		To:        models.PaymentStatusPaid,
		Processor: &refs,
		At:        s.now().UTC(),
	})
	if errors.Is(err, db.ErrConflict) {
		// another capture got here first
		current, loadErr := s.load(ctx, paymentID)
		if loadErr != nil {
			return nil, loadErr
		}
		switch current.Status {
		case models.PaymentStatusHeld:
			return current, nil
		case models.PaymentStatusPaid:
			return s.hold(ctx, current, callerID)
		}
		return nil, ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"payment_id":        paid.ID,
		"intent_id":         intent.ID,
		"already_succeeded": intent.AlreadySucceeded,
	}).Info("payment captured")
	s.emit(ctx, paid, events.PaymentCaptured, callerID)

	return s.hold(ctx, paid, callerID)
}

func (s *Service) hold(ctx context.Context, payment *models.Payment, actorID string) (*models.Payment, error) {
	held, err := s.storage.TransitionPayment(ctx, models.PaymentTransition{
		PaymentID: payment.ID,
		From:      models.PaymentStatusPaid,
		To:        models.PaymentStatusHeld,
		At:        s.now().UTC(),
	})
	if errors.Is(err, db.ErrConflict) {
		current, loadErr := s.load(ctx, payment.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if current.Status == models.PaymentStatusHeld {
			return current, nil
		}
		return nil, ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}

	s.emit(ctx, held, events.PaymentHeld, actorID)
	s.notify(ctx, held, Notifier.PaymentHeld)
	return held, nil
}

// Release pays the held funds out to the payee. Only the payer may release.
func (s *Service) Release(ctx context.Context, paymentID, callerID string) (*models.Payment, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.PayerID != callerID {
		return nil, ErrUnauthorized
	}
	if payment.Status != models.PaymentStatusHeld {
		return nil, ErrNotHeld
	}

	refs := payment.Processor
	breakdown, err := s.rates.Calculate(payment.Amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}

	payee, err := s.storage.GetProfileByID(ctx, payment.PayeeID)
	if err != nil {
		return nil, err
	}
	if payee != nil && payee.PayoutAccountID != "" && breakdown.NetAmount > 0 {
		transfer, err := s.processor.Transfer(ctx, processor.TransferParams{
			Amount:         breakdown.NetAmount,
			Currency:       payment.Currency,
			Destination:    payee.PayoutAccountID,
			Description:    "Release of payment " + payment.ID,
			Metadata:       map[string]string{"payment_id": payment.ID},
			IdempotencyKey: "release-" + payment.ID,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to transfer released funds")
		}
		refs.TransferID = transfer.ID
	} else {
		log.WithFields(log.Fields{
			"payment_id": payment.ID,
			"payee_id":   payment.PayeeID,
			"net_amount": breakdown.NetAmount,
		}).Warn("payee has no payout account, releasing without transfer")
	}

	releasedAt := s.now().UTC()
	released, err := s.storage.TransitionPayment(ctx, models.PaymentTransition{
		PaymentID:  payment.ID,
		From:       models.PaymentStatusHeld,
		To:         models.PaymentStatusReleased,
		Processor:  &refs,
		ReleasedAt: &releasedAt,
		At:         releasedAt,
	})
	if errors.Is(err, db.ErrConflict) {
		return nil, ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}

	s.emit(ctx, released, events.PaymentReleased, callerID)
	s.notify(ctx, released, Notifier.PaymentReleased)
	return released, nil
}

type RefundParams struct {
	PaymentID string
	CallerID  string
	// Amount is the amount to refund, zero refunds everything.
	Amount int64
	Reason string
}

// Refund returns held funds to the payer.
func (s *Service) Refund(ctx context.Context, p RefundParams) (*models.Payment, error) {
	payment, err := s.load(ctx, p.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.PayerID != p.CallerID {
		return nil, ErrUnauthorized
	}
	if payment.Processor.ChargeID == "" && payment.Processor.IntentID == "" {
		return nil, ErrNoChargeFound
	}
	if payment.Status != models.PaymentStatusHeld {
		return nil, ErrNotHeld
	}
	if p.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	if p.Amount > payment.Amount {
		return nil, ErrRefundTooLarge
	}

	refund, err := s.processor.Refund(ctx, processor.RefundParams{
		IntentID:       payment.Processor.IntentID,
		ChargeID:       payment.Processor.ChargeID,
		Amount:         p.Amount,
		Reason:         p.Reason,
		IdempotencyKey: "refund-" + payment.ID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to refund payment")
	}

	refs := payment.Processor
	refs.RefundID = refund.ID
	refs.RefundedAmount = refund.Amount
	if refs.RefundedAmount == 0 {
		refs.RefundedAmount = payment.Amount
	}

	refunded, err := s.storage.TransitionPayment(ctx, models.PaymentTransition{
		PaymentID: payment.ID,
		From:      models.PaymentStatusHeld,
		To:        models.PaymentStatusRefunded,
		Processor: &refs,
		At:        s.now().UTC(),
	})
	if errors.Is(err, db.ErrConflict) {
		return nil, ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}

	s.emit(ctx, refunded, events.PaymentRefunded, p.CallerID)
	return refunded, nil
}

// Cancel abandons a payment that was never captured, cancelling its
// processor intent first.
func (s *Service) Cancel(ctx context.Context, paymentID, callerID string) (*models.Payment, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.PayerID != callerID {
		return nil, ErrUnauthorized
	}
	if payment.Status == models.PaymentStatusCancelled {
		return payment, nil
	}
	if !CanTransition(payment.Status, models.PaymentStatusCancelled) {
		return nil, ErrInvalidTransition
	}

	// the payer still holds the client secret, the intent must not stay confirmable
	if payment.Processor.IntentID != "" {
		if _, err := s.processor.CancelIntent(ctx, payment.Processor.IntentID, processor.CancelReasonAbandoned); err != nil {
			return nil, errors.Wrap(err, "failed to cancel payment intent")
		}
	}

	cancelled, err := s.storage.TransitionPayment(ctx, models.PaymentTransition{
		PaymentID: payment.ID,
		From:      payment.Status,
		To:        models.PaymentStatusCancelled,
		At:        s.now().UTC(),
	})
	if errors.Is(err, db.ErrConflict) {
		return nil, ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}

	s.emit(ctx, cancelled, events.PaymentCancelled, callerID)
	return cancelled, nil
}

// Get returns a payment visible to callerID, the payer or the payee.
func (s *Service) Get(ctx context.Context, paymentID, callerID string) (*models.Payment, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.PayerID != callerID && payment.PayeeID != callerID {
		return nil, ErrUnauthorized
	}
	return payment, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string, opts *models.GetPaymentsOpts) ([]*models.Payment, error) {
	return s.storage.GetPayments(ctx, userID, opts)
}

func (s *Service) load(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := s.storage.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) emit(ctx context.Context, payment *models.Payment, eventType, actorID string) {
	events.Emit(ctx, s.events, events.New(events.AggregatePayment, payment.ID, eventType, actorID, payment))
}

func (s *Service) notify(ctx context.Context, payment *models.Payment, send func(Notifier, context.Context, *models.Payment, *models.Profile) error) {
	if s.notifier == nil {
		return
	}

	payee, err := s.storage.GetProfileByID(ctx, payment.PayeeID)
	if err != nil || payee == nil {
		log.WithFields(log.Fields{
			"payment_id": payment.ID,
			"payee_id":   payment.PayeeID,
			"error":      err,
		}).Warn("skipping payee notification, no profile")
		return
	}

	if err := send(s.notifier, ctx, payment, payee); err != nil {
		log.WithFields(log.Fields{
			"payment_id": payment.ID,
			"error":      err,
		}).Error("failed to notify payee")
	}
}
