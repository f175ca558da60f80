package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	AggregatePayment  = "payment"
	AggregateProposal = "proposal"
)

const (
	PaymentInitiated = "payment.initiated"
	PaymentCaptured  = "payment.captured"
	PaymentHeld      = "payment.held"
	PaymentReleased  = "payment.released"
	PaymentRefunded  = "payment.refunded"
	PaymentCancelled = "payment.cancelled"

	ProposalAccepted      = "proposal.accepted"
	BudgetChangeRequested = "proposal.budget_change.requested"
	BudgetChangeApproved  = "proposal.budget_change.approved"
	BudgetChangeRejected  = "proposal.budget_change.rejected"
)

// Event is a lifecycle fact about a payment or a proposal.
type Event struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Aggregate   string      `json:"aggregate"`
	AggregateID string      `json:"aggregate_id"`
	ActorID     string      `json:"actor_id,omitempty"`
	At          time.Time   `json:"at"`
	Data        interface{} `json:"data,omitempty"`
}

func New(aggregate, aggregateID, eventType, actorID string, data interface{}) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		ActorID:     actorID,
		At:          time.Now().UTC(),
		Data:        data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Emit publishes event and logs a failure instead of returning it. State
// transitions have already been committed when events are emitted.
func Emit(ctx context.Context, publisher Publisher, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		log.WithFields(log.Fields{
			"event":        event.Type,
			"aggregate_id": event.AggregateID,
			"error":        err,
		}).Warn("failed to publish event")
	}
}

// Log writes events to the standard logger. It is used when no broker is
// configured.
type Log struct {
	Logger log.FieldLogger
}

func NewLog() *Log {
	return &Log{Logger: log.StandardLogger()}
}

func (l *Log) Publish(_ context.Context, event Event) error {
	l.Logger.WithFields(log.Fields{
		"event":        event.Type,
		"aggregate":    event.Aggregate,
		"aggregate_id": event.AggregateID,
		"actor_id":     event.ActorID,
	}).Info("event")
	return nil
}

func (l *Log) Close() error {
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error {
	return nil
}

// Types returns the types of the recorded events in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}
