package db

import (
	"context"
	"database/sql"
	"time"

	"bitbucket.org/skillbridge/backend/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const maxRetries = 3

var (
	// ErrConflict is returned when a conditional update matched no row
	// because another writer changed the record first.
	ErrConflict = errors.New("record was modified concurrently")
)

type Storage interface {
	PaymentStorage
	ProposalStorage
	RequestStorage
	ProfileStorage
}

// PaymentStorage persists payment records. Status changes only go through
// TransitionPayment, a compare-and-set on the current status.
type PaymentStorage interface {
	InsertPayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByID(ctx context.Context, paymentID string) (*models.Payment, error)
	GetOpenPaymentByProposal(ctx context.Context, proposalID string, payerID string) (*models.Payment, error)
	GetPaymentByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	GetPaymentsByRequestID(ctx context.Context, requestID string) ([]*models.Payment, error)
	GetPayments(ctx context.Context, userID string, opts *models.GetPaymentsOpts) ([]*models.Payment, error)
	GetPaymentsByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error)
	TransitionPayment(ctx context.Context, t models.PaymentTransition) (*models.Payment, error)
}

type ProposalStorage interface {
	InsertProposal(ctx context.Context, proposal *models.Proposal) error
	GetProposalByID(ctx context.Context, proposalID string) (*models.Proposal, error)
	GetProposalsByRequestID(ctx context.Context, requestID string) ([]*models.Proposal, error)
	SetBudgetChange(ctx context.Context, proposalID string, change *models.BudgetChange) error
	TransitionBudgetChange(ctx context.Context, t models.BudgetChangeTransition) error
	AcceptProposal(ctx context.Context, a models.Acceptance) error
}

type RequestStorage interface {
	InsertRequest(ctx context.Context, request *models.Request) error
	GetRequestByID(ctx context.Context, requestID string) (*models.Request, error)
}

type ProfileStorage interface {
	GetProfileByID(ctx context.Context, profileID string) (*models.Profile, error)
	InsertProfile(ctx context.Context, profile *models.Profile) error
}

type db interface {
	NewTx(ctx context.Context) (Tx, error)
}

type conn interface {
	DriverName() string
	Rebind(string) string
	NamedExecContext(context.Context, string, interface{}) (sql.Result, error)
	SelectContext(context.Context, interface{}, string, ...interface{}) error
	GetContext(context.Context, interface{}, string, ...interface{}) error
	PrepareNamedContext(context.Context, string) (*sqlx.NamedStmt, error)
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}

type Tx interface {
	conn

	Commit() error
	Rollback() error
}

type transactorImpl struct {
	*sqlx.DB
}

func (t *transactorImpl) NewTx(ctx context.Context) (Tx, error) {
	return t.BeginTxx(ctx, nil)
}

type DB struct {
	conn
	db
}

func New(db *sqlx.DB) (*DB, error) {
	var (
		dbWrapper *DB
		err       error
	)

	tries := maxRetries
	for tries >= 0 {
		dbWrapper, err = tryOpenConnection(db)
		if err == nil {
			break
		}
		if tries == 0 {
			return nil, err
		}

		log.WithFields(log.Fields{
			"retries_left": tries,
			"error":        err,
		}).Warnf("%s: trying to connect to create connection", db.DriverName())

		tries = tries - 1
		time.Sleep(1 * time.Second)
	}

	return dbWrapper, nil
}

func tryOpenConnection(db *sqlx.DB) (*DB, error) {
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}

	return &DB{
		db,
		&transactorImpl{db},
	}, nil
}

// withTx runs fn in a transaction, committing when fn succeeds.
func (db *DB) withTx(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := db.NewTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}

		err = errors.Wrap(tx.Commit(), "failed to commit transaction")
	}()

	return fn(tx)
}

func expectOneRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrConflict
	}
	if rowsAffected != 1 {
		return errors.Errorf("expected %d and updated %d rows", 1, rowsAffected)
	}

	return nil
}

var _ Storage = (*DB)(nil)
