package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/skillbridge/backend/models"
	"github.com/pkg/errors"
)

const paymentColumns = `
		id,
		payer_id,
		payee_id,
		amount,
		currency,
		status,
		proposal_id,
		request_id,
		kind,
		original_amount,
		budget_change_id,
		intent_id,
		client_secret,
		charge_id,
		payment_method,
		transfer_id,
		refund_id,
		refunded_amount,
		created_at,
		updated_at,
		released_at
`

const (
	insertPayment = `
	INSERT INTO payments (` + paymentColumns + `) VALUES (
		:id,
		:payer_id,
		:payee_id,
		:amount,
		:currency,
		:status,
		:proposal_id,
		:request_id,
		:kind,
		:original_amount,
		:budget_change_id,
		:intent_id,
		:client_secret,
		:charge_id,
		:payment_method,
		:transfer_id,
		:refund_id,
		:refunded_amount,
		:created_at,
		:updated_at,
		:released_at
	)
	`

	getPaymentByID = `
	SELECT ` + paymentColumns + `
	FROM
		payments
	WHERE
		id = :id
	`

	getOpenPaymentByProposal = `
	SELECT ` + paymentColumns + `
	FROM
		payments
	WHERE
		proposal_id = :proposal_id AND
		payer_id = :payer_id AND
		status IN ('pending', 'paid', 'held')
	ORDER BY
		created_at DESC
	LIMIT 1
	`

	getPaymentByIntentID = `
	SELECT ` + paymentColumns + `
	FROM
		payments
	WHERE
		intent_id = :intent_id
	`

	getPaymentsByRequestID = `
	SELECT ` + paymentColumns + `
	FROM
		payments
	WHERE
		request_id = :request_id
	ORDER BY
		created_at DESC
	`

	getPayments = `
	SELECT ` + paymentColumns + `
	FROM
		payments
	WHERE
		#FILTERS#
	ORDER BY
		created_at DESC
	#LIMIT#
	`

	getPaymentsByStatus = `
	SELECT ` + paymentColumns + `
	FROM
		payments
	WHERE
		status = :status
	ORDER BY
		updated_at ASC
	LIMIT :limit
	`

	transitionPayment = `
	UPDATE
		payments
	SET
		status = :to_status,
		updated_at = :at,
		released_at = :released_at
	WHERE
		id = :id AND
		status = :from_status
	`

	transitionPaymentWithRefs = `
	UPDATE
		payments
	SET
		status = :to_status,
		updated_at = :at,
		released_at = :released_at,
		intent_id = :intent_id,
		client_secret = :client_secret,
		charge_id = :charge_id,
		payment_method = :payment_method,
		transfer_id = :transfer_id,
		refund_id = :refund_id,
		refunded_amount = :refunded_amount
	WHERE
		id = :id AND
		status = :from_status
	`
)

type paymentRow struct {
	ID             string       `db:"id"`
	PayerID        string       `db:"payer_id"`
	PayeeID        string       `db:"payee_id"`
	Amount         int64        `db:"amount"`
	Currency       string       `db:"currency"`
	Status         string       `db:"status"`
	ProposalID     string       `db:"proposal_id"`
	RequestID      string       `db:"request_id"`
	Kind           string       `db:"kind"`
	OriginalAmount int64        `db:"original_amount"`
	BudgetChangeID string       `db:"budget_change_id"`
	IntentID       string       `db:"intent_id"`
	ClientSecret   string       `db:"client_secret"`
	ChargeID       string       `db:"charge_id"`
	PaymentMethod  string       `db:"payment_method"`
	TransferID     string       `db:"transfer_id"`
	RefundID       string       `db:"refund_id"`
	RefundedAmount int64        `db:"refunded_amount"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	ReleasedAt     sql.NullTime `db:"released_at"`
}

func newPaymentRow(p *models.Payment) *paymentRow {
	row := &paymentRow{
		ID:             p.ID,
		PayerID:        p.PayerID,
		PayeeID:        p.PayeeID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         string(p.Status),
		ProposalID:     p.ProposalID,
		RequestID:      p.RequestID,
		Kind:           models.PaymentKindStandard,
		IntentID:       p.Processor.IntentID,
		ClientSecret:   p.Processor.ClientSecret,
		ChargeID:       p.Processor.ChargeID,
		PaymentMethod:  p.Processor.PaymentMethod,
		TransferID:     p.Processor.TransferID,
		RefundID:       p.Processor.RefundID,
		RefundedAmount: p.Processor.RefundedAmount,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if adjusted, ok := p.Kind.(models.BudgetAdjustedPayment); ok {
		row.Kind = adjusted.KindName()
		row.OriginalAmount = adjusted.OriginalAmount
		row.BudgetChangeID = adjusted.BudgetChangeID
	}
	if p.ReleasedAt != nil {
		row.ReleasedAt = sql.NullTime{Time: *p.ReleasedAt, Valid: true}
	}
	return row
}

func (r *paymentRow) toModel() *models.Payment {
	p := &models.Payment{
		ID:         r.ID,
		PayerID:    r.PayerID,
		PayeeID:    r.PayeeID,
		Amount:     r.Amount,
		Currency:   r.Currency,
		Status:     models.PaymentStatus(r.Status),
		ProposalID: r.ProposalID,
		RequestID:  r.RequestID,
		Kind:       models.StandardPayment{},
		Processor: models.ProcessorRefs{
			IntentID:       r.IntentID,
			ClientSecret:   r.ClientSecret,
			ChargeID:       r.ChargeID,
			PaymentMethod:  r.PaymentMethod,
			TransferID:     r.TransferID,
			RefundID:       r.RefundID,
			RefundedAmount: r.RefundedAmount,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Kind == models.PaymentKindBudgetAdjusted {
		p.Kind = models.BudgetAdjustedPayment{
			OriginalAmount: r.OriginalAmount,
			AdjustedAmount: r.Amount,
			BudgetChangeID: r.BudgetChangeID,
		}
	}
	if r.ReleasedAt.Valid {
		releasedAt := r.ReleasedAt.Time
		p.ReleasedAt = &releasedAt
	}
	return p
}

type transitionArgs struct {
	*paymentRow
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	At         time.Time `db:"at"`
}

func (db *DB) InsertPayment(ctx context.Context, payment *models.Payment) error {
	_, err := db.NamedExecContext(ctx, insertPayment, newPaymentRow(payment))
	return errors.Wrap(err, "failed to insert payment")
}

func (db *DB) GetPaymentByID(ctx context.Context, paymentID string) (*models.Payment, error) {
	return db.getPaymentByIDTx(ctx, db, paymentID)
}

func (db *DB) getPaymentByIDTx(ctx context.Context, tx conn, paymentID string) (*models.Payment, error) {
	return getOnePayment(ctx, tx, getPaymentByID, map[string]interface{}{"id": paymentID})
}

func (db *DB) GetOpenPaymentByProposal(ctx context.Context, proposalID string, payerID string) (*models.Payment, error) {
	return getOnePayment(ctx, db, getOpenPaymentByProposal, map[string]interface{}{
		"proposal_id": proposalID,
		"payer_id":    payerID,
	})
}

// GetPaymentByIntentID returns the escrow payment that owns a processor
// intent, or nil when the intent is not part of the escrow flow.
func (db *DB) GetPaymentByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	return getOnePayment(ctx, db, getPaymentByIntentID, map[string]interface{}{
		"intent_id": intentID,
	})
}

func (db *DB) GetPaymentsByRequestID(ctx context.Context, requestID string) ([]*models.Payment, error) {
	return selectPayments(ctx, db, getPaymentsByRequestID, map[string]interface{}{
		"request_id": requestID,
	})
}

func getOnePayment(ctx context.Context, tx conn, query string, args map[string]interface{}) (*models.Payment, error) {
	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare payment query")
	}
	defer stmt.Close()

	var row paymentRow
	err = stmt.GetContext(ctx, &row, args)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get payment")
	}

	return row.toModel(), nil
}

func (db *DB) GetPayments(ctx context.Context, userID string, opts *models.GetPaymentsOpts) ([]*models.Payment, error) {
	if opts == nil {
		opts = &models.GetPaymentsOpts{}
	}

	args := map[string]interface{}{"user_id": userID}
	var filters []string
	switch opts.Role {
	case "payer":
		filters = append(filters, "payer_id = :user_id")
	case "payee":
		filters = append(filters, "payee_id = :user_id")
	default:
		filters = append(filters, "(payer_id = :user_id OR payee_id = :user_id)")
	}
	if opts.Status != "" {
		filters = append(filters, "status = :status")
		args["status"] = opts.Status
	}

	limit := ""
	if opts.LimitTo > opts.LimitFrom {
		limit = fmt.Sprintf("LIMIT %d OFFSET %d", opts.LimitTo-opts.LimitFrom, opts.LimitFrom)
	}

	query := strings.Replace(getPayments, "#FILTERS#", strings.Join(filters, " AND\n\t\t"), 1)
	query = strings.Replace(query, "#LIMIT#", limit, 1)

	return selectPayments(ctx, db, query, args)
}

func (db *DB) GetPaymentsByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]*models.Payment, error) {
	return selectPayments(ctx, db, getPaymentsByStatus, map[string]interface{}{
		"status": string(status),
		"limit":  limit,
	})
}

func selectPayments(ctx context.Context, tx conn, query string, args map[string]interface{}) ([]*models.Payment, error) {
	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare payments query")
	}
	defer stmt.Close()

	var rows []paymentRow
	if err := stmt.SelectContext(ctx, &rows, args); err != nil {
		return nil, errors.Wrap(err, "failed to select payments")
	}

	payments := make([]*models.Payment, 0, len(rows))
	for i := range rows {
		payments = append(payments, rows[i].toModel())
	}
	return payments, nil
}

// TransitionPayment moves a payment from t.From to t.To. It returns
// ErrConflict when the stored status is no longer t.From.
func (db *DB) TransitionPayment(ctx context.Context, t models.PaymentTransition) (*models.Payment, error) {
	var updated *models.Payment
	err := db.withTx(ctx, func(tx Tx) error {
		current, err := db.getPaymentByIDTx(ctx, tx, t.PaymentID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrConflict
		}

		args := transitionArgs{
			paymentRow: newPaymentRow(current),
			FromStatus: string(t.From),
			ToStatus:   string(t.To),
			At:         t.At,
		}
		args.ReleasedAt = sql.NullTime{}
		if t.ReleasedAt != nil {
			args.ReleasedAt = sql.NullTime{Time: *t.ReleasedAt, Valid: true}
		}

		query := transitionPayment
		if t.Processor != nil {
			query = transitionPaymentWithRefs
			args.IntentID = t.Processor.IntentID
			args.ClientSecret = t.Processor.ClientSecret
			args.ChargeID = t.Processor.ChargeID
			args.PaymentMethod = t.Processor.PaymentMethod
			args.TransferID = t.Processor.TransferID
			args.RefundID = t.Processor.RefundID
			args.RefundedAmount = t.Processor.RefundedAmount
		}

		if err := expectOneRow(tx.NamedExecContext(ctx, query, args)); err != nil {
			if err == ErrConflict {
				return err
			}
			return errors.Wrap(err, "failed to update payment status")
		}

		updated, err = db.getPaymentByIDTx(ctx, tx, t.PaymentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}
