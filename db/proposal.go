package db

import (
	"context"
	"database/sql"
	"time"

	"bitbucket.org/skillbridge/backend/models"
	"github.com/pkg/errors"
)

const proposalColumns = `
		id,
		request_id,
		provider_id,
		message,
		proposed_price,
		estimated_duration,
		status,
		budget_change_id,
		budget_change_status,
		budget_new_amount,
		budget_original_amount,
		budget_requested_at,
		budget_decided_at,
		created_at,
		updated_at
`

const (
	insertProposal = `
	INSERT INTO proposals (` + proposalColumns + `) VALUES (
		:id,
		:request_id,
		:provider_id,
		:message,
		:proposed_price,
		:estimated_duration,
		:status,
		:budget_change_id,
		:budget_change_status,
		:budget_new_amount,
		:budget_original_amount,
		:budget_requested_at,
		:budget_decided_at,
		:created_at,
		:updated_at
	)
	`

	getProposalByID = `
	SELECT ` + proposalColumns + `
	FROM
		proposals
	WHERE
		id = :id
	`

	getProposalsByRequestID = `
	SELECT ` + proposalColumns + `
	FROM
		proposals
	WHERE
		request_id = :request_id
	ORDER BY
		created_at ASC
	`

	setBudgetChange = `
	UPDATE
		proposals
	SET
		budget_change_id = :budget_change_id,
		budget_change_status = :budget_change_status,
		budget_new_amount = :budget_new_amount,
		budget_original_amount = :budget_original_amount,
		budget_requested_at = :budget_requested_at,
		budget_decided_at = NULL,
		updated_at = :updated_at
	WHERE
		id = :id AND
		status = 'pending' AND
		budget_change_status <> 'pending'
	`

	transitionBudgetChange = `
	UPDATE
		proposals
	SET
		budget_change_status = :to_status,
		budget_decided_at = :at,
		updated_at = :at
	WHERE
		id = :proposal_id AND
		budget_change_id = :budget_change_id AND
		budget_change_status = :from_status
	`

	acceptProposal = `
	UPDATE
		proposals
	SET
		status = 'accepted',
		updated_at = :at
	WHERE
		id = :proposal_id AND
		request_id = :request_id AND
		status <> 'rejected'
	`

	rejectSiblingProposals = `
	UPDATE
		proposals
	SET
		status = 'rejected',
		updated_at = :at
	WHERE
		request_id = :request_id AND
		id <> :proposal_id AND
		status <> 'rejected'
	`

	acceptRequest = `
	UPDATE
		requests
	SET
		status = 'accepted',
		updated_at = :at
	WHERE
		id = :request_id AND
		status <> 'cancelled'
	`
)

type proposalRow struct {
	ID                   string       `db:"id"`
	RequestID            string       `db:"request_id"`
	ProviderID           string       `db:"provider_id"`
	Message              string       `db:"message"`
	ProposedPrice        int64        `db:"proposed_price"`
	EstimatedDuration    string       `db:"estimated_duration"`
	Status               string       `db:"status"`
	BudgetChangeID       string       `db:"budget_change_id"`
	BudgetChangeStatus   string       `db:"budget_change_status"`
	BudgetNewAmount      int64        `db:"budget_new_amount"`
	BudgetOriginalAmount int64        `db:"budget_original_amount"`
	BudgetRequestedAt    sql.NullTime `db:"budget_requested_at"`
	BudgetDecidedAt      sql.NullTime `db:"budget_decided_at"`
	CreatedAt            time.Time    `db:"created_at"`
	UpdatedAt            time.Time    `db:"updated_at"`
}

func newProposalRow(p *models.Proposal) *proposalRow {
	row := &proposalRow{
		ID:                p.ID,
		RequestID:         p.RequestID,
		ProviderID:        p.ProviderID,
		Message:           p.Message,
		ProposedPrice:     p.ProposedPrice,
		EstimatedDuration: p.EstimatedDuration,
		Status:            string(p.Status),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if change := p.BudgetChange; change != nil {
		row.BudgetChangeID = change.ID
		row.BudgetChangeStatus = string(change.Status)
		row.BudgetNewAmount = change.NewAmount
		row.BudgetOriginalAmount = change.OriginalAmount
		row.BudgetRequestedAt = sql.NullTime{Time: change.RequestedAt, Valid: true}
		if change.DecidedAt != nil {
			row.BudgetDecidedAt = sql.NullTime{Time: *change.DecidedAt, Valid: true}
		}
	}
	return row
}

func (r *proposalRow) toModel() *models.Proposal {
	p := &models.Proposal{
		ID:                r.ID,
		RequestID:         r.RequestID,
		ProviderID:        r.ProviderID,
		Message:           r.Message,
		ProposedPrice:     r.ProposedPrice,
		EstimatedDuration: r.EstimatedDuration,
		Status:            models.ProposalStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.BudgetChangeID != "" {
		p.BudgetChange = &models.BudgetChange{
			ID:             r.BudgetChangeID,
			Status:         models.BudgetChangeStatus(r.BudgetChangeStatus),
			NewAmount:      r.BudgetNewAmount,
			OriginalAmount: r.BudgetOriginalAmount,
			RequestedAt:    r.BudgetRequestedAt.Time,
		}
		if r.BudgetDecidedAt.Valid {
			decidedAt := r.BudgetDecidedAt.Time
			p.BudgetChange.DecidedAt = &decidedAt
		}
	}
	return p
}

func (db *DB) InsertProposal(ctx context.Context, proposal *models.Proposal) error {
	_, err := db.NamedExecContext(ctx, insertProposal, newProposalRow(proposal))
	return errors.Wrap(err, "failed to insert proposal")
}

func (db *DB) GetProposalByID(ctx context.Context, proposalID string) (*models.Proposal, error) {
	stmt, err := db.PrepareNamedContext(ctx, getProposalByID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare proposal query")
	}
	defer stmt.Close()

	var row proposalRow
	err = stmt.GetContext(ctx, &row, map[string]interface{}{"id": proposalID})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get proposal")
	}

	return row.toModel(), nil
}

func (db *DB) GetProposalsByRequestID(ctx context.Context, requestID string) ([]*models.Proposal, error) {
	stmt, err := db.PrepareNamedContext(ctx, getProposalsByRequestID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare proposals query")
	}
	defer stmt.Close()

	var rows []proposalRow
	if err := stmt.SelectContext(ctx, &rows, map[string]interface{}{"request_id": requestID}); err != nil {
		return nil, errors.Wrap(err, "failed to select proposals")
	}

	proposals := make([]*models.Proposal, 0, len(rows))
	for i := range rows {
		proposals = append(proposals, rows[i].toModel())
	}
	return proposals, nil
}

// SetBudgetChange attaches a new pending budget change to a pending
// proposal. It fails with ErrConflict while another change awaits a decision.
func (db *DB) SetBudgetChange(ctx context.Context, proposalID string, change *models.BudgetChange) error {
	row := newProposalRow(&models.Proposal{ID: proposalID, BudgetChange: change})
	row.UpdatedAt = change.RequestedAt

	err := expectOneRow(db.NamedExecContext(ctx, setBudgetChange, row))
	if err != nil && err != ErrConflict {
		return errors.Wrap(err, "failed to set budget change")
	}
	return err
}

func (db *DB) TransitionBudgetChange(ctx context.Context, t models.BudgetChangeTransition) error {
	err := expectOneRow(db.NamedExecContext(ctx, transitionBudgetChange, map[string]interface{}{
		"proposal_id":      t.ProposalID,
		"budget_change_id": t.BudgetChangeID,
		"from_status":      string(t.From),
		"to_status":        string(t.To),
		"at":               t.At,
	}))
	if err != nil && err != ErrConflict {
		return errors.Wrap(err, "failed to update budget change")
	}
	return err
}

// AcceptProposal accepts a proposal, rejects every sibling and accepts the
// parent request in one transaction. Accepting an already accepted proposal
// succeeds again.
func (db *DB) AcceptProposal(ctx context.Context, a models.Acceptance) error {
	args := map[string]interface{}{
		"proposal_id": a.ProposalID,
		"request_id":  a.RequestID,
		"at":          a.At,
	}

	return db.withTx(ctx, func(tx Tx) error {
		if err := expectOneRow(tx.NamedExecContext(ctx, acceptProposal, args)); err != nil {
			if err == ErrConflict {
				return err
			}
			return errors.Wrap(err, "failed to accept proposal")
		}

		if _, err := tx.NamedExecContext(ctx, rejectSiblingProposals, args); err != nil {
			return errors.Wrap(err, "failed to reject sibling proposals")
		}

		if err := expectOneRow(tx.NamedExecContext(ctx, acceptRequest, args)); err != nil {
			if err == ErrConflict {
				return err
			}
			return errors.Wrap(err, "failed to accept request")
		}

		return nil
	})
}
