package db

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id VARCHAR(64) PRIMARY KEY,
		email VARCHAR(255) NOT NULL DEFAULT '',
		full_name VARCHAR(255) NOT NULL DEFAULT '',
		role VARCHAR(16) NOT NULL DEFAULT 'customer',
		payout_account_id VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id VARCHAR(64) PRIMARY KEY,
		customer_id VARCHAR(64) NOT NULL,
		title VARCHAR(200) NOT NULL,
		description TEXT NOT NULL,
		budget BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS proposals (
		id VARCHAR(64) PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL REFERENCES requests (id),
		provider_id VARCHAR(64) NOT NULL,
		message TEXT NOT NULL,
		proposed_price BIGINT NOT NULL,
		estimated_duration VARCHAR(120) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		budget_change_id VARCHAR(64) NOT NULL DEFAULT '',
		budget_change_status VARCHAR(16) NOT NULL DEFAULT '',
		budget_new_amount BIGINT NOT NULL DEFAULT 0,
		budget_original_amount BIGINT NOT NULL DEFAULT 0,
		budget_requested_at TIMESTAMPTZ NULL,
		budget_decided_at TIMESTAMPTZ NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS proposals_one_accepted
		ON proposals (request_id) WHERE status = 'accepted'`,
	`CREATE TABLE IF NOT EXISTS payments (
		id VARCHAR(64) PRIMARY KEY,
		payer_id VARCHAR(64) NOT NULL,
		payee_id VARCHAR(64) NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		currency VARCHAR(3) NOT NULL,
		status VARCHAR(16) NOT NULL,
		proposal_id VARCHAR(64) NOT NULL DEFAULT '',
		request_id VARCHAR(64) NOT NULL DEFAULT '',
		kind VARCHAR(32) NOT NULL,
		original_amount BIGINT NOT NULL DEFAULT 0,
		budget_change_id VARCHAR(64) NOT NULL DEFAULT '',
		intent_id VARCHAR(255) NOT NULL DEFAULT '',
		client_secret VARCHAR(255) NOT NULL DEFAULT '',
		charge_id VARCHAR(255) NOT NULL DEFAULT '',
		payment_method VARCHAR(255) NOT NULL DEFAULT '',
		transfer_id VARCHAR(255) NOT NULL DEFAULT '',
		refund_id VARCHAR(255) NOT NULL DEFAULT '',
		refunded_amount BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		released_at TIMESTAMPTZ NULL,
		CHECK (payer_id <> payee_id),
		CHECK ((status = 'released') = (released_at IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS payments_proposal ON payments (proposal_id, payer_id)`,
	`CREATE INDEX IF NOT EXISTS payments_status ON payments (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS payments_intent ON payments (intent_id)`,
	`CREATE INDEX IF NOT EXISTS payments_request ON payments (request_id)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id VARCHAR(64) PRIMARY KEY,
		email VARCHAR(255) NOT NULL DEFAULT '',
		full_name VARCHAR(255) NOT NULL DEFAULT '',
		role VARCHAR(16) NOT NULL DEFAULT 'customer',
		payout_account_id VARCHAR(64) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id VARCHAR(64) PRIMARY KEY,
		customer_id VARCHAR(64) NOT NULL,
		title VARCHAR(200) NOT NULL,
		description TEXT NOT NULL,
		budget BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS proposals (
		id VARCHAR(64) PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		provider_id VARCHAR(64) NOT NULL,
		message TEXT NOT NULL,
		proposed_price BIGINT NOT NULL,
		estimated_duration VARCHAR(120) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		budget_change_id VARCHAR(64) NOT NULL DEFAULT '',
		budget_change_status VARCHAR(16) NOT NULL DEFAULT '',
		budget_new_amount BIGINT NOT NULL DEFAULT 0,
		budget_original_amount BIGINT NOT NULL DEFAULT 0,
		budget_requested_at DATETIME(6) NULL,
		budget_decided_at DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX proposals_request (request_id),
		FOREIGN KEY (request_id) REFERENCES requests (id)
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id VARCHAR(64) PRIMARY KEY,
		payer_id VARCHAR(64) NOT NULL,
		payee_id VARCHAR(64) NOT NULL,
		amount BIGINT NOT NULL,
		currency VARCHAR(3) NOT NULL,
		status VARCHAR(16) NOT NULL,
		proposal_id VARCHAR(64) NOT NULL DEFAULT '',
		request_id VARCHAR(64) NOT NULL DEFAULT '',
		kind VARCHAR(32) NOT NULL,
		original_amount BIGINT NOT NULL DEFAULT 0,
		budget_change_id VARCHAR(64) NOT NULL DEFAULT '',
		intent_id VARCHAR(255) NOT NULL DEFAULT '',
		client_secret VARCHAR(255) NOT NULL DEFAULT '',
		charge_id VARCHAR(255) NOT NULL DEFAULT '',
		payment_method VARCHAR(255) NOT NULL DEFAULT '',
		transfer_id VARCHAR(255) NOT NULL DEFAULT '',
		refund_id VARCHAR(255) NOT NULL DEFAULT '',
		refunded_amount BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		released_at DATETIME(6) NULL,
		INDEX payments_proposal (proposal_id, payer_id),
		INDEX payments_status (status, updated_at),
		INDEX payments_intent (intent_id),
		INDEX payments_request (request_id)
	)`,
}

// Migrate creates the tables the storage needs when they are missing.
func (db *DB) Migrate(ctx context.Context) error {
	statements := postgresSchema
	if strings.HasPrefix(db.DriverName(), "mysql") {
		statements = mysqlSchema
	}

	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return errors.Wrapf(err, "failed to run migration %q", firstLine(statement))
		}
	}

	log.WithField("driver", db.DriverName()).Infof("applied %d schema statements", len(statements))
	return nil
}

func firstLine(statement string) string {
	if i := strings.IndexByte(statement, '\n'); i >= 0 {
		return statement[:i]
	}
	return statement
}
