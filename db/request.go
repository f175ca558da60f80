package db

import (
	"context"
	"database/sql"

	"bitbucket.org/skillbridge/backend/models"
	"github.com/pkg/errors"
)

const (
	insertRequest = `
	INSERT INTO requests (
		id,
		customer_id,
		title,
		description,
		budget,
		status,
		created_at,
		updated_at
	) VALUES (
		:id,
		:customer_id,
		:title,
		:description,
		:budget,
		:status,
		:created_at,
		:updated_at
	)
	`

	getRequestByID = `
	SELECT
		id,
		customer_id,
		title,
		description,
		budget,
		status,
		created_at,
		updated_at
	FROM
		requests
	WHERE
		id = :id
	`
)

func (db *DB) InsertRequest(ctx context.Context, request *models.Request) error {
	_, err := db.NamedExecContext(ctx, insertRequest, request)
	return errors.Wrap(err, "failed to insert request")
}

func (db *DB) GetRequestByID(ctx context.Context, requestID string) (*models.Request, error) {
	stmt, err := db.PrepareNamedContext(ctx, getRequestByID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare request query")
	}
	defer stmt.Close()

	var request models.Request
	err = stmt.GetContext(ctx, &request, map[string]interface{}{"id": requestID})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get request")
	}

	return &request, nil
}
