package db

import (
	"context"
	"database/sql"

	"bitbucket.org/skillbridge/backend/models"
	"github.com/pkg/errors"
)

const (
	getProfileByID = `
	SELECT
		id,
		email,
		full_name,
		role,
		payout_account_id,
		created_at,
		updated_at
	FROM
		profiles
	WHERE
		id = :id
	`

	insertProfile = `
	INSERT INTO profiles (
		id,
		email,
		full_name,
		role,
		payout_account_id,
		created_at,
		updated_at
	) VALUES (
		:id,
		:email,
		:full_name,
		:role,
		:payout_account_id,
		:created_at,
		:updated_at
	)
	`
)

func (db *DB) GetProfileByID(ctx context.Context, profileID string) (*models.Profile, error) {
	stmt, err := db.PrepareNamedContext(ctx, getProfileByID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare profile query")
	}
	defer stmt.Close()

	var profile models.Profile
	err = stmt.GetContext(ctx, &profile, map[string]interface{}{"id": profileID})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get profile")
	}

	return &profile, nil
}

func (db *DB) InsertProfile(ctx context.Context, profile *models.Profile) error {
	_, err := db.NamedExecContext(ctx, insertProfile, profile)
	return errors.Wrap(err, "failed to insert profile")
}
