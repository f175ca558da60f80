package models

import "time"

const (
	ProfileRoleCustomer = "customer"
	ProfileRoleProvider = "provider"
)

// Profile is the marketplace data kept next to a hosted auth identity.
type Profile struct {
	ID              string    `json:"id" db:"id"`
	Email           string    `json:"email" db:"email"`
	FullName        string    `json:"full_name" db:"full_name"`
	Role            string    `json:"role" db:"role"`
	PayoutAccountID string    `json:"payout_account_id,omitempty" db:"payout_account_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}
