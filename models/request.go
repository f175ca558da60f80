package models

import (
	"time"

	"github.com/thedevsaddam/govalidator"
)

type RequestStatus string

const (
	RequestStatusOpen      RequestStatus = "open"
	RequestStatusAccepted  RequestStatus = "accepted"
	RequestStatusCancelled RequestStatus = "cancelled"
)

// Request is a customer's description of the work they need done.
type Request struct {
	ID          string        `json:"id" db:"id"`
	CustomerID  string        `json:"customer_id" db:"customer_id"`
	Title       string        `json:"title" db:"title"`
	Description string        `json:"description" db:"description"`
	Budget      int64         `json:"budget" db:"budget"`
	Status      RequestStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

type InsertRequestOpts struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Budget      int64  `json:"budget"`
}

var InsertRequestRules = govalidator.MapData{
	"title":       []string{"required", "max:200"},
	"description": []string{"max:5000"},
	"budget":      []string{"numeric"},
}
