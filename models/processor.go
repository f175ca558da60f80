package models

import (
	"github.com/thedevsaddam/govalidator"
)

type CreateIntentOpts struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

var CreateIntentRules = govalidator.MapData{
	"amount":   []string{"required", "numeric"},
	"currency": []string{"alpha", "len:3"},
}

type CreateIntentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
}

type ConfirmIntentOpts struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
	PaymentMethod   string `json:"paymentMethod"`
}

var ConfirmIntentRules = govalidator.MapData{
	"paymentMethod": []string{"required"},
}

type ConfirmIntentResponse struct {
	Status        string `json:"status"`
	ID            string `json:"id"`
	PaymentMethod string `json:"paymentMethod"`
	LatestCharge  string `json:"latestCharge"`
}

type IntentStatusResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
	LatestCharge  string `json:"latestCharge,omitempty"`
}

type RefundOpts struct {
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount"`
	Reason          string `json:"reason"`
}

var RefundRules = govalidator.MapData{
	"paymentIntentId": []string{"required"},
	"amount":          []string{"numeric"},
	"reason":          []string{"in:duplicate,fraudulent,requested_by_customer"},
}

type RefundResponse struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentIntent string `json:"paymentIntent"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	Created       int64  `json:"created"`
}

type TransferOpts struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

var TransferRules = govalidator.MapData{
	"amount":      []string{"required", "numeric"},
	"currency":    []string{"alpha", "len:3"},
	"destination": []string{"required"},
}

var PayoutRules = govalidator.MapData{
	"amount":   []string{"required", "numeric"},
	"currency": []string{"alpha", "len:3"},
}

type TransferResponse struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
	Status      string `json:"status"`
	Created     int64  `json:"created"`
}

type DetachPaymentMethodOpts struct {
	PaymentMethodID string `json:"paymentMethodId"`
}

var DetachPaymentMethodRules = govalidator.MapData{
	"paymentMethodId": []string{"required"},
}

type PaymentsConfigResponse struct {
	PublishableKey string `json:"publishableKey"`
	MockMode       bool   `json:"mockMode"`
	Currency       string `json:"currency"`
}

type FeesOpts struct {
	Amount int64 `schema:"amount"`
}

var FeesRules = govalidator.MapData{
	"amount": []string{"required", "numeric"},
}
