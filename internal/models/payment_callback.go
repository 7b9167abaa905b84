package models

import (
	"time"

	"gorm.io/datatypes"
)

// CallbackOutcome records what the webhook did with a delivery.
type CallbackOutcome string

const (
	CallbackOutcomeReceived  CallbackOutcome = "received"
	CallbackOutcomeApplied   CallbackOutcome = "applied"
	CallbackOutcomeDuplicate CallbackOutcome = "duplicate"
	CallbackOutcomeUnknown   CallbackOutcome = "unknown_transaction"
	CallbackOutcomeMalformed CallbackOutcome = "malformed"
	CallbackOutcomeError     CallbackOutcome = "error"
)

// PaymentCallback is an audit row for every provider webhook delivery.
type PaymentCallback struct {
	BaseModel
	RequestID         string          `gorm:"size:36;index" json:"request_id"`
	CheckoutRequestID string          `gorm:"size:100;index" json:"checkout_request_id"`
	ResultCode        *int            `json:"result_code"`
	Payload           datatypes.JSON  `json:"payload"`
	Outcome           CallbackOutcome `gorm:"size:32;index" json:"outcome"`
	Error             string          `json:"error"`
	ProcessedAt       *time.Time      `json:"processed_at"`
}
