package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionStatus is the lifecycle state of one M-Pesa payment attempt.
type TransactionStatus string

const (
	TransactionStatusInitiated TransactionStatus = "initiated"
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusSuccess   TransactionStatus = "success"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusInitiated, TransactionStatusPending,
		TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

// OpenTransactionStatuses are the states the webhook and sweeper may resolve.
var OpenTransactionStatuses = []TransactionStatus{TransactionStatusInitiated, TransactionStatusPending}

// Transaction stores one STK push attempt against an order. ErrorMessage is
// only set on failed rows; cancelled rows carry CancelReason. RefundRequired
// marks money the customer paid that the order can no longer keep.
type Transaction struct {
	BaseModel
	OrderID            uint              `gorm:"index;not null" json:"order_id"`
	Order              *Order            `json:"order,omitempty"`
	MpesaTransactionID *string           `gorm:"column:mpesa_transaction_id;size:50;uniqueIndex" json:"mpesa_transaction_id"`
	CheckoutRequestID  *string           `gorm:"size:100;uniqueIndex" json:"checkout_request_id"`
	MerchantRequestID  string            `gorm:"size:100" json:"merchant_request_id"`
	Amount             decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"amount"`
	Phone              string            `gorm:"size:15;not null" json:"phone"`
	Status             TransactionStatus `gorm:"size:20;index;not null;default:initiated" json:"status"`
	RawResponse        datatypes.JSON    `json:"-"`
	ErrorMessage       string            `json:"error_message"`
	CancelReason       string            `gorm:"size:255" json:"cancel_reason,omitempty"`
	RefundRequired     bool              `gorm:"not null;default:false" json:"refund_required"`
	CompletedAt        *time.Time        `json:"completed_at"`
}
