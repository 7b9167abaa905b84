package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mwakidenis/DigiFarm/internal/models"
)

// OutcomeSource names the path that resolved a transaction.
type OutcomeSource string

const (
	SourceWebhook    OutcomeSource = "webhook"
	SourceReconciler OutcomeSource = "reconciler"
	SourceSimulator  OutcomeSource = "simulator"
)

// Outcome is a provider or merchant result to apply to one transaction.
type Outcome struct {
	Event         TransactionEvent
	Source        OutcomeSource
	ReceiptNumber *string
	Description   string
	Raw           []byte
}

// ApplyResult reports what ApplyOutcome did.
type ApplyResult struct {
	Transaction models.Transaction
	Previous    models.TransactionStatus
	// Changed is false for duplicates and for outcomes that arrive after
	// the transaction already reached a terminal state.
	Changed   bool
	OrderPaid bool
}

// InitiateRequest is the caller input for an STK push.
type InitiateRequest struct {
	OrderID uint
	Phone   string
}

// InitiateResult is returned to the caller after a successful push.
type InitiateResult struct {
	Message           string `json:"message"`
	CheckoutRequestID string `json:"checkout_request_id"`
	TransactionID     uint   `json:"transaction_id"`
	OrderID           uint   `json:"order_id"`
}

const (
	duplicatePaymentMessage = "duplicate payment: order already settled by another transaction"
	cancelledOrderMessage   = "order was cancelled before the payment completed"
)

// PaymentService owns payment initiation and every transaction status change.
type PaymentService struct {
	db       *gorm.DB
	gateway  Gateway
	notifier PaymentNotifier
	now      func() time.Time
}

// NewPaymentService constructs a PaymentService. notifier may be nil.
func NewPaymentService(db *gorm.DB, gateway Gateway, notifier PaymentNotifier) *PaymentService {
	return &PaymentService{db: db, gateway: gateway, notifier: notifier, now: time.Now}
}

// Initiate validates the order, asks the provider to prompt the customer
// and records the attempt. No transaction row exists unless the provider
// accepted the push.
func (s *PaymentService) Initiate(ctx context.Context, customerID uint, req InitiateRequest) (*InitiateResult, error) {
	if req.OrderID == 0 {
		return nil, &ValidationError{Field: "order_id", Message: "order_id is required"}
	}
	phone := strings.TrimSpace(req.Phone)
	if err := ValidatePhone(phone); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)

	var order models.Order
	if err := db.Where("id = ? AND customer_id = ?", req.OrderID, customerID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "order"}
		}
		return nil, err
	}

	if order.Status == models.OrderStatusPaid {
		return nil, &ConflictError{Message: "order is already paid"}
	}

	var settled int64
	if err := db.Model(&models.Transaction{}).
		Where("order_id = ? AND status = ?", order.ID, models.TransactionStatusSuccess).
		Count(&settled).Error; err != nil {
		return nil, err
	}
	if settled > 0 {
		return nil, &ConflictError{Message: "order already has a successful payment"}
	}

	if order.Status != models.OrderStatusPending {
		return nil, &ConflictError{Message: fmt.Sprintf("order is %s and cannot be paid", order.Status)}
	}
	if order.TotalAmount.LessThan(decimal.NewFromInt(1)) {
		return nil, &ValidationError{Field: "total_amount", Message: "order total must be at least 1"}
	}

	push, err := s.gateway.InitiatePush(ctx, PushRequest{
		Phone:            phone,
		Amount:           order.TotalAmount,
		AccountReference: fmt.Sprintf("ORDER%d", order.ID),
		Description:      fmt.Sprintf("Payment for order %d", order.ID),
	})
	if err != nil {
		log.Printf("[Payments] STK push for order %d failed: %v", order.ID, err)
		return nil, err
	}

	checkoutID := push.CheckoutRequestID
	txn := models.Transaction{
		OrderID:           order.ID,
		CheckoutRequestID: &checkoutID,
		MerchantRequestID: push.MerchantRequestID,
		Amount:            order.TotalAmount,
		Phone:             phone,
		Status:            models.TransactionStatusInitiated,
		RawResponse:       datatypes.JSON(push.Raw),
	}
	if err := db.Create(&txn).Error; err != nil {
		return nil, fmt.Errorf("record transaction for checkout %s: %w", checkoutID, err)
	}

	log.Printf("[Payments] transaction %d initiated for order %d (checkout %s)", txn.ID, order.ID, checkoutID)

	message := push.CustomerMessage
	if message == "" {
		message = "STK Push initiated"
	}
	return &InitiateResult{
		Message:           message,
		CheckoutRequestID: checkoutID,
		TransactionID:     txn.ID,
		OrderID:           order.ID,
	}, nil
}

// ApplyOutcome is the single entry point for status changes driven by the
// provider. It is safe to call repeatedly for the same checkout id.
func (s *PaymentService) ApplyOutcome(ctx context.Context, checkoutRequestID string, outcome Outcome) (*ApplyResult, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, &ValidationError{Field: "checkout_request_id", Message: "checkout_request_id is required"}
	}

	var result ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("checkout_request_id = ?", checkoutRequestID).
			First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Resource: "transaction"}
			}
			return err
		}
		return s.applyLocked(tx, &txn, outcome, &result)
	})
	if err != nil {
		return nil, err
	}

	s.notify(&result, outcome)
	return &result, nil
}

// CancelOrder cancels a pending or paid order owned by customerID. Open
// transactions are left to resolve: the prompt is already on the customer's
// phone, and a payment that completes afterwards is kept and flagged for
// refund.
func (s *PaymentService) CancelOrder(ctx context.Context, customerID, orderID uint) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND customer_id = ?", orderID, customerID).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Resource: "order"}
			}
			return err
		}
		if !order.Status.Cancellable() {
			return &ConflictError{Message: "only pending or paid orders can be cancelled"}
		}

		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, order.Status).
			Update("status", models.OrderStatusCancelled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &ConflictError{Message: "order status changed concurrently, retry"}
		}
		order.Status = models.OrderStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Payments] order %d cancelled by customer %d", order.ID, customerID)
	return &order, nil
}

// applyLocked runs the state machine for txn inside tx. The row update is
// conditional on the status that was read so a concurrent writer cannot be
// overwritten.
func (s *PaymentService) applyLocked(tx *gorm.DB, txn *models.Transaction, outcome Outcome, result *ApplyResult) error {
	result.Previous = txn.Status
	result.Transaction = *txn

	next, err := Transition(txn.Status, outcome.Event)
	if errors.Is(err, ErrTerminalState) {
		log.Printf("[Payments] transaction %d already %s, ignoring %s from %s",
			txn.ID, txn.Status, outcome.Event, outcome.Source)
		return nil
	}
	if err != nil {
		return err
	}
	if next == txn.Status {
		return nil
	}

	now := s.now()
	updates := map[string]any{"status": next}
	if len(outcome.Raw) > 0 {
		updates["raw_response"] = datatypes.JSON(outcome.Raw)
	}

	switch next {
	case models.TransactionStatusSuccess:
		if outcome.ReceiptNumber != nil && *outcome.ReceiptNumber != "" {
			updates["mpesa_transaction_id"] = *outcome.ReceiptNumber
		}
		updates["completed_at"] = now

		var settled int64
		if err := tx.Model(&models.Transaction{}).
			Where("order_id = ? AND status = ? AND id <> ?", txn.OrderID, models.TransactionStatusSuccess, txn.ID).
			Count(&settled).Error; err != nil {
			return err
		}
		if settled > 0 {
			log.Printf("[Payments] transaction %d paid an order (%d) that is already settled, flagging for refund",
				txn.ID, txn.OrderID)
			next = models.TransactionStatusCancelled
			updates["status"] = next
			updates["cancel_reason"] = duplicatePaymentMessage
			updates["refund_required"] = true
			break
		}

		var order models.Order
		if err := tx.Select("id", "status").First(&order, txn.OrderID).Error; err != nil {
			return fmt.Errorf("load order %d: %w", txn.OrderID, err)
		}
		if order.Status == models.OrderStatusCancelled {
			log.Printf("[Payments] transaction %d paid cancelled order %d, flagging for refund", txn.ID, txn.OrderID)
			updates["refund_required"] = true
		}
	case models.TransactionStatusFailed:
		updates["error_message"] = fallback(outcome.Description, "Payment failed")
		updates["completed_at"] = now
	case models.TransactionStatusCancelled:
		updates["cancel_reason"] = fallback(outcome.Description, "Payment cancelled")
		updates["completed_at"] = now
	}

	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, txn.Status).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update transaction %d: %w", txn.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race; report whatever the winner wrote.
		return tx.First(&result.Transaction, txn.ID).Error
	}
	result.Changed = true

	if next == models.TransactionStatusSuccess {
		orderRes := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", txn.OrderID, models.OrderStatusPending).
			Update("status", models.OrderStatusPaid)
		if orderRes.Error != nil {
			return fmt.Errorf("mark order %d paid: %w", txn.OrderID, orderRes.Error)
		}
		result.OrderPaid = orderRes.RowsAffected == 1
		if !result.OrderPaid {
			log.Printf("[Payments] transaction %d succeeded but order %d was not pending", txn.ID, txn.OrderID)
		}
	}

	log.Printf("[Payments] transaction %d %s -> %s via %s", txn.ID, txn.Status, next, outcome.Source)
	return tx.First(&result.Transaction, txn.ID).Error
}

func (s *PaymentService) notify(result *ApplyResult, outcome Outcome) {
	if s.notifier == nil || !result.Changed {
		return
	}
	txn := result.Transaction
	n := PaymentNotification{
		OrderID:       txn.OrderID,
		TransactionID: txn.ID,
		Phone:         txn.Phone,
		Amount:        txn.Amount,
		Reason:        txn.ErrorMessage,
		Source:        outcome.Source,
	}
	if txn.MpesaTransactionID != nil {
		n.Receipt = *txn.MpesaTransactionID
	}

	var send func(PaymentNotification) error
	switch {
	case txn.RefundRequired:
		n.Reason = fallback(txn.CancelReason, cancelledOrderMessage)
		send = s.notifier.NotifyRefundRequired
	case txn.Status == models.TransactionStatusSuccess:
		send = s.notifier.NotifyPaymentSuccess
	case txn.Status == models.TransactionStatusFailed:
		send = s.notifier.NotifyPaymentFailed
	default:
		return
	}
	go func() {
		if err := send(n); err != nil {
			log.Printf("[Payments] notification for transaction %d failed: %v", n.TransactionID, err)
		}
	}()
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
