package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mwakidenis/DigiFarm/internal/models"
)

type fakeGateway struct {
	mu      sync.Mutex
	pushFn  func(PushRequest) (*PushResponse, error)
	queryFn func(string) (*StatusResponse, error)
	pushes  []PushRequest
	queries []string
}

func (g *fakeGateway) InitiatePush(_ context.Context, req PushRequest) (*PushResponse, error) {
	g.mu.Lock()
	g.pushes = append(g.pushes, req)
	n := len(g.pushes)
	g.mu.Unlock()

	if g.pushFn != nil {
		return g.pushFn(req)
	}
	return &PushResponse{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", n),
		MerchantRequestID: fmt.Sprintf("mr_%d", n),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
		Raw:               json.RawMessage(`{"ResponseCode":"0"}`),
	}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, checkoutRequestID string) (*StatusResponse, error) {
	g.mu.Lock()
	g.queries = append(g.queries, checkoutRequestID)
	g.mu.Unlock()

	if g.queryFn != nil {
		return g.queryFn(checkoutRequestID)
	}
	return nil, fmt.Errorf("unexpected query for %s", checkoutRequestID)
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

func (g *fakeGateway) queried() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.queries...)
}

type recordingNotifier struct {
	succeeded chan PaymentNotification
	failed    chan PaymentNotification
	refunds   chan PaymentNotification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		succeeded: make(chan PaymentNotification, 4),
		failed:    make(chan PaymentNotification, 4),
		refunds:   make(chan PaymentNotification, 4),
	}
}

func (n *recordingNotifier) NotifyPaymentSuccess(p PaymentNotification) error {
	n.succeeded <- p
	return nil
}

func (n *recordingNotifier) NotifyPaymentFailed(p PaymentNotification) error {
	n.failed <- p
	return nil
}

func (n *recordingNotifier) NotifyRefundRequired(p PaymentNotification) error {
	n.refunds <- p
	return nil
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func seedUser(t *testing.T, db *gorm.DB, email string) models.User {
	t.Helper()
	user := models.User{Email: email, FirstName: "Test", PasswordHash: "x", IsActive: true}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func seedOrder(t *testing.T, db *gorm.DB, customerID uint, total int64, status models.OrderStatus) models.Order {
	t.Helper()
	order := models.Order{
		CustomerID:  customerID,
		Status:      status,
		TotalAmount: decimal.NewFromInt(total),
	}
	require.NoError(t, db.Create(&order).Error)
	return order
}

func seedTransaction(t *testing.T, db *gorm.DB, orderID uint, checkoutID string, status models.TransactionStatus, createdAt time.Time) models.Transaction {
	t.Helper()
	txn := models.Transaction{
		BaseModel: models.BaseModel{CreatedAt: createdAt},
		OrderID:   orderID,
		Amount:    decimal.NewFromInt(100),
		Phone:     "+254712345678",
		Status:    status,
	}
	if checkoutID != "" {
		txn.CheckoutRequestID = strPtr(checkoutID)
	}
	require.NoError(t, db.Create(&txn).Error)
	return txn
}

func reloadTransaction(t *testing.T, db *gorm.DB, id uint) models.Transaction {
	t.Helper()
	var txn models.Transaction
	require.NoError(t, db.First(&txn, id).Error)
	return txn
}

func reloadOrder(t *testing.T, db *gorm.DB, id uint) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, db.First(&order, id).Error)
	return order
}
