package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mwakidenis/DigiFarm/internal/config"
	"github.com/mwakidenis/DigiFarm/internal/middleware"
	"github.com/mwakidenis/DigiFarm/internal/models"
	"github.com/mwakidenis/DigiFarm/internal/services"
	"github.com/mwakidenis/DigiFarm/internal/utils"
)

// PaymentHandler manages M-Pesa payment endpoints.
type PaymentHandler struct {
	db         *gorm.DB
	payments   *services.PaymentService
	reconciler *services.Reconciler
	ackUnknown bool
	debug      bool
}

// NewPaymentHandler constructs PaymentHandler. reconciler may be nil.
func NewPaymentHandler(db *gorm.DB, payments *services.PaymentService, reconciler *services.Reconciler, cfg *config.Config) *PaymentHandler {
	return &PaymentHandler{
		db:         db,
		payments:   payments,
		reconciler: reconciler,
		ackUnknown: cfg.WebhookAckUnknown,
		debug:      cfg.Debug,
	}
}

type initiatePaymentRequest struct {
	OrderID uint   `json:"order_id"`
	Phone   string `json:"phone"`
}

// Initiate sends an STK push for one of the caller's orders.
func (h *PaymentHandler) Initiate(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var req initiatePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.payments.Initiate(c.UserContext(), userID, services.InitiateRequest{
		OrderID: req.OrderID,
		Phone:   req.Phone,
	})
	if err != nil {
		return err
	}

	return c.JSON(result)
}

// Webhook receives the provider's STK callback. It is unauthenticated and
// must tolerate repeated delivery of the same payload.
func (h *PaymentHandler) Webhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	audit := &models.PaymentCallback{
		RequestID: uuid.NewString(),
		Outcome:   models.CallbackOutcomeReceived,
	}

	cb, err := services.ParseCallback(payload)
	if err != nil {
		audit.Payload = quoteJSON(payload)
		h.recordCallback(audit, models.CallbackOutcomeMalformed, err)
		log.Printf("[Webhook] %s: %v", audit.RequestID, err)
		return err
	}

	audit.Payload = datatypes.JSON(payload)
	audit.CheckoutRequestID = cb.CheckoutRequestID
	audit.ResultCode = cb.ResultCode
	if err := h.db.Create(audit).Error; err != nil {
		log.Printf("[Webhook] failed to store callback %s: %v", audit.RequestID, err)
	}

	if cb.CheckoutRequestID == "" {
		h.recordCallback(audit, models.CallbackOutcomeMalformed, errors.New("missing CheckoutRequestID"))
		return fiber.NewError(fiber.StatusBadRequest, "missing CheckoutRequestID")
	}
	if cb.ResultCode == nil {
		h.recordCallback(audit, models.CallbackOutcomeMalformed, errors.New("missing ResultCode"))
		return fiber.NewError(fiber.StatusBadRequest, "missing ResultCode")
	}

	log.Printf("[Webhook] %s: checkout %s result %d (%s)",
		audit.RequestID, cb.CheckoutRequestID, *cb.ResultCode, cb.ResultDesc)

	res, err := h.payments.ApplyOutcome(c.UserContext(), cb.CheckoutRequestID, services.Outcome{
		Event:         services.EventForCallbackCode(*cb.ResultCode),
		Source:        services.SourceWebhook,
		ReceiptNumber: cb.MpesaReceiptNumber,
		Description:   cb.ResultDesc,
		Raw:           payload,
	})
	if err != nil {
		var notFound *services.NotFoundError
		if errors.As(err, &notFound) {
			h.recordCallback(audit, models.CallbackOutcomeUnknown, err)
			log.Printf("[Webhook] %s: unknown checkout %s", audit.RequestID, cb.CheckoutRequestID)
			if h.ackUnknown {
				return c.JSON(fiber.Map{"success": true, "status": "ignored"})
			}
			return fiber.NewError(fiber.StatusNotFound, "transaction not found")
		}
		h.recordCallback(audit, models.CallbackOutcomeError, err)
		return err
	}

	status := "processed"
	outcome := models.CallbackOutcomeApplied
	if !res.Changed {
		status = "duplicate"
		outcome = models.CallbackOutcomeDuplicate
	}
	h.recordCallback(audit, outcome, nil)

	return c.JSON(fiber.Map{
		"success":            true,
		"status":             status,
		"transaction_id":     res.Transaction.ID,
		"transaction_status": res.Transaction.Status,
	})
}

// recordCallback stores the final outcome of a webhook delivery. Audit
// failures are logged and never change the response.
func (h *PaymentHandler) recordCallback(audit *models.PaymentCallback, outcome models.CallbackOutcome, cause error) {
	now := time.Now()
	audit.Outcome = outcome
	audit.ProcessedAt = &now
	if cause != nil {
		audit.Error = cause.Error()
	}

	var err error
	if audit.ID == 0 {
		err = h.db.Create(audit).Error
	} else {
		err = h.db.Model(audit).Updates(map[string]any{
			"outcome":      audit.Outcome,
			"error":        audit.Error,
			"processed_at": audit.ProcessedAt,
		}).Error
	}
	if err != nil {
		log.Printf("[Webhook] failed to record outcome for %s: %v", audit.RequestID, err)
	}
}

// Transactions lists the caller's payment attempts, newest first.
func (h *PaymentHandler) Transactions(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	status := models.TransactionStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "invalid status filter")
	}

	scope := func() *gorm.DB {
		q := h.ownedTransactions(userID)
		if status != "" {
			q = q.Where("transactions.status = ?", status)
		}
		return q
	}

	pg := utils.ParsePagination(c)

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return err
	}

	var txns []models.Transaction
	if err := scope().Preload("Order").
		Order("transactions.created_at desc, transactions.id desc").
		Limit(pg.Limit).Offset(pg.Offset).
		Find(&txns).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       txns,
		"pagination": pg.Meta(total),
	})
}

// Transaction returns one of the caller's payment attempts.
func (h *PaymentHandler) Transaction(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}

	var txn models.Transaction
	if err := h.ownedTransactions(userID).
		Preload("Order").
		Where("transactions.id = ?", id).
		First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "transaction not found")
		}
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": txn})
}

type simulateWebhookRequest struct {
	CheckoutRequestID  string `json:"checkout_request_id"`
	ResultCode         *int   `json:"result_code"`
	ResultDesc         string `json:"result_desc"`
	MpesaReceiptNumber string `json:"mpesa_receipt_number"`
}

// SimulateWebhook resolves one of the caller's transactions as if the
// provider had called back. Only available with DEBUG enabled.
func (h *PaymentHandler) SimulateWebhook(c *fiber.Ctx) error {
	if !h.debug {
		return fiber.NewError(fiber.StatusForbidden, "webhook simulation is only available in debug mode")
	}
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var req simulateWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	req.CheckoutRequestID = strings.TrimSpace(req.CheckoutRequestID)
	if req.CheckoutRequestID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "checkout_request_id is required")
	}
	code := 0
	if req.ResultCode != nil {
		code = *req.ResultCode
	}

	var count int64
	if err := h.ownedTransactions(userID).
		Where("transactions.checkout_request_id = ?", req.CheckoutRequestID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fiber.NewError(fiber.StatusNotFound, "transaction not found")
	}

	outcome := services.Outcome{
		Event:       services.EventForCallbackCode(code),
		Source:      services.SourceSimulator,
		Description: req.ResultDesc,
	}
	if code == 0 {
		receipt := req.MpesaReceiptNumber
		if receipt == "" {
			receipt = "SIM" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:7])
		}
		outcome.ReceiptNumber = &receipt
	} else if outcome.Description == "" {
		outcome.Description = "Simulated failure"
	}

	res, err := h.payments.ApplyOutcome(c.UserContext(), req.CheckoutRequestID, outcome)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"changed": res.Changed,
		"data":    res.Transaction,
	})
}

// Reconcile runs a sweep immediately. Only available with DEBUG enabled.
func (h *PaymentHandler) Reconcile(c *fiber.Ctx) error {
	if !h.debug || h.reconciler == nil {
		return fiber.NewError(fiber.StatusForbidden, "manual reconciliation is not available")
	}

	n, err := h.reconciler.Sweep(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "reconciled": n})
}

func (h *PaymentHandler) ownedTransactions(userID uint) *gorm.DB {
	return h.db.Model(&models.Transaction{}).
		Joins("JOIN orders ON orders.id = transactions.order_id").
		Where("orders.customer_id = ?", userID)
}

// quoteJSON stores a non-JSON body as a JSON string so it still fits the
// payload column.
func quoteJSON(payload []byte) datatypes.JSON {
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return datatypes.JSON(`""`)
	}
	return datatypes.JSON(quoted)
}
