package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/mwakidenis/DigiFarm/internal/config"
	"github.com/mwakidenis/DigiFarm/internal/models"
)

const (
	sweepKey             = "sweep"
	defaultSweepInterval = 5 * time.Minute
)

// Reconciler polls the provider for transactions whose callback never
// arrived and resolves them through PaymentService.ApplyOutcome.
type Reconciler struct {
	db             *gorm.DB
	gateway        Gateway
	payments       *PaymentService
	interval       time.Duration
	grace          time.Duration
	processingCode int
	now            func() time.Time
	group          singleflight.Group
}

func NewReconciler(db *gorm.DB, gateway Gateway, payments *PaymentService, cfg config.ReconcileConfig, processingCode int) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	return &Reconciler{
		db:             db,
		gateway:        gateway,
		payments:       payments,
		interval:       cfg.Interval,
		grace:          cfg.Grace,
		processingCode: processingCode,
		now:            time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Printf("[Reconciler] started: interval %s, grace %s", r.interval, r.grace)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Reconciler] stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.Printf("[Reconciler] sweep failed: %v", err)
			}
		}
	}
}

// Sweep resolves every open transaction older than the grace window and
// returns how many reached a terminal state. Concurrent callers share the
// sweep already in progress.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	v, err, shared := r.group.Do(sweepKey, func() (any, error) {
		return r.sweep(ctx)
	})
	if shared {
		log.Println("[Reconciler] joined sweep already in progress")
	}
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *Reconciler) sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.grace)

	var candidates []models.Transaction
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ? AND checkout_request_id IS NOT NULL",
			models.OpenTransactionStatuses, cutoff).
		Order("created_at ASC").
		Find(&candidates).Error; err != nil {
		return 0, fmt.Errorf("load open transactions: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	reconciled := 0
	for _, txn := range candidates {
		if ctx.Err() != nil {
			break
		}
		checkoutID := *txn.CheckoutRequestID

		status, err := r.gateway.QueryStatus(ctx, checkoutID)
		if err != nil {
			log.Printf("[Reconciler] query for transaction %d failed: %v", txn.ID, err)
			continue
		}
		if status.ResultCode == nil {
			log.Printf("[Reconciler] transaction %d has no result yet", txn.ID)
			continue
		}

		res, err := r.payments.ApplyOutcome(ctx, checkoutID, Outcome{
			Event:       EventForResultCode(*status.ResultCode, r.processingCode),
			Source:      SourceReconciler,
			Description: status.ResultDesc,
			Raw:         status.Raw,
		})
		if err != nil {
			log.Printf("[Reconciler] applying result to transaction %d failed: %v", txn.ID, err)
			continue
		}
		if res.Changed && res.Transaction.Status.Terminal() {
			reconciled++
		}
	}

	log.Printf("[Reconciler] checked %d transactions, resolved %d", len(candidates), reconciled)
	return reconciled, nil
}
