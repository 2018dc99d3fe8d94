package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/labstock/labstock_backend/models"
	"github.com/labstock/labstock_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationDispatcher drains the notification outbox after commit. Rows
// are claimed with SKIP LOCKED so multiple instances can poll the same table,
// then handed to the worker pool where the retry policy drives delivery.
// A claimed row ends the cycle SENT, FAILED (permanent failure, not worth a
// retry) or DEAD (transient retries exhausted); PROCESSING rows whose lock
// went stale (instance died mid-batch) are reclaimed after LockTimeout.
type NotificationDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
	Retry        RetryPolicy
	Pool         *WorkerPool
}

func NewNotificationDispatcher(db *gorm.DB, logger *logrus.Logger) *NotificationDispatcher {
	retry := DefaultDeliveryRetryPolicy()
	retry.Classify = utils.IsTransientDeliveryError
	return &NotificationDispatcher{
		DB:           db,
		Logger:       logger,
		DispatcherID: uuid.NewString(),
		BatchSize:    50,
		PollInterval: 500 * time.Millisecond,
		LockTimeout:  30 * time.Second,
		Retry:        retry,
		Pool:         NewWorkerPool(),
	}
}

func (d *NotificationDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.Pool.Start(ctx)
	defer d.Pool.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *NotificationDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil {
		return
	}

	var claimed []models.NotificationRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING and ready
		// - PROCESSING but lock is stale (dispatcher crashed mid-batch), reclaim after LockTimeout
		q := tx.
			Where(`
				(
					delivery_status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					delivery_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, models.NotificationStatusPending, now, models.NotificationStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].DeliveryStatus = models.NotificationStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"delivery_status":   claimed[i].DeliveryStatus,
				"locked_at":         claimed[i].LockedAt,
				"locked_by":         claimed[i].LockedBy,
				"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
				"last_error":        nil,
				"next_attempt_at":   nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for i := range claimed {
		rec := claimed[i]
		d.Pool.Submit(func() {
			d.deliver(ctx, rec)
		})
	}
}

func (d *NotificationDispatcher) deliver(ctx context.Context, rec models.NotificationRecord) {
	err := d.Retry.Do(ctx, func() error {
		return deliverNotification(&rec)
	})
	if err != nil {
		// shutdown mid-delivery: leave the row PROCESSING so another instance
		// reclaims it after LockTimeout instead of finalizing it here
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if d.Retry.Classify != nil && !d.Retry.Classify(err) {
			d.markFailed(rec, err)
			return
		}
		d.markDead(rec, err)
		return
	}
	d.markSent(rec)
}

func (d *NotificationDispatcher) markSent(rec models.NotificationRecord) {
	// Status writes get their own context: the polling context may already be
	// cancelled while deliveries are still in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	_ = d.DB.WithContext(ctx).Model(&models.NotificationRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"delivery_status": models.NotificationStatusSent,
			"delivered_at":    &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
}

// markFailed finalizes a record whose delivery can never succeed (unknown
// kind, malformed payload, invalid recipient). DEAD stays reserved for
// transient failures that exhausted their retries.
func (d *NotificationDispatcher) markFailed(rec models.NotificationRecord, cause error) {
	d.finalize(rec, models.NotificationStatusFailed, cause)
}

func (d *NotificationDispatcher) markDead(rec models.NotificationRecord, cause error) {
	d.finalize(rec, models.NotificationStatusDead, cause)
}

func (d *NotificationDispatcher) finalize(rec models.NotificationRecord, status string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg := cause.Error()
	_ = d.DB.WithContext(ctx).Model(&models.NotificationRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"delivery_status": status,
			"last_error":      &msg,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"module":         "NotificationDispatcher",
			"record_id":      rec.ID,
			"kind":           rec.Kind,
			"correlation_id": rec.CorrelationId,
		}).Error("notification moved to " + status + ": " + msg)
	}
}
