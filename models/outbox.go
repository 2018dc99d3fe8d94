package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/labstock/labstock_backend/utils"
	"gorm.io/gorm"
)

// NotificationRecord is the transactional outbox row for outgoing emails.
// It is inserted inside the same transaction as the business change it
// announces, so a rollback leaves nothing to deliver. The dispatcher claims
// rows after commit and hands them to the mail transport.
type NotificationRecord struct {
	ID               int        `gorm:"primary_key;index:idx_notification_dispatch,priority:2" json:"id"`
	Kind             string     `gorm:"size:50;not null;index" json:"kind"`
	Recipient        string     `gorm:"size:255;not null" json:"recipient"`
	Subject          string     `gorm:"size:255;not null" json:"subject"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	ReferenceId      int        `gorm:"index" json:"reference_id"`
	DeliveryStatus   string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_notification_dispatch,priority:1" json:"delivery_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	DeliveredAt      *time.Time `gorm:"index" json:"delivered_at"`
	DeliveryAttempts int        `gorm:"not null;default:0" json:"delivery_attempts"`
	NextAttemptAt    *time.Time `gorm:"index" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastError        *string    `gorm:"type:text" json:"last_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishNotification enqueues an email on the caller's transaction. The
// payload map feeds the mail template on delivery.
func PublishNotification(tx *gorm.DB, ctx context.Context, kind string, recipient string, subject string, referenceId int, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	record := NotificationRecord{
		Kind:           kind,
		Recipient:      recipient,
		Subject:        subject,
		Payload:        body,
		ReferenceId:    referenceId,
		DeliveryStatus: NotificationStatusPending,
		CorrelationId:  correlationId,
	}
	return tx.Create(&record).Error
}

func (r *NotificationRecord) TemplateData() (map[string]string, error) {
	data := map[string]string{}
	if len(r.Payload) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(r.Payload, &data); err != nil {
		return nil, err
	}
	return data, nil
}
