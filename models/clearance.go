package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstock/labstock_backend/utils"
	"gorm.io/gorm"
)

// ClearanceRequest records one pass of the departure workflow for a
// requester. ActiveKey carries the requester id while the request is PENDING
// or COMPLETED; the unique index on it is what actually enforces one
// outstanding request per requester, the redis lock in the workflow only
// narrows the race window. Marking a request FAILED by hand clears the key.
type ClearanceRequest struct {
	ID            int             `gorm:"primary_key" json:"id"`
	RequesterId   int             `gorm:"index;not null" json:"requester_id"`
	Requester     *User           `gorm:"foreignKey:RequesterId" json:"requester,omitempty"`
	DocumentId    string          `gorm:"size:50;index;not null" json:"document_id"`
	ActiveKey     *string         `gorm:"size:64;uniqueIndex" json:"-"`
	Status        ClearanceStatus `gorm:"type:enum('PENDING','COMPLETED','FAILED');not null;default:'PENDING'" json:"status"`
	OpenLoanCount int             `gorm:"not null;default:0" json:"open_loan_count"`
	CreatedBy     int             `gorm:"index" json:"created_by"`
	SentAt        *time.Time      `json:"sent_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
	CorrelationId string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func clearanceActiveKey(requesterId int) *string {
	key := fmt.Sprintf("%d", requesterId)
	return &key
}

// CreateClearanceRequest inserts a new request on the caller's transaction.
// A duplicate-key violation on ActiveKey means another non-terminal request
// already exists for the requester.
func CreateClearanceRequest(tx *gorm.DB, ctx context.Context, requester *User) (*ClearanceRequest, error) {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	createdBy, _ := utils.GetUserIdFromContext(ctx)
	request := ClearanceRequest{
		RequesterId:   requester.ID,
		DocumentId:    requester.DocumentId,
		ActiveKey:     clearanceActiveKey(requester.ID),
		Status:        ClearanceStatusPending,
		CreatedBy:     createdBy,
		CorrelationId: correlationId,
	}
	if err := tx.Create(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, utils.ErrDuplicateClearanceRequest
		}
		return nil, err
	}
	return &request, nil
}

// MarkClearanceCompleted closes the request. ActiveKey stays set: a cleared
// requester must not open another request, the same as a pending one. Only a
// manual FAILED resolution releases the key.
func MarkClearanceCompleted(tx *gorm.DB, requestId int, now time.Time) error {
	return tx.Model(&ClearanceRequest{}).Where("id = ?", requestId).
		Updates(map[string]interface{}{
			"status":       ClearanceStatusCompleted,
			"sent_at":      &now,
			"completed_at": &now,
		}).Error
}

// MarkClearancePending records that the pending-items notice went out while
// open loans remain. The request stays non-terminal and keeps its ActiveKey.
func MarkClearancePending(tx *gorm.DB, requestId int, openLoanCount int, now time.Time) error {
	return tx.Model(&ClearanceRequest{}).Where("id = ?", requestId).
		Updates(map[string]interface{}{
			"status":          ClearanceStatusPending,
			"open_loan_count": openLoanCount,
			"sent_at":         &now,
		}).Error
}

func GetClearanceRequest(ctx context.Context, id int) (*ClearanceRequest, error) {
	return utils.FetchModel[ClearanceRequest](ctx, id, "Requester")
}
