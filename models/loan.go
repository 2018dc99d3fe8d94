package models

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/labstock/labstock_backend/config"
	"github.com/labstock/labstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// redis set holding every cached loan list key, so hooks can invalidate them
// all when a loan changes.
const loanFilterKeySet = "loan_filter_keys"

const loanFilterCacheTTL = 5 * time.Minute

type Loan struct {
	ID          int        `gorm:"primary_key" json:"id"`
	RequesterId int        `gorm:"index;not null" json:"requester_id" binding:"required"`
	Requester   *User      `gorm:"foreignKey:RequesterId" json:"requester,omitempty"`
	ApproverId  int        `gorm:"index;not null" json:"approver_id"`
	LoanDate    time.Time  `gorm:"index;not null" json:"loan_date"`
	DueDate     time.Time  `gorm:"index;not null" json:"due_date"`
	ReturnDate  *time.Time `gorm:"index" json:"return_date"`
	Notes       string     `gorm:"type:text" json:"notes"`
	// ReservationId is an opaque reference to the reservation this loan was
	// converted from; the reservation system itself lives outside this service.
	ReservationId string     `gorm:"size:64;index" json:"reservation_id"`
	Lines         []LoanLine `gorm:"foreignKey:LoanId" json:"lines"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type LoanLine struct {
	ID          int             `gorm:"primary_key" json:"id"`
	LoanId      int             `gorm:"index;not null" json:"loan_id"`
	ItemId      int             `gorm:"index;not null" json:"item_id"`
	Item        *Item           `gorm:"foreignKey:ItemId" json:"item,omitempty"`
	ItemType    ItemType        `gorm:"type:enum('PERMANENT','CONSUMABLE');not null" json:"item_type"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	QtyReturned decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_returned"`
	ReturnLines []ReturnLine    `gorm:"foreignKey:LoanLineId" json:"return_lines"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReturnLine tracks return obligations per loan line. A PERMANENT line starts
// with one PENDING row carrying the full loaned quantity; each return either
// converts it (full return) or splits it (partial return) into a terminal row
// with the returned condition.
type ReturnLine struct {
	ID         int              `gorm:"primary_key" json:"id"`
	LoanLineId int              `gorm:"index;not null" json:"loan_line_id"`
	Qty        decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"qty"`
	Status     ReturnLineStatus `gorm:"type:enum('PENDING','OK','DAMAGED','LOST');not null;default:'PENDING'" json:"status"`
	ReturnedAt *time.Time       `json:"returned_at"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// Outstanding is the quantity still with the requester.
func (l *LoanLine) Outstanding() decimal.Decimal {
	return l.Qty.Sub(l.QtyReturned)
}

// IsOpen reports whether the loan still has obligations. CONSUMABLE lines are
// settled at loan time, so only PERMANENT outstanding counts.
func (l *Loan) IsOpen() bool {
	if l.ReturnDate != nil {
		return false
	}
	for i := range l.Lines {
		if l.Lines[i].ItemType == ItemTypePermanent && l.Lines[i].Outstanding().IsPositive() {
			return true
		}
	}
	return false
}

func GetLoan(ctx context.Context, id int) (*Loan, error) {
	return utils.FetchModel[Loan](ctx, id, "Requester", "Lines", "Lines.Item", "Lines.ReturnLines")
}

type LoanFilter struct {
	RequesterId *int       `json:"requester_id" form:"requester_id"`
	ApproverId  *int       `json:"approver_id" form:"approver_id"`
	ItemId      *int       `json:"item_id" form:"item_id"`
	Open        *bool      `json:"open" form:"open"`
	Overdue     *bool      `json:"overdue" form:"overdue"`
	FromDate    *time.Time `json:"from_date" form:"from_date" time_format:"2006-01-02"`
	ToDate      *time.Time `json:"to_date" form:"to_date" time_format:"2006-01-02"`
	Limit       int        `json:"limit" form:"limit"`
	Offset      int        `json:"offset" form:"offset"`
}

type PagedLoans struct {
	Loans []Loan `json:"loans"`
	Total int64  `json:"total"`
}

func (f *LoanFilter) cacheKey() string {
	raw, _ := json.Marshal(f)
	sum := sha1.Sum(raw)
	return "loan_filter_" + hex.EncodeToString(sum[:])
}

// FilterLoans lists loans with paging. Results are cached per filter; model
// hooks drop the whole key set on any loan mutation.
func FilterLoans(ctx context.Context, filter *LoanFilter) (*PagedLoans, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	key := filter.cacheKey()
	var cached PagedLoans
	if found, err := config.GetRedisObject(key, &cached); err == nil && found {
		return &cached, nil
	}

	db := config.GetDB()
	q := db.WithContext(ctx).Model(&Loan{})
	if filter.RequesterId != nil {
		q = q.Where("requester_id = ?", *filter.RequesterId)
	}
	if filter.ApproverId != nil {
		q = q.Where("approver_id = ?", *filter.ApproverId)
	}
	if filter.ItemId != nil {
		q = q.Where("id IN (?)",
			db.Model(&LoanLine{}).Select("loan_id").Where("item_id = ?", *filter.ItemId))
	}
	if filter.Open != nil {
		if *filter.Open {
			q = q.Where("return_date IS NULL")
		} else {
			q = q.Where("return_date IS NOT NULL")
		}
	}
	if filter.Overdue != nil && *filter.Overdue {
		q = q.Where("return_date IS NULL AND due_date < ?", time.Now())
	}
	if filter.FromDate != nil {
		q = q.Where("loan_date >= ?", *filter.FromDate)
	}
	if filter.ToDate != nil {
		q = q.Where("loan_date <= ?", *filter.ToDate)
	}

	var result PagedLoans
	if err := q.Count(&result.Total).Error; err != nil {
		return nil, err
	}
	err := q.Preload("Requester").Preload("Lines").Preload("Lines.Item").Preload("Lines.ReturnLines").
		Order("id DESC").
		Limit(filter.Limit).Offset(filter.Offset).
		Find(&result.Loans).Error
	if err != nil {
		return nil, err
	}

	if err := config.SetRedisObject(key, &result, loanFilterCacheTTL); err == nil {
		_ = config.AddRedisSet(loanFilterKeySet, key)
	}
	return &result, nil
}

// InvalidateLoanCache drops every cached loan list. Called from model hooks.
func InvalidateLoanCache() {
	keys, err := config.GetRedisSetMembers(loanFilterKeySet)
	if err != nil {
		return
	}
	for _, key := range keys {
		_ = config.RemoveRedisKey(key)
		_ = config.RemoveRedisSetMember(loanFilterKeySet, key)
	}
}

// CountOpenLoans counts loans of the requester that still have obligations,
// on the caller's transaction so the clearance decision sees a consistent
// snapshot.
func CountOpenLoans(tx *gorm.DB, requesterId int) (int64, error) {
	var count int64
	err := tx.Model(&Loan{}).
		Where("requester_id = ?", requesterId).
		Where("return_date IS NULL").
		Count(&count).Error
	return count, err
}

// GetOpenLoans fetches the requester's open loans with lines and items, used
// to itemize the pending-items notification.
func GetOpenLoans(tx *gorm.DB, requesterId int) ([]Loan, error) {
	var loans []Loan
	err := tx.
		Where("requester_id = ?", requesterId).
		Where("return_date IS NULL").
		Preload("Lines").Preload("Lines.Item").
		Order("due_date ASC").
		Find(&loans).Error
	return loans, err
}

// GetLoansApproachingDueDate lists open loans due exactly withinDays days
// from today, requester preloaded for the reminder email. Selecting the single
// day keeps the sweep to one reminder per loan; loans due sooner already had
// their day.
func GetLoansApproachingDueDate(ctx context.Context, withinDays int) ([]Loan, error) {
	today, err := utils.ConvertToDate(time.Now(), "")
	if err != nil {
		return nil, err
	}
	target := today.AddDate(0, 0, withinDays)

	db := config.GetDB()
	var loans []Loan
	err = db.WithContext(ctx).
		Where("return_date IS NULL").
		Where("due_date >= ? AND due_date < ?", target, target.AddDate(0, 0, 1)).
		Preload("Requester").
		Preload("Lines").Preload("Lines.Item").
		Order("due_date ASC").
		Find(&loans).Error
	return loans, err
}
