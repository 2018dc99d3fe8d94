package models

import (
	"context"
	"time"

	"github.com/labstock/labstock_backend/config"
	"github.com/labstock/labstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Item struct {
	ID          int             `gorm:"primary_key" json:"id"`
	Name        string          `gorm:"size:255;not null" json:"name" binding:"required"`
	Code        string          `gorm:"size:50;uniqueIndex;not null" json:"code" binding:"required"`
	Type        ItemType        `gorm:"type:enum('PERMANENT','CONSUMABLE');not null" json:"type" binding:"required"`
	Description string          `gorm:"type:text" json:"description"`
	Location    string          `gorm:"size:255" json:"location"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"balance"`
	// MinimumBalance is the reorder threshold, informational only; loans are
	// bounded by Balance, not by this.
	MinimumBalance decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"minimum_balance"`
	IsActive       *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	Name           string          `json:"name" binding:"required"`
	Code           string          `json:"code" binding:"required"`
	Type           string          `json:"type" binding:"required"`
	Description    string          `json:"description"`
	Location       string          `json:"location"`
	Balance        decimal.Decimal `json:"balance"`
	MinimumBalance decimal.Decimal `json:"minimum_balance"`
}

func (input *NewItem) validate(ctx context.Context, id int) error {
	var itemType ItemType
	if err := itemType.Parse(input.Type); err != nil {
		return utils.NewValidationError("invalid item type %q", input.Type)
	}
	if input.Balance.IsNegative() {
		return utils.NewValidationError("balance must not be negative")
	}
	if input.MinimumBalance.IsNegative() {
		return utils.NewValidationError("minimum balance must not be negative")
	}
	if err := utils.ValidateUnique[Item](ctx, "code", input.Code, id); err != nil {
		return utils.NewValidationError("%s", err.Error())
	}
	return nil
}

func CreateItem(ctx context.Context, input *NewItem) (*Item, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	db := config.GetDB()
	item := Item{
		Name:           input.Name,
		Code:           input.Code,
		Type:           ItemType(input.Type),
		Description:    input.Description,
		Location:       input.Location,
		Balance:        input.Balance,
		MinimumBalance: input.MinimumBalance,
		IsActive:       utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}

	return &item, nil
}

// UpdateItem changes descriptive fields only. Balance moves exclusively
// through Increase/DecreaseItemBalance so every movement is tied to a loan
// or return transaction.
func UpdateItem(ctx context.Context, id int, input *NewItem) (*Item, error) {

	db := config.GetDB()
	item, err := utils.FetchModel[Item](ctx, id)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&item).Updates(map[string]interface{}{
		"Name":           input.Name,
		"Code":           input.Code,
		"Description":    input.Description,
		"Location":       input.Location,
		"MinimumBalance": input.MinimumBalance,
	}).Error; err != nil {
		return nil, err
	}

	return item, nil
}

func DeleteItem(ctx context.Context, id int) (*Item, error) {

	db := config.GetDB()
	item, err := utils.FetchModel[Item](ctx, id)
	if err != nil {
		return nil, err
	}

	count, err := utils.ResourceCountWhere[LoanLine](ctx, "item_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, utils.NewValidationError("item has loan history and cannot be deleted")
	}

	if err = db.WithContext(ctx).Delete(&item).Error; err != nil {
		return nil, err
	}
	return item, nil
}

func GetItem(ctx context.Context, id int) (*Item, error) {
	return utils.FetchModel[Item](ctx, id)
}

func ListItems(ctx context.Context) ([]*Item, error) {
	return utils.FetchAllModels[Item](ctx)
}

// IsBalanceSufficient reports whether a withdrawal of qty can be served from
// balance. Pure so it can be checked without touching the DB.
func IsBalanceSufficient(balance decimal.Decimal, qty decimal.Decimal) bool {
	return balance.GreaterThanOrEqual(qty)
}

// DecreaseItemBalance withdraws qty from the item inside the caller's
// transaction. The row is locked with SELECT ... FOR UPDATE so concurrent
// withdrawals serialize and cannot both pass the sufficiency check.
func DecreaseItemBalance(tx *gorm.DB, ctx context.Context, itemId int, qty decimal.Decimal, validate bool) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return utils.NewValidationError("quantity must be positive")
	}

	var item Item
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&item, itemId).Error; err != nil {
		return utils.ErrorRecordNotFound
	}

	if validate && !IsBalanceSufficient(item.Balance, qty) {
		return utils.ErrInsufficientBalance
	}

	return tx.Model(&Item{}).Where("id = ?", itemId).
		Update("balance", gorm.Expr("balance - ?", qty)).Error
}

// AdjustItemBalance applies an administrative stock correction. Negative
// deltas skip the sufficiency check, so a correction recorded after a
// stocktake can leave the balance negative until the restock lands.
func AdjustItemBalance(ctx context.Context, itemId int, delta decimal.Decimal) (*Item, error) {
	if delta.IsZero() {
		return nil, utils.NewValidationError("adjustment delta must not be zero")
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if delta.IsNegative() {
			return DecreaseItemBalance(tx, ctx, itemId, delta.Neg(), false)
		}
		return IncreaseItemBalance(tx, ctx, itemId, delta)
	})
	if err != nil {
		return nil, err
	}
	return GetItem(ctx, itemId)
}

// IncreaseItemBalance restocks qty onto the item inside the caller's
// transaction, under the same row lock as the decrease path.
func IncreaseItemBalance(tx *gorm.DB, ctx context.Context, itemId int, qty decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return utils.NewValidationError("quantity must be positive")
	}

	var item Item
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&item, itemId).Error; err != nil {
		return utils.ErrorRecordNotFound
	}

	return tx.Model(&Item{}).Where("id = ?", itemId).
		Update("balance", gorm.Expr("balance + ?", qty)).Error
}
