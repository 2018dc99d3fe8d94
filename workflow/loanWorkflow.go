package workflow

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/labstock/labstock_backend/config"
	"github.com/labstock/labstock_backend/models"
	"github.com/labstock/labstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const loanModuleName = "LoanWorkflow"

type NewLoanLine struct {
	ItemId int             `json:"item_id" binding:"required"`
	Qty    decimal.Decimal `json:"qty" binding:"required"`
}

type NewLoan struct {
	RequesterId int       `json:"requester_id" binding:"required"`
	DueDate     time.Time `json:"due_date" binding:"required" time_format:"2006-01-02"`
	Notes       string    `json:"notes"`
	// ReservationId links the loan back to the reservation it was converted
	// from, when there is one.
	ReservationId string        `json:"reservation_id"`
	Lines         []NewLoanLine `json:"lines" binding:"required,dive"`
}

// CreateLoan opens a loan. CONSUMABLE lines withdraw stock immediately under
// a row lock and carry no return obligation; PERMANENT lines leave stock
// untouched and get a PENDING return line for the full quantity. Everything,
// including the confirmation email, rides one transaction.
func CreateLoan(ctx context.Context, input *NewLoan) (*models.Loan, error) {
	logger := config.GetLogger()

	if len(input.Lines) == 0 {
		return nil, utils.NewValidationError("loan must have at least one line")
	}
	for _, line := range input.Lines {
		if line.Qty.LessThanOrEqual(decimal.Zero) {
			return nil, utils.NewValidationError("line quantity must be positive")
		}
	}

	today, err := utils.ConvertToDate(time.Now(), "")
	if err != nil {
		return nil, err
	}
	dueDate, err := utils.ConvertToDate(input.DueDate, "")
	if err != nil {
		return nil, err
	}
	if dueDate.Before(today) {
		return nil, utils.NewValidationError("due date must not be in the past")
	}

	requester, err := models.GetUser(ctx, input.RequesterId)
	if err != nil {
		return nil, err
	}
	if requester.IsActive != nil && !*requester.IsActive {
		return nil, utils.NewValidationError("requester account is deactivated")
	}

	approverId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	var loan models.Loan
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loan = models.Loan{
			RequesterId:   requester.ID,
			ApproverId:    approverId,
			LoanDate:      today,
			DueDate:       dueDate,
			Notes:         input.Notes,
			ReservationId: input.ReservationId,
		}
		if err := tx.Create(&loan).Error; err != nil {
			return err
		}

		hasPermanent := false
		for _, line := range input.Lines {
			var item models.Item
			if err := tx.First(&item, line.ItemId).Error; err != nil {
				return utils.ErrorRecordNotFound
			}
			if item.IsActive != nil && !*item.IsActive {
				return utils.NewValidationError("item %q is inactive", item.Name)
			}

			loanLine := models.LoanLine{
				LoanId:   loan.ID,
				ItemId:   item.ID,
				ItemType: item.Type,
				Qty:      line.Qty,
			}
			if err := tx.Create(&loanLine).Error; err != nil {
				return err
			}

			switch item.Type {
			case models.ItemTypeConsumable:
				// consumables are spent at loan time and never come back
				if err := models.DecreaseItemBalance(tx, ctx, item.ID, line.Qty, true); err != nil {
					return err
				}
			case models.ItemTypePermanent:
				hasPermanent = true
				pending := models.ReturnLine{
					LoanLineId: loanLine.ID,
					Qty:        line.Qty,
					Status:     models.ReturnLineStatusPending,
				}
				if err := tx.Create(&pending).Error; err != nil {
					return err
				}
			}
		}

		// a loan with no PERMANENT lines has nothing to bring back; it settles
		// at creation so open-loan queries never pick it up
		if !hasPermanent {
			now := time.Now()
			if err := tx.Model(&models.Loan{}).Where("id = ?", loan.ID).
				Update("return_date", &now).Error; err != nil {
				return err
			}
		}

		return models.PublishNotification(tx, ctx,
			models.NotificationKindLoanCreated, requester.Email,
			"Loan registered", loan.ID,
			map[string]string{
				"requester_name": requester.Name,
				"loan_id":        strconv.Itoa(loan.ID),
				"due_date":       dueDate.Format("2006-01-02"),
			})
	})
	if err != nil {
		config.LogError(logger, loanModuleName, "CreateLoan", "failed to create loan", input, err)
		return nil, err
	}

	return models.GetLoan(ctx, loan.ID)
}

type ReturnInput struct {
	LoanLineId int             `json:"loan_line_id" binding:"required"`
	Qty        decimal.Decimal `json:"qty" binding:"required"`
	Status     string          `json:"status" binding:"required"`
}

type NewReturn struct {
	Lines []ReturnInput `json:"lines" binding:"required,dive"`
}

// ProcessReturn records returned quantities against a loan's PERMANENT lines.
// A full return flips the PENDING row to its terminal condition; a partial
// return shrinks the PENDING row and inserts a terminal row for the returned
// part. Returned stock goes back under the item row lock, except LOST units,
// and the loan closes once no PERMANENT quantity is outstanding.
func ProcessReturn(ctx context.Context, loanId int, input *NewReturn) (*models.Loan, error) {
	logger := config.GetLogger()

	if len(input.Lines) == 0 {
		return nil, utils.NewValidationError("return must have at least one line")
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loan models.Loan
		if err := tx.Preload("Lines").Preload("Requester").First(&loan, loanId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if loan.ReturnDate != nil {
			return utils.NewValidationError("loan is already closed")
		}

		linesById := map[int]*models.LoanLine{}
		for i := range loan.Lines {
			linesById[loan.Lines[i].ID] = &loan.Lines[i]
		}

		now := time.Now()
		for _, ret := range input.Lines {
			var status models.ReturnLineStatus
			if err := status.Parse(ret.Status); err != nil {
				return utils.NewValidationError("invalid return status %q", ret.Status)
			}
			if ret.Qty.LessThanOrEqual(decimal.Zero) {
				return utils.NewValidationError("return quantity must be positive")
			}

			line, ok := linesById[ret.LoanLineId]
			if !ok {
				return utils.NewValidationError("loan line %d does not belong to loan %d", ret.LoanLineId, loanId)
			}
			if line.ItemType != models.ItemTypePermanent {
				return utils.NewValidationError("consumable lines cannot be returned")
			}
			if ret.Qty.GreaterThan(line.Outstanding()) {
				return utils.NewValidationError("return quantity %s exceeds outstanding %s",
					ret.Qty.String(), line.Outstanding().String())
			}

			var pending models.ReturnLine
			if err := tx.Where("loan_line_id = ? AND status = ?", line.ID, models.ReturnLineStatusPending).
				First(&pending).Error; err != nil {
				return utils.NewValidationError("no pending return obligation for loan line %d", line.ID)
			}

			if ret.Qty.Equal(pending.Qty) {
				if err := tx.Model(&models.ReturnLine{}).Where("id = ?", pending.ID).
					Updates(map[string]interface{}{
						"status":      status,
						"returned_at": &now,
					}).Error; err != nil {
					return err
				}
			} else {
				if err := tx.Model(&models.ReturnLine{}).Where("id = ?", pending.ID).
					Update("qty", gorm.Expr("qty - ?", ret.Qty)).Error; err != nil {
					return err
				}
				terminal := models.ReturnLine{
					LoanLineId: line.ID,
					Qty:        ret.Qty,
					Status:     status,
					ReturnedAt: &now,
				}
				if err := tx.Create(&terminal).Error; err != nil {
					return err
				}
			}

			if err := tx.Model(&models.LoanLine{}).Where("id = ?", line.ID).
				Update("qty_returned", gorm.Expr("qty_returned + ?", ret.Qty)).Error; err != nil {
				return err
			}
			line.QtyReturned = line.QtyReturned.Add(ret.Qty)

			// lost units never come back, so the balance stays as it is
			if status != models.ReturnLineStatusLost {
				if err := models.IncreaseItemBalance(tx, ctx, line.ItemId, ret.Qty); err != nil {
					return err
				}
			}
		}

		// close the loan once every PERMANENT line is fully back
		closed := true
		for i := range loan.Lines {
			if loan.Lines[i].ItemType == models.ItemTypePermanent && loan.Lines[i].Outstanding().IsPositive() {
				closed = false
				break
			}
		}
		if closed {
			if err := tx.Model(&models.Loan{}).Where("id = ?", loan.ID).
				Update("return_date", &now).Error; err != nil {
				return err
			}
		}

		recipient := ""
		requesterName := ""
		if loan.Requester != nil {
			recipient = loan.Requester.Email
			requesterName = loan.Requester.Name
		}
		return models.PublishNotification(tx, ctx,
			models.NotificationKindLoanReturned, recipient,
			"Return processed", loan.ID,
			map[string]string{
				"requester_name": requesterName,
				"loan_id":        strconv.Itoa(loan.ID),
				"closed":         strconv.FormatBool(closed),
			})
	})
	if err != nil {
		config.LogError(logger, loanModuleName, "ProcessReturn", "failed to process return", loanId, err)
		return nil, err
	}

	return models.GetLoan(ctx, loanId)
}

// ChangeDueDate moves the due date of an open loan and notifies the
// requester.
func ChangeDueDate(ctx context.Context, loanId int, newDueDate time.Time) (*models.Loan, error) {
	logger := config.GetLogger()

	today, err := utils.ConvertToDate(time.Now(), "")
	if err != nil {
		return nil, err
	}
	dueDate, err := utils.ConvertToDate(newDueDate, "")
	if err != nil {
		return nil, err
	}
	if dueDate.Before(today) {
		return nil, utils.NewValidationError("due date must not be in the past")
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loan models.Loan
		if err := tx.Preload("Requester").First(&loan, loanId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if loan.ReturnDate != nil {
			return utils.NewValidationError("loan is already closed")
		}

		if err := tx.Model(&models.Loan{}).Where("id = ?", loan.ID).
			Update("due_date", dueDate).Error; err != nil {
			return err
		}

		recipient := ""
		if loan.Requester != nil {
			recipient = loan.Requester.Email
		}
		return models.PublishNotification(tx, ctx,
			models.NotificationKindDueDateChanged, recipient,
			"Loan due date changed", loan.ID,
			map[string]string{
				"loan_id":      strconv.Itoa(loan.ID),
				"old_due_date": loan.DueDate.Format("2006-01-02"),
				"new_due_date": dueDate.Format("2006-01-02"),
			})
	})
	if err != nil {
		config.LogError(logger, loanModuleName, "ChangeDueDate", "failed to change due date", loanId, err)
		return nil, err
	}

	return models.GetLoan(ctx, loanId)
}

func dueSoonDays() int {
	if v := os.Getenv("DUE_SOON_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 3
}

// NotifyApproachingDueDates enqueues a reminder for every open loan due
// exactly DUE_SOON_DAYS from today, so each loan is reminded once. The outbox
// count check makes reruns of the sweep on the same day no-ops.
func NotifyApproachingDueDates(ctx context.Context) (int, error) {
	logger := config.GetLogger()

	loans, err := models.GetLoansApproachingDueDate(ctx, dueSoonDays())
	if err != nil {
		return 0, err
	}

	today, err := utils.ConvertToDate(time.Now(), "")
	if err != nil {
		return 0, err
	}

	db := config.GetDB()
	sent := 0
	for i := range loans {
		loan := loans[i]

		var count int64
		err := db.WithContext(ctx).Model(&models.NotificationRecord{}).
			Where("kind = ?", models.NotificationKindDueDateApproaching).
			Where("reference_id = ?", loan.ID).
			Where("created_at >= ?", today).
			Count(&count).Error
		if err != nil {
			return sent, err
		}
		if count > 0 {
			continue
		}

		recipient := ""
		requesterName := ""
		if loan.Requester != nil {
			recipient = loan.Requester.Email
			requesterName = loan.Requester.Name
		}

		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.PublishNotification(tx, ctx,
				models.NotificationKindDueDateApproaching, recipient,
				"Loan due date approaching", loan.ID,
				map[string]string{
					"requester_name": requesterName,
					"loan_id":        strconv.Itoa(loan.ID),
					"due_date":       loan.DueDate.Format("2006-01-02"),
					"items":          describeLoanItems(&loan),
				})
		})
		if err != nil {
			config.LogError(logger, loanModuleName, "NotifyApproachingDueDates", "failed to enqueue reminder", loan.ID, err)
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func describeLoanItems(loan *models.Loan) string {
	desc := ""
	for i := range loan.Lines {
		line := &loan.Lines[i]
		name := fmt.Sprintf("item %d", line.ItemId)
		if line.Item != nil {
			name = line.Item.Name
		}
		if desc != "" {
			desc += ", "
		}
		desc += fmt.Sprintf("%s x%s", name, line.Qty.String())
	}
	return desc
}
