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
	"gorm.io/gorm"
)

const clearanceModuleName = "ClearanceWorkflow"

func clearanceDeclarationAddress() string {
	if v := os.Getenv("CLEARANCE_DECLARATION_EMAIL"); v != "" {
		return v
	}
	return "registrar@labstock.local"
}

// RequestClearance runs the departure workflow for the requester identified
// by documentId. With no open loans the request completes and a clearance
// declaration goes to the institutional address; otherwise the request stays
// PENDING and the requester gets an itemized list of what is still out. The
// account is deactivated on both branches so nothing new can be loaned while
// clearance is in progress.
//
// One outstanding request per requester is enforced by the unique ActiveKey
// index; the redis lock only keeps concurrent submissions from burning ids.
func RequestClearance(ctx context.Context, documentId string) (*models.ClearanceRequest, error) {
	logger := config.GetLogger()

	requester, err := models.GetUserByDocument(ctx, documentId)
	if err != nil {
		return nil, err
	}

	release, err := utils.ObtainRequesterLock(ctx, requester.ID, "clearance_lock", clearanceModuleName, "RequestClearance")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	var request *models.ClearanceRequest
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		request, err = models.CreateClearanceRequest(tx, ctx, requester)
		if err != nil {
			return err
		}

		openLoans, err := models.CountOpenLoans(tx, requester.ID)
		if err != nil {
			return err
		}

		now := time.Now()
		if openLoans == 0 {
			if err := models.MarkClearanceCompleted(tx, request.ID, now); err != nil {
				return err
			}
			if err := models.DeactivateUser(tx, requester.ID); err != nil {
				return err
			}
			return models.PublishNotification(tx, ctx,
				models.NotificationKindClearanceDeclared, clearanceDeclarationAddress(),
				"Clearance declaration", request.ID,
				map[string]string{
					"requester_name": requester.Name,
					"document_id":    requester.DocumentId,
					"declared_at":    now.Format(time.RFC3339),
				})
		}

		if err := models.MarkClearancePending(tx, request.ID, int(openLoans), now); err != nil {
			return err
		}
		if err := models.DeactivateUser(tx, requester.ID); err != nil {
			return err
		}

		loans, err := models.GetOpenLoans(tx, requester.ID)
		if err != nil {
			return err
		}
		items := describePendingReturns(loans)

		return models.PublishNotification(tx, ctx,
			models.NotificationKindClearancePending, requester.Email,
			"Clearance pending: items to return", request.ID,
			map[string]string{
				"requester_name":  requester.Name,
				"open_loan_count": strconv.FormatInt(openLoans, 10),
				"pending_items":   items,
			})
	})
	if err != nil {
		config.LogError(logger, clearanceModuleName, "RequestClearance", "clearance request failed", documentId, err)
		return nil, err
	}

	return models.GetClearanceRequest(ctx, request.ID)
}

// describePendingReturns itemizes what the requester still has out, one row
// per loan line with outstanding PERMANENT quantity, carrying the loan and due
// dates so the requester can see how overdue each obligation is.
func describePendingReturns(loans []models.Loan) string {
	rows := ""
	for i := range loans {
		loan := &loans[i]
		for j := range loan.Lines {
			line := &loan.Lines[j]
			if line.ItemType != models.ItemTypePermanent || !line.Outstanding().IsPositive() {
				continue
			}
			name := fmt.Sprintf("item %d", line.ItemId)
			if line.Item != nil {
				name = line.Item.Name
			}
			if rows != "" {
				rows += "; "
			}
			rows += fmt.Sprintf("%s x%s (loan %d, loaned %s, due %s)",
				name, line.Outstanding().String(), loan.ID,
				loan.LoanDate.Format("2006-01-02"), loan.DueDate.Format("2006-01-02"))
		}
	}
	return rows
}
