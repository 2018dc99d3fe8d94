package reports

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstock/labstock_backend/config"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type LoanRegisterRow struct {
	LoanId        int             `json:"loan_id"`
	RequesterName string          `json:"requester_name"`
	DocumentId    string          `json:"document_id"`
	ItemName      string          `json:"item_name"`
	ItemType      string          `json:"item_type"`
	Qty           decimal.Decimal `json:"qty"`
	QtyReturned   decimal.Decimal `json:"qty_returned"`
	LoanDate      time.Time       `json:"loan_date"`
	DueDate       time.Time       `json:"due_date"`
	ReturnDate    *time.Time      `json:"return_date"`
}

func getLoanRegister(ctx context.Context, from time.Time, to time.Time) ([]*LoanRegisterRow, error) {

	sql := `
SELECT
    l.id AS loan_id,
    u.name AS requester_name,
    u.document_id,
    i.name AS item_name,
    ll.item_type,
    ll.qty,
    ll.qty_returned,
    l.loan_date,
    l.due_date,
    l.return_date
FROM loans l
JOIN loan_lines ll ON ll.loan_id = l.id
JOIN items i ON i.id = ll.item_id
JOIN users u ON u.id = l.requester_id
WHERE l.loan_date >= ? AND l.loan_date <= ?
ORDER BY l.id, ll.id;
`

	var records []*LoanRegisterRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, from.Format("2006-01-02"), to.Format("2006-01-02")).
		Scan(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

// ExportLoanRegister streams the loan register for [from, to] as an xlsx
// attachment.
func ExportLoanRegister(ctx context.Context, w http.ResponseWriter, from time.Time, to time.Time) error {

	data, err := getLoanRegister(ctx, from, to)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}

	// Add headers
	f.SetCellValue(sheetName, "A1", "LoanId")
	f.SetCellValue(sheetName, "B1", "Requester")
	f.SetCellValue(sheetName, "C1", "DocumentId")
	f.SetCellValue(sheetName, "D1", "Item")
	f.SetCellValue(sheetName, "E1", "Type")
	f.SetCellValue(sheetName, "F1", "Qty")
	f.SetCellValue(sheetName, "G1", "QtyReturned")
	f.SetCellValue(sheetName, "H1", "LoanDate")
	f.SetCellValue(sheetName, "I1", "DueDate")
	f.SetCellValue(sheetName, "J1", "ReturnDate")

	// Add data
	for i, d := range data {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+row, d.LoanId)
		f.SetCellValue(sheetName, "B"+row, d.RequesterName)
		f.SetCellValue(sheetName, "C"+row, d.DocumentId)
		f.SetCellValue(sheetName, "D"+row, d.ItemName)
		f.SetCellValue(sheetName, "E"+row, d.ItemType)
		f.SetCellValue(sheetName, "F"+row, d.Qty.String())
		f.SetCellValue(sheetName, "G"+row, d.QtyReturned.String())
		f.SetCellValue(sheetName, "H"+row, d.LoanDate.Format("2006-01-02"))
		f.SetCellValue(sheetName, "I"+row, d.DueDate.Format("2006-01-02"))
		if d.ReturnDate != nil {
			f.SetCellValue(sheetName, "J"+row, d.ReturnDate.Format("2006-01-02"))
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=loan_register.xlsx")
	return f.Write(w)
}
