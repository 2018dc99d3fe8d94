package reports

import (
	"context"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstock/labstock_backend/config"
	"github.com/shopspring/decimal"
)

type LoanActivityResponse struct {
	TotalLoans     int64               `json:"total_loans"`
	OpenLoans      int64               `json:"open_loans"`
	OverdueLoans   int64               `json:"overdue_loans"`
	ReturnsHandled int64               `json:"returns_handled"`
	TopItems       []TopLoanedItem     `json:"top_items"`
	MonthlyDetails []LoanActivityMonth `json:"monthly_details"`
}

type TopLoanedItem struct {
	ItemName string          `json:"item_name"`
	Qty      decimal.Decimal `json:"qty"`
}

type LoanActivityMonth struct {
	Month       string `json:"month"`
	LoanCount   int64  `json:"loan_count"`
	ReturnCount int64  `json:"return_count"`
}

// GetLoanActivity builds the dashboard numbers for [from, to]. Cached per
// window; historical windows keep a long TTL, the current window is dropped
// by loan hooks.
func GetLoanActivity(ctx context.Context, from time.Time, to time.Time) (*LoanActivityResponse, error) {
	now := time.Now()
	key := DashboardCacheKey("loan_activity", from, to, now)

	var cached LoanActivityResponse
	if found, err := cacheGet(key, &cached); err == nil && found {
		return &cached, nil
	}

	db := config.GetDB()
	response := &LoanActivityResponse{
		TopItems:       []TopLoanedItem{},
		MonthlyDetails: []LoanActivityMonth{},
	}

	fromDate := from.Format("2006-01-02")
	toDate := to.Format("2006-01-02")
	currentDate := now.Format("2006-01-02")

	countQuery := `
    SELECT
        COUNT(*) AS total_loans,
        SUM(CASE WHEN return_date IS NULL THEN 1 ELSE 0 END) AS open_loans,
        SUM(CASE WHEN return_date IS NULL AND due_date < ? THEN 1 ELSE 0 END) AS overdue_loans
    FROM loans
    WHERE loan_date >= ? AND loan_date <= ?;`

	var counts struct {
		TotalLoans   int64
		OpenLoans    int64
		OverdueLoans int64
	}
	if err := db.WithContext(ctx).Raw(countQuery, currentDate, fromDate, toDate).
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	response.TotalLoans = counts.TotalLoans
	response.OpenLoans = counts.OpenLoans
	response.OverdueLoans = counts.OverdueLoans

	returnsQuery := `
    SELECT COUNT(*)
    FROM return_lines rl
    JOIN loan_lines ll ON rl.loan_line_id = ll.id
    JOIN loans l ON ll.loan_id = l.id
    WHERE rl.status <> 'PENDING'
        AND rl.returned_at >= ? AND rl.returned_at < DATE_ADD(?, INTERVAL 1 DAY);`

	if err := db.WithContext(ctx).Raw(returnsQuery, fromDate, toDate).
		Scan(&response.ReturnsHandled).Error; err != nil {
		return nil, err
	}

	topItemsQuery := `
    SELECT
        i.name AS item_name,
        SUM(ll.qty) AS qty
    FROM loan_lines ll
    JOIN loans l ON ll.loan_id = l.id
    JOIN items i ON ll.item_id = i.id
    WHERE l.loan_date >= ? AND l.loan_date <= ?
    GROUP BY i.id, i.name
    ORDER BY qty DESC
    LIMIT 10;`

	if err := db.WithContext(ctx).Raw(topItemsQuery, fromDate, toDate).
		Scan(&response.TopItems).Error; err != nil {
		return nil, err
	}

	monthlyQuery := `
    WITH RECURSIVE MonthList AS (
        SELECT DATE_FORMAT(?, '%Y-%m-01') AS month_date
        UNION ALL
        SELECT DATE_ADD(month_date, INTERVAL 1 MONTH)
        FROM MonthList
        WHERE DATE_ADD(month_date, INTERVAL 1 MONTH) <= ?
    ),
    LoanAgg AS (
        SELECT DATE_FORMAT(loan_date, '%Y-%m') AS month, COUNT(*) AS loan_count
        FROM loans
        WHERE loan_date >= ? AND loan_date <= ?
        GROUP BY DATE_FORMAT(loan_date, '%Y-%m')
    ),
    ReturnAgg AS (
        SELECT DATE_FORMAT(rl.returned_at, '%Y-%m') AS month, COUNT(*) AS return_count
        FROM return_lines rl
        WHERE rl.status <> 'PENDING'
            AND rl.returned_at >= ? AND rl.returned_at < DATE_ADD(?, INTERVAL 1 DAY)
        GROUP BY DATE_FORMAT(rl.returned_at, '%Y-%m')
    )
    SELECT
        DATE_FORMAT(ml.month_date, '%Y-%m') AS month,
        COALESCE(la.loan_count, 0) AS loan_count,
        COALESCE(ra.return_count, 0) AS return_count
    FROM MonthList ml
    LEFT JOIN LoanAgg la ON DATE_FORMAT(ml.month_date, '%Y-%m') = la.month
    LEFT JOIN ReturnAgg ra ON DATE_FORMAT(ml.month_date, '%Y-%m') = ra.month
    ORDER BY ml.month_date;`

	rows, err := db.WithContext(ctx).Raw(monthlyQuery,
		fromDate, toDate,
		fromDate, toDate,
		fromDate, toDate).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var monthStr string
		var loanCount, returnCount int64

		if err := rows.Scan(&monthStr, &loanCount, &returnCount); err != nil {
			return nil, err
		}

		month, err := time.Parse("2006-01", monthStr)
		if err != nil {
			return nil, err
		}

		response.MonthlyDetails = append(response.MonthlyDetails, LoanActivityMonth{
			Month:       month.Format("2006-Jan"),
			LoanCount:   loanCount,
			ReturnCount: returnCount,
		})
	}

	_ = cacheSet(key, response, DashboardCacheTTL(to, now))

	return response, nil
}
