package models

import (
	"github.com/labstock/labstock_backend/models/reports"
	"gorm.io/gorm"
)

// Cache invalidation hooks. Loan mutations drop both the filtered loan lists
// and the current-window dashboard keys; historical dashboard windows are
// immutable and keep their TTL.

func (l *Loan) AfterSave(tx *gorm.DB) (err error) {
	InvalidateLoanCache()
	reports.InvalidateCurrentDashboardCache()
	return nil
}

func (l *Loan) AfterDelete(tx *gorm.DB) (err error) {
	InvalidateLoanCache()
	reports.InvalidateCurrentDashboardCache()
	return nil
}

func (l *LoanLine) AfterSave(tx *gorm.DB) (err error) {
	InvalidateLoanCache()
	reports.InvalidateCurrentDashboardCache()
	return nil
}

func (r *ReturnLine) AfterSave(tx *gorm.DB) (err error) {
	InvalidateLoanCache()
	reports.InvalidateCurrentDashboardCache()
	return nil
}
