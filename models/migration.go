package models

import (
	"log"

	"github.com/labstock/labstock_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Item{},
		&User{},
		&Loan{}, &LoanLine{}, &ReturnLine{},
		&ClearanceRequest{},
		&NotificationRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
