package main

import (
	"context"
	"log"
	"time"

	"github.com/labstock/labstock_backend/config"
	"github.com/labstock/labstock_backend/models"
	"github.com/labstock/labstock_backend/workflow"
	"github.com/shopspring/decimal"
)

// Seeds a demo dataset: an admin, a requester, a couple of items and one
// open loan. Safe to run once against an empty database.
func main() {
	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	ctx := context.Background()

	admin, err := models.CreateUser(ctx, &models.NewUser{
		Name:       "Lab Admin",
		UserName:   "admin",
		DocumentId: "ADM-0001",
		Email:      "admin@labstock.local",
		Password:   "admin123",
		Role:       models.UserRoleAdmin,
	})
	if err != nil {
		log.Fatalf("seed admin: %v", err)
	}

	requester, err := models.CreateUser(ctx, &models.NewUser{
		Name:       "Maria Silva",
		UserName:   "maria",
		DocumentId: "STU-2024-001",
		Email:      "maria@student.labstock.local",
		Password:   "maria123",
		Role:       models.UserRoleRequester,
	})
	if err != nil {
		log.Fatalf("seed requester: %v", err)
	}

	oscilloscope, err := models.CreateItem(ctx, &models.NewItem{
		Name:    "Oscilloscope",
		Code:    "OSC-100",
		Type:    string(models.ItemTypePermanent),
		Balance: decimal.NewFromInt(4),
	})
	if err != nil {
		log.Fatalf("seed item: %v", err)
	}

	_, err = models.CreateItem(ctx, &models.NewItem{
		Name:           "Nitrile gloves (box)",
		Code:           "GLV-200",
		Type:           string(models.ItemTypeConsumable),
		Balance:        decimal.NewFromInt(50),
		MinimumBalance: decimal.NewFromInt(10),
	})
	if err != nil {
		log.Fatalf("seed item: %v", err)
	}

	_, err = workflow.CreateLoan(ctx, &workflow.NewLoan{
		RequesterId: requester.ID,
		DueDate:     time.Now().AddDate(0, 0, 14),
		Notes:       "physics lab practice",
		Lines: []workflow.NewLoanLine{
			{ItemId: oscilloscope.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		log.Fatalf("seed loan: %v", err)
	}

	log.Printf("seeded demo data (admin user: %s)", admin.UserName)
}
