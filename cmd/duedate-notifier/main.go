package main

import (
	"context"
	"log"
	"time"

	"github.com/labstock/labstock_backend/config"
	"github.com/labstock/labstock_backend/workflow"
)

// One-shot due-date reminder sweep, intended for a scheduler (cron / Cloud
// Scheduler) when the in-process ticker is disabled. Enqueues reminders on
// the outbox and runs the dispatcher until the queue drains or the deadline
// hits.
func main() {
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	config.ConnectMailer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	sent, err := workflow.NotifyApproachingDueDates(ctx)
	if err != nil {
		log.Fatalf("due date sweep failed: %v", err)
	}
	log.Printf("due date sweep enqueued %d reminders", sent)

	if sent == 0 {
		return
	}

	// Give the dispatcher a bounded window to deliver what we just enqueued.
	dispatcherCtx, cancelDispatcher := context.WithTimeout(ctx, 2*time.Minute)
	defer cancelDispatcher()
	workflow.NewNotificationDispatcher(config.GetDB(), config.GetLogger()).Run(dispatcherCtx)
}
