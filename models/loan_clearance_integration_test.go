package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstock/labstock_backend/config"
	"github.com/labstock/labstock_backend/models"
	"github.com/labstock/labstock_backend/utils"
	"github.com/labstock/labstock_backend/workflow"
	"github.com/shopspring/decimal"
)

// fakeMailer records sends in memory so tests can assert deliveries without
// an SMTP server.
type fakeMailer struct {
	mu    sync.Mutex
	sends []fakeSend
}

type fakeSend struct {
	Recipient  string
	Subject    string
	TemplateId string
	Data       map[string]string
}

func (m *fakeMailer) Send(templateData map[string]string, recipient string, subject string, templateId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, fakeSend{Recipient: recipient, Subject: subject, TemplateId: templateId, Data: templateData})
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "labstock_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetCorrelationIdInContext(ctx, "it-test")
	return ctx
}

func seedRequester(t *testing.T, ctx context.Context, suffix string) *models.User {
	t.Helper()
	user, err := models.CreateUser(ctx, &models.NewUser{
		Name:       "Requester " + suffix,
		UserName:   "requester-" + suffix,
		DocumentId: "DOC-" + suffix,
		Email:      "requester-" + suffix + "@labstock.test",
		Password:   "secret123",
		Role:       models.UserRoleRequester,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user
}

func seedItem(t *testing.T, ctx context.Context, code string, itemType models.ItemType, balance int64) *models.Item {
	t.Helper()
	item, err := models.CreateItem(ctx, &models.NewItem{
		Name:    "Item " + code,
		Code:    code,
		Type:    string(itemType),
		Balance: decimal.NewFromInt(balance),
	})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	return item
}

func notificationCount(t *testing.T, kind string) int64 {
	t.Helper()
	var count int64
	if err := config.GetDB().Model(&models.NotificationRecord{}).
		Where("kind = ?", kind).Count(&count).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	return count
}

func TestLoanLifecycle_Integration(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	requester := seedRequester(t, ctx, "lifecycle")
	scope := seedItem(t, ctx, "OSC-1", models.ItemTypePermanent, 4)
	gloves := seedItem(t, ctx, "GLV-1", models.ItemTypeConsumable, 10)

	loan, err := workflow.CreateLoan(ctx, &workflow.NewLoan{
		RequesterId:   requester.ID,
		DueDate:       time.Now().AddDate(0, 0, 7),
		ReservationId: "RSV-1001",
		Lines: []workflow.NewLoanLine{
			{ItemId: scope.ID, Qty: decimal.NewFromInt(2)},
			{ItemId: gloves.ID, Qty: decimal.NewFromInt(3)},
		},
	})
	if err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}
	if loan.ReservationId != "RSV-1001" {
		t.Fatalf("reservation reference not persisted: %q", loan.ReservationId)
	}

	// consumable stock spent at loan time, permanent untouched
	scopeAfter, _ := models.GetItem(ctx, scope.ID)
	glovesAfter, _ := models.GetItem(ctx, gloves.ID)
	if !scopeAfter.Balance.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("permanent balance changed at loan time: %s", scopeAfter.Balance)
	}
	if !glovesAfter.Balance.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("consumable balance = %s, want 7", glovesAfter.Balance)
	}

	// the permanent line has a PENDING obligation for the full quantity
	var permanentLine *models.LoanLine
	for i := range loan.Lines {
		if loan.Lines[i].ItemType == models.ItemTypePermanent {
			permanentLine = &loan.Lines[i]
		}
	}
	if permanentLine == nil {
		t.Fatalf("missing permanent line")
	}
	if len(permanentLine.ReturnLines) != 1 ||
		permanentLine.ReturnLines[0].Status != models.ReturnLineStatusPending ||
		!permanentLine.ReturnLines[0].Qty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected pending return lines: %+v", permanentLine.ReturnLines)
	}

	if got := notificationCount(t, models.NotificationKindLoanCreated); got != 1 {
		t.Fatalf("expected 1 LOAN_CREATED notification, got %d", got)
	}

	// partial return: 1 of 2 comes back OK
	loan, err = workflow.ProcessReturn(ctx, loan.ID, &workflow.NewReturn{
		Lines: []workflow.ReturnInput{
			{LoanLineId: permanentLine.ID, Qty: decimal.NewFromInt(1), Status: "OK"},
		},
	})
	if err != nil {
		t.Fatalf("ProcessReturn (partial): %v", err)
	}
	if loan.ReturnDate != nil {
		t.Fatalf("loan must stay open after a partial return")
	}
	scopeAfter, _ = models.GetItem(ctx, scope.ID)
	if !scopeAfter.Balance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("balance after partial return = %s, want 5", scopeAfter.Balance)
	}

	// the pending row shrank and a terminal row was added
	for i := range loan.Lines {
		if loan.Lines[i].ID != permanentLine.ID {
			continue
		}
		pending, terminal := 0, 0
		for _, rl := range loan.Lines[i].ReturnLines {
			if rl.Status == models.ReturnLineStatusPending {
				pending++
				if !rl.Qty.Equal(decimal.NewFromInt(1)) {
					t.Fatalf("pending qty = %s, want 1", rl.Qty)
				}
			} else {
				terminal++
			}
		}
		if pending != 1 || terminal != 1 {
			t.Fatalf("pending=%d terminal=%d after partial return", pending, terminal)
		}
	}

	// overshoot is rejected
	_, err = workflow.ProcessReturn(ctx, loan.ID, &workflow.NewReturn{
		Lines: []workflow.ReturnInput{
			{LoanLineId: permanentLine.ID, Qty: decimal.NewFromInt(5), Status: "OK"},
		},
	})
	if !utils.IsValidationError(err) {
		t.Fatalf("expected validation error on overshoot, got %v", err)
	}

	// final return closes the loan
	loan, err = workflow.ProcessReturn(ctx, loan.ID, &workflow.NewReturn{
		Lines: []workflow.ReturnInput{
			{LoanLineId: permanentLine.ID, Qty: decimal.NewFromInt(1), Status: "DAMAGED"},
		},
	})
	if err != nil {
		t.Fatalf("ProcessReturn (final): %v", err)
	}
	if loan.ReturnDate == nil {
		t.Fatalf("loan must close when all permanent quantity is back")
	}
	scopeAfter, _ = models.GetItem(ctx, scope.ID)
	if !scopeAfter.Balance.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("balance after full return = %s, want 6", scopeAfter.Balance)
	}

	// a LOST return closes the obligation without putting the unit back in stock
	lostLoan, err := workflow.CreateLoan(ctx, &workflow.NewLoan{
		RequesterId: requester.ID,
		DueDate:     time.Now().AddDate(0, 0, 7),
		Lines: []workflow.NewLoanLine{
			{ItemId: scope.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("CreateLoan (lost): %v", err)
	}
	lostLoan, err = workflow.ProcessReturn(ctx, lostLoan.ID, &workflow.NewReturn{
		Lines: []workflow.ReturnInput{
			{LoanLineId: lostLoan.Lines[0].ID, Qty: decimal.NewFromInt(1), Status: "LOST"},
		},
	})
	if err != nil {
		t.Fatalf("ProcessReturn (lost): %v", err)
	}
	if lostLoan.ReturnDate == nil {
		t.Fatalf("a lost return must still close the loan")
	}
	scopeAfter, _ = models.GetItem(ctx, scope.ID)
	if !scopeAfter.Balance.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("lost units must not restock, balance = %s", scopeAfter.Balance)
	}

	// the dispatcher delivers the queued notifications through the transport
	mailer := &fakeMailer{}
	config.SetMailer(mailer)
	dispatcherCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go workflow.NewNotificationDispatcher(config.GetDB(), config.GetLogger()).Run(dispatcherCtx)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if mailer.count() >= 5 { // 2 creates + 3 returns
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if mailer.count() < 5 {
		t.Fatalf("expected 5 deliveries, got %d", mailer.count())
	}

	var sentCount int64
	if err := config.GetDB().Model(&models.NotificationRecord{}).
		Where("delivery_status = ?", models.NotificationStatusSent).
		Count(&sentCount).Error; err != nil {
		t.Fatalf("count sent: %v", err)
	}
	if sentCount < 5 {
		t.Fatalf("expected records marked SENT, got %d", sentCount)
	}

	// a record no handler knows is finalized FAILED, not retried to DEAD
	bogus := models.NotificationRecord{
		Kind:           "PRICE_DROP",
		Recipient:      "someone@labstock.test",
		Subject:        "n/a",
		DeliveryStatus: models.NotificationStatusPending,
	}
	if err := config.GetDB().Create(&bogus).Error; err != nil {
		t.Fatalf("insert record: %v", err)
	}
	var refreshed models.NotificationRecord
	deadline = time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := config.GetDB().First(&refreshed, bogus.ID).Error; err == nil &&
			refreshed.DeliveryStatus == models.NotificationStatusFailed {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if refreshed.DeliveryStatus != models.NotificationStatusFailed {
		t.Fatalf("unsupported kind must end FAILED, got %q", refreshed.DeliveryStatus)
	}
	if refreshed.LastError == nil || *refreshed.LastError == "" {
		t.Fatalf("failed record must carry the cause")
	}
}

func TestLoanCreate_InsufficientBalanceRollsBackEverything(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	requester := seedRequester(t, ctx, "rollback")
	gloves := seedItem(t, ctx, "GLV-2", models.ItemTypeConsumable, 2)

	_, err := workflow.CreateLoan(ctx, &workflow.NewLoan{
		RequesterId: requester.ID,
		DueDate:     time.Now().AddDate(0, 0, 7),
		Lines: []workflow.NewLoanLine{
			{ItemId: gloves.ID, Qty: decimal.NewFromInt(5)},
		},
	})
	if !errors.Is(err, utils.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// nothing committed: no loan, no outbox row, balance untouched
	var loanCount int64
	if err := config.GetDB().Model(&models.Loan{}).Count(&loanCount).Error; err != nil {
		t.Fatalf("count loans: %v", err)
	}
	if loanCount != 0 {
		t.Fatalf("expected no loans after rollback, got %d", loanCount)
	}
	if got := notificationCount(t, models.NotificationKindLoanCreated); got != 0 {
		t.Fatalf("rollback must leave no notification rows, got %d", got)
	}
	glovesAfter, _ := models.GetItem(ctx, gloves.ID)
	if !glovesAfter.Balance.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("balance changed on failed loan: %s", glovesAfter.Balance)
	}
}

func TestClearance_Integration(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	// requester with an open loan: clearance stays pending, account deactivated
	busy := seedRequester(t, ctx, "busy")
	scope := seedItem(t, ctx, "OSC-2", models.ItemTypePermanent, 2)
	loan, err := workflow.CreateLoan(ctx, &workflow.NewLoan{
		RequesterId: busy.ID,
		DueDate:     time.Now().AddDate(0, 0, 7),
		Lines: []workflow.NewLoanLine{
			{ItemId: scope.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}

	request, err := workflow.RequestClearance(ctx, busy.DocumentId)
	if err != nil {
		t.Fatalf("RequestClearance: %v", err)
	}
	if request.Status != models.ClearanceStatusPending {
		t.Fatalf("status = %s, want PENDING", request.Status)
	}
	if request.SentAt == nil {
		t.Fatalf("pending-items notice must stamp sent_at")
	}
	if request.OpenLoanCount != 1 {
		t.Fatalf("open loan count = %d, want 1", request.OpenLoanCount)
	}
	busyAfter, _ := models.GetUser(ctx, busy.ID)
	if busyAfter.IsActive == nil || *busyAfter.IsActive {
		t.Fatalf("requester must be deactivated")
	}
	if got := notificationCount(t, models.NotificationKindClearancePending); got != 1 {
		t.Fatalf("expected 1 pending-items notification, got %d", got)
	}

	// the pending-items payload itemizes each outstanding line with its dates
	var pendingNotice models.NotificationRecord
	if err := config.GetDB().
		Where("kind = ?", models.NotificationKindClearancePending).
		First(&pendingNotice).Error; err != nil {
		t.Fatalf("load pending-items notification: %v", err)
	}
	data, err := pendingNotice.TemplateData()
	if err != nil {
		t.Fatalf("TemplateData: %v", err)
	}
	pendingItems := data["pending_items"]
	if !strings.Contains(pendingItems, scope.Name) {
		t.Fatalf("payload missing item name: %q", pendingItems)
	}
	if !strings.Contains(pendingItems, "loaned "+loan.LoanDate.Format("2006-01-02")) {
		t.Fatalf("payload missing loan date: %q", pendingItems)
	}
	if !strings.Contains(pendingItems, "due "+loan.DueDate.Format("2006-01-02")) {
		t.Fatalf("payload missing due date: %q", pendingItems)
	}

	// a second request while one is outstanding is rejected
	_, err = workflow.RequestClearance(ctx, busy.DocumentId)
	if !errors.Is(err, utils.ErrDuplicateClearanceRequest) {
		t.Fatalf("expected ErrDuplicateClearanceRequest, got %v", err)
	}

	// requester with no open loans: declaration goes out and request completes
	clean := seedRequester(t, ctx, "clean")
	request, err = workflow.RequestClearance(ctx, clean.DocumentId)
	if err != nil {
		t.Fatalf("RequestClearance (clean): %v", err)
	}
	if request.Status != models.ClearanceStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", request.Status)
	}
	if request.CompletedAt == nil {
		t.Fatalf("completed request must stamp completed_at")
	}
	cleanAfter, _ := models.GetUser(ctx, clean.ID)
	if cleanAfter.IsActive == nil || *cleanAfter.IsActive {
		t.Fatalf("cleared requester must be deactivated")
	}
	if got := notificationCount(t, models.NotificationKindClearanceDeclared); got != 1 {
		t.Fatalf("expected 1 declaration notification, got %d", got)
	}

	// unknown document ids are a lookup failure, not a silent no-op
	_, err = workflow.RequestClearance(ctx, "DOC-NOPE")
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound, got %v", err)
	}
}

// The reminder sweep picks only loans due exactly DUE_SOON_DAYS out and never
// reminds the same loan twice on one day.
func TestDueDateSweep_Integration(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	requester := seedRequester(t, ctx, "sweep")
	scope := seedItem(t, ctx, "OSC-3", models.ItemTypePermanent, 5)

	mkLoan := func(daysOut int) *models.Loan {
		t.Helper()
		loan, err := workflow.CreateLoan(ctx, &workflow.NewLoan{
			RequesterId: requester.ID,
			DueDate:     time.Now().AddDate(0, 0, daysOut),
			Lines: []workflow.NewLoanLine{
				{ItemId: scope.ID, Qty: decimal.NewFromInt(1)},
			},
		})
		if err != nil {
			t.Fatalf("CreateLoan (due in %d days): %v", daysOut, err)
		}
		return loan
	}
	dueSoon := mkLoan(3)
	mkLoan(1)
	mkLoan(10)

	sent, err := workflow.NotifyApproachingDueDates(ctx)
	if err != nil {
		t.Fatalf("NotifyApproachingDueDates: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected a reminder only for the loan due in 3 days, got %d", sent)
	}
	var reminder models.NotificationRecord
	if err := config.GetDB().
		Where("kind = ?", models.NotificationKindDueDateApproaching).
		First(&reminder).Error; err != nil {
		t.Fatalf("load reminder: %v", err)
	}
	if reminder.ReferenceId != dueSoon.ID {
		t.Fatalf("reminder references loan %d, want %d", reminder.ReferenceId, dueSoon.ID)
	}

	// a rerun on the same day is a no-op
	sent, err = workflow.NotifyApproachingDueDates(ctx)
	if err != nil {
		t.Fatalf("NotifyApproachingDueDates (rerun): %v", err)
	}
	if sent != 0 {
		t.Fatalf("rerun must not enqueue more reminders, got %d", sent)
	}
	if got := notificationCount(t, models.NotificationKindDueDateApproaching); got != 1 {
		t.Fatalf("expected exactly 1 reminder row, got %d", got)
	}
}

// Administrative corrections bypass the sufficiency check, so shrinkage found
// at stocktake can be recorded even when it drives the balance negative.
func TestStockCorrection_Integration(t *testing.T) {
	ctx := setupIntegrationEnv(t)

	gloves := seedItem(t, ctx, "GLV-3", models.ItemTypeConsumable, 2)

	item, err := models.AdjustItemBalance(ctx, gloves.ID, decimal.NewFromInt(-5))
	if err != nil {
		t.Fatalf("AdjustItemBalance (shrinkage): %v", err)
	}
	if !item.Balance.Equal(decimal.NewFromInt(-3)) {
		t.Fatalf("balance = %s, want -3", item.Balance)
	}

	item, err = models.AdjustItemBalance(ctx, gloves.ID, decimal.NewFromInt(4))
	if err != nil {
		t.Fatalf("AdjustItemBalance (restock): %v", err)
	}
	if !item.Balance.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("balance = %s, want 1", item.Balance)
	}

	if _, err := models.AdjustItemBalance(ctx, gloves.ID, decimal.Zero); !utils.IsValidationError(err) {
		t.Fatalf("zero delta must be rejected, got %v", err)
	}
	if _, err := models.AdjustItemBalance(ctx, 99999, decimal.NewFromInt(1)); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("unknown item must be a lookup failure, got %v", err)
	}
}

/* docker harness */

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("labstock-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("labstock-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=labstock_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
