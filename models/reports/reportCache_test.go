package reports

import (
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

func TestDashboardCacheKey_HistoricalWindow(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	key := DashboardCacheKey("loan_activity", from, to, testNow)
	if !strings.HasSuffix(key, "_HISTORICAL") {
		t.Fatalf("window ending before today must be historical, got %q", key)
	}
	if !strings.Contains(key, "2026-01-01") || !strings.Contains(key, "2026-01-31") {
		t.Fatalf("key must embed the window dates, got %q", key)
	}

	if ttl := DashboardCacheTTL(to, testNow); ttl != HistoricalCacheTTL {
		t.Fatalf("historical TTL = %v, want %v", ttl, HistoricalCacheTTL)
	}
}

func TestDashboardCacheKey_CurrentWindow(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) // ends today

	key := DashboardCacheKey("loan_activity", from, to, testNow)
	if !strings.HasSuffix(key, "_CURRENT") {
		t.Fatalf("window ending today must be current, got %q", key)
	}

	if ttl := DashboardCacheTTL(to, testNow); ttl != CurrentCacheTTL {
		t.Fatalf("current TTL = %v, want %v", ttl, CurrentCacheTTL)
	}
}

func TestDashboardCacheKey_FutureEndIsCurrent(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	if IsHistoricalWindow(to, testNow) {
		t.Fatalf("window ending in the future must not be historical")
	}
	key := DashboardCacheKey("loan_activity", from, to, testNow)
	if !strings.HasSuffix(key, "_CURRENT") {
		t.Fatalf("got %q", key)
	}
}

// A window that was current yesterday becomes historical after midnight, so
// the key itself has to change and the stale current entry is left behind to
// expire.
func TestDashboardCacheKey_ReclassifiesAcrossMidnight(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

	yesterday := time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)
	today := time.Date(2026, 3, 10, 0, 1, 0, 0, time.UTC)

	keyBefore := DashboardCacheKey("loan_activity", from, to, yesterday)
	keyAfter := DashboardCacheKey("loan_activity", from, to, today)

	if keyBefore == keyAfter {
		t.Fatalf("key must change when the window crosses into the past: %q", keyBefore)
	}
	if !strings.HasSuffix(keyBefore, "_CURRENT") || !strings.HasSuffix(keyAfter, "_HISTORICAL") {
		t.Fatalf("before=%q after=%q", keyBefore, keyAfter)
	}
}
