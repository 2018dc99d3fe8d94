package reports

import (
	"fmt"
	"time"

	"github.com/labstock/labstock_backend/config"
)

const (
	// Historical windows (end date strictly before today) never change, so
	// they get a long TTL. Windows touching today are invalidated by loan
	// hooks and kept short.
	HistoricalCacheTTL = 6 * time.Hour
	CurrentCacheTTL    = 5 * time.Minute

	historicalKeySuffix = "_HISTORICAL"
	currentKeySuffix    = "_CURRENT"

	// redis set holding every live current-window key for hook invalidation.
	currentDashboardKeySet = "dashboard_current_keys"
)

// DashboardCacheKey builds the cache key for a dashboard window. The suffix
// classifies the window against "now" so a window crossing midnight gets a
// fresh key rather than serving the stale classification.
func DashboardCacheKey(report string, from time.Time, to time.Time, now time.Time) string {
	key := fmt.Sprintf("dashboard_%s_%s_%s",
		report, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if IsHistoricalWindow(to, now) {
		return key + historicalKeySuffix
	}
	return key + currentKeySuffix
}

// IsHistoricalWindow reports whether the window ended before today. A window
// ending today (or later) can still accrue data.
func IsHistoricalWindow(to time.Time, now time.Time) bool {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return to.Before(today)
}

// DashboardCacheTTL picks the TTL matching the key classification.
func DashboardCacheTTL(to time.Time, now time.Time) time.Duration {
	if IsHistoricalWindow(to, now) {
		return HistoricalCacheTTL
	}
	return CurrentCacheTTL
}

// cacheGet reads without touching the TTL, so a hot current-window entry
// still expires on schedule.
func cacheGet[T any](key string, dest *T) (bool, error) {
	return config.GetRedisObject(key, dest)
}

func cacheSet(key string, obj any, ttl time.Duration) error {
	if err := config.SetRedisObject(key, obj, ttl); err != nil {
		return err
	}
	if !isHistoricalKey(key) {
		_ = config.AddRedisSet(currentDashboardKeySet, key)
	}
	return nil
}

func isHistoricalKey(key string) bool {
	return len(key) >= len(historicalKeySuffix) &&
		key[len(key)-len(historicalKeySuffix):] == historicalKeySuffix
}

// InvalidateCurrentDashboardCache drops every current-window dashboard entry.
// Historical entries are immutable and ride out their TTL.
func InvalidateCurrentDashboardCache() {
	keys, err := config.GetRedisSetMembers(currentDashboardKeySet)
	if err != nil {
		return
	}
	for _, key := range keys {
		_ = config.RemoveRedisKey(key)
		_ = config.RemoveRedisSetMember(currentDashboardKeySet, key)
	}
}
