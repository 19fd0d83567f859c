// Package repo implements the durable store for the gate, backed by GORM.
// This file provides the per-recipient rolling counters (customer_limits).
//
// Window resets and increments are expressed as single UPDATE statements
// with CASE expressions, so each one is an atomic read-modify-write on the
// row: SQLite evaluates every SET expression against the pre-update values
// and serializes writers. Concurrent recorders therefore never lose an
// increment, and a reset can never interleave with one.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/notify-gate/internal/domain"
)

// EnsureCounter lazily creates the counter row for recipientID with both
// windows starting at nowMs. An existing row is left untouched.
func EnsureCounter(ctx context.Context, db *gorm.DB, recipientID string, nowMs int64) error {
	c := &domain.CustomerCounter{
		RecipientID:         recipientID,
		HourlyWindowStartMs: nowMs,
		DailyWindowStartMs:  nowMs,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(c).Error
}

// ResetExpiredWindows zeroes whichever window has been exceeded
// (now - start > window) and restamps its start to nowMs.
func ResetExpiredWindows(ctx context.Context, db *gorm.DB, recipientID string, nowMs int64, hour, day time.Duration) error {
	h, d := hour.Milliseconds(), day.Milliseconds()
	return db.WithContext(ctx).
		Model(&domain.CustomerCounter{}).
		Where("recipient_id = ?", recipientID).
		Updates(map[string]any{
			"hourly_count":           gorm.Expr("CASE WHEN ? - hourly_window_start_ms > ? THEN 0 ELSE hourly_count END", nowMs, h),
			"hourly_window_start_ms": gorm.Expr("CASE WHEN ? - hourly_window_start_ms > ? THEN ? ELSE hourly_window_start_ms END", nowMs, h, nowMs),
			"daily_count":            gorm.Expr("CASE WHEN ? - daily_window_start_ms > ? THEN 0 ELSE daily_count END", nowMs, d),
			"daily_window_start_ms":  gorm.Expr("CASE WHEN ? - daily_window_start_ms > ? THEN ? ELSE daily_window_start_ms END", nowMs, d, nowMs),
		}).Error
}

// IncrementCounter records one successful send: it creates the row if
// needed, then in a single statement resets any expired window and adds
// one to the hourly, daily, and total counts.
func IncrementCounter(ctx context.Context, db *gorm.DB, recipientID string, nowMs int64, hour, day time.Duration) error {
	if err := EnsureCounter(ctx, db, recipientID, nowMs); err != nil {
		return err
	}
	h, d := hour.Milliseconds(), day.Milliseconds()
	return db.WithContext(ctx).
		Model(&domain.CustomerCounter{}).
		Where("recipient_id = ?", recipientID).
		Updates(map[string]any{
			"hourly_count":           gorm.Expr("CASE WHEN ? - hourly_window_start_ms > ? THEN 1 ELSE hourly_count + 1 END", nowMs, h),
			"hourly_window_start_ms": gorm.Expr("CASE WHEN ? - hourly_window_start_ms > ? THEN ? ELSE hourly_window_start_ms END", nowMs, h, nowMs),
			"daily_count":            gorm.Expr("CASE WHEN ? - daily_window_start_ms > ? THEN 1 ELSE daily_count + 1 END", nowMs, d),
			"daily_window_start_ms":  gorm.Expr("CASE WHEN ? - daily_window_start_ms > ? THEN ? ELSE daily_window_start_ms END", nowMs, d, nowMs),
			"total_sent":             gorm.Expr("total_sent + 1"),
		}).Error
}

// GetCounter fetches the counter row or ErrNotFound.
func GetCounter(ctx context.Context, db *gorm.DB, recipientID string) (*domain.CustomerCounter, error) {
	var c domain.CustomerCounter
	if err := db.WithContext(ctx).Where("recipient_id = ?", recipientID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}
