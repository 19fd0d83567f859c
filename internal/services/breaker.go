package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// CircuitBreaker enforces rolling hourly and daily send limits per recipient.
type CircuitBreaker struct {
	DB          *gorm.DB
	Clock       clock.Clock
	HourlyLimit int
	DailyLimit  int
}

// CheckLimits creates the counter if needed, resets expired windows, then
// compares against the limits. Resetting before comparing keeps the
// boundary exact.
func (b *CircuitBreaker) CheckLimits(ctx context.Context, recipientID string) (domain.Verdict, error) {
	nowMs := clock.Millis(b.Clock.Now())

	if err := repo.EnsureCounter(ctx, b.DB, recipientID, nowMs); err != nil {
		return domain.Verdict{}, fmt.Errorf("ensure counter: %w", err)
	}
	if err := repo.ResetExpiredWindows(ctx, b.DB, recipientID, nowMs, hourWindow, dayWindow); err != nil {
		return domain.Verdict{}, fmt.Errorf("reset windows: %w", err)
	}
	c, err := repo.GetCounter(ctx, b.DB, recipientID)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("read counter: %w", err)
	}

	if c.HourlyCount >= b.HourlyLimit {
		return domain.Reject(domain.ReasonHourlyLimitExceeded,
			fmt.Sprintf("%d messages sent to %s in the current hour (limit %d)", c.HourlyCount, recipientID, b.HourlyLimit)), nil
	}
	if c.DailyCount >= b.DailyLimit {
		return domain.Reject(domain.ReasonDailyLimitExceeded,
			fmt.Sprintf("%d messages sent to %s in the current day (limit %d)", c.DailyCount, recipientID, b.DailyLimit)), nil
	}
	return domain.Pass(), nil
}

// RecordSend counts one successful send. db may be a transaction.
func (b *CircuitBreaker) RecordSend(ctx context.Context, db *gorm.DB, recipientID string, at time.Time) error {
	return repo.IncrementCounter(ctx, db, recipientID, clock.Millis(at), hourWindow, dayWindow)
}
