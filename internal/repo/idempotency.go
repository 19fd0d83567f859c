// Package repo implements the durable store for the gate, backed by GORM.
// This file provides helpers for outcome receipts, which make the outcome
// callback safe to retry: the first callback for an Idempotency-Key writes a
// ledger row and a receipt, later ones are answered from the receipt.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/domain"
)

// ErrDuplicate indicates that a unique constraint rejected the write: a
// second successful ledger row for one key, or a reused receipt key.
var ErrDuplicate = errors.New("duplicate")

// GetOutcomeReceipt returns a non-expired receipt or ErrNotFound.
func GetOutcomeReceipt(ctx context.Context, db *gorm.DB, key string, now time.Time) (*domain.OutcomeReceipt, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.OutcomeReceipt
	err := db.WithContext(ctx).
		Where("key = ? AND expires_at > ?", key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateOutcomeReceipt inserts a receipt and returns ErrDuplicate on unique violation.
func CreateOutcomeReceipt(ctx context.Context, db *gorm.DB, key, recordID string, ttl time.Duration, now time.Time) (*domain.OutcomeReceipt, error) {
	rec := &domain.OutcomeReceipt{
		ID:        uuid.NewString(),
		Key:       key,
		RecordID:  recordID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// isUniqueViolation detects unique-constraint failures across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}

// DeleteExpiredReceipts removes receipts whose expiry is at or before now.
func DeleteExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.OutcomeReceipt{})
	return res.RowsAffected, res.Error
}
