// Package repo implements the durable store for the gate, backed by GORM.
// This file provides repository functions for the message ledger
// (message_log).
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business rules, only persistence and query composition.
//
// Error semantics:
//   - Lookups that find nothing return ErrNotFound.
//   - Inserting a second successful row for the same
//     (recipient, order, type) key returns ErrDuplicate.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// InsertMessageRecord appends rec to the ledger. A unique violation on the
// successful-send key is reported as ErrDuplicate.
func InsertMessageRecord(ctx context.Context, db *gorm.DB, rec *domain.MessageRecord) error {
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// HasSuccessfulRecord reports whether a successful row exists for the key.
func HasSuccessfulRecord(ctx context.Context, db *gorm.DB, recipientID, orderID string, t domain.MessageType) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.MessageRecord{}).
		Where("recipient_id = ? AND order_id = ? AND message_type = ? AND succeeded = ?", recipientID, orderID, t, true).
		Count(&n).Error
	return n > 0, err
}

// ListOrderHistory returns every attempt (any type, any outcome) for a
// recipient/order pair, oldest first.
func ListOrderHistory(ctx context.Context, db *gorm.DB, recipientID, orderID string) ([]domain.MessageRecord, error) {
	var out []domain.MessageRecord
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND order_id = ?", recipientID, orderID).
		Order("sent_at_ms ASC, id ASC").
		Find(&out).Error
	return out, err
}

// FindSuccessfulByHash returns the most recent successful row for the
// recipient with the given content hash sent at or after sinceMs.
func FindSuccessfulByHash(ctx context.Context, db *gorm.DB, recipientID, hash string, sinceMs int64) (*domain.MessageRecord, error) {
	var rec domain.MessageRecord
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND content_hash = ? AND succeeded = ? AND sent_at_ms >= ?", recipientID, hash, true, sinceMs).
		Order("sent_at_ms DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSuccessfulSince returns successful rows for the recipient sent at or
// after sinceMs, newest first.
func ListSuccessfulSince(ctx context.Context, db *gorm.DB, recipientID string, sinceMs int64) ([]domain.MessageRecord, error) {
	var out []domain.MessageRecord
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND succeeded = ? AND sent_at_ms >= ?", recipientID, true, sinceMs).
		Order("sent_at_ms DESC, id ASC").
		Find(&out).Error
	return out, err
}

// CountSuccessfulByTypeSince counts successful sends of one type to the
// recipient at or after sinceMs, across all orders.
func CountSuccessfulByTypeSince(ctx context.Context, db *gorm.DB, recipientID string, t domain.MessageType, sinceMs int64) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.MessageRecord{}).
		Where("recipient_id = ? AND message_type = ? AND succeeded = ? AND sent_at_ms >= ?", recipientID, t, true, sinceMs).
		Count(&n).Error
	return n, err
}

// GetMessageRecord fetches a ledger row by ID.
func GetMessageRecord(ctx context.Context, db *gorm.DB, id string) (*domain.MessageRecord, error) {
	var rec domain.MessageRecord
	if err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountRecipientRecords uses a raw COUNT so a missing table surfaces as an error.
func CountRecipientRecords(ctx context.Context, db *gorm.DB, recipientID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM message_log WHERE recipient_id = ?", recipientID).Scan(&total).Error
	return total, err
}

// ListRecipientRecordsPage returns a page of the recipient's ledger, newest first.
func ListRecipientRecordsPage(ctx context.Context, db *gorm.DB, recipientID string, offset, limit int) ([]domain.MessageRecord, error) {
	var out []domain.MessageRecord
	err := db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("sent_at_ms DESC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// IsNotFound reports whether err means "no such row".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
