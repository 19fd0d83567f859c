// Package repo implements the durable store for the gate, backed by GORM.
// This file provides the append-only audit log (system_events).
package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/domain"
)

// AppendEvent writes ev, assigning an ID when absent. Events are never
// updated or deleted.
func AppendEvent(ctx context.Context, db *gorm.DB, ev *domain.SystemEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(ev).Error
}

// ListEvents returns the most recent events, newest first. An empty
// eventType matches every type; limit <= 0 returns all rows.
func ListEvents(ctx context.Context, db *gorm.DB, eventType string, limit int) ([]domain.SystemEvent, error) {
	var out []domain.SystemEvent
	q := db.WithContext(ctx).Order("created_at_ms DESC, id ASC")
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListRecipientEvents returns events tagged with recipientID, newest first.
func ListRecipientEvents(ctx context.Context, db *gorm.DB, recipientID string, limit int) ([]domain.SystemEvent, error) {
	var out []domain.SystemEvent
	q := db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at_ms DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
