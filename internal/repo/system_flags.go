// Package repo implements the durable store for the gate, backed by GORM.
// This file provides the operator flags (system_flags), of which the kill
// switch is the only current member. Flags are read fresh on every check.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/notify-gate/internal/domain"
)

// SetFlag upserts the named flag.
func SetFlag(ctx context.Context, db *gorm.DB, name string, active bool, reason, actor string, nowMs int64) error {
	f := &domain.SystemFlag{
		Name:        name,
		Active:      active,
		Reason:      reason,
		UpdatedBy:   actor,
		UpdatedAtMs: nowMs,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"active", "reason", "updated_by", "updated_at_ms"}),
		}).
		Create(f).Error
}

// GetFlag fetches the named flag or ErrNotFound.
func GetFlag(ctx context.Context, db *gorm.DB, name string) (*domain.SystemFlag, error) {
	var f domain.SystemFlag
	if err := db.WithContext(ctx).Where("name = ?", name).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// FlagActive reports whether the named flag exists and is active. A missing
// row is not an error.
func FlagActive(ctx context.Context, db *gorm.DB, name string) (bool, error) {
	f, err := GetFlag(ctx, db, name)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return f.Active, nil
}
