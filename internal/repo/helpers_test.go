package repo

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/notify-gate/internal/domain"
)

// newRepoDB opens a file-backed SQLite DB in a temp dir and migrates the
// given models (all gate tables when none are given).
func newRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) == 0 {
		migrate = []any{&domain.MessageRecord{}, &domain.CustomerCounter{}, &domain.SystemEvent{}, &domain.SystemFlag{}, &domain.OutcomeReceipt{}}
	}
	if err := db.AutoMigrate(migrate...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func mkRecord(id, recipient, order string, mt domain.MessageType, hash string, atMs int64, ok bool) *domain.MessageRecord {
	r := &domain.MessageRecord{
		ID:          id,
		RecipientID: recipient,
		OrderID:     order,
		MessageType: mt,
		Content:     "content " + id,
		ContentHash: hash,
		SentAtMs:    atMs,
		Succeeded:   ok,
	}
	if ok {
		r.SentKey = strPtr(domain.SentKeyFor(recipient, order, mt))
	} else {
		r.ErrorDetail = strPtr("transport error")
	}
	return r
}
