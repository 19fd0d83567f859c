package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
	"github.com/tbourn/notify-gate/internal/rules"
)

// LedgerHistory serves rule-check history from the message ledger.
type LedgerHistory struct {
	DB *gorm.DB
}

var _ rules.HistorySource = LedgerHistory{}

// OrderHistory implements rules.HistorySource.
func (h LedgerHistory) OrderHistory(ctx context.Context, recipientID, orderID string) ([]domain.MessageRecord, error) {
	return repo.ListOrderHistory(ctx, h.DB, recipientID, orderID)
}

// CountSuccessfulByTypeSince implements rules.HistorySource.
func (h LedgerHistory) CountSuccessfulByTypeSince(ctx context.Context, recipientID string, t domain.MessageType, since time.Time) (int64, error) {
	return repo.CountSuccessfulByTypeSince(ctx, h.DB, recipientID, t, clock.Millis(since))
}
