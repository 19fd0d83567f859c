package services

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
	"github.com/tbourn/notify-gate/internal/utils"
)

// LedgerQuery serves read-only views of the ledger and the audit log to
// operators.
type LedgerQuery struct {
	DB *gorm.DB
}

// RecipientPage returns one page of a recipient's delivery attempts, newest
// first, and the total number of attempts.
func (q *LedgerQuery) RecipientPage(ctx context.Context, recipientID string, page, pageSize int) ([]domain.MessageRecord, int64, error) {
	ctx, span := otel.Tracer("services/LedgerQuery").Start(ctx, "RecipientPage",
		trace.WithAttributes(
			attribute.String("recipient", RedactRecipient(recipientID)),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	page, pageSize = utils.Page(page, pageSize, 20, 500)

	total, err := repo.CountRecipientRecords(ctx, q.DB, recipientID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.MessageRecord{}, 0, nil
	}
	items, err := repo.ListRecipientRecordsPage(ctx, q.DB, recipientID, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}

// Events returns recent audit events, newest first. A non-empty
// recipientID takes precedence over eventType.
func (q *LedgerQuery) Events(ctx context.Context, eventType, recipientID string, limit int) ([]domain.SystemEvent, error) {
	ctx, span := otel.Tracer("services/LedgerQuery").Start(ctx, "Events")
	defer span.End()

	if strings.TrimSpace(recipientID) != "" {
		return repo.ListRecipientEvents(ctx, q.DB, recipientID, limit)
	}
	return repo.ListEvents(ctx, q.DB, strings.TrimSpace(eventType), limit)
}
