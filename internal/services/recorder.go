package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
)

// OutcomeRequest reports the result of one delivery attempt.
type OutcomeRequest struct {
	RecipientID string             `json:"recipient_id"`
	OrderID     string             `json:"order_id"`
	MessageType domain.MessageType `json:"message_type"`
	Content     string             `json:"content"`
	Succeeded   bool               `json:"succeeded"`
	ErrorDetail string             `json:"error_detail,omitempty"`
}

// Recorder writes delivery outcomes to the ledger. Successful outcomes also
// count against the recipient's rate limits and leave a side-channel marker.
type Recorder struct {
	DB      *gorm.DB
	Clock   clock.Clock
	Breaker *CircuitBreaker
	Markers MarkerStore
	Locks   *KeyLocks

	// ReceiptTTL is how long an Idempotency-Key is remembered. Defaults to 24h.
	ReceiptTTL time.Duration
}

// RecordOutcome appends one attempt. The ledger row and the counter update
// commit together; the marker is written after commit and a marker failure
// is logged and audited but not returned. A second successful outcome for
// the same key returns ErrDuplicateSend and writes nothing.
func (r *Recorder) RecordOutcome(ctx context.Context, req OutcomeRequest) (*domain.MessageRecord, error) {
	tr := otel.Tracer("services/Recorder")
	ctx, span := tr.Start(ctx, "RecordOutcome",
		trace.WithAttributes(
			attribute.String("order.id", req.OrderID),
			attribute.String("message.type", string(req.MessageType)),
			attribute.Bool("succeeded", req.Succeeded),
		),
	)
	defer span.End()

	req.RecipientID = strings.TrimSpace(req.RecipientID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.MessageType = domain.ParseMessageType(string(req.MessageType))
	if req.RecipientID == "" || req.OrderID == "" || req.MessageType == "" {
		return nil, ErrInvalidOutcome
	}

	key := domain.SentKeyFor(req.RecipientID, req.OrderID, req.MessageType)
	if r.Locks != nil {
		defer r.Locks.Release(key)
	}

	now := r.Clock.Now()
	rec := &domain.MessageRecord{
		ID:          uuid.NewString(),
		RecipientID: req.RecipientID,
		OrderID:     req.OrderID,
		MessageType: req.MessageType,
		Content:     NormalizeContent(req.Content),
		ContentHash: ContentHash(req.Content),
		SentAtMs:    clock.Millis(now),
		Succeeded:   req.Succeeded,
	}
	if req.Succeeded {
		rec.SentKey = &key
	} else if d := strings.TrimSpace(req.ErrorDetail); d != "" {
		rec.ErrorDetail = &d
	}

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.InsertMessageRecord(ctx, tx, rec); err != nil {
			return err
		}
		if !req.Succeeded {
			return nil
		}
		return r.Breaker.RecordSend(ctx, tx, req.RecipientID, now)
	})
	if errors.Is(err, repo.ErrDuplicate) {
		recordedOutcomes.WithLabelValues(string(req.MessageType), "duplicate").Inc()
		r.audit(ctx, &domain.SystemEvent{
			EventType:   domain.EventDuplicateSendRejected,
			RecipientID: req.RecipientID,
			OrderID:     req.OrderID,
			MessageType: req.MessageType,
			Actor:       "recorder",
			Detail:      "second successful outcome rejected by the ledger",
			CreatedAtMs: rec.SentAtMs,
		})
		return nil, ErrDuplicateSend
	}
	if err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}

	if req.Succeeded {
		recordedOutcomes.WithLabelValues(string(req.MessageType), "success").Inc()
		if r.Markers != nil {
			if merr := r.Markers.Put(ctx, req.RecipientID, req.OrderID, req.MessageType, now); merr != nil {
				log.Error().Err(merr).Str("record_id", rec.ID).Msg("write side-channel marker")
				r.audit(ctx, &domain.SystemEvent{
					EventType:   domain.EventMarkerWriteFailed,
					RecipientID: req.RecipientID,
					OrderID:     req.OrderID,
					MessageType: req.MessageType,
					Actor:       "recorder",
					Detail:      merr.Error(),
					CreatedAtMs: rec.SentAtMs,
				})
			}
		}
	} else {
		recordedOutcomes.WithLabelValues(string(req.MessageType), "failure").Inc()
	}

	log.Info().
		Str("record_id", rec.ID).
		Str("recipient", RedactRecipient(rec.RecipientID)).
		Str("order_id", rec.OrderID).
		Str("message_type", string(rec.MessageType)).
		Bool("succeeded", rec.Succeeded).
		Msg("outcome recorded")
	return rec, nil
}

// RecordOutcomeOnce is RecordOutcome guarded by an idempotency key: a
// retried call with the same key returns the ledger row written by the
// first call. replayed reports whether that happened. An empty key behaves
// like RecordOutcome.
func (r *Recorder) RecordOutcomeOnce(ctx context.Context, idemKey string, req OutcomeRequest) (rec *domain.MessageRecord, replayed bool, err error) {
	idemKey = strings.TrimSpace(idemKey)
	if idemKey == "" {
		rec, err = r.RecordOutcome(ctx, req)
		return rec, false, err
	}

	if r.Locks != nil {
		unlock, lerr := r.Locks.Lock(ctx, "outcome:"+idemKey)
		if lerr != nil {
			return nil, false, lerr
		}
		defer unlock()
	}

	now := r.Clock.Now()
	if receipt, gerr := repo.GetOutcomeReceipt(ctx, r.DB, idemKey, now); gerr == nil {
		prev, perr := repo.GetMessageRecord(ctx, r.DB, receipt.RecordID)
		if perr != nil {
			return nil, false, fmt.Errorf("load replayed outcome: %w", perr)
		}
		return prev, true, nil
	} else if !repo.IsNotFound(gerr) {
		return nil, false, fmt.Errorf("read outcome receipt: %w", gerr)
	}

	rec, err = r.RecordOutcome(ctx, req)
	if err != nil {
		return nil, false, err
	}

	ttl := r.ReceiptTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if _, derr := repo.DeleteExpiredReceipts(ctx, r.DB, now); derr != nil {
		log.Warn().Err(derr).Msg("purge expired outcome receipts")
	}
	if _, cerr := repo.CreateOutcomeReceipt(ctx, r.DB, idemKey, rec.ID, ttl, now); cerr != nil {
		// The outcome itself is durable; only replay protection is lost.
		log.Warn().Err(cerr).Str("record_id", rec.ID).Msg("store outcome receipt")
	}
	return rec, false, nil
}

func (r *Recorder) audit(ctx context.Context, ev *domain.SystemEvent) {
	if err := repo.AppendEvent(ctx, r.DB, ev); err != nil {
		log.Error().Err(err).Str("event", ev.EventType).Msg("append system event")
	}
}
