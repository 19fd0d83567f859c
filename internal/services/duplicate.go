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

// MarkerStore is the side-channel record of sends, independent of the ledger.
type MarkerStore interface {
	Has(ctx context.Context, recipientID, orderID string, t domain.MessageType, now time.Time) (time.Time, bool, error)
	Put(ctx context.Context, recipientID, orderID string, t domain.MessageType, at time.Time) error
}

// DuplicateDetector runs the three duplicate layers in order: ledger,
// content hash recency, side-channel marker. Markers may be nil, which
// disables the third layer.
type DuplicateDetector struct {
	DB      *gorm.DB
	Markers MarkerStore
	Clock   clock.Clock
	// Window bounds the content and marker checks. Defaults to 24h.
	Window time.Duration
}

func (d *DuplicateDetector) window() time.Duration {
	if d.Window <= 0 {
		return 24 * time.Hour
	}
	return d.Window
}

// CheckDuplicates returns the first failing layer's verdict. Storage errors
// are returned as err and must be treated as a failed check.
func (d *DuplicateDetector) CheckDuplicates(ctx context.Context, recipientID, orderID string, t domain.MessageType, content string) (domain.Verdict, error) {
	sent, err := repo.HasSuccessfulRecord(ctx, d.DB, recipientID, orderID, t)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("ledger lookup: %w", err)
	}
	if sent {
		return domain.Reject(domain.ReasonLedgerDuplicate,
			fmt.Sprintf("%s already sent to %s for order %s", t, recipientID, orderID)), nil
	}

	now := d.Clock.Now()
	since := now.Add(-d.window())

	prior, err := repo.FindSuccessfulByHash(ctx, d.DB, recipientID, ContentHash(content), clock.Millis(since))
	switch {
	case err == nil:
		return domain.Reject(domain.ReasonContentDuplicate,
			fmt.Sprintf("identical content sent to %s at %s (order %s, %s)",
				recipientID, time.UnixMilli(prior.SentAtMs).UTC().Format(time.RFC3339), prior.OrderID, prior.MessageType)), nil
	case !repo.IsNotFound(err):
		return domain.Verdict{}, fmt.Errorf("content hash lookup: %w", err)
	}

	if d.Markers != nil {
		at, ok, err := d.Markers.Has(ctx, recipientID, orderID, t, now)
		if err != nil {
			return domain.Verdict{}, fmt.Errorf("marker lookup: %w", err)
		}
		if ok {
			return domain.Reject(domain.ReasonSideChannelDuplicate,
				fmt.Sprintf("side-channel marker shows %s sent at %s", t, at.Format(time.RFC3339))), nil
		}
	}

	return domain.Pass(), nil
}
