package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
)

// HistorySource supplies the prior attempts the checker needs.
type HistorySource interface {
	// OrderHistory returns every attempt for the pair, oldest first.
	OrderHistory(ctx context.Context, recipientID, orderID string) ([]domain.MessageRecord, error)
	// CountSuccessfulByTypeSince counts successful sends of t to the
	// recipient across all orders at or after since.
	CountSuccessfulByTypeSince(ctx context.Context, recipientID string, t domain.MessageType, since time.Time) (int64, error)
}

// Input is one candidate message as seen by the rule checker.
type Input struct {
	RecipientID string
	OrderID     string
	Type        domain.MessageType
	OrderData   map[string]string
	SourceData  map[string]string
}

// Checker evaluates the catalog against stored history.
type Checker struct {
	Catalog Catalog
	Source  HistorySource
	Clock   clock.Clock
}

// CheckRules runs, in order: type lookup, required fields, prior success of
// the same key, the type precondition, the cooldown, and the per-type daily
// cap. Storage errors produce RULE_CHECK_ERROR.
func (c *Checker) CheckRules(ctx context.Context, in Input) domain.Verdict {
	def, ok := c.Catalog.Lookup(in.Type)
	if !ok {
		return domain.Reject(domain.ReasonUnknownMessageType, fmt.Sprintf("unknown message type %q", in.Type))
	}

	f := NewFields(in.OrderData, in.SourceData)
	for _, name := range def.RequiredFields {
		if !f.Has(name) {
			return domain.Reject(domain.ReasonMissingRequiredField, fmt.Sprintf("missing required field %q", name))
		}
	}

	recs, err := c.Source.OrderHistory(ctx, in.RecipientID, in.OrderID)
	if err != nil {
		return domain.Reject(domain.ReasonRuleCheckError, fmt.Sprintf("load order history: %v", err))
	}
	h := History(recs)
	now := c.Clock.Now()

	if h.HasSuccess(def.Type) {
		return domain.Reject(domain.ReasonLedgerDuplicate,
			fmt.Sprintf("%s already sent for order %s", def.Type, in.OrderID))
	}

	if def.Precondition != nil {
		if v := def.Precondition(def, h, f, now); !v.Allowed {
			return v
		}
	}

	if def.Cooldown > 0 {
		if last, ok := h.LastSuccessAny(); ok {
			if elapsed := sinceMs(now, last.SentAtMs); elapsed < def.Cooldown {
				remaining := (def.Cooldown - elapsed).Round(time.Second)
				return domain.Reject(domain.ReasonCooldownActive,
					fmt.Sprintf("last %s sent %s ago; %s cooldown has %s remaining", last.MessageType, elapsed.Round(time.Second), def.Type, remaining))
			}
		}
	}

	if def.DailyCap > 0 {
		n, err := c.Source.CountSuccessfulByTypeSince(ctx, in.RecipientID, def.Type, now.Add(-24*time.Hour))
		if err != nil {
			return domain.Reject(domain.ReasonRuleCheckError, fmt.Sprintf("count %s sends: %v", def.Type, err))
		}
		if n >= int64(def.DailyCap) {
			return domain.Reject(domain.ReasonTypeDailyCapExceeded,
				fmt.Sprintf("%d %s messages sent in the last 24h (cap %d)", n, def.Type, def.DailyCap))
		}
	}

	return domain.Pass()
}
