package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
	"github.com/tbourn/notify-gate/internal/services"
)

// LogSender is a Sender that only logs. It stands in for the delivery
// transport when none is configured.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, j Job) error {
	log.Info().
		Str("job_id", j.ID).
		Str("recipient", services.RedactRecipient(j.Request.RecipientID)).
		Str("order_id", j.Request.OrderID).
		Str("message_type", string(j.Request.MessageType)).
		Int("chars", len([]rune(j.Request.Content))).
		Msg("deliver (log only)")
	return nil
}

// AuditDeadLetters returns a DeadLetterFunc that appends job_dead_lettered
// to the system event log.
func AuditDeadLetters(db *gorm.DB, clk clock.Clock) DeadLetterFunc {
	return func(ctx context.Context, j Job, err error) {
		ev := &domain.SystemEvent{
			EventType:   domain.EventJobDeadLettered,
			RecipientID: j.Request.RecipientID,
			OrderID:     j.Request.OrderID,
			MessageType: j.Request.MessageType,
			Actor:       "queue",
			Detail:      fmt.Sprintf("job %s gave up after %d attempts: %v", j.ID, j.Attempts, err),
			CreatedAtMs: clock.Millis(clk.Now()),
		}
		if aerr := repo.AppendEvent(ctx, db, ev); aerr != nil {
			log.Error().Err(aerr).Str("job_id", j.ID).Msg("append dead-letter event")
		}
	}
}
