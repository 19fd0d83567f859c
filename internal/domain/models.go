// Package domain defines the persistence models for the notification ledger,
// per-recipient send counters, the audit event log, and operator flags.
// These types are mapped with GORM and form the durable state of the gate:
// after a restart they are the only source of truth.
package domain

import (
	"strings"
	"time"
)

// MessageRecord is one row per delivery attempt in the message ledger.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - RecipientID: customer phone number; indexed with SentAtMs for
//     recency scans and with (OrderID, MessageType) for key lookups.
//   - OrderID / MessageType: the remainder of the duplicate-safety key.
//   - Content: normalized message text, kept for similarity checks.
//   - ContentHash: SHA-256 of the normalized content (hex).
//   - SentAtMs: attempt time in Unix epoch milliseconds.
//   - Succeeded: whether the delivery collaborator reported success.
//   - ErrorDetail: optional failure description.
//   - SentKey: "recipient|order|type" for successful rows, NULL otherwise.
//     The unique index on it guarantees at most one successful row per key.
//
// Rows are immutable once written.
type MessageRecord struct {
	ID          string      `json:"id"            gorm:"type:char(36);primaryKey"`
	RecipientID string      `json:"recipient_id"  gorm:"type:varchar(32);not null;index:idx_msg_key,priority:1;index:idx_msg_recipient_sent,priority:1"`
	OrderID     string      `json:"order_id"      gorm:"type:varchar(64);not null;index:idx_msg_key,priority:2"`
	MessageType MessageType `json:"message_type"  gorm:"type:varchar(32);not null;index:idx_msg_key,priority:3"`
	Content     string      `json:"content"       gorm:"type:text;not null"`
	ContentHash string      `json:"content_hash"  gorm:"type:char(64);not null;index"`
	SentAtMs    int64       `json:"sent_at_ms"    gorm:"not null;index:idx_msg_recipient_sent,priority:2"`
	Succeeded   bool        `json:"succeeded"     gorm:"not null"`
	ErrorDetail *string     `json:"error_detail,omitempty" gorm:"type:text"`
	SentKey     *string     `json:"-"             gorm:"type:varchar(160);uniqueIndex:ux_message_log_sent_key"`
	CreatedAt   time.Time   `json:"created_at"`
}

// TableName returns the database table name for MessageRecord.
func (MessageRecord) TableName() string { return "message_log" }

var sentKeyEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

// SentKeyFor builds the value stored in MessageRecord.SentKey. Backslashes
// and pipes inside the parts are escaped so distinct keys never collide.
func SentKeyFor(recipientID, orderID string, t MessageType) string {
	return sentKeyEscaper.Replace(recipientID) + "|" +
		sentKeyEscaper.Replace(orderID) + "|" +
		sentKeyEscaper.Replace(string(t))
}

// CustomerCounter holds the rolling send counters for one recipient.
// Counts only grow inside a window and are reset to zero once the window
// has been exceeded. Rows are created lazily and never deleted.
type CustomerCounter struct {
	RecipientID         string    `json:"recipient_id"           gorm:"type:varchar(32);primaryKey"`
	HourlyCount         int       `json:"hourly_count"           gorm:"not null;default:0"`
	DailyCount          int       `json:"daily_count"            gorm:"not null;default:0"`
	HourlyWindowStartMs int64     `json:"hourly_window_start_ms" gorm:"not null"`
	DailyWindowStartMs  int64     `json:"daily_window_start_ms"  gorm:"not null"`
	TotalSent           int64     `json:"total_sent"             gorm:"not null;default:0"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TableName returns the database table name for CustomerCounter.
func (CustomerCounter) TableName() string { return "customer_limits" }

// Event types written to the system_events table.
const (
	EventKillSwitchActivated   = "kill_switch_activated"
	EventKillSwitchDeactivated = "kill_switch_deactivated"
	EventGracePeriodEnded      = "grace_period_ended"
	EventDuplicateSendRejected = "duplicate_send_rejected"
	EventMarkerWriteFailed     = "marker_write_failed"
	EventMarkerCleared         = "marker_cleared"
	EventJobDeadLettered       = "job_dead_lettered"
)

// SystemEvent is an append-only audit entry. The optional recipient/order/
// type columns let operators query events alongside the ledger.
type SystemEvent struct {
	ID          string      `json:"id"                     gorm:"type:char(36);primaryKey"`
	EventType   string      `json:"event_type"             gorm:"type:varchar(64);not null;index:idx_events_type_time,priority:1"`
	RecipientID string      `json:"recipient_id,omitempty" gorm:"type:varchar(32);index"`
	OrderID     string      `json:"order_id,omitempty"     gorm:"type:varchar(64)"`
	MessageType MessageType `json:"message_type,omitempty" gorm:"type:varchar(32)"`
	Actor       string      `json:"actor,omitempty"        gorm:"type:varchar(64)"`
	Detail      string      `json:"detail"                 gorm:"type:text"`
	CreatedAtMs int64       `json:"created_at_ms"          gorm:"not null;index:idx_events_type_time,priority:2"`
}

// TableName returns the database table name for SystemEvent.
func (SystemEvent) TableName() string { return "system_events" }

// FlagKillSwitch names the durable kill-switch marker.
const FlagKillSwitch = "kill_switch"

// SystemFlag is a named operator toggle persisted so it survives restarts
// and can be flipped out of band (CLI, sentinel file watcher, HTTP).
type SystemFlag struct {
	Name        string `json:"name"          gorm:"type:varchar(64);primaryKey"`
	Active      bool   `json:"active"        gorm:"not null"`
	Reason      string `json:"reason"        gorm:"type:text"`
	UpdatedBy   string `json:"updated_by"    gorm:"type:varchar(64)"`
	UpdatedAtMs int64  `json:"updated_at_ms" gorm:"not null"`
}

// TableName returns the database table name for SystemFlag.
func (SystemFlag) TableName() string { return "system_flags" }

// OutcomeReceipt remembers which ledger row an outcome callback produced so
// that a retried callback carrying the same Idempotency-Key is answered
// without writing a second attempt row.
type OutcomeReceipt struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_outcome_receipts_key"`
	RecordID  string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (OutcomeReceipt) TableName() string { return "outcome_receipts" }
