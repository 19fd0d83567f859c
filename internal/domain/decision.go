package domain

import "strings"

// MessageType identifies a notification template family.
type MessageType string

// Known message types.
const (
	TypeWelcome         MessageType = "welcome"
	TypeConfirmation    MessageType = "confirmation"
	TypeReady           MessageType = "ready"
	TypeDelivery        MessageType = "delivery"
	TypePickupReminder  MessageType = "pickup_reminder"
	TypePaymentReminder MessageType = "payment_reminder"
	TypeFabricWelcome   MessageType = "fabric_welcome"
	TypeFabricPurchase  MessageType = "fabric_purchase"
)

// ParseMessageType normalizes s (trim, lower-case). It does not validate
// membership; the rule catalog decides whether a type is known.
func ParseMessageType(s string) MessageType {
	return MessageType(strings.ToLower(strings.TrimSpace(s)))
}

// ReasonCode is the machine-readable outcome of a gate decision.
type ReasonCode string

// Reason codes. Policy rejections, configuration errors, and infrastructure
// failures all return allowed=false; only ReasonApproved allows a send.
const (
	ReasonApproved ReasonCode = "APPROVED"

	// Startup gate / orchestrator
	ReasonKillSwitchActive     ReasonCode = "KILL_SWITCH_ACTIVE"
	ReasonStartupGracePeriod   ReasonCode = "STARTUP_GRACE_PERIOD"
	ReasonOutsideBusinessHours ReasonCode = "OUTSIDE_BUSINESS_HOURS"
	ReasonInvalidRequest       ReasonCode = "INVALID_REQUEST"
	ReasonSafetyCheckError     ReasonCode = "SAFETY_CHECK_ERROR"

	// Rule catalog
	ReasonUnknownMessageType      ReasonCode = "UNKNOWN_MESSAGE_TYPE"
	ReasonMissingRequiredField    ReasonCode = "MISSING_REQUIRED_FIELD"
	ReasonRuleCheckError          ReasonCode = "RULE_CHECK_ERROR"
	ReasonAlreadyNotifiedUpstream ReasonCode = "ALREADY_NOTIFIED_UPSTREAM"
	ReasonWelcomeNotSentFirst     ReasonCode = "WELCOME_NOT_SENT_FIRST"
	ReasonOrderNotReadyStatus     ReasonCode = "ORDER_NOT_READY_STATUS"
	ReasonOrderNotDeliveredStatus ReasonCode = "ORDER_NOT_DELIVERED_STATUS"
	ReasonReadyNotSent            ReasonCode = "READY_NOT_SENT"
	ReasonReadyTooRecent          ReasonCode = "READY_TOO_RECENT"
	ReasonMaxPickupReminders      ReasonCode = "MAX_PICKUP_REMINDERS_SENT"
	ReasonDeliveryNotSent         ReasonCode = "DELIVERY_NOT_SENT"
	ReasonNoOutstandingBalance    ReasonCode = "NO_OUTSTANDING_BALANCE"
	ReasonMaxPaymentReminders     ReasonCode = "MAX_PAYMENT_REMINDERS_SENT"
	ReasonCooldownActive          ReasonCode = "COOLDOWN_ACTIVE"
	ReasonTypeDailyCapExceeded    ReasonCode = "TYPE_DAILY_CAP_EXCEEDED"

	// Duplicate detector
	ReasonLedgerDuplicate      ReasonCode = "LEDGER_DUPLICATE"
	ReasonContentDuplicate     ReasonCode = "CONTENT_DUPLICATE"
	ReasonSideChannelDuplicate ReasonCode = "SIDE_CHANNEL_DUPLICATE"

	// Circuit breaker
	ReasonHourlyLimitExceeded ReasonCode = "HOURLY_LIMIT_EXCEEDED"
	ReasonDailyLimitExceeded  ReasonCode = "DAILY_LIMIT_EXCEEDED"

	// Similarity guard
	ReasonContentTooSimilar ReasonCode = "CONTENT_TOO_SIMILAR"
)

// IsInfrastructure reports whether r signals a failure to evaluate rather
// than a policy outcome.
func (r ReasonCode) IsInfrastructure() bool {
	return r == ReasonSafetyCheckError || r == ReasonRuleCheckError
}

// GateState is the orchestrator's coarse operating state.
type GateState string

// Gate states. HALTED is reachable from both other states and reversible.
const (
	StateStartup GateState = "STARTUP"
	StateActive  GateState = "ACTIVE"
	StateHalted  GateState = "HALTED"
)

// Verdict is the result of a single pipeline step.
type Verdict struct {
	Allowed bool
	Reason  ReasonCode
	Message string
}

// Pass is the verdict of a step that found nothing to object to.
func Pass() Verdict { return Verdict{Allowed: true, Reason: ReasonApproved} }

// Reject builds a failing verdict.
func Reject(reason ReasonCode, msg string) Verdict {
	return Verdict{Allowed: false, Reason: reason, Message: msg}
}

// Decision is returned to callers of the gate. It is never persisted;
// DecisionID correlates it with the decision log line.
type Decision struct {
	Allowed     bool       `json:"allowed"`
	Reason      ReasonCode `json:"reason_code"`
	Message     string     `json:"message"`
	DecisionID  string     `json:"decision_id"`
	DecidedAtMs int64      `json:"decided_at_ms"`
}
