// Package services – SafetyGate
//
// SafetyGate is the single entry point deciding whether a candidate
// notification may be sent. It runs a fixed, fail-fast pipeline:
//
//  1. kill switch            KILL_SWITCH_ACTIVE
//  2. startup grace period   STARTUP_GRACE_PERIOD
//  3. business hours         OUTSIDE_BUSINESS_HOURS
//  4. rule catalog           per-type reason codes
//  5. duplicate detector     LEDGER_/CONTENT_/SIDE_CHANNEL_DUPLICATE
//  6. circuit breaker        HOURLY_/DAILY_LIMIT_EXCEEDED
//  7. similarity guard       CONTENT_TOO_SIMILAR
//
// Steps 4-7 run under a per-key lock. An approval reserves the key as in
// flight until the Recorder sees the outcome, so a concurrent evaluation of
// the same key cannot also be approved. Storage failures, timeouts, and
// panics all fail closed with SAFETY_CHECK_ERROR.
//
// Observability: every decision is logged with its decision_id, counted in
// Prometheus, and traced with an OpenTelemetry span.
package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
	"github.com/tbourn/notify-gate/internal/rules"
)

// EvaluateRequest is one candidate message.
type EvaluateRequest struct {
	RecipientID string             `json:"recipient_id"`
	OrderID     string             `json:"order_id"`
	MessageType domain.MessageType `json:"message_type"`
	Content     string             `json:"content"`
	OrderData   map[string]string  `json:"order_data,omitempty"`
	SourceData  map[string]string  `json:"source_data,omitempty"`
}

// Key is the duplicate-safety key of the request.
func (r EvaluateRequest) Key() string {
	return domain.SentKeyFor(r.RecipientID, r.OrderID, r.MessageType)
}

// SafetyGate composes the individual checks into the ordered pipeline.
type SafetyGate struct {
	DB         *gorm.DB
	Clock      clock.Clock
	Startup    *StartupGate
	Hours      BusinessHours
	Rules      *rules.Checker
	Duplicates *DuplicateDetector
	Breaker    *CircuitBreaker
	Similarity *SimilarityGuard
	Locks      *KeyLocks

	// Timeout bounds one evaluation. Zero means no gate-imposed deadline.
	Timeout time.Duration
}

// errInFlight marks an approval still waiting for its outcome.
var errInFlight = errors.New("send already in flight")

// Evaluate decides whether the message may be sent. It never returns an
// error: every failure is classified into the Decision.
func (g *SafetyGate) Evaluate(ctx context.Context, req EvaluateRequest) (dec domain.Decision) {
	start := time.Now()
	dec.DecisionID = uuid.NewString()

	tr := otel.Tracer("services/SafetyGate")
	ctx, span := tr.Start(ctx, "Evaluate",
		trace.WithAttributes(
			attribute.String("decision.id", dec.DecisionID),
			attribute.String("order.id", req.OrderID),
			attribute.String("message.type", string(req.MessageType)),
		),
	)
	defer span.End()

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	var infraErr error
	defer func() {
		if r := recover(); r != nil {
			infraErr = fmt.Errorf("panic: %v", r)
			g.fill(&dec, domain.Reject(domain.ReasonSafetyCheckError, "safety check failed; message not sent"))
		}
		span.SetAttributes(attribute.String("decision.reason", string(dec.Reason)), attribute.Bool("decision.allowed", dec.Allowed))
		if infraErr != nil {
			span.RecordError(infraErr)
			span.SetStatus(codes.Error, infraErr.Error())
		}
		g.observe(req, dec, infraErr, time.Since(start))
	}()

	v, err := g.run(ctx, req)
	if err != nil {
		infraErr = err
		v = domain.Reject(domain.ReasonSafetyCheckError, "safety check failed; message not sent")
	}
	g.fill(&dec, v)
	return dec
}

func (g *SafetyGate) fill(dec *domain.Decision, v domain.Verdict) {
	dec.Allowed = v.Allowed && v.Reason == domain.ReasonApproved
	dec.Reason = v.Reason
	dec.Message = v.Message
	dec.DecidedAtMs = clock.Millis(g.Clock.Now())
}

func (g *SafetyGate) run(ctx context.Context, req EvaluateRequest) (domain.Verdict, error) {
	// 1-2. Kill switch, then grace period.
	state, err := g.Startup.State(ctx)
	if err != nil {
		return domain.Verdict{}, err
	}
	switch state {
	case domain.StateHalted:
		return domain.Reject(domain.ReasonKillSwitchActive, "kill switch is active; all sends are halted"), nil
	case domain.StateStartup:
		secs := int(math.Ceil(g.Startup.GraceRemaining(ctx).Seconds()))
		return domain.Reject(domain.ReasonStartupGracePeriod,
			fmt.Sprintf("startup grace period active; %d seconds remaining", secs)), nil
	}

	// 3. Business hours.
	now := g.Clock.Now()
	if !g.Hours.Open(now) {
		return domain.Reject(domain.ReasonOutsideBusinessHours,
			fmt.Sprintf("outside business hours (%s)", g.Hours)), nil
	}

	req.RecipientID = strings.TrimSpace(req.RecipientID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.MessageType = domain.ParseMessageType(string(req.MessageType))
	if req.RecipientID == "" || req.OrderID == "" || req.MessageType == "" {
		return domain.Reject(domain.ReasonInvalidRequest, "recipient, order and message type are required"), nil
	}

	key := req.Key()
	unlock, err := g.Locks.Lock(ctx, key)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("acquire key lock: %w", err)
	}
	defer unlock()

	if g.Locks.InFlight(key, now) {
		return domain.Reject(domain.ReasonLedgerDuplicate,
			fmt.Sprintf("%s: %s for order %s", errInFlight, req.MessageType, req.OrderID)), nil
	}

	// 4. Rule catalog.
	if v := g.Rules.CheckRules(ctx, rules.Input{
		RecipientID: req.RecipientID,
		OrderID:     req.OrderID,
		Type:        req.MessageType,
		OrderData:   req.OrderData,
		SourceData:  req.SourceData,
	}); !v.Allowed {
		// A deadline hit while loading history is an infrastructure failure,
		// not a rule outcome.
		if err := ctx.Err(); err != nil {
			return domain.Verdict{}, fmt.Errorf("rule check: %w", err)
		}
		return v, nil
	}

	// 5. Duplicates.
	v, err := g.Duplicates.CheckDuplicates(ctx, req.RecipientID, req.OrderID, req.MessageType, req.Content)
	if err != nil {
		return domain.Verdict{}, err
	}
	if !v.Allowed {
		g.recordDuplicate(ctx, req, v)
		return v, nil
	}

	// 6. Rate limits.
	if v, err = g.Breaker.CheckLimits(ctx, req.RecipientID); err != nil || !v.Allowed {
		return v, err
	}

	// 7. Similarity.
	if v, err = g.Similarity.CheckSimilarity(ctx, req.RecipientID, req.Content); err != nil || !v.Allowed {
		return v, err
	}

	if err := ctx.Err(); err != nil {
		return domain.Verdict{}, err
	}
	g.Locks.Reserve(key, now)
	return domain.Verdict{Allowed: true, Reason: domain.ReasonApproved, Message: "approved"}, nil
}

// recordDuplicate appends an audit event; failure to write it never changes
// the decision.
func (g *SafetyGate) recordDuplicate(ctx context.Context, req EvaluateRequest, v domain.Verdict) {
	ev := &domain.SystemEvent{
		EventType:   domain.EventDuplicateSendRejected,
		RecipientID: req.RecipientID,
		OrderID:     req.OrderID,
		MessageType: req.MessageType,
		Actor:       "gate",
		Detail:      string(v.Reason) + ": " + v.Message,
		CreatedAtMs: clock.Millis(g.Clock.Now()),
	}
	if err := repo.AppendEvent(ctx, g.DB, ev); err != nil {
		log.Error().Err(err).Str("reason", string(v.Reason)).Msg("append duplicate event")
	}
}

func (g *SafetyGate) observe(req EvaluateRequest, dec domain.Decision, infraErr error, took time.Duration) {
	gateDecisions.WithLabelValues(string(dec.Reason), fmt.Sprint(dec.Allowed)).Inc()
	gateLatency.Observe(took.Seconds())

	var ev *zerolog.Event
	switch {
	case infraErr != nil || dec.Reason.IsInfrastructure():
		ev = log.Error().Err(infraErr)
	default:
		ev = log.Info()
	}
	ev.Str("decision_id", dec.DecisionID).
		Str("recipient", RedactRecipient(req.RecipientID)).
		Str("order_id", req.OrderID).
		Str("message_type", string(req.MessageType)).
		Bool("allowed", dec.Allowed).
		Str("reason_code", string(dec.Reason)).
		Dur("took", took).
		Msg(dec.Message)
}

// RedactRecipient masks all but the last four characters of a phone number.
func RedactRecipient(id string) string {
	r := []rune(id)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}
