package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/marker"
	"github.com/tbourn/notify-gate/internal/repo"
)

// ---------- test helpers ----------

// t0 is a Tuesday morning, inside default business hours.
var t0 = time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)

func newGateDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:gatesvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB: %v", err)
	}
	// One connection keeps the shared in-memory database alive and
	// serializes writers the way WAL + busy_timeout does on disk.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func defaultSettings() Settings {
	return Settings{
		GracePeriod:         4 * time.Minute,
		HourlyLimit:         3,
		DailyLimit:          10,
		SimilarityThreshold: 0.8,
		DuplicateWindow:     24 * time.Hour,
		Hours:               BusinessHours{Enabled: true, Start: 9 * time.Hour, End: 20 * time.Hour, Location: time.UTC},
		EvaluateTimeout:     5 * time.Second,
		InFlightTTL:         10 * time.Minute,
		ReceiptTTL:          time.Hour,
	}
}

type testEnv struct {
	db      *gorm.DB
	clk     *clock.Manual
	markers *marker.Store
	gate    *SafetyGate
	rec     *Recorder
}

func newEnv(t *testing.T, mut func(*Settings)) *testEnv {
	t.Helper()
	s := defaultSettings()
	if mut != nil {
		mut(&s)
	}
	db := newGateDB(t)
	clk := clock.NewManual(t0)
	m, err := marker.Open(marker.InMemoryConfig())
	if err != nil {
		t.Fatalf("marker.Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	gate, rec := Assemble(db, clk, m, s)
	return &testEnv{db: db, clk: clk, markers: m, gate: gate, rec: rec}
}

// pastGrace moves the clock just beyond the default grace period.
func (e *testEnv) pastGrace() { e.clk.Advance(4*time.Minute + time.Second) }

// distinct message bodies, pairwise far below the 0.8 similarity threshold.
var bodies = []string{
	"Hi Ana, thanks for visiting our shop today.",
	"Your tailored suit order has been confirmed for Friday.",
	"Good news: the blue dress is ready for pickup now.",
	"Reminder: an outstanding balance of 40 remains on file.",
	"We received your fabric purchase of Italian linen.",
	"Delivery completed. Enjoy your new jacket and trousers!",
}

func welcome(order, body string) EvaluateRequest {
	return EvaluateRequest{
		RecipientID: "R1",
		OrderID:     order,
		MessageType: domain.TypeWelcome,
		Content:     body,
		OrderData:   map[string]string{"customer_name": "Ana"},
	}
}

func (e *testEnv) evaluate(req EvaluateRequest) domain.Decision {
	return e.gate.Evaluate(context.Background(), req)
}

func outcomeOf(req EvaluateRequest, ok bool) OutcomeRequest {
	return OutcomeRequest{
		RecipientID: req.RecipientID,
		OrderID:     req.OrderID,
		MessageType: req.MessageType,
		Content:     req.Content,
		Succeeded:   ok,
	}
}

// sendOK evaluates req, requires approval, and records a successful outcome.
func (e *testEnv) sendOK(t *testing.T, req EvaluateRequest) *domain.MessageRecord {
	t.Helper()
	d := e.evaluate(req)
	if !d.Allowed {
		t.Fatalf("expected approval for %s/%s, got %s: %s", req.OrderID, req.MessageType, d.Reason, d.Message)
	}
	rec, err := e.rec.RecordOutcome(context.Background(), outcomeOf(req, true))
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	return rec
}

func expect(t *testing.T, d domain.Decision, want domain.ReasonCode) {
	t.Helper()
	if d.Reason != want {
		t.Fatalf("reason = %s (%q), want %s", d.Reason, d.Message, want)
	}
	if d.Allowed != (want == domain.ReasonApproved) {
		t.Fatalf("allowed = %v with reason %s", d.Allowed, d.Reason)
	}
	if d.DecisionID == "" || d.DecidedAtMs == 0 {
		t.Fatalf("decision missing id/timestamp: %+v", d)
	}
}

func countEvents(t *testing.T, db *gorm.DB, eventType string) int {
	t.Helper()
	evs, err := repo.ListEvents(context.Background(), db, eventType, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	return len(evs)
}
