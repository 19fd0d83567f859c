package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
	"github.com/tbourn/notify-gate/internal/services"
)

// ---------- fakes ----------

type flakySender struct {
	mu        sync.Mutex
	failFirst map[string]int // order id -> failures before success
	permanent bool
	calls     map[string]int
	order     []string
}

func (s *flakySender) Send(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[j.Request.OrderID]++
	s.order = append(s.order, j.Request.OrderID)
	if s.calls[j.Request.OrderID] <= s.failFirst[j.Request.OrderID] {
		err := fmt.Errorf("transport down (%d)", s.calls[j.Request.OrderID])
		if s.permanent {
			return Permanent(err)
		}
		return err
	}
	return nil
}

type captureRecorder struct {
	mu   sync.Mutex
	outs []services.OutcomeRequest
}

func (r *captureRecorder) RecordOutcome(_ context.Context, req services.OutcomeRequest) (*domain.MessageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = append(r.outs, req)
	return &domain.MessageRecord{ID: uuid.NewString()}, nil
}

func (r *captureRecorder) byOrder() map[string][]services.OutcomeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := map[string][]services.OutcomeRequest{}
	for _, o := range r.outs {
		m[o.OrderID] = append(m[o.OrderID], o)
	}
	return m
}

var approved = domain.Decision{Allowed: true, Reason: domain.ReasonApproved, DecisionID: "d-1"}

func req(order string, t domain.MessageType) services.EvaluateRequest {
	return services.EvaluateRequest{RecipientID: "R1", OrderID: order, MessageType: t, Content: "body " + order}
}

func fastConfig(workers int, attempts uint) Config {
	return Config{Workers: workers, MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func runUntilDrained(t *testing.T, q *Queue) {
	t.Helper()
	q.Close()
	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("queue did not drain")
	}
}

// ---------- tests ----------

func TestEnqueue_RejectsUnapprovedAndClosed(t *testing.T) {
	q := New(fastConfig(1, 1), &flakySender{}, &captureRecorder{}, nil)

	if _, err := q.Enqueue(domain.Decision{Allowed: false, Reason: domain.ReasonCooldownActive}, req("O1", domain.TypeWelcome)); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
	q.Close()
	q.Close() // idempotent
	if _, err := q.Enqueue(approved, req("O1", domain.TypeWelcome)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	s := &flakySender{}
	q := New(fastConfig(1, 1), s, &captureRecorder{}, nil)

	_, _ = q.Enqueue(approved, req("pickup", domain.TypePickupReminder))
	_, _ = q.Enqueue(approved, req("ready", domain.TypeReady))
	_, _ = q.Enqueue(approved, req("welcome", domain.TypeWelcome))
	_, _ = q.Enqueue(approved, req("ready2", domain.TypeReady))
	j, _ := q.Enqueue(approved, req("confirm", domain.TypeConfirmation))
	if j.Priority != 1 || j.DecisionID != "d-1" || j.ID == "" {
		t.Fatalf("unexpected job: %+v", j)
	}
	if q.Len() != 5 {
		t.Fatalf("Len = %d", q.Len())
	}

	runUntilDrained(t, q)

	want := []string{"welcome", "confirm", "ready", "ready2", "pickup"}
	if fmt.Sprint(s.order) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", s.order, want)
	}
}

func TestQueue_RetriesThenRecordsOnce(t *testing.T) {
	s := &flakySender{failFirst: map[string]int{"O1": 2}}
	r := &captureRecorder{}
	q := New(fastConfig(2, 5), s, r, nil)

	_, _ = q.Enqueue(approved, req("O1", domain.TypeWelcome))
	_, _ = q.Enqueue(approved, req("O2", domain.TypeWelcome))
	runUntilDrained(t, q)

	outs := r.byOrder()
	if len(outs["O1"]) != 1 || !outs["O1"][0].Succeeded {
		t.Fatalf("O1 outcomes = %+v", outs["O1"])
	}
	if len(outs["O2"]) != 1 || !outs["O2"][0].Succeeded {
		t.Fatalf("O2 outcomes = %+v", outs["O2"])
	}
	if s.calls["O1"] != 3 {
		t.Fatalf("O1 send calls = %d, want 3", s.calls["O1"])
	}
}

func TestQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	s := &flakySender{failFirst: map[string]int{"O1": 100}}
	r := &captureRecorder{}
	var dead atomic.Int32
	var deadJob Job
	q := New(fastConfig(1, 3), s, r, func(_ context.Context, j Job, err error) {
		dead.Add(1)
		deadJob = j
	})

	_, _ = q.Enqueue(approved, req("O1", domain.TypeReady))
	runUntilDrained(t, q)

	if s.calls["O1"] != 3 {
		t.Fatalf("send calls = %d, want 3", s.calls["O1"])
	}
	outs := r.byOrder()["O1"]
	if len(outs) != 1 || outs[0].Succeeded || outs[0].ErrorDetail == "" {
		t.Fatalf("expected one failed outcome, got %+v", outs)
	}
	if dead.Load() != 1 || deadJob.Attempts != 3 {
		t.Fatalf("dead letters = %d attempts = %d", dead.Load(), deadJob.Attempts)
	}
}

func TestQueue_PermanentErrorStopsRetrying(t *testing.T) {
	s := &flakySender{failFirst: map[string]int{"O1": 100}, permanent: true}
	r := &captureRecorder{}
	q := New(fastConfig(1, 5), s, r, nil)

	_, _ = q.Enqueue(approved, req("O1", domain.TypeReady))
	runUntilDrained(t, q)

	if s.calls["O1"] != 1 {
		t.Fatalf("permanent error retried: %d calls", s.calls["O1"])
	}
	if outs := r.byOrder()["O1"]; len(outs) != 1 || outs[0].Succeeded {
		t.Fatalf("expected one failed outcome, got %+v", outs)
	}
}

func TestQueue_RunStopsOnContextCancel(t *testing.T) {
	q := New(fastConfig(3, 1), &flakySender{}, &captureRecorder{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestQueue_ProcessesJobsEnqueuedWhileRunning(t *testing.T) {
	r := &captureRecorder{}
	q := New(fastConfig(2, 1), &flakySender{}, r, nil)
	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background()) }()

	for i := 0; i < 10; i++ {
		_, _ = q.Enqueue(approved, req(fmt.Sprintf("O%d", i), domain.TypeWelcome))
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(r.byOrder()) < 10 {
		time.Sleep(5 * time.Millisecond)
	}
	q.Close()
	<-done
	if got := len(r.byOrder()); got != 10 {
		t.Fatalf("recorded %d jobs, want 10", got)
	}
}

func TestPriorityOf(t *testing.T) {
	if !(PriorityOf(domain.TypeWelcome) < PriorityOf(domain.TypeConfirmation) &&
		PriorityOf(domain.TypeConfirmation) < PriorityOf(domain.TypeReady) &&
		PriorityOf(domain.TypeReady) < PriorityOf(domain.TypePaymentReminder)) {
		t.Fatalf("unexpected priority ordering")
	}
}

func TestAuditDeadLetters_AppendsEvent(t *testing.T) {
	dsn := fmt.Sprintf("file:queue_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fn := AuditDeadLetters(db, clock.NewManual(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)))
	fn(context.Background(), Job{ID: "j1", Request: req("O1", domain.TypeReady), Attempts: 4}, errors.New("boom"))

	evs, err := repo.ListEvents(context.Background(), db, domain.EventJobDeadLettered, 0)
	if err != nil || len(evs) != 1 {
		t.Fatalf("events = %+v err=%v", evs, err)
	}
	if evs[0].OrderID != "O1" || evs[0].Actor != "queue" {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
}

func TestLogSender(t *testing.T) {
	if err := (LogSender{}).Send(context.Background(), Job{ID: "j", Request: req("O1", domain.TypeWelcome)}); err != nil {
		t.Fatalf("LogSender: %v", err)
	}
}
