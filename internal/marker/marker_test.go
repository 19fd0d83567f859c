package marker

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/notify-gate/internal/domain"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutHas_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, ok, err := s.Has(ctx, "R1", "O1", domain.TypeWelcome, at); err != nil || ok {
		t.Fatalf("expected no marker, ok=%v err=%v", ok, err)
	}
	if err := s.Put(ctx, "R1", "O1", domain.TypeWelcome, at); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sentAt, ok, err := s.Has(ctx, "R1", "O1", domain.TypeWelcome, at.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("expected marker, ok=%v err=%v", ok, err)
	}
	if !sentAt.Equal(at) {
		t.Fatalf("sentAt = %v, want %v", sentAt, at)
	}

	// Other keys are independent.
	if _, ok, _ := s.Has(ctx, "R1", "O1", domain.TypeConfirmation, at); ok {
		t.Fatalf("marker leaked across message types")
	}
	if _, ok, _ := s.Has(ctx, "R1", "O2", domain.TypeWelcome, at); ok {
		t.Fatalf("marker leaked across orders")
	}
}

func TestHas_StaleMarkerIsNotFresh(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	_ = s.Put(ctx, "R1", "O1", domain.TypeReady, at)

	if _, ok, _ := s.Has(ctx, "R1", "O1", domain.TypeReady, at.Add(24*time.Hour)); !ok {
		t.Fatalf("marker should still be fresh at exactly the ttl")
	}
	if _, ok, _ := s.Has(ctx, "R1", "O1", domain.TypeReady, at.Add(24*time.Hour+time.Second)); ok {
		t.Fatalf("marker should be stale after ttl")
	}
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Now()

	_ = s.Put(ctx, "R1", "O1", domain.TypeDelivery, at)
	if err := s.Delete(ctx, "R1", "O1", domain.TypeDelivery); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Has(ctx, "R1", "O1", domain.TypeDelivery, at); ok {
		t.Fatalf("marker should be gone")
	}
}

func TestBadgerLogger_OnlyWarningsAndErrors(t *testing.T) {
	var buf bytes.Buffer
	bl := badgerLogger{l: zerolog.New(&buf).Level(zerolog.TraceLevel)}

	bl.Infof("flushed %d tables", 3)
	bl.Debugf("compaction %s", "L0")
	if buf.Len() != 0 {
		t.Fatalf("info/debug should be dropped, got %q", buf.String())
	}

	bl.Warningf("value log %s", "truncated")
	bl.Errorf("open %s", "failed")
	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "value log truncated") ||
		!strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "open failed") {
		t.Fatalf("warn/error missing: %q", out)
	}
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = time.Hour

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Put(context.Background(), "R1", "O1", domain.TypeWelcome, at); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	sentAt, ok, err := s2.Has(context.Background(), "R1", "O1", domain.TypeWelcome, at)
	if err != nil || !ok || !sentAt.Equal(at) {
		t.Fatalf("marker did not survive restart: %v %v %v", sentAt, ok, err)
	}
}

func TestOpen_Validation(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error without path")
	}
	if _, err := Open(Config{InMemory: true}); err == nil {
		t.Fatalf("expected error without ttl")
	}
}

func TestPut_CanceledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Put(ctx, "R1", "O1", domain.TypeWelcome, time.Now()); err == nil {
		t.Fatalf("expected context error")
	}
}
