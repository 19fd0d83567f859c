package clock

import (
	"testing"
	"time"
)

func TestManual_AdvanceAndSet(t *testing.T) {
	t0 := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	m := NewManual(t0)
	if !m.Now().Equal(t0) {
		t.Fatalf("Now=%v want %v", m.Now(), t0)
	}
	if got := m.Advance(90 * time.Second); !got.Equal(t0.Add(90 * time.Second)) {
		t.Fatalf("Advance returned %v", got)
	}
	m.Set(t0)
	if !m.Now().Equal(t0) {
		t.Fatalf("Set did not reposition clock: %v", m.Now())
	}
}

func TestSystem_IsUTC(t *testing.T) {
	if loc := (System{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}

func TestMillis(t *testing.T) {
	t0 := time.Unix(1700000000, 250*int64(time.Millisecond))
	if got := Millis(t0); got != 1700000000250 {
		t.Fatalf("Millis=%d", got)
	}
}
