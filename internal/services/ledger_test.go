package services

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/notify-gate/internal/domain"
)

func TestLedgerQuery_RecipientPage(t *testing.T) {
	e := newEnv(t, nil)
	e.pastGrace()
	for i := 0; i < 3; i++ {
		e.sendOK(t, welcome(string(rune('A'+i)), bodies[i]))
		e.clk.Advance(time.Minute)
	}

	q := &LedgerQuery{DB: e.db}
	ctx := context.Background()

	items, total, err := q.RecipientPage(ctx, "R1", 1, 2)
	if err != nil {
		t.Fatalf("RecipientPage: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("total=%d len=%d", total, len(items))
	}
	if items[0].OrderID != "C" {
		t.Fatalf("newest first expected, got %s", items[0].OrderID)
	}

	items, _, _ = q.RecipientPage(ctx, "R1", 2, 2)
	if len(items) != 1 || items[0].OrderID != "A" {
		t.Fatalf("second page unexpected: %+v", items)
	}

	// bounds are clamped
	items, _, _ = q.RecipientPage(ctx, "R1", 0, 0)
	if len(items) != 3 {
		t.Fatalf("clamped page should return all 3, got %d", len(items))
	}

	items, total, err = q.RecipientPage(ctx, "nobody", 1, 10)
	if err != nil || total != 0 || items == nil || len(items) != 0 {
		t.Fatalf("empty recipient: items=%v total=%d err=%v", items, total, err)
	}
}

func TestLedgerQuery_Events(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if err := e.gate.Startup.Activate(ctx, "maintenance", "ops"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	e.clk.Advance(time.Second)
	if err := e.gate.Startup.Deactivate(ctx, "ops"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	q := &LedgerQuery{DB: e.db}
	all, err := q.Events(ctx, "", "", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("all events: %d err=%v", len(all), err)
	}
	if all[0].EventType != domain.EventKillSwitchDeactivated {
		t.Fatalf("newest first expected, got %s", all[0].EventType)
	}

	only, _ := q.Events(ctx, " "+domain.EventKillSwitchActivated+" ", "", 10)
	if len(only) != 1 || only[0].Actor != "ops" {
		t.Fatalf("filtered events: %+v", only)
	}

	none, _ := q.Events(ctx, domain.EventKillSwitchActivated, "R1", 10)
	if len(none) != 0 {
		t.Fatalf("recipient filter should win, got %+v", none)
	}
}
