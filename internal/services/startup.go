package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
)

// StartupGate blocks all sends for a grace period after process start and
// whenever the kill switch is on. The kill switch is the OR of an
// environment override and the durable kill_switch flag, which is read on
// every check.
type StartupGate struct {
	DB          *gorm.DB
	Clock       clock.Clock
	GracePeriod time.Duration
	// EnvOverride forces the kill switch on (KILL_SWITCH=true).
	EnvOverride bool

	startedAt   time.Time
	graceLogged atomic.Bool
}

// NewStartupGate stamps the start time from clk. A gate without a grace
// period never writes grace_period_ended.
func NewStartupGate(db *gorm.DB, clk clock.Clock, grace time.Duration, envOverride bool) *StartupGate {
	g := &StartupGate{
		DB:          db,
		Clock:       clk,
		GracePeriod: grace,
		EnvOverride: envOverride,
		startedAt:   clk.Now(),
	}
	if grace <= 0 {
		g.graceLogged.Store(true)
	}
	return g
}

// StartedAt returns the construction time.
func (g *StartupGate) StartedAt() time.Time { return g.startedAt }

// KillSwitchActive reports the kill switch state. A store error is returned
// with active=true so callers that ignore the error still fail closed.
func (g *StartupGate) KillSwitchActive(ctx context.Context) (bool, error) {
	if g.EnvOverride {
		killSwitchGauge.Set(1)
		return true, nil
	}
	on, err := repo.FlagActive(ctx, g.DB, domain.FlagKillSwitch)
	if err != nil {
		return true, fmt.Errorf("read kill switch: %w", err)
	}
	if on {
		killSwitchGauge.Set(1)
	} else {
		killSwitchGauge.Set(0)
	}
	return on, nil
}

// GraceRemaining returns how much of the grace period is left. The first
// call that observes the period as elapsed appends grace_period_ended.
func (g *StartupGate) GraceRemaining(ctx context.Context) time.Duration {
	left := g.GracePeriod - g.Clock.Now().Sub(g.startedAt)
	if left > 0 {
		return left
	}
	if g.graceLogged.CompareAndSwap(false, true) {
		ev := &domain.SystemEvent{
			EventType:   domain.EventGracePeriodEnded,
			Actor:       "system",
			Detail:      fmt.Sprintf("grace period of %s elapsed", g.GracePeriod),
			CreatedAtMs: clock.Millis(g.Clock.Now()),
		}
		if err := repo.AppendEvent(ctx, g.DB, ev); err != nil {
			// Allow a later call to retry the write.
			g.graceLogged.Store(false)
			log.Error().Err(err).Msg("append grace_period_ended event")
		} else {
			log.Info().Msg("startup grace period ended")
		}
	}
	return 0
}

// State derives the gate state: HALTED when the kill switch is on, else
// STARTUP while grace remains, else ACTIVE.
func (g *StartupGate) State(ctx context.Context) (domain.GateState, error) {
	remaining := g.GraceRemaining(ctx)
	on, err := g.KillSwitchActive(ctx)
	if err != nil {
		return domain.StateHalted, err
	}
	switch {
	case on:
		return domain.StateHalted, nil
	case remaining > 0:
		return domain.StateStartup, nil
	default:
		return domain.StateActive, nil
	}
}

// IsBlocked reports whether sends are currently blocked. Errors block.
func (g *StartupGate) IsBlocked(ctx context.Context) bool {
	st, err := g.State(ctx)
	return err != nil || st != domain.StateActive
}

// Activate turns the durable kill switch on and records who did it.
func (g *StartupGate) Activate(ctx context.Context, reason, actor string) error {
	return g.setKillSwitch(ctx, true, reason, actor)
}

// Deactivate turns the durable kill switch off. The environment override,
// if set, stays in force.
func (g *StartupGate) Deactivate(ctx context.Context, actor string) error {
	return g.setKillSwitch(ctx, false, "", actor)
}

func (g *StartupGate) setKillSwitch(ctx context.Context, on bool, reason, actor string) error {
	nowMs := clock.Millis(g.Clock.Now())
	evType := domain.EventKillSwitchDeactivated
	detail := "kill switch deactivated"
	if on {
		evType = domain.EventKillSwitchActivated
		detail = "kill switch activated: " + reason
	}
	if actor == "" {
		actor = "operator"
	}

	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.SetFlag(ctx, tx, domain.FlagKillSwitch, on, reason, actor, nowMs); err != nil {
			return err
		}
		return repo.AppendEvent(ctx, tx, &domain.SystemEvent{
			EventType:   evType,
			Actor:       actor,
			Detail:      detail,
			CreatedAtMs: nowMs,
		})
	})
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	log.Warn().Bool("active", on).Str("actor", actor).Str("reason", reason).Msg("kill switch changed")
	return nil
}

// WaitGrace blocks until the grace period has elapsed (or ctx ends) and
// then triggers the grace_period_ended event, so it is written even when
// no evaluation happens to arrive.
func (g *StartupGate) WaitGrace(ctx context.Context) {
	for {
		left := g.GraceRemaining(ctx)
		if left <= 0 {
			return
		}
		t := time.NewTimer(left)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
