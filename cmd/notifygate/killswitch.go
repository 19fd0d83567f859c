package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/repo"
	"github.com/tbourn/notify-gate/internal/services"
)

func newKillSwitchCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Inspect or flip the durable kill switch",
		Long: `The kill switch halts every send. It is stored in the database, so it
applies to all gate processes sharing the store and survives restarts.
KILL_SWITCH=true in the environment forces it on regardless of the stored flag.`,
	}
	cmd.PersistentFlags().StringVar(&actor, "actor", "", "operator recorded in the audit log (default $USER)")

	var reason string
	on := &cobra.Command{
		Use:   "on",
		Short: "Halt all sends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			return withStartupGate(cmd.Context(), func(ctx context.Context, g *services.StartupGate) error {
				if err := g.Activate(ctx, reason, operatorName(actor)); err != nil {
					return err
				}
				return printKillSwitch(ctx, cmd.OutOrStdout(), g)
			})
		},
	}
	on.Flags().StringVar(&reason, "reason", "", "why sends are halted")

	off := &cobra.Command{
		Use:   "off",
		Short: "Resume sends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStartupGate(cmd.Context(), func(ctx context.Context, g *services.StartupGate) error {
				if err := g.Deactivate(ctx, operatorName(actor)); err != nil {
					return err
				}
				if err := printKillSwitch(ctx, cmd.OutOrStdout(), g); err != nil {
					return err
				}
				if g.EnvOverride {
					return fmt.Errorf("stored flag cleared but KILL_SWITCH forces the switch on")
				}
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the kill switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStartupGate(cmd.Context(), func(ctx context.Context, g *services.StartupGate) error {
				return printKillSwitch(ctx, cmd.OutOrStdout(), g)
			})
		},
	}

	cmd.AddCommand(on, off, status)
	return cmd
}

func withStartupGate(ctx context.Context, fn func(context.Context, *services.StartupGate) error) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(db)
	return fn(ctx, services.NewStartupGate(db, clock.System{}, 0, cfg.Gate.KillSwitch))
}

func printKillSwitch(ctx context.Context, w io.Writer, g *services.StartupGate) error {
	active, err := g.KillSwitchActive(ctx)
	if err != nil {
		return err
	}
	state := "OFF"
	if active {
		state = "ON"
	}
	fmt.Fprintf(w, "kill switch: %s\n", state)
	if g.EnvOverride {
		fmt.Fprintln(w, "  forced on by KILL_SWITCH")
	}

	flag, err := repo.GetFlag(ctx, g.DB, domain.FlagKillSwitch)
	switch {
	case repo.IsNotFound(err):
		fmt.Fprintln(w, "  stored flag: never set")
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(w, "  stored flag: %v (by %s at %s)\n", flag.Active, flag.UpdatedBy,
		time.UnixMilli(flag.UpdatedAtMs).UTC().Format(time.RFC3339))
	if flag.Active && flag.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", flag.Reason)
	}
	return nil
}
