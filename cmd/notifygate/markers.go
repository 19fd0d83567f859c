package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/marker"
	"github.com/tbourn/notify-gate/internal/repo"
)

type markerKey struct {
	recipient string
	order     string
	msgType   string
}

func (k markerKey) validate() (domain.MessageType, error) {
	t := domain.ParseMessageType(k.msgType)
	if strings.TrimSpace(k.recipient) == "" || strings.TrimSpace(k.order) == "" || t == "" {
		return "", fmt.Errorf("--recipient, --order and --type are required")
	}
	return t, nil
}

func newMarkersCmd() *cobra.Command {
	var (
		key   markerKey
		actor string
	)
	cmd := &cobra.Command{
		Use:   "markers",
		Short: "Inspect or clear side-channel sent markers",
		Long: `A sent marker records that a message reached the customer even if the
ledger write failed. While fresh it rejects the same recipient, order and
type. Clearing one lets an operator resend after confirming the message
never arrived. The command opens MARKER_PATH, so stop serve first.`,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&key.recipient, "recipient", "", "recipient phone number")
	pf.StringVar(&key.order, "order", "", "order id")
	pf.StringVar(&key.msgType, "type", "", "message type")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show whether a fresh marker exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := key.validate()
			if err != nil {
				return err
			}
			return withMarkers(func(_ *gorm.DB, ms *marker.Store) error {
				sentAt, ok, err := ms.Has(cmd.Context(), key.recipient, key.order, t, time.Now())
				if err != nil {
					return err
				}
				switch {
				case ok:
					fmt.Fprintf(cmd.OutOrStdout(), "marker: fresh (sent %s)\n", sentAt.Format(time.RFC3339))
				case !sentAt.IsZero():
					fmt.Fprintf(cmd.OutOrStdout(), "marker: stale (sent %s)\n", sentAt.Format(time.RFC3339))
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "marker: none")
				}
				return nil
			})
		},
	}

	forget := &cobra.Command{
		Use:   "forget",
		Short: "Delete a marker so the message can be evaluated again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := key.validate()
			if err != nil {
				return err
			}
			return withMarkers(func(db *gorm.DB, ms *marker.Store) error {
				ctx := cmd.Context()
				if err := ms.Delete(ctx, key.recipient, key.order, t); err != nil {
					return fmt.Errorf("delete marker: %w", err)
				}
				if err := repo.AppendEvent(ctx, db, &domain.SystemEvent{
					EventType:   domain.EventMarkerCleared,
					RecipientID: key.recipient,
					OrderID:     key.order,
					MessageType: t,
					Actor:       operatorName(actor),
					Detail:      "sent marker cleared by operator",
					CreatedAtMs: clock.Millis(clock.System{}.Now()),
				}); err != nil {
					return fmt.Errorf("audit marker clear: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "marker: cleared")
				return nil
			})
		},
	}
	forget.Flags().StringVar(&actor, "actor", "", "operator recorded in the audit log (default $USER)")

	cmd.AddCommand(show, forget)
	return cmd
}

func withMarkers(fn func(*gorm.DB, *marker.Store) error) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(db)

	ms, err := openMarkers(cfg.Marker)
	if err != nil {
		return err
	}
	if ms == nil {
		return fmt.Errorf("marker store is disabled (MARKER_PATH=off)")
	}
	defer func() { _ = ms.Close() }()
	return fn(db, ms)
}
