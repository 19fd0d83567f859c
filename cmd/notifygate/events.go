package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/notify-gate/internal/services"
	"github.com/tbourn/notify-gate/internal/utils"
)

func newEventsCmd() *cobra.Command {
	var (
		eventType string
		recipient string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent audit events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore(db)

			q := &services.LedgerQuery{DB: db}
			evs, err := q.Events(cmd.Context(), eventType, recipient, utils.Clamp(limit, 1, 500))
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tACTOR\tRECIPIENT\tORDER\tTYPE\tDETAIL")
			for _, e := range evs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					time.UnixMilli(e.CreatedAtMs).UTC().Format(time.RFC3339),
					e.EventType, e.Actor, e.RecipientID, e.OrderID, e.MessageType, e.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only this event type (e.g. kill_switch_activated)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "only events for this recipient (takes precedence over --type)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show (1-500)")
	return cmd
}
