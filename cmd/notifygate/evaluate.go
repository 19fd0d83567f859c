package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/domain"
	"github.com/tbourn/notify-gate/internal/services"
)

type evaluateOutput struct {
	domain.Decision
	RecordID string `json:"record_id,omitempty"`
}

func newEvaluateCmd() *cobra.Command {
	var (
		req      services.EvaluateRequest
		msgType  string
		markSent bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Ask the gate whether one message may be sent",
		Long: `evaluate runs a single message through the full gate against the shared
store and prints the decision as JSON. The one-shot process skips the
startup grace period; the kill switch and business hours still apply.

With --sent an approved message is recorded as delivered, for operators
who sent it by hand. The marker store is opened too, so evaluate cannot run
while a serve process holds MARKER_PATH.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore(db)

			settings, err := cfg.Settings()
			if err != nil {
				return err
			}
			settings.GracePeriod = 0

			ms, err := openMarkers(cfg.Marker)
			if err != nil {
				return err
			}
			if ms != nil {
				defer func() { _ = ms.Close() }()
			}

			ctx := cmd.Context()
			gate, recorder := services.Assemble(db, clock.System{}, gateMarkers(ms), settings)
			req.MessageType = domain.ParseMessageType(msgType)
			dec := gate.Evaluate(ctx, req)
			out := evaluateOutput{Decision: dec}

			if markSent && dec.Allowed {
				rec, err := recorder.RecordOutcome(ctx, services.OutcomeRequest{
					RecipientID: req.RecipientID,
					OrderID:     req.OrderID,
					MessageType: req.MessageType,
					Content:     req.Content,
					Succeeded:   true,
				})
				if err != nil {
					return fmt.Errorf("record outcome: %w", err)
				}
				out.RecordID = rec.ID
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RecipientID, "recipient", "", "recipient phone number")
	f.StringVar(&req.OrderID, "order", "", "order id")
	f.StringVar(&msgType, "type", "", "message type (welcome, confirmation, ready, ...)")
	f.StringVar(&req.Content, "content", "", "message text")
	f.StringToStringVar(&req.OrderData, "data", nil, "order fields as key=value (repeatable)")
	f.StringToStringVar(&req.SourceData, "source", nil, "upstream sheet fields as key=value (repeatable)")
	f.BoolVar(&markSent, "sent", false, "record an approved message as delivered")
	for _, name := range []string{"recipient", "order", "type"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
