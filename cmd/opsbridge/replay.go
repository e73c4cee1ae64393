package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/opsbridge/internal/bridge"
	"github.com/mtzanidakis/opsbridge/internal/emitter"
	"github.com/mtzanidakis/opsbridge/internal/metrics"
)

const maxCallbackLine = 16 << 20

type replayOptions struct {
	OperationID        string
	Target             string
	Objective          string
	MaxSteps           int
	SwarmMaxIterations int
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay [callbacks.jsonl]",
	Short: "Run recorded agent callbacks through the bridge",
	Long: `Replay reads one agent callback per line, either bare or wrapped as
{"id": ..., "payload": {...}}, and writes the resulting protocol events
to stdout. Reading stops once the operation halts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open callbacks: %w", err)
			}
			defer f.Close()
			in = f
		}
		res, err := replay(in, cmd.OutOrStdout(), replayOpts)
		if err != nil {
			return err
		}
		slog.Info("replay finished", "outcome", res.Outcome, "reason", res.Reason)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayOpts.OperationID, "operation", "", "Operation id (random when unset)")
	replayCmd.Flags().StringVar(&replayOpts.Target, "target", "", "Assessment target")
	replayCmd.Flags().StringVar(&replayOpts.Objective, "objective", "", "Assessment objective")
	replayCmd.Flags().IntVar(&replayOpts.MaxSteps, "max-steps", 100, "Step budget of the main agent")
	replayCmd.Flags().IntVar(&replayOpts.SwarmMaxIterations, "swarm-max-iterations", 0, "Step ceiling of each swarm member")
	rootCmd.AddCommand(replayCmd)
}

type envelope struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

// replay drives a bridge from a JSONL callback stream and writes the event
// stream to w.
func replay(r io.Reader, w io.Writer, opts replayOptions) (bridge.Result, error) {
	if opts.OperationID == "" {
		opts.OperationID = uuid.NewString()
	}

	em := emitter.New(emitter.Config{OperationID: opts.OperationID}, emitter.NewWriterSink(w))
	tracker := metrics.NewTracker()
	br := bridge.New(bridge.Config{
		OperationID:        opts.OperationID,
		Target:             opts.Target,
		Objective:          opts.Objective,
		MaxSteps:           opts.MaxSteps,
		SwarmMaxIterations: opts.SwarmMaxIterations,
	}, em, tracker)
	agg := metrics.NewAggregator(metrics.AggregatorConfig{OperationID: opts.OperationID}, tracker, em)
	br.WithHaltHook(agg.Stop)

	br.Start()

	var (
		res  bridge.Result
		line int
		seen = make(map[string]bool)
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxCallbackLine)
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("skipping malformed callback", "line", line, "error", err)
			continue
		}
		payload := env.Payload
		if payload == nil {
			if err := json.Unmarshal(data, &payload); err != nil {
				slog.Warn("skipping malformed callback", "line", line, "error", err)
				continue
			}
		} else if env.ID != "" {
			if seen[env.ID] {
				slog.Debug("duplicate callback dropped", "line", line, "callback", env.ID)
				continue
			}
			seen[env.ID] = true
		}

		res = br.Handle(payload)
		if res.Halted() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		br.Close()
		em.Close()
		return res, fmt.Errorf("read callbacks: %w", err)
	}

	br.Close()
	// A no-op once the bridge halted: termination stays the last event.
	agg.Tick(true)
	if err := em.Close(); err != nil {
		return res, fmt.Errorf("close emitter: %w", err)
	}
	return res, nil
}
