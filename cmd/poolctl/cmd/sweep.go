package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/poolwatch/internal/config"
	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/pipeline"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/trigger"
)

var (
	sweepDryRun  bool
	sweepCeiling int
)

// sweepCmd runs one recovery pass outside the worker's schedule
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one recovery sweep now",
	Long: `Re-inject every item left in queue/PerActivity and queue/OutboundMessage,
dropping those past the retry ceiling, and re-announce items left in
queue/RawActivity. Dropped items go to the DLQ topic when PUBLISH_DLQ_TOPIC
is set.

With --dry-run the pass runs against an in-memory copy and nothing in the
real store changes.

Example:
  poolctl sweep --dry-run`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		q, closeQ, err := openQueue(ctx, !sweepDryRun)
		if err != nil {
			return err
		}
		defer closeQ()

		opts, stop, err := sweepOptions(config.FromEnv(), sweepDryRun)
		if err != nil {
			return err
		}
		defer stop()
		return runSweep(ctx, q, cmd.OutOrStdout(), sweepCeiling, sweepDryRun, opts...)
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "sweep an in-memory copy and report what would happen")
	sweepCmd.Flags().IntVar(&sweepCeiling, "ceiling", config.FromEnv().Pipeline.RetryCeiling, "retry ceiling before an item is dropped")
	rootCmd.AddCommand(sweepCmd)
}

// newDeadLetters connects the publisher dropped items are sent to.
var newDeadLetters = func(cfg config.Config) (pipeline.DeadLetterPublisher, func(), error) {
	p, err := trigger.NewPublisher(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("nsq publisher: %w", err)
	}
	return p, p.Stop, nil
}

// sweepOptions matches the worker's scheduled sweep: raw items are
// re-announced and drops go to the DLQ topic when enabled. A dry run does
// neither.
func sweepOptions(cfg config.Config, dryRun bool) ([]pipeline.SweepOption, func(), error) {
	if dryRun {
		return nil, func() {}, nil
	}
	opts := []pipeline.SweepOption{pipeline.WithAnnounce(queue.RawActivity)}
	if !cfg.Pipeline.PublishDLQ {
		return opts, func() {}, nil
	}
	dlq, stop, err := newDeadLetters(cfg)
	if err != nil {
		return nil, nil, err
	}
	return append(opts, pipeline.WithDeadLetters(dlq, cfg.NSQ.DLQTopic)), stop, nil
}

func runSweep(ctx context.Context, q *queue.Queue, w io.Writer, ceiling int, dryRun bool, opts ...pipeline.SweepOption) error {
	if dryRun {
		copyQ, err := snapshot(ctx, q)
		if err != nil {
			return err
		}
		q = copyQ
	}

	opts = append([]pipeline.SweepOption{
		pipeline.WithCeiling(ceiling),
		pipeline.WithSweepLogger(logging.New("poolctl")),
	}, opts...)
	sweeper := pipeline.NewSweeper(q, opts...)
	rep, err := sweeper.Run(ctx)
	if err != nil {
		return err
	}

	if outputJSON {
		printOutput(w, map[string]any{
			"dry_run":   dryRun,
			"announced": rep.Announced,
			"requeued":  rep.Requeued,
			"dropped":   rep.Dropped,
			"failed":    rep.Failed,
		})
		return nil
	}
	prefix := ""
	if dryRun {
		prefix = "(dry run) "
	}
	fmt.Fprintf(w, "%srequeued=%d dropped=%d failed=%d\n", prefix, rep.Requeued, rep.Dropped, rep.Failed)
	return nil
}

// snapshot copies the swept paths into a memory-backed queue.
func snapshot(ctx context.Context, q *queue.Queue) (*queue.Queue, error) {
	mem := queue.NewMemoryStore()
	for _, path := range queue.SweptPaths {
		items, err := q.ReadAll(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for _, item := range items {
			if _, err := mem.Push(ctx, path, item); err != nil {
				return nil, err
			}
		}
	}
	return queue.New(mem, nil), nil
}
