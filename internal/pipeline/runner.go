// Package pipeline wires the queue-triggered stages: filter, enrich and
// deliver, plus the recovery sweep.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/metrics"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/tracing"
	"github.com/austindbirch/poolwatch/internal/trigger"
)

// Result is what a stage wants written downstream.
type Result struct {
	Target  string
	Outputs []any
	// PartialOK removes the source even when some outputs failed to push.
	PartialOK bool
}

// Stage transforms one item of its source queue. A returned error is a
// stage-local failure: the item is left where it is for the sweep.
type Stage interface {
	Name() string
	Source() string
	Process(ctx context.Context, id string, item json.RawMessage) (Result, error)
}

// Runner executes stages against a queue. Outputs are pushed before the
// source item is removed.
type Runner struct {
	q      *queue.Queue
	logger *logging.Logger
}

func NewRunner(q *queue.Queue, logger *logging.Logger) *Runner {
	return &Runner{q: q, logger: loggerOr(logger, "pipeline")}
}

// Handler adapts s to a trigger handler.
func (r *Runner) Handler(s Stage) trigger.Handler {
	return func(ctx context.Context, ev trigger.Event) error {
		return r.Run(ctx, s, ev)
	}
}

// Run processes the item named by ev. Only failures to read the item are
// returned, so the trigger can be redelivered.
func (r *Runner) Run(ctx context.Context, s Stage, ev trigger.Event) error {
	ctx = tracing.ExtractHeaders(ctx, ev.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "stage."+s.Name(),
		append(tracing.ItemAttrs(s.Source(), ev.ID), tracing.AttrStage.String(s.Name()))...)
	defer span.End()

	start := time.Now()
	log := r.logger.WithContext(ctx).WithStage(s.Name()).WithItem(s.Source(), ev.ID)

	item, err := r.q.Get(ctx, s.Source(), ev.ID)
	if errors.Is(err, queue.ErrNotFound) {
		// Already consumed by an earlier delivery of the same trigger.
		log.Debug("item gone, skipping")
		metrics.RecordStage(s.Name(), "skipped", time.Since(start))
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("read item failed")
		metrics.RecordStage(s.Name(), "error", time.Since(start))
		return err
	}

	res, err := s.Process(ctx, ev.ID, item)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("stage failed, item left for sweep")
		metrics.RecordStage(s.Name(), "failed", time.Since(start))
		return nil
	}

	failed := 0
	for _, out := range res.Outputs {
		id, err := r.q.Push(ctx, res.Target, out)
		switch {
		case err == nil:
			tracing.AddSpanEvent(ctx, "queue.pushed", tracing.AttrQueue.String(res.Target), tracing.AttrItemID.String(id))
		case errors.Is(err, queue.ErrNotify):
			// Stored but not announced; the sweep will pick it up.
			log.WithError(err).WithField("output_id", id).Warn("output trigger not published")
		default:
			failed++
			log.WithError(err).WithField("target", res.Target).Error("push output failed")
		}
	}
	if failed > 0 && !res.PartialOK {
		metrics.RecordStage(s.Name(), "push_failed", time.Since(start))
		return nil
	}

	if err := r.q.Remove(ctx, s.Source(), ev.ID); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("remove source item failed")
		metrics.RecordStage(s.Name(), "remove_failed", time.Since(start))
		return nil
	}

	outcome := "ok"
	if failed > 0 {
		outcome = "partial"
	}
	log.WithFields(map[string]any{
		"outputs": len(res.Outputs) - failed,
		"failed":  failed,
	}).Info("stage complete")
	metrics.RecordStage(s.Name(), outcome, time.Since(start))
	return nil
}

func loggerOr(l *logging.Logger, service string) *logging.Logger {
	if l != nil {
		return l
	}
	return logging.New(service)
}

// Register subscribes every stage's handler on a local dispatcher.
func (r *Runner) Register(l *trigger.Local, stages ...Stage) {
	for _, s := range stages {
		l.Handle(s.Source(), r.Handler(s))
	}
}
