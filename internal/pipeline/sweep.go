package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/poolwatch/internal/delivery"
	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/metrics"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/tracing"
)

// DefaultRetryCeiling is the last retryNumber an item may be re-queued with.
const DefaultRetryCeiling = 10

// DeadLetterPublisher receives items the sweep gives up on.
type DeadLetterPublisher interface {
	Publish(topic string, v any) error
}

// Sweeper re-injects items stuck in a stage input so the stage runs again.
type Sweeper struct {
	q        *queue.Queue
	paths    []string
	ceiling  int
	dlq      DeadLetterPublisher
	dlqTopic string
	announce []string
	logger   *logging.Logger
	now      func() time.Time
}

// SweepOption configures a Sweeper.
type SweepOption func(*Sweeper)

func WithCeiling(n int) SweepOption { return func(s *Sweeper) { s.ceiling = n } }

func WithPaths(paths ...string) SweepOption { return func(s *Sweeper) { s.paths = paths } }

// WithDeadLetters publishes dropped items to topic.
func WithDeadLetters(p DeadLetterPublisher, topic string) SweepOption {
	return func(s *Sweeper) { s.dlq, s.dlqTopic = p, topic }
}

// WithAnnounce re-publishes the trigger of every item left under paths,
// without retry counting or re-pushing.
func WithAnnounce(paths ...string) SweepOption { return func(s *Sweeper) { s.announce = paths } }

func WithSweepLogger(l *logging.Logger) SweepOption { return func(s *Sweeper) { s.logger = l } }

func NewSweeper(q *queue.Queue, opts ...SweepOption) *Sweeper {
	s := &Sweeper{
		q:       q,
		paths:   queue.SweptPaths,
		ceiling: DefaultRetryCeiling,
		logger:  logging.New("sweep"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SweepReport counts what one pass did.
type SweepReport struct {
	Announced int
	Requeued  int
	Dropped  int
	Failed   int
}

// Run makes one pass over every swept path and waits for all per-item work.
// Per-item failures are logged and counted; only a failed read of a path is
// returned.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	ctx, span := tracing.StartSpan(ctx, "sweep.run")
	defer span.End()

	var announced, requeued, dropped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range s.announce {
		items, err := s.q.ReadAll(ctx, path)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			_ = g.Wait()
			return SweepReport{}, fmt.Errorf("sweep read %s: %w", path, err)
		}
		metrics.UpdateQueueDepth(path, len(items))

		for id := range items {
			g.Go(func() error {
				if err := s.q.Announce(gctx, path, id); err != nil {
					failed.Add(1)
					s.logger.WithContext(gctx).WithItem(path, id).WithError(err).Error("re-announce failed")
					return nil
				}
				announced.Add(1)
				return nil
			})
		}
	}
	for _, path := range s.paths {
		items, err := s.q.ReadAll(ctx, path)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			_ = g.Wait()
			return SweepReport{}, fmt.Errorf("sweep read %s: %w", path, err)
		}
		metrics.UpdateQueueDepth(path, len(items))

		for id, item := range items {
			g.Go(func() error {
				switch out, err := s.sweepItem(gctx, path, id, item); {
				case err != nil:
					failed.Add(1)
					s.logger.WithContext(gctx).WithItem(path, id).WithError(err).Error("sweep item failed")
				case out == "dropped":
					dropped.Add(1)
				default:
					requeued.Add(1)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	rep := SweepReport{
		Announced: int(announced.Load()),
		Requeued:  int(requeued.Load()),
		Dropped:   int(dropped.Load()),
		Failed:    int(failed.Load()),
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"announced": rep.Announced,
		"requeued":  rep.Requeued,
		"dropped":   rep.Dropped,
		"failed":    rep.Failed,
	}).Info("sweep complete")
	return rep, nil
}

func (s *Sweeper) sweepItem(ctx context.Context, path, id string, item json.RawMessage) (string, error) {
	n, err := queue.IntField(item, "retryNumber")
	if err != nil {
		return "", err
	}
	n++

	if n > s.ceiling {
		if err := s.q.Remove(ctx, path, id); err != nil {
			return "", err
		}
		metrics.RecordDrop(path)
		s.logger.WithContext(ctx).WithItem(path, id).WithField("retry_number", n).Error("retry ceiling exceeded, item dropped")
		s.publishDeadLetter(ctx, path, id, item, n)
		return "dropped", nil
	}

	next, err := queue.WithField(item, "retryNumber", n)
	if err != nil {
		return "", err
	}
	if next, err = queue.WithoutField(next, "errorTimestamp"); err != nil {
		return "", err
	}
	// Re-push first: a failed push must never lose the item.
	newID, err := s.q.Push(ctx, path, next)
	if err != nil && newID == "" {
		return "", err
	}
	if err != nil {
		s.logger.WithContext(ctx).WithItem(path, newID).WithError(err).Warn("requeued without trigger")
	}
	if err := s.q.Remove(ctx, path, id); err != nil {
		return "", fmt.Errorf("requeued as %s but old item kept: %w", newID, err)
	}
	metrics.RecordRequeue(path)
	return "requeued", nil
}

func (s *Sweeper) publishDeadLetter(ctx context.Context, path, id string, item json.RawMessage, n int) {
	if s.dlq == nil || s.dlqTopic == "" {
		return
	}
	dl := delivery.NewDeadLetter(path, id, item, n, fmt.Sprintf("retry ceiling exceeded (%d)", s.ceiling), s.now().UTC())
	if err := s.dlq.Publish(s.dlqTopic, dl); err != nil {
		s.logger.WithContext(ctx).WithItem(path, id).WithError(err).Error("dlq publish failed")
		return
	}
	s.logger.WithContext(ctx).WithItem(path, id).WithField("topic", s.dlqTopic).Info("dlq published")
}
