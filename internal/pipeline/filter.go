package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/austindbirch/poolwatch/internal/activity"
	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/metrics"
	"github.com/austindbirch/poolwatch/internal/queue"
)

// Filter splits a raw webhook payload into the transfers touching the pool.
type Filter struct {
	Pool   string
	Logger *logging.Logger
}

func (f *Filter) Name() string   { return "filter" }
func (f *Filter) Source() string { return queue.RawActivity }

func (f *Filter) Process(ctx context.Context, id string, item json.RawMessage) (Result, error) {
	ev, err := activity.ParseEvent(item)
	if err != nil {
		return Result{}, err
	}
	records, err := ev.Activities()
	if err != nil {
		return Result{}, err
	}

	var outs []any
	discarded := 0
	for i, raw := range records {
		rec, err := activity.ParseRecord(raw)
		if err != nil {
			discarded++
			f.logger().WithContext(ctx).WithItem(queue.RawActivity, id).WithError(err).
				WithField("index", i).Warn("skipping malformed activity record")
			continue
		}
		if !rec.Involves(f.Pool) {
			discarded++
			continue
		}
		out := json.RawMessage(raw)
		if ev.OnlyDev {
			if out, err = queue.WithField(raw, "onlyDev", true); err != nil {
				return Result{}, fmt.Errorf("stamp onlyDev: %w", err)
			}
		}
		outs = append(outs, out)
	}
	metrics.RecordFiltered(len(outs), discarded)

	return Result{Target: queue.PerActivity, Outputs: outs, PartialOK: true}, nil
}

func (f *Filter) logger() *logging.Logger {
	return loggerOr(f.Logger, "filter")
}
