package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/poolwatch/internal/activity"
	"github.com/austindbirch/poolwatch/internal/queue"
)

// MessageSender posts one message stamped with at.
type MessageSender interface {
	Send(ctx context.Context, m activity.Message, at time.Time) error
}

// FieldSetter writes one field onto a queued item.
type FieldSetter interface {
	SetField(ctx context.Context, path, id, field string, value any) error
}

// Deliverer posts outbound messages. A failed post stamps errorTimestamp on
// the item with the same timestamp the embed carried.
type Deliverer struct {
	Sender MessageSender
	Items  FieldSetter
	Now    func() time.Time
}

func (d *Deliverer) Name() string   { return "deliver" }
func (d *Deliverer) Source() string { return queue.OutboundMessage }

func (d *Deliverer) Process(ctx context.Context, id string, item json.RawMessage) (Result, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	at := now().UTC()

	msg, err := activity.ParseMessage(item)
	if err != nil {
		return Result{}, err
	}
	if err := d.Sender.Send(ctx, msg, at); err != nil {
		stamp := at.Format(time.RFC3339)
		if setErr := d.Items.SetField(ctx, queue.OutboundMessage, id, "errorTimestamp", stamp); setErr != nil {
			return Result{}, fmt.Errorf("%w (mark errorTimestamp: %v)", err, setErr)
		}
		return Result{}, err
	}
	return Result{}, nil
}
