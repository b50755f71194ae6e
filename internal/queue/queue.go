// Package queue stores pipeline items under named paths and announces every
// push so the stage watching that path can pick the item up.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/austindbirch/poolwatch/internal/metrics"
)

// Queue paths, one per stage input.
const (
	RawActivity     = "queue/RawActivity"
	PerActivity     = "queue/PerActivity"
	OutboundMessage = "queue/OutboundMessage"
)

// Paths lists every queue path in pipeline order.
var Paths = []string{RawActivity, PerActivity, OutboundMessage}

// SweptPaths are the paths the recovery sweep re-injects with retry counting.
// RawActivity items are only re-announced.
var SweptPaths = []string{PerActivity, OutboundMessage}

var (
	ErrNotFound    = errors.New("queue: item not found")
	ErrUnknownPath = errors.New("queue: unknown path")
	ErrNotObject   = errors.New("queue: item is not a JSON object")
	ErrNotify      = errors.New("queue: trigger publish failed")
)

// ValidPath reports whether path is one of Paths.
func ValidPath(path string) bool {
	for _, p := range Paths {
		if p == path {
			return true
		}
	}
	return false
}

// Store is the persistence contract. Each call is atomic on its own; no
// transaction spans several calls.
type Store interface {
	// Push appends item under path and returns its generated id.
	Push(ctx context.Context, path string, item json.RawMessage) (string, error)
	Get(ctx context.Context, path, id string) (json.RawMessage, error)
	// ReadAll returns every item under path; an absent path yields an empty map.
	ReadAll(ctx context.Context, path string) (map[string]json.RawMessage, error)
	// Remove deletes an item. Removing a missing id is not an error.
	Remove(ctx context.Context, path, id string) error
	// SetField writes one top-level field of an existing item in place.
	SetField(ctx context.Context, path, id, field string, value any) error
	Ping(ctx context.Context) error
}

// Notifier announces that path received a new child id.
type Notifier interface {
	Notify(ctx context.Context, path, id string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, path, id string) error

func (f NotifierFunc) Notify(ctx context.Context, path, id string) error { return f(ctx, path, id) }

// Queue couples a Store with a Notifier.
type Queue struct {
	store    Store
	notifier Notifier
}

// New returns a Queue. A nil notifier disables triggers.
func New(store Store, notifier Notifier) *Queue {
	return &Queue{store: store, notifier: notifier}
}

// Store exposes the underlying store.
func (q *Queue) Store() Store { return q.store }

// Push stores v (a json.RawMessage, []byte or any marshalable value) and
// notifies watchers. When the store write succeeds but the notification
// fails the id is returned together with an error wrapping ErrNotify; the
// item stays persisted.
func (q *Queue) Push(ctx context.Context, path string, v any) (string, error) {
	if !ValidPath(path) {
		return "", fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	raw, err := encode(v)
	if err != nil {
		return "", err
	}
	id, err := q.store.Push(ctx, path, raw)
	if err != nil {
		return "", fmt.Errorf("push %s: %w", path, err)
	}
	metrics.RecordPush(path)

	if q.notifier != nil {
		if err := q.notifier.Notify(ctx, path, id); err != nil {
			return id, fmt.Errorf("%w: %s/%s: %v", ErrNotify, path, id, err)
		}
	}
	return id, nil
}

func (q *Queue) Get(ctx context.Context, path, id string) (json.RawMessage, error) {
	if !ValidPath(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return q.store.Get(ctx, path, id)
}

func (q *Queue) ReadAll(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if !ValidPath(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return q.store.ReadAll(ctx, path)
}

func (q *Queue) Remove(ctx context.Context, path, id string) error {
	if !ValidPath(path) {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if err := q.store.Remove(ctx, path, id); err != nil {
		return fmt.Errorf("remove %s/%s: %w", path, id, err)
	}
	metrics.RecordRemove(path)
	return nil
}

func (q *Queue) SetField(ctx context.Context, path, id, field string, value any) error {
	if !ValidPath(path) {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if err := q.store.SetField(ctx, path, id, field, value); err != nil {
		return fmt.Errorf("set %s on %s/%s: %w", field, path, id, err)
	}
	return nil
}

// Announce publishes the trigger for an item that is already stored. With no
// notifier it does nothing.
func (q *Queue) Announce(ctx context.Context, path, id string) error {
	if !ValidPath(path) {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if q.notifier == nil {
		return nil
	}
	if err := q.notifier.Notify(ctx, path, id); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrNotify, path, id, err)
	}
	return nil
}

func (q *Queue) Ping(ctx context.Context) error { return q.store.Ping(ctx) }

func encode(v any) (json.RawMessage, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode item: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("encode item: invalid JSON")
	}
	return json.RawMessage(raw), nil
}
