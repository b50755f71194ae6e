// Package trigger carries "new child under path" notifications from a queue
// push to the stage that watches the path.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Event announces one new item.
type Event struct {
	Path         string            `json:"path"`
	ID           string            `json:"id"`
	PublishedAt  time.Time         `json:"published_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Handler processes one event. A returned error means the item could not be
// looked at (store unavailable) and the event should be redelivered; stage
// outcomes are recorded on the item itself and return nil.
type Handler func(ctx context.Context, ev Event) error

// Topic maps a queue path to its NSQ topic name.
func Topic(path string) string {
	return strings.ReplaceAll(path, "/", ".")
}

func decodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, err
	}
	if ev.Path == "" || ev.ID == "" {
		return Event{}, errors.New("trigger: event missing path or id")
	}
	return ev, nil
}
