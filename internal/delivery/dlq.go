package delivery

import (
	"encoding/json"
	"time"
)

const DLQType = "queue.dlq"

// DeadLetter is published when the sweep gives up on an item.
type DeadLetter struct {
	Type        string          `json:"type"`    // "queue.dlq"
	Version     string          `json:"version"` // schema version
	At          string          `json:"at"`      // RFC3339 time the item was dropped
	Reason      string          `json:"reason"`
	Path        string          `json:"path"`
	ID          string          `json:"id,omitempty"`
	RetryNumber int             `json:"retry_number"`
	Item        json.RawMessage `json:"item"` // full item snapshot
}

func NewDeadLetter(path, id string, item json.RawMessage, retryNumber int, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:        DLQType,
		Version:     "v1",
		At:          at.Format(time.RFC3339Nano),
		Reason:      reason,
		Path:        path,
		ID:          id,
		RetryNumber: retryNumber,
		Item:        item,
	}
}
