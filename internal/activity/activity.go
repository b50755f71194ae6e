// Package activity models NFT transfer notifications and the messages built
// from them.
package activity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrNoActivity     = errors.New("activity: event has no activity")
	ErrInvalidTokenID = errors.New("activity: invalid token id")
)

// Event is the payload delivered by the webhook provider.
type Event struct {
	WebhookID string `json:"webhookId"`
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Type      string `json:"type"`
	Event     struct {
		Network  string          `json:"network"`
		Activity json.RawMessage `json:"activity"`
	} `json:"event"`
	OnlyDev bool `json:"onlyDev,omitempty"`
}

// ParseEvent decodes a raw webhook payload.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	return e, nil
}

// Activities returns event.activity as a list whether the provider sent one
// record or an array of them. Each element is returned verbatim.
func (e Event) Activities() ([]json.RawMessage, error) {
	raw := bytes.TrimSpace(e.Event.Activity)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrNoActivity
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("parse activity list: %w", err)
		}
		return list, nil
	}
	return []json.RawMessage{json.RawMessage(raw)}, nil
}

// Record is one ERC-721 transfer.
type Record struct {
	FromAddress   string `json:"fromAddress"`
	ToAddress     string `json:"toAddress"`
	ERC721TokenID string `json:"erc721TokenId"`
	Hash          string `json:"hash"`
	Category      string `json:"category,omitempty"`
	BlockNum      string `json:"blockNum,omitempty"`
	OnlyDev       bool   `json:"onlyDev,omitempty"`
	RetryNumber   int    `json:"retryNumber,omitempty"`
}

// ParseRecord decodes one activity record.
func ParseRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("parse record: %w", err)
	}
	return r, nil
}

// Involves reports whether pool is the sender or the receiver, ignoring case.
func (r Record) Involves(pool string) bool {
	return strings.EqualFold(r.ToAddress, pool) || strings.EqualFold(r.FromAddress, pool)
}

// Direction of a transfer relative to the pool.
type Direction string

const (
	Deposit  Direction = "Deposit"
	Withdraw Direction = "Withdraw"
)

// Classify returns Deposit when the pool receives the token and Withdraw
// otherwise. Every record maps to exactly one of the two.
func Classify(r Record, pool string) Direction {
	if strings.EqualFold(r.ToAddress, pool) {
		return Deposit
	}
	return Withdraw
}

// Context is the sentence fragment handed to the language model.
func (d Direction) Context() string {
	if d == Deposit {
		return "being deposited into the pool."
	}
	return "being withdrawn from the pool."
}

// ParseTokenID converts a hex token id such as "0x1a" to a decimal integer.
func ParseTokenID(hex string) (*big.Int, error) {
	s := strings.TrimSpace(hex)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTokenID, hex)
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTokenID, hex)
	}
	return n, nil
}
