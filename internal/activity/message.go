package activity

import (
	"encoding/json"
	"fmt"
)

// EmbedColor is the sidebar color of every posted message.
const EmbedColor = 4183118

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Message is a display-ready notification waiting in the outbound queue.
type Message struct {
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	ImageURL       string  `json:"image_url"`
	URL            string  `json:"url"`
	Fields         []Field `json:"fields"`
	Color          int     `json:"color"`
	HasThumbnail   bool    `json:"has_thumbnail"`
	ThumbnailURL   string  `json:"thumbnail_url,omitempty"`
	OnlyDev        bool    `json:"onlyDev,omitempty"`
	RetryNumber    int     `json:"retryNumber,omitempty"`
	ErrorTimestamp string  `json:"errorTimestamp,omitempty"`
}

// ParseMessage decodes an outbound queue item.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	return m, nil
}

// Commentary is the language model's take on a token.
type Commentary struct {
	Title   string `json:"title"`
	Comment string `json:"comment"`
}

// NewMessage assembles the outbound message for a transfer.
func NewMessage(r Record, dir Direction, tokenID, imageURL, txURL string, c Commentary) Message {
	return Message{
		Title:       c.Title,
		Description: c.Comment,
		ImageURL:    imageURL,
		URL:         txURL,
		Fields: []Field{
			{Name: "Action", Value: string(dir), Inline: true},
			{Name: "ID", Value: tokenID, Inline: true},
		},
		Color:        EmbedColor,
		HasThumbnail: true,
		OnlyDev:      r.OnlyDev,
	}
}
