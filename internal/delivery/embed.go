package delivery

import (
	"time"

	"github.com/austindbirch/poolwatch/internal/activity"
)

// Payload is the Discord webhook execute body.
type Payload struct {
	Embeds []Embed `json:"embeds"`
}

type Image struct {
	URL string `json:"url"`
}

// Embed mirrors a Discord rich embed. Thumbnail encodes as null when the
// message asked for none.
type Embed struct {
	Thumbnail   *Image           `json:"thumbnail"`
	Color       int              `json:"color"`
	Title       string           `json:"title"`
	Image       Image            `json:"image"`
	Description string           `json:"description"`
	Timestamp   string           `json:"timestamp"`
	URL         string           `json:"url"`
	Fields      []activity.Field `json:"fields"`
}

// BuildPayload renders m as a single-embed payload stamped with now.
func BuildPayload(m activity.Message, defaultThumbnail string, now time.Time) Payload {
	var thumb *Image
	if m.HasThumbnail {
		u := m.ThumbnailURL
		if u == "" {
			u = defaultThumbnail
		}
		thumb = &Image{URL: u}
	}
	fields := m.Fields
	if fields == nil {
		fields = []activity.Field{}
	}
	return Payload{Embeds: []Embed{{
		Thumbnail:   thumb,
		Color:       activity.EmbedColor,
		Title:       m.Title,
		Image:       Image{URL: m.ImageURL},
		Description: m.Description,
		Timestamp:   now.Format(time.RFC3339),
		URL:         m.URL,
		Fields:      fields,
	}}}
}
