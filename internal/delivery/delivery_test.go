package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/austindbirch/poolwatch/internal/activity"
)

const defaultThumb = "https://storage.example/logo.png"

var fixedNow = time.Date(2024, 3, 9, 16, 20, 0, 0, time.UTC)

func sampleMessage() activity.Message {
	return activity.Message{
		Title:       "Sir Sheet",
		Description: "Off for a swim.",
		ImageURL:    "https://img.example/26.png",
		URL:         "https://etherscan.io/tx/0xabc",
		Fields: []activity.Field{
			{Name: "Action", Value: "Deposit", Inline: true},
			{Name: "ID", Value: "26", Inline: true},
		},
		Color:        activity.EmbedColor,
		HasThumbnail: true,
	}
}

func TestBuildPayload(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*activity.Message)
		wantThumb *Image
	}{
		{name: "default thumbnail", mutate: func(*activity.Message) {}, wantThumb: &Image{URL: defaultThumb}},
		{name: "custom thumbnail", mutate: func(m *activity.Message) { m.ThumbnailURL = "https://t/1.png" }, wantThumb: &Image{URL: "https://t/1.png"}},
		{name: "no thumbnail", mutate: func(m *activity.Message) { m.HasThumbnail = false }, wantThumb: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleMessage()
			tt.mutate(&m)

			got := BuildPayload(m, defaultThumb, fixedNow)
			want := Payload{Embeds: []Embed{{
				Thumbnail:   tt.wantThumb,
				Color:       4183118,
				Title:       "Sir Sheet",
				Image:       Image{URL: "https://img.example/26.png"},
				Description: "Off for a swim.",
				Timestamp:   "2024-03-09T16:20:00Z",
				URL:         "https://etherscan.io/tx/0xabc",
				Fields:      m.Fields,
			}}}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("BuildPayload() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildPayloadNullThumbnail(t *testing.T) {
	m := sampleMessage()
	m.HasThumbnail = false
	b, err := json.Marshal(BuildPayload(m, defaultThumb, fixedNow))
	if err != nil {
		t.Fatal(err)
	}
	var raw struct {
		Embeds []map[string]json.RawMessage `json:"embeds"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw.Embeds[0]["thumbnail"]) != "null" {
		t.Errorf("thumbnail = %s, want null", raw.Embeds[0]["thumbnail"])
	}
}

type recordedPost struct {
	path        string
	contentType string
	body        Payload
}

func newWebhookServer(t *testing.T, status int) (*httptest.Server, *[]recordedPost) {
	t.Helper()
	var mu sync.Mutex
	posts := &[]recordedPost{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var p Payload
		_ = json.Unmarshal(b, &p)
		mu.Lock()
		*posts = append(*posts, recordedPost{path: r.URL.Path, contentType: r.Header.Get("Content-Type"), body: p})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, posts
}

func TestSenderSend(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		onlyDev    bool
		devHook    bool
		wantPath   string
		wantStatus int
	}{
		{name: "no content", status: http.StatusNoContent, wantPath: "/main"},
		{name: "ok", status: http.StatusOK, wantPath: "/main"},
		{name: "server error", status: http.StatusInternalServerError, wantPath: "/main", wantStatus: 500},
		{name: "rate limited", status: http.StatusTooManyRequests, wantPath: "/main", wantStatus: 429},
		{name: "dev only routed", status: http.StatusNoContent, onlyDev: true, devHook: true, wantPath: "/dev"},
		{name: "dev only without dev hook", status: http.StatusNoContent, onlyDev: true, wantPath: "/main"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, posts := newWebhookServer(t, tt.status)
			cfg := Config{WebhookURL: srv.URL + "/main", DefaultThumbnail: defaultThumb, Timeout: time.Second}
			if tt.devHook {
				cfg.DevWebhookURL = srv.URL + "/dev"
			}
			s := NewSender(cfg, srv.Client())

			m := sampleMessage()
			m.OnlyDev = tt.onlyDev
			err := s.Send(context.Background(), m, fixedNow)

			if tt.wantStatus == 0 && err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if tt.wantStatus != 0 {
				var httpErr *HTTPError
				if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.wantStatus {
					t.Fatalf("Send() error = %v, want HTTPError %d", err, tt.wantStatus)
				}
			}
			if len(*posts) != 1 {
				t.Fatalf("posts = %d, want 1", len(*posts))
			}
			p := (*posts)[0]
			if p.path != tt.wantPath {
				t.Errorf("path = %q, want %q", p.path, tt.wantPath)
			}
			if p.contentType != "application/json; charset=utf-8" {
				t.Errorf("Content-Type = %q", p.contentType)
			}
			if len(p.body.Embeds) != 1 || p.body.Embeds[0].Timestamp != "2024-03-09T16:20:00Z" {
				t.Errorf("body = %+v", p.body)
			}
		})
	}
}

func TestSenderNoWebhook(t *testing.T) {
	s := NewSender(Config{}, nil)
	if err := s.Send(context.Background(), sampleMessage(), fixedNow); !errors.Is(err, ErrNoWebhook) {
		t.Errorf("Send() error = %v, want ErrNoWebhook", err)
	}
}

func TestSenderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := NewSender(Config{WebhookURL: url, Timeout: time.Second}, nil)
	if err := s.Send(context.Background(), sampleMessage(), fixedNow); err == nil {
		t.Error("Send() expected network error")
	}
}

func TestRateLimiter(t *testing.T) {
	if NewRateLimiter(0, 5) != nil {
		t.Error("NewRateLimiter(0) should disable limiting")
	}
	var nilLimiter *RateLimiter
	if err := nilLimiter.Wait(context.Background()); err != nil {
		t.Errorf("nil Wait() error = %v", err)
	}

	rl := NewRateLimiter(0.001, 1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("second Wait() should fail once the burst is spent")
	}
}

func TestNewDeadLetter(t *testing.T) {
	item := json.RawMessage(`{"title":"T","retryNumber":11}`)
	dl := NewDeadLetter("queue/OutboundMessage", "id-1", item, 11, "retry ceiling exceeded", fixedNow)

	want := DeadLetter{
		Type:        "queue.dlq",
		Version:     "v1",
		At:          "2024-03-09T16:20:00Z",
		Reason:      "retry ceiling exceeded",
		Path:        "queue/OutboundMessage",
		ID:          "id-1",
		RetryNumber: 11,
		Item:        item,
	}
	if diff := cmp.Diff(want, dl); diff != "" {
		t.Errorf("NewDeadLetter() mismatch (-want +got):\n%s", diff)
	}

	b, err := json.Marshal(dl)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"type", "version", "at", "reason", "path", "retry_number", "item"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("envelope missing %q: %s", key, b)
		}
	}
}
