package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type mockPinger struct {
	err   error
	delay time.Duration
}

func (m mockPinger) Ping(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             []Check
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy without dependencies",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name:               "nil pinger is skipped",
			checks:             []Check{{Name: "queue"}},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name:               "healthy queue",
			checks:             []Check{{Name: "queue", Pinger: mockPinger{}}},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Checks: map[string]bool{"queue": true}},
		},
		{
			name: "failing nsq",
			checks: []Check{
				{Name: "queue", Pinger: mockPinger{}},
				{Name: "nsq", Pinger: mockPinger{err: errors.New("connection refused")}},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "nsq ping failed",
				Checks:  map[string]bool{"queue": true, "nsq": false},
			},
		},
		{
			name:               "slow dependency times out",
			checks:             []Check{{Name: "queue", Pinger: mockPinger{delay: 3 * time.Second}}},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "queue ping failed", Checks: map[string]bool{"queue": false}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()

			HTTPHandler(tt.checks...).ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatusCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.expectedStatusCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			var got Status
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if diff := cmp.Diff(tt.expectedStatus, got); diff != "" {
				t.Errorf("status mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
