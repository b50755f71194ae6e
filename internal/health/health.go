package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool, queue stores and the NSQ publisher.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is a named dependency probed on every request.
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}
		code := http.StatusOK

		for _, c := range checks {
			if c.Pinger == nil {
				continue
			}
			if st.Checks == nil {
				st.Checks = make(map[string]bool, len(checks))
			}
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			err := c.Pinger.Ping(ctx)
			cancel()
			st.Checks[c.Name] = err == nil
			if err != nil {
				st.OK = false
				st.Message = c.Name + " ping failed"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
