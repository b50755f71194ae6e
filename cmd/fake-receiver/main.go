// fake-receiver stands in for a Discord webhook during local runs.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/poolwatch/internal/config"
	"github.com/austindbirch/poolwatch/internal/delivery"
	"github.com/austindbirch/poolwatch/internal/logging"
)

var logger = logging.New("fake-receiver")

type receiver struct {
	cfg      config.FakeReceiver
	reqCount atomic.Int64
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	rcv := &receiver{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/api/webhooks/", rcv.handleHook)
	mux.HandleFunc("/hook", rcv.handleHook)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

// handleHook answers like Discord: 204 for a well-formed embed payload.
// The first FailFirstN requests get a 500.
func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	if n <= int64(rc.cfg.FailFirstN) {
		logger.Plain().WithFields(map[string]any{
			"request": n,
			"of":      rc.cfg.FailFirstN,
			"path":    r.URL.Path,
		}).Warn("failing request on purpose")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	var p delivery.Payload
	if err := json.Unmarshal(b, &p); err != nil || len(p.Embeds) == 0 {
		http.Error(w, `{"message":"Cannot send an empty message","code":50006}`, http.StatusBadRequest)
		return
	}

	e := p.Embeds[0]
	logger.Plain().WithFields(map[string]any{
		"title":  truncate(e.Title, 80),
		"url":    e.URL,
		"fields": len(e.Fields),
	}).Info("embed received")
	w.WriteHeader(http.StatusNoContent)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
