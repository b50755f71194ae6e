// Package ingest accepts raw activity webhooks and queues them untouched.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/tracing"
)

// MaxBodyBytes caps an accepted request body.
const MaxBodyBytes = 1 << 20

// ActivityPath is the versioned ingestion route.
const ActivityPath = "/v1/activity"

// Pusher is the part of queue.Queue the server needs.
type Pusher interface {
	Push(ctx context.Context, path string, v any) (string, error)
}

type Server struct {
	q      Pusher
	logger *logging.Logger
}

func NewServer(q Pusher, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("ingest")
	}
	return &Server{q: q, logger: logger}
}

// Register mounts the activity route on a gateway mux.
func (s *Server) Register(mux *runtime.ServeMux) error {
	return mux.HandlePath(http.MethodPost, ActivityPath, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		s.ServeHTTP(w, r)
	})
}

// ServeHTTP queues the body verbatim on RawActivity. The reply is 200 with
// an empty body once the item is stored, even if its trigger was not
// published.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingest.activity",
		tracing.AttrQueue.String(queue.RawActivity),
	)
	defer span.End()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		s.logger.WithContext(ctx).WithField("bytes", len(body)).Warn("rejected non-JSON activity body")
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}

	id, err := s.q.Push(ctx, queue.RawActivity, json.RawMessage(body))
	if errors.Is(err, queue.ErrNotify) && id != "" {
		// Stored; the sweep re-announces unconsumed raw items.
		s.logger.WithContext(ctx).WithItem(queue.RawActivity, id).WithError(err).Warn("raw activity stored without trigger")
		err = nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		entry := s.logger.WithContext(ctx).WithError(err)
		if id != "" {
			entry = entry.WithItem(queue.RawActivity, id)
		}
		entry.Error("queue raw activity failed")
		http.Error(w, "queue push failed", http.StatusInternalServerError)
		return
	}

	span.SetAttributes(tracing.AttrItemID.String(id))
	s.logger.WithContext(ctx).WithItem(queue.RawActivity, id).Info("raw activity queued")
	w.WriteHeader(http.StatusOK)
}
