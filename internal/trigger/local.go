package trigger

import (
	"context"
	"sync"
	"time"
)

// Local dispatches notifications to in-process handlers, each on its own
// goroutine. It stands in for NSQ in tests and single-process runs.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
	errs     []error
}

func NewLocal() *Local {
	return &Local{handlers: make(map[string]Handler)}
}

// Handle registers h for path, replacing any previous handler.
func (l *Local) Handle(path string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[path] = h
}

// Notify implements queue.Notifier. Paths without a handler are ignored.
func (l *Local) Notify(ctx context.Context, path, id string) error {
	l.mu.RLock()
	h := l.handlers[path]
	l.mu.RUnlock()
	if h == nil {
		return nil
	}

	ev := Event{Path: path, ID: id, PublishedAt: time.Now().UTC()}
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := h(ctx, ev); err != nil {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		}
	}()
	return nil
}

// Wait blocks until every dispatched handler, including ones started by
// handlers, has returned. It returns the handler errors seen so far.
func (l *Local) Wait() []error {
	l.wg.Wait()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]error(nil), l.errs...)
}
