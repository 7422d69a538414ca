package ledger

import (
	"context"
	"log"
	"sync"
	"time"
)

// Watcher polls the authoritative submission records of tracked correlation
// ids and emits a Confirmation when a pending step settles. It backs the
// confirmation path when the gateway offers no push channel. Event ids are
// derived from the handle and stage so a restarted watcher re-emitting a
// settlement dedupes downstream.
type Watcher struct {
	svc      Service
	notify   func(Confirmation)
	interval time.Duration

	mu      sync.Mutex
	tracked map[string]struct{}         // correlation ids
	seen    map[string]SubmissionStatus // handle id -> last observed status
}

// NewWatcher creates a watcher; notify receives each settlement exactly once
// per observed transition.
func NewWatcher(svc Service, notify func(Confirmation), interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		svc:      svc,
		notify:   notify,
		interval: interval,
		tracked:  make(map[string]struct{}),
		seen:     make(map[string]SubmissionStatus),
	}
}

// Track registers a correlation id for polling.
func (w *Watcher) Track(correlationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[correlationID] = struct{}{}
}

// Untrack stops polling a correlation id.
func (w *Watcher) Untrack(correlationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, correlationID)
}

// Start begins the polling loop until the context is canceled.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.poll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Watcher) poll(ctx context.Context) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.tracked))
	for id := range w.tracked {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, corrID := range ids {
		subs, err := w.svc.Submissions(ctx, corrID)
		if err != nil {
			log.Printf("ledger watcher: poll %s: %v", corrID, err)
			continue
		}
		for _, sub := range subs {
			w.observe(sub)
		}
	}
}

func (w *Watcher) observe(sub Submission) {
	w.mu.Lock()
	prev, known := w.seen[sub.HandleID]
	w.seen[sub.HandleID] = sub.Status
	w.mu.Unlock()

	settled := sub.Status == StatusConfirmed || sub.Status == StatusFailed
	if !settled || (known && prev == sub.Status) {
		return
	}

	w.notify(Confirmation{
		EventID:       "settle-" + sub.HandleID + "-" + string(sub.Stage),
		HandleID:      sub.HandleID,
		CorrelationID: sub.CorrelationID,
		AccountID:     sub.AccountID,
		Kind:          sub.Kind,
		Stage:         sub.Stage,
		OK:            sub.Status == StatusConfirmed,
		Cause:         sub.Cause,
	})
}
