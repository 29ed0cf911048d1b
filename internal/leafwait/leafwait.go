// Package leafwait implements the leaf-arrival waiter (spec §4.5): a
// registry of callers blocked on a leaf id that hasn't replicated in
// yet, woken by a live changes subscription on the local database.
package leafwait

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/model"
)

// DefaultTimeout is LEAF_WAIT_TIMEOUT's default value.
const DefaultTimeout = 10 * time.Second

// Waiter registers and wakes waiters for not-yet-arrived leaf ids.
type Waiter struct {
	mu      sync.Mutex
	waiting map[string][]chan struct{}
	timeout time.Duration
	log     *logrus.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Waiter with the given timeout (DefaultTimeout if zero).
func New(timeout time.Duration, log *logrus.Logger) *Waiter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.New()
	}
	return &Waiter{waiting: make(map[string][]chan struct{}), timeout: timeout, log: log}
}

// WaitForLeaf blocks until leafArrived(id) is called, the waiter's
// timeout elapses, or ctx is cancelled — whichever comes first.
func (w *Waiter) WaitForLeaf(ctx context.Context, id string) error {
	ch := make(chan struct{})

	w.mu.Lock()
	w.waiting[id] = append(w.waiting[id], ch)
	w.mu.Unlock()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		w.removeWaiter(id, ch)
		return fmt.Errorf("leafwait: timed out waiting for leaf %s after %s", id, w.timeout)
	case <-ctx.Done():
		w.removeWaiter(id, ch)
		return ctx.Err()
	}
}

func (w *Waiter) removeWaiter(id string, target chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chans := w.waiting[id]
	for i, c := range chans {
		if c == target {
			w.waiting[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(w.waiting[id]) == 0 {
		delete(w.waiting, id)
	}
}

// leafArrived wakes every waiter registered for id and clears the entry.
func (w *Waiter) leafArrived(id string) {
	w.mu.Lock()
	chans := w.waiting[id]
	delete(w.waiting, id)
	w.mu.Unlock()

	for _, c := range chans {
		close(c)
	}
}

// Watch subscribes to db's live changes feed (leaf type, non-deletions
// only) and wakes waiters as leaves arrive. It runs until ctx is
// cancelled or Close is called.
func (w *Waiter) Watch(ctx context.Context, db docdb.DB) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	feed, err := db.Changes(ctx, docdb.ChangesOptions{
		Live:        true,
		IncludeDocs: true,
		Filter: func(ev docdb.ChangeEvent) bool {
			return !ev.Deleted
		},
	})
	if err != nil {
		close(w.done)
		return fmt.Errorf("leafwait: open changes feed: %w", err)
	}

	go func() {
		defer close(w.done)
		defer feed.Cancel()
		for {
			ev, ok, err := feed.Next(ctx)
			if err != nil || !ok {
				return
			}
			var leaf model.Leaf
			if jsonErr := unmarshalLeafBody(ev.Doc.Body, &leaf); jsonErr != nil {
				continue
			}
			if leaf.Type != model.TypeLeaf {
				continue
			}
			w.leafArrived(ev.ID)
		}
	}()
	return nil
}

// Close cancels the live subscription; outstanding waiters time out on
// their own.
func (w *Waiter) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}
