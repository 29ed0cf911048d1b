package docdb

import (
	"context"
	"fmt"
)

// Replicate drives a single direction of replication from src to dst
// using src's Changes feed, batching writes into dst via BulkDocs. It is
// the only concrete mechanism this module has for moving documents
// between two DB handles — the real wire protocol to an external
// database is out of scope per spec.md §1, so both the local store and
// any test/remote double replicate through this same code path.
//
// It reports progress and terminal state through the returned handle's
// event channel, matching the lifecycle spec §4.7 expects from the
// underlying replicator: active, change, (paused, if Live), complete or
// error.
func Replicate(ctx context.Context, src, dst DB, direction string, opts ReplicateOptions) ReplicationHandle {
	h := &replicationHandle{
		events: make(chan ReplicationEvent, 16),
		cancel: make(chan struct{}),
	}

	go h.run(ctx, src, dst, direction, opts)
	return h
}

type replicationHandle struct {
	events chan ReplicationEvent
	cancel chan struct{}
}

func (h *replicationHandle) Events() <-chan ReplicationEvent { return h.events }

func (h *replicationHandle) Cancel() {
	select {
	case <-h.cancel:
	default:
		close(h.cancel)
	}
}

func (h *replicationHandle) run(ctx context.Context, src, dst DB, direction string, opts ReplicateOptions) {
	defer close(h.events)

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	h.emit(ReplicationEvent{Kind: EventActive, Direction: direction})

	feed, err := src.Changes(ctx, ChangesOptions{Live: opts.Live, IncludeDocs: true, Filter: opts.Filter})
	if err != nil {
		h.emit(ReplicationEvent{Kind: EventError, Direction: direction, Err: fmt.Errorf("open changes feed: %w", err)})
		return
	}
	defer feed.Cancel()

	batch := make([]Doc, 0, batchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		results, err := dst.BulkDocs(ctx, batch)
		if err != nil {
			h.emit(ReplicationEvent{Kind: EventError, Direction: direction, Err: err})
			return false
		}
		docs := make([]Doc, len(batch))
		copy(docs, batch)
		for _, r := range results {
			if r.Err != nil && r.Err != ErrConflict {
				h.emit(ReplicationEvent{Kind: EventError, Direction: direction, Err: fmt.Errorf("replicate %s: %w", r.ID, r.Err)})
				return false
			}
		}
		h.emit(ReplicationEvent{Kind: EventChange, Direction: direction, Docs: docs})
		batch = batch[:0]
		return true
	}

	for {
		select {
		case <-h.cancel:
			return
		case <-ctx.Done():
			h.emit(ReplicationEvent{Kind: EventError, Direction: direction, Err: ctx.Err()})
			return
		default:
		}

		ev, ok, err := feed.Next(ctx)
		if err != nil {
			h.emit(ReplicationEvent{Kind: EventError, Direction: direction, Err: err})
			return
		}
		if !ok {
			if !flush() {
				return
			}
			if opts.Live {
				h.emit(ReplicationEvent{Kind: EventPaused, Direction: direction})
				continue
			}
			h.emit(ReplicationEvent{Kind: EventComplete, Direction: direction})
			return
		}

		batch = append(batch, ev.Doc)
		if len(batch) >= batchSize {
			if !flush() {
				return
			}
		}
	}
}

func (h *replicationHandle) emit(ev ReplicationEvent) {
	select {
	case h.events <- ev:
	case <-h.cancel:
	}
}
