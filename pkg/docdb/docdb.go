// Package docdb declares the abstract document-database handle the
// leafsync engine is built against (spec §6, "Abstract collaborators").
// The engine never talks to a concrete database directly; it only ever
// calls through DB, so swapping the backing store (badgerdb for local,
// any remote implementing the same interface) requires no changes to
// the core components.
package docdb

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the document does not exist.
var ErrNotFound = errors.New("docdb: not found")

// ErrConflict is returned by Put/BulkDocs when a revision mismatch is
// detected — a concurrent writer won the race.
var ErrConflict = errors.New("docdb: conflict")

// Doc is a generic document: an id, its current revision, a deletion
// tombstone flag, and a JSON-encoded body. Components marshal/unmarshal
// the body into the concrete shapes in pkg/model.
type Doc struct {
	ID      string
	Rev     string
	Deleted bool
	Body    []byte
}

// BulkResult reports the outcome of one document within a BulkDocs call.
type BulkResult struct {
	ID  string
	Rev string
	Err error // nil on success, ErrConflict on a tolerated conflict, otherwise fatal
}

// Row is one entry of an AllDocs result.
type Row struct {
	ID  string
	Doc Doc
	Err error
}

// AllDocsOptions restricts/shapes an AllDocs call.
type AllDocsOptions struct {
	Keys        []string
	StartKey    string
	EndKey      string
	Limit       int
	Skip        int
	IncludeDocs bool
}

// ChangeEvent is one entry of a Changes feed.
type ChangeEvent struct {
	Seq     int64
	ID      string
	Rev     string
	Doc     Doc
	Deleted bool
}

// ChangesOptions configures a Changes subscription.
type ChangesOptions struct {
	Since       int64
	Live        bool
	IncludeDocs bool
	// Filter, if set, excludes change events for which it returns false.
	// It is evaluated with the document already fetched when
	// IncludeDocs is true.
	Filter func(ChangeEvent) bool
}

// ChangesFeed is a (possibly live) stream of change events.
type ChangesFeed interface {
	// Next blocks until an event is available, ctx is cancelled, or the
	// feed is exhausted (ok=false, err=nil) for a non-live feed.
	Next(ctx context.Context) (ev ChangeEvent, ok bool, err error)
	Cancel()
}

// Info reports basic database statistics.
type Info struct {
	DocCount    int64
	UpdateSeq   int64
	ReadCount   uint64
	WriteCount  uint64
}

// DB is the abstract handle the engine is built against. It covers
// get/put/bulk/allDocs/changes/info/destroy/close from spec §6.
type DB interface {
	Get(ctx context.Context, id string) (Doc, error)
	Put(ctx context.Context, doc Doc) (rev string, err error)
	BulkDocs(ctx context.Context, docs []Doc) ([]BulkResult, error)
	AllDocs(ctx context.Context, opts AllDocsOptions) ([]Row, error)
	Changes(ctx context.Context, opts ChangesOptions) (ChangesFeed, error)
	Info(ctx context.Context) (Info, error)
	Destroy(ctx context.Context) error
	Close() error
}

// ReplicateOptions configures one direction of replication (spec §4.7).
type ReplicateOptions struct {
	BatchSize    int
	BatchesLimit int
	Live         bool
	Retry        bool
	Heartbeat    int64 // milliseconds
	Filter       func(ChangeEvent) bool
	// Checkpoint names whose sequence number gates resumption: "source"
	// or "target". Replicate does not read it; every run replays src's
	// changes feed from the beginning.
	Checkpoint string
}

// EventKind enumerates the replicator lifecycle events spec §4.7 lists.
type EventKind string

const (
	EventActive   EventKind = "active"
	EventChange   EventKind = "change"
	EventPaused   EventKind = "paused"
	EventComplete EventKind = "complete"
	EventDenied   EventKind = "denied"
	EventError    EventKind = "error"
)

// ReplicationEvent is one event emitted by a running replication.
type ReplicationEvent struct {
	Kind      EventKind
	Direction string // "pull" or "push"
	Docs      []Doc
	Err       error
}

// ReplicationHandle represents one running (one-shot or continuous)
// replication; events arrive on Events() until the channel is closed.
type ReplicationHandle interface {
	Events() <-chan ReplicationEvent
	Cancel()
}
