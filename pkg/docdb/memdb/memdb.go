// Package memdb is an in-memory reference implementation of docdb.DB.
// leafsync treats the remote database as an abstract collaborator (spec
// §1 non-goals exclude the transport to it); memdb gives tests, demos,
// and any host application without a real CouchDB-compatible server a
// working stand-in that speaks the same docdb.DB contract as the local
// BadgerDB-backed store.
package memdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/leafsync/pkg/docdb"
)

// DB is a thread-safe, process-local implementation of docdb.DB.
type DB struct {
	mu       sync.Mutex
	docs     map[string]docdb.Doc
	revSeq   map[string]int64
	seq      int64
	log      []docdb.ChangeEvent
	watchers []*feed
}

// New creates an empty in-memory database.
func New() *DB {
	return &DB{
		docs:   make(map[string]docdb.Doc),
		revSeq: make(map[string]int64),
	}
}

func (d *DB) Get(_ context.Context, id string) (docdb.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[id]
	if !ok || doc.Deleted {
		return docdb.Doc{}, docdb.ErrNotFound
	}
	return doc, nil
}

func (d *DB) Put(_ context.Context, doc docdb.Doc) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.putLocked(doc)
}

func (d *DB) putLocked(doc docdb.Doc) (string, error) {
	existing, ok := d.docs[doc.ID]
	if ok && doc.Rev != "" && existing.Rev != doc.Rev {
		return "", docdb.ErrConflict
	}

	n := d.revSeq[doc.ID] + 1
	d.revSeq[doc.ID] = n
	doc.Rev = fmt.Sprintf("%d-%x", n, hashBody(doc.Body))
	d.docs[doc.ID] = doc

	d.seq++
	ev := docdb.ChangeEvent{Seq: d.seq, ID: doc.ID, Rev: doc.Rev, Doc: doc, Deleted: doc.Deleted}
	d.log = append(d.log, ev)
	for _, w := range d.watchers {
		w.push(ev)
	}
	return doc.Rev, nil
}

func (d *DB) BulkDocs(ctx context.Context, docs []docdb.Doc) ([]docdb.BulkResult, error) {
	results := make([]docdb.BulkResult, 0, len(docs))
	for _, doc := range docs {
		rev, err := d.Put(ctx, doc)
		results = append(results, docdb.BulkResult{ID: doc.ID, Rev: rev, Err: err})
	}
	return results, nil
}

func (d *DB) AllDocs(_ context.Context, opts docdb.AllDocsOptions) ([]docdb.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(opts.Keys) > 0 {
		rows := make([]docdb.Row, 0, len(opts.Keys))
		for _, k := range opts.Keys {
			doc, ok := d.docs[k]
			if !ok {
				rows = append(rows, docdb.Row{ID: k, Err: docdb.ErrNotFound})
				continue
			}
			rows = append(rows, docdb.Row{ID: k, Doc: doc})
		}
		return rows, nil
	}

	ids := make([]string, 0, len(d.docs))
	for id := range d.docs {
		ids = append(ids, id)
	}
	sortStrings(ids)

	rows := make([]docdb.Row, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		if opts.StartKey != "" && id < opts.StartKey {
			continue
		}
		if opts.EndKey != "" && id > opts.EndKey {
			continue
		}
		if skipped < opts.Skip {
			skipped++
			continue
		}
		rows = append(rows, docdb.Row{ID: id, Doc: d.docs[id]})
		if opts.Limit > 0 && len(rows) >= opts.Limit {
			break
		}
	}
	return rows, nil
}

func (d *DB) Changes(_ context.Context, opts docdb.ChangesOptions) (docdb.ChangesFeed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := &feed{live: opts.Live, filter: opts.Filter, ch: make(chan docdb.ChangeEvent, 64), done: make(chan struct{})}
	for _, ev := range d.log {
		if ev.Seq > opts.Since {
			f.buffered = append(f.buffered, ev)
		}
	}
	if opts.Live {
		d.watchers = append(d.watchers, f)
	}
	return f, nil
}

func (d *DB) Info(_ context.Context) (docdb.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := int64(0)
	for _, doc := range d.docs {
		if !doc.Deleted {
			count++
		}
	}
	return docdb.Info{DocCount: count, UpdateSeq: d.seq}, nil
}

func (d *DB) Destroy(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs = make(map[string]docdb.Doc)
	d.revSeq = make(map[string]int64)
	d.log = nil
	d.seq = 0
	return nil
}

func (d *DB) Close() error { return nil }

type feed struct {
	live     bool
	filter   func(docdb.ChangeEvent) bool
	buffered []docdb.ChangeEvent
	ch       chan docdb.ChangeEvent
	done     chan struct{}
	cancelled bool
	mu       sync.Mutex
}

func (f *feed) push(ev docdb.ChangeEvent) {
	if f.filter != nil && !f.filter(ev) {
		return
	}
	select {
	case f.ch <- ev:
	case <-f.done:
	}
}

func (f *feed) Next(ctx context.Context) (docdb.ChangeEvent, bool, error) {
	f.mu.Lock()
	if len(f.buffered) > 0 {
		ev := f.buffered[0]
		f.buffered = f.buffered[1:]
		f.mu.Unlock()
		if f.filter != nil && !f.filter(ev) {
			return f.Next(ctx)
		}
		return ev, true, nil
	}
	f.mu.Unlock()

	if !f.live {
		return docdb.ChangeEvent{}, false, nil
	}

	select {
	case ev := <-f.ch:
		return ev, true, nil
	case <-f.done:
		return docdb.ChangeEvent{}, false, nil
	case <-ctx.Done():
		return docdb.ChangeEvent{}, false, ctx.Err()
	}
}

func (f *feed) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cancelled {
		f.cancelled = true
		close(f.done)
	}
}

func hashBody(b []byte) uint32 {
	var h uint32 = 2166136261
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
