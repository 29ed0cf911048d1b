// Package assembler implements the document assembler (spec §4.4): the
// two read surfaces (getMeta, getEntry) and the write surface (putEntry,
// deleteEntry, deleteByPrefix) that turn a note's children list into a
// materialized payload and back, gated by the file filter (C9) and
// serialized per-id by the write lock (internal/idlock, spec §5).
package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/leafsync/internal/chunksplit"
	"github.com/i5heu/leafsync/internal/corrupt"
	"github.com/i5heu/leafsync/internal/filefilter"
	"github.com/i5heu/leafsync/internal/idlock"
	"github.com/i5heu/leafsync/internal/leafstore"
	"github.com/i5heu/leafsync/internal/leafwait"
	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/model"
)

// ErrAbsent is returned by getMeta/getEntry when the id does not resolve
// to a live, readable note — spec §4.4's "absent" result.
var ErrAbsent = fmt.Errorf("assembler: absent")

// ErrExcluded is returned when the file filter rejects an id.
var ErrExcluded = fmt.Errorf("assembler: excluded by file filter")

// ErrIsLeaf is returned by getMeta/getEntry when id names a leaf doc.
var ErrIsLeaf = fmt.Errorf("assembler: id is a leaf")

// ChunkCollector fetches multiple children in one round trip, falling
// back to the remote for any not found locally. It is implemented by
// the replication coordinator's CollectChunks (spec §4.7) and supplied
// here so the assembler never depends on replicate directly.
type ChunkCollector interface {
	CollectChunks(ctx context.Context, ids []string) (map[string][]byte, error)
}

// Options configures an Assembler.
type Options struct {
	ReadChunksOnline             bool
	DeleteMetadataOfDeletedFiles bool
	PlainTextDetector            func(id string) bool
	Policy                       chunksplit.Policy
}

// Assembler is the document assembler.
type Assembler struct {
	db         docdb.DB
	leaves     *leafstore.Store
	waiter     *leafwait.Waiter
	locks      *idlock.Locker
	filter     *filefilter.Filter
	corrupted  *corrupt.Registry
	collector  ChunkCollector
	opts       Options
	log        *logrus.Logger
}

// New creates an Assembler.
func New(db docdb.DB, leaves *leafstore.Store, waiter *leafwait.Waiter, locks *idlock.Locker, filter *filefilter.Filter, corrupted *corrupt.Registry, collector ChunkCollector, opts Options, log *logrus.Logger) *Assembler {
	if log == nil {
		log = logrus.New()
	}
	if opts.PlainTextDetector == nil {
		opts.PlainTextDetector = defaultPlainTextDetector
	}
	return &Assembler{db: db, leaves: leaves, waiter: waiter, locks: locks, filter: filter, corrupted: corrupted, collector: collector, opts: opts, log: log}
}

func defaultPlainTextDetector(id string) bool {
	for _, suffix := range []string{".md", ".txt", ".canvas", ".json"} {
		if len(id) >= len(suffix) && id[len(id)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

// GetMeta implements getMeta(id): metadata only, no payload.
func (a *Assembler) GetMeta(ctx context.Context, id string, includeDeleted bool) (*model.Note, error) {
	if !a.filter.IsTargetFile(id) {
		return nil, ErrExcluded
	}

	var doc docdb.Doc
	var err error
	if includeDeleted {
		doc, err = a.getIncludingDeleted(ctx, id)
	} else {
		doc, err = a.db.Get(ctx, id)
	}
	if err == docdb.ErrNotFound {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, err
	}

	var note model.Note
	if err := json.Unmarshal(doc.Body, &note); err != nil {
		return nil, fmt.Errorf("assembler: decode %s: %w", id, err)
	}
	note.ID = id
	note.Rev = doc.Rev

	if note.Type == model.TypeLeaf {
		return nil, ErrIsLeaf
	}
	if note.Deleted && !includeDeleted {
		return nil, ErrAbsent
	}
	if !note.IsLegacyFlat() {
		note.Data = ""
	}
	return &note, nil
}

func (a *Assembler) getIncludingDeleted(ctx context.Context, id string) (docdb.Doc, error) {
	type includeDeletedGetter interface {
		GetIncludingDeleted(ctx context.Context, id string) (docdb.Doc, error)
	}
	if g, ok := a.db.(includeDeletedGetter); ok {
		return g.GetIncludingDeleted(ctx, id)
	}
	return a.db.Get(ctx, id)
}

// GetEntry implements getEntry(id): metadata plus materialized data.
func (a *Assembler) GetEntry(ctx context.Context, id string, includeDeleted bool, waitForLeaves bool) (*model.Note, error) {
	note, err := a.GetMeta(ctx, id, includeDeleted)
	if err != nil {
		return nil, err
	}

	if note.IsLegacyFlat() {
		return note, nil
	}
	if len(note.Children) == 0 {
		note.Data = ""
		return note, nil
	}

	var pieces map[string][]byte
	if a.opts.ReadChunksOnline && a.collector != nil {
		pieces, err = a.collector.CollectChunks(ctx, note.Children)
		if err != nil {
			a.corrupted.Mark(id)
			return nil, ErrAbsent
		}
	} else {
		pieces = make(map[string][]byte, len(note.Children))
		for _, childID := range note.Children {
			data, gerr := a.leaves.GetLeaf(ctx, childID)
			if gerr == docdb.ErrNotFound && waitForLeaves {
				if werr := a.waiter.WaitForLeaf(ctx, childID); werr == nil {
					data, gerr = a.leaves.GetLeaf(ctx, childID)
				}
			}
			if gerr != nil {
				a.corrupted.Mark(id)
				return nil, ErrAbsent
			}
			pieces[childID] = data
		}
	}

	buf := make([]byte, 0, note.Size)
	for _, childID := range note.Children {
		data, ok := pieces[childID]
		if !ok {
			a.corrupted.Mark(id)
			return nil, ErrAbsent
		}
		buf = append(buf, data...)
	}
	note.Data = string(buf)
	a.corrupted.Clear(id)
	return note, nil
}

// PutEntry implements putEntry(note, saveAsBigChunk): splits note.Data,
// writes any new leaves, and replaces the target document under the
// per-id write lock.
func (a *Assembler) PutEntry(ctx context.Context, note model.Note, saveAsBigChunk bool) (*model.Note, error) {
	if !a.filter.IsTargetFile(note.ID) {
		return nil, ErrExcluded
	}

	policy := a.opts.Policy
	policy.PlainText = a.opts.PlainTextDetector(note.ID)
	policy.SaveAsBigChunk = saveAsBigChunk

	payload := []byte(note.Data)
	pieces := chunksplit.Split(payload, policy)

	children := make([]string, len(pieces))
	for i, piece := range pieces {
		leafID, err := a.leaves.PutLeaf(ctx, piece)
		if err != nil {
			return nil, fmt.Errorf("putEntry %s: %w", note.ID, err)
		}
		children[i] = leafID
	}

	if err := a.leaves.Flush(ctx); err != nil {
		return nil, fmt.Errorf("putEntry %s: flush leaves: %w", note.ID, err)
	}

	key := idlock.FileKey(note.ID)
	a.locks.Lock(key)
	defer a.locks.Unlock(key)

	now := time.Now().UnixMilli()
	existing, err := a.db.Get(ctx, note.ID)
	var rev string
	if err == nil {
		rev = existing.Rev
		var prior model.Note
		if jerr := json.Unmarshal(existing.Body, &prior); jerr == nil {
			switch prior.Type {
			case model.TypeNotes, model.TypeNewNote, model.TypePlain:
				if note.CTime == 0 {
					note.CTime = prior.CTime
				}
			}
		}
	} else if err != docdb.ErrNotFound {
		return nil, fmt.Errorf("putEntry %s: read current revision: %w", note.ID, err)
	}

	if note.CTime == 0 {
		note.CTime = now
	}
	note.MTime = now
	note.Size = int64(len(payload))
	note.Children = children
	if note.Type == "" {
		note.Type = model.TypeNewNote
	}
	if note.Type != model.TypeNotes {
		note.Data = ""
	}

	body, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("putEntry %s: encode: %w", note.ID, err)
	}

	newRev, err := a.db.Put(ctx, docdb.Doc{ID: note.ID, Rev: rev, Body: body})
	if err != nil {
		return nil, fmt.Errorf("putEntry %s: write: %w", note.ID, err)
	}
	note.Rev = newRev
	a.corrupted.Clear(note.ID)
	return &note, nil
}

// DeleteOptions configures deleteEntry.
type DeleteOptions struct {
	ExplicitRev string
}

// DeleteEntry implements deleteEntry(id, opt): tombstones (or hard
// deletes) the target document under its per-id write lock.
func (a *Assembler) DeleteEntry(ctx context.Context, id string, opt DeleteOptions) error {
	key := idlock.FileKey(id)
	a.locks.Lock(key)
	defer a.locks.Unlock(key)

	doc, err := a.db.Get(ctx, id)
	if err == docdb.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleteEntry %s: %w", id, err)
	}

	var note model.Note
	if err := json.Unmarshal(doc.Body, &note); err != nil {
		return fmt.Errorf("deleteEntry %s: decode: %w", id, err)
	}
	if note.Type == model.TypeLeaf {
		return fmt.Errorf("deleteEntry %s: %w", id, ErrIsLeaf)
	}
	note.ID = id

	hardDelete := a.opts.DeleteMetadataOfDeletedFiles || opt.ExplicitRev != ""

	if note.Type == model.TypeNotes {
		hardDelete = true
	}

	note.Deleted = true
	note.MTime = time.Now().UnixMilli()

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("deleteEntry %s: encode: %w", id, err)
	}

	rev := doc.Rev
	if opt.ExplicitRev != "" {
		rev = opt.ExplicitRev
	}

	if hardDelete {
		_, err = a.db.Put(ctx, docdb.Doc{ID: id, Rev: rev, Deleted: true, Body: body})
	} else {
		_, err = a.db.Put(ctx, docdb.Doc{ID: id, Rev: rev, Body: body})
	}
	if err != nil {
		return fmt.Errorf("deleteEntry %s: write: %w", id, err)
	}
	return nil
}

// DeleteByPrefix implements deleteByPrefix(prefix): pages through
// allDocs in batches of 100, deleting every id matching prefix or
// "/"+prefix, skipping leaves, tolerating already-gone entries.
func (a *Assembler) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	const pageSize = 100
	deleted := 0
	skip := 0

	for {
		rows, err := a.db.AllDocs(ctx, docdb.AllDocsOptions{Skip: skip, Limit: pageSize})
		if err != nil {
			return deleted, fmt.Errorf("deleteByPrefix %s: %w", prefix, err)
		}
		if len(rows) == 0 {
			return deleted, nil
		}

		for _, row := range rows {
			if row.Err != nil {
				continue
			}
			id := row.ID
			if len(id) >= 2 && id[:2] == "h:" {
				continue
			}
			if !hasPrefixOrSlashPrefix(id, prefix) {
				continue
			}
			if err := a.DeleteEntry(ctx, id, DeleteOptions{}); err != nil {
				return deleted, err
			}
			deleted++
		}

		if len(rows) < pageSize {
			return deleted, nil
		}
		skip += pageSize
	}
}

func hasPrefixOrSlashPrefix(id, prefix string) bool {
	if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
		return true
	}
	slashed := "/" + prefix
	return len(id) >= len(slashed) && id[:len(slashed)] == slashed
}
