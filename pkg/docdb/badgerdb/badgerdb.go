// Package badgerdb backs docdb.DB with a local BadgerDB instance,
// generalizing internal/keyValStore's Write/Read/BatchWriteChunk surface
// from a raw key/value API into the document semantics (get/put/bulk/
// allDocs/changes/info/destroy) the leafsync engine is built against.
//
// Documents are stored LZMA-compressed (github.com/ulikunitz/xz/lzma),
// transparently decompressed on read, so the concatenation invariant the
// assembler relies on holds on the logical payload rather than the bytes
// actually written to disk.
package badgerdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/leafsync/pkg/docdb"
)

var seqCounterKey = []byte("\xffleafsync\xffseq")

// Config configures a Store.
type Config struct {
	Path string
	// Compact enables the background value-log GC / flatten loop.
	// Mirrors spec §4.8's `auto_compaction = !useHistory`.
	Compact bool
	Logger  *logrus.Logger
}

// Store is a docdb.DB backed by BadgerDB.
type Store struct {
	db     *badger.DB
	log    *logrus.Logger
	seq    int64
	readC  atomic.Uint64
	writeC atomic.Uint64

	stopCompact chan struct{}
	wg          sync.WaitGroup

	watchersMu sync.Mutex
	watchers   []*changesFeed
}

// Open opens (creating if needed) a BadgerDB store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db at %s: %w", cfg.Path, err)
	}

	s := &Store{db: db, log: cfg.Logger, stopCompact: make(chan struct{})}

	s.seq, err = s.loadSeq()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load sequence counter: %w", err)
	}

	if cfg.Compact {
		s.wg.Add(1)
		go s.compactLoop()
	}

	return s, nil
}

func (s *Store) loadSeq() (int64, error) {
	var seq int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqCounterKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			seq = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	return seq, err
}

func (s *Store) nextSeq() int64 {
	return atomic.AddInt64(&s.seq, 1)
}

type envelope struct {
	Rev     string `json:"rev"`
	Deleted bool   `json:"deleted"`
	Body    []byte `json:"body"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(compressed []byte) (envelope, error) {
	r, err := lzma.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return envelope{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return envelope{}, err
	}
	var e envelope
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		return envelope{}, err
	}
	return e, nil
}

func docKey(id string) []byte    { return append([]byte("d:"), []byte(id)...) }
func seqKey(seq int64) []byte {
	b := make([]byte, 8+len("s:"))
	copy(b, "s:")
	binary.BigEndian.PutUint64(b[2:], uint64(seq))
	return b
}

func (s *Store) Get(_ context.Context, id string) (docdb.Doc, error) {
	s.readC.Add(1)
	var e envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			var decErr error
			e, decErr = decodeEnvelope(v)
			return decErr
		})
	})
	if err == badger.ErrKeyNotFound {
		return docdb.Doc{}, docdb.ErrNotFound
	}
	if err != nil {
		return docdb.Doc{}, err
	}
	if e.Deleted {
		return docdb.Doc{}, docdb.ErrNotFound
	}
	return docdb.Doc{ID: id, Rev: e.Rev, Deleted: e.Deleted, Body: e.Body}, nil
}

// GetIncludingDeleted is used by components that need tombstones, e.g.
// the assembler's includeDeleted reads (spec §4.4).
func (s *Store) GetIncludingDeleted(_ context.Context, id string) (docdb.Doc, error) {
	var e envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			var decErr error
			e, decErr = decodeEnvelope(v)
			return decErr
		})
	})
	if err == badger.ErrKeyNotFound {
		return docdb.Doc{}, docdb.ErrNotFound
	}
	if err != nil {
		return docdb.Doc{}, err
	}
	return docdb.Doc{ID: id, Rev: e.Rev, Deleted: e.Deleted, Body: e.Body}, nil
}

func (s *Store) Put(ctx context.Context, doc docdb.Doc) (string, error) {
	results, err := s.BulkDocs(ctx, []docdb.Doc{doc})
	if err != nil {
		return "", err
	}
	r := results[0]
	return r.Rev, r.Err
}

func (s *Store) BulkDocs(_ context.Context, docs []docdb.Doc) ([]docdb.BulkResult, error) {
	results := make([]docdb.BulkResult, len(docs))
	seqEvents := make([]int64, len(docs))

	err := s.db.Update(func(txn *badger.Txn) error {
		for i, doc := range docs {
			existing, err := txn.Get(docKey(doc.ID))
			var curRev string
			if err == nil {
				err := existing.Value(func(v []byte) error {
					e, decErr := decodeEnvelope(v)
					if decErr != nil {
						return decErr
					}
					curRev = e.Rev
					return nil
				})
				if err != nil {
					return err
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}

			if doc.Rev != "" && curRev != "" && doc.Rev != curRev {
				results[i] = docdb.BulkResult{ID: doc.ID, Err: docdb.ErrConflict}
				continue
			}

			newRev := nextRev(curRev)
			env := envelope{Rev: newRev, Deleted: doc.Deleted, Body: doc.Body}
			raw, err := encodeEnvelope(env)
			if err != nil {
				return fmt.Errorf("encode %s: %w", doc.ID, err)
			}
			if err := txn.Set(docKey(doc.ID), raw); err != nil {
				return err
			}

			seq := s.nextSeq()
			if err := txn.Set(seqKey(seq), []byte(doc.ID)); err != nil {
				return err
			}
			if err := txn.Set(seqCounterKey, encodeSeqCounter(seq)); err != nil {
				return err
			}
			s.writeC.Add(1)
			seqEvents[i] = seq
			results[i] = docdb.BulkResult{ID: doc.ID, Rev: newRev}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, doc := range docs {
		if results[i].Err != nil {
			continue
		}
		ev := docdb.ChangeEvent{
			Seq:     seqEvents[i],
			ID:      doc.ID,
			Rev:     results[i].Rev,
			Doc:     docdb.Doc{ID: doc.ID, Rev: results[i].Rev, Deleted: doc.Deleted, Body: doc.Body},
			Deleted: doc.Deleted,
		}
		s.notify(ev)
	}

	return results, nil
}

func nextRev(cur string) string {
	n := 1
	if cur != "" {
		fmt.Sscanf(cur, "%d-", &n)
		n++
	}
	return fmt.Sprintf("%d-%x", n, time.Now().UnixNano())
}

func encodeSeqCounter(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func (s *Store) AllDocs(_ context.Context, opts docdb.AllDocsOptions) ([]docdb.Row, error) {
	s.readC.Add(1)

	if len(opts.Keys) > 0 {
		rows := make([]docdb.Row, 0, len(opts.Keys))
		err := s.db.View(func(txn *badger.Txn) error {
			for _, id := range opts.Keys {
				item, err := txn.Get(docKey(id))
				if err == badger.ErrKeyNotFound {
					rows = append(rows, docdb.Row{ID: id, Err: docdb.ErrNotFound})
					continue
				}
				if err != nil {
					rows = append(rows, docdb.Row{ID: id, Err: err})
					continue
				}
				var e envelope
				verr := item.Value(func(v []byte) error {
					var decErr error
					e, decErr = decodeEnvelope(v)
					return decErr
				})
				if verr != nil {
					rows = append(rows, docdb.Row{ID: id, Err: verr})
					continue
				}
				rows = append(rows, docdb.Row{ID: id, Doc: docdb.Doc{ID: id, Rev: e.Rev, Deleted: e.Deleted, Body: e.Body}})
			}
			return nil
		})
		return rows, err
	}

	var rows []docdb.Row
	skipped := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("d:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
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
			var e envelope
			verr := item.Value(func(v []byte) error {
				var decErr error
				e, decErr = decodeEnvelope(v)
				return decErr
			})
			if verr != nil {
				return verr
			}
			rows = append(rows, docdb.Row{ID: id, Doc: docdb.Doc{ID: id, Rev: e.Rev, Deleted: e.Deleted, Body: e.Body}})
			if opts.Limit > 0 && len(rows) >= opts.Limit {
				break
			}
		}
		return nil
	})
	return rows, err
}

func (s *Store) Changes(ctx context.Context, opts docdb.ChangesOptions) (docdb.ChangesFeed, error) {
	f := &changesFeed{filter: opts.Filter, live: opts.Live, ch: make(chan docdb.ChangeEvent, 64), done: make(chan struct{})}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("s:")
		start := seqKey(opts.Since + 1)
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var id string
			if err := item.Value(func(v []byte) error { id = string(v); return nil }); err != nil {
				return err
			}
			seq := int64(binary.BigEndian.Uint64(item.Key()[len(prefix):]))
			doc, err := s.GetIncludingDeleted(ctx, id)
			if err != nil {
				continue
			}
			f.buffered = append(f.buffered, docdb.ChangeEvent{Seq: seq, ID: id, Rev: doc.Rev, Doc: doc, Deleted: doc.Deleted})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Live {
		s.watchersMu.Lock()
		s.watchers = append(s.watchers, f)
		s.watchersMu.Unlock()
	}
	return f, nil
}

func (s *Store) notify(ev docdb.ChangeEvent) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	for _, w := range s.watchers {
		w.push(ev)
	}
}

func (s *Store) Info(_ context.Context) (docdb.Info, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		it.Rewind()
		prefix := []byte("d:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return docdb.Info{}, err
	}
	return docdb.Info{
		DocCount:   count,
		UpdateSeq:  atomic.LoadInt64(&s.seq),
		ReadCount:  s.readC.Load(),
		WriteCount: s.writeC.Load(),
	}, nil
}

func (s *Store) Destroy(context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return err
	}
	return s.Close()
}

func (s *Store) Close() error {
	select {
	case <-s.stopCompact:
		return nil // already closed
	default:
	}
	close(s.stopCompact)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) compactLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCompact:
			return
		case <-ticker.C:
			if err := s.db.Sync(); err != nil {
				s.log.WithError(err).Warn("sync failed during compaction")
				continue
			}
			if err := s.db.Flatten(runtime.NumCPU()); err != nil {
				s.log.WithError(err).Warn("flatten failed during compaction")
			}
			if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				s.log.WithError(err).Warn("value log gc failed during compaction")
			}
		}
	}
}

type changesFeed struct {
	filter    func(docdb.ChangeEvent) bool
	live      bool
	buffered  []docdb.ChangeEvent
	ch        chan docdb.ChangeEvent
	done      chan struct{}
	mu        sync.Mutex
	cancelled bool
}

func (f *changesFeed) push(ev docdb.ChangeEvent) {
	if f.filter != nil && !f.filter(ev) {
		return
	}
	select {
	case f.ch <- ev:
	case <-f.done:
	}
}

func (f *changesFeed) Next(ctx context.Context) (docdb.ChangeEvent, bool, error) {
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

func (f *changesFeed) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cancelled {
		f.cancelled = true
		close(f.done)
	}
}

var _ docdb.DB = (*Store)(nil)
