// Package leafsync is a bidirectionally-replicated, content-addressed,
// chunked, deduplicated document store. It exposes the engine surface
// spec §6 names (initializeDatabase, getDBEntry/putDBEntry/..., replication
// control, sanity checking, file filtering) over an abstract docdb.DB
// collaborator, so the concrete local/remote database never needs to be
// a real CouchDB-compatible server.
//
// The Config/InitializeDatabase/Close/slog shape here is the teacher's newer-era
// ouroboros.go idiom; internal/keyValStore-descended packages
// (leafstore, bootstrap) keep that older era's logrus instead — the
// same duality the teacher's own tree shows between its two generations
// of code.
package leafsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/i5heu/leafsync/internal/assembler"
	"github.com/i5heu/leafsync/internal/bootstrap"
	"github.com/i5heu/leafsync/internal/chunksplit"
	"github.com/i5heu/leafsync/internal/config"
	"github.com/i5heu/leafsync/internal/corrupt"
	"github.com/i5heu/leafsync/internal/filefilter"
	"github.com/i5heu/leafsync/internal/hashcache"
	"github.com/i5heu/leafsync/internal/idlock"
	"github.com/i5heu/leafsync/internal/leafstore"
	"github.com/i5heu/leafsync/internal/leafwait"
	"github.com/i5heu/leafsync/internal/milestone"
	"github.com/i5heu/leafsync/internal/replicate"
	"github.com/i5heu/leafsync/internal/sanity"
	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/docdb/badgerdb"
	"github.com/i5heu/leafsync/pkg/model"
)

// Errors surfaced by the engine surface, matching spec §7's error kinds.
var (
	ErrNotReady     = errors.New("leafsync: engine not initialized or not ready")
	ErrAlreadyReady = errors.New("leafsync: engine already initialized")
)

// Capabilities are the abstract collaborators spec §6 requires the host
// application to supply. ConnectRemote and EnableEncryption may be left
// nil for a local-only engine.
type Capabilities struct {
	ConnectRemote         func(ctx context.Context) (docdb.DB, error)
	EnableEncryption      func(db docdb.DB, passphrase string) docdb.DB
	CheckRemoteVersion    func(ctx context.Context, remote docdb.DB) error
	PutDesignDocuments    func(ctx context.Context, remote docdb.DB) error
	GetLastPostFailedBySize func() bool
	Path2ID               func(path string) string
	ID2Path                func(id string) string
}

func (c *Capabilities) applyDefaults() {
	if c.Path2ID == nil {
		c.Path2ID = func(path string) string { return path }
	}
	if c.ID2Path == nil {
		c.ID2Path = func(id string) string { return id }
	}
	if c.GetLastPostFailedBySize == nil {
		c.GetLastPostFailedBySize = func() bool { return false }
	}
}

// Engine is the main handle applications hold. Construct with New,
// then call InitializeDatabase before any other method.
type Engine struct {
	cfg  config.Config
	caps Capabilities
	log  *slog.Logger

	ready     atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once

	local  *badgerdb.Store
	oldGen *badgerdb.Store
	remote docdb.DB

	nodeID            string
	currentChunkRange model.ChunkVersionRange

	cache      *hashcache.Cache
	leaves     *leafstore.Store
	waiter     *leafwait.Waiter
	locks      *idlock.Locker
	filter     *filefilter.Filter
	corrupted  *corrupt.Registry
	asm        *assembler.Assembler
	sanityCk   *sanity.Checker
	coord      *replicate.Coordinator
	collector  *replicate.Collector

	versionUpFlash string
}

// New constructs an Engine from cfg and caps. It does not perform I/O;
// call InitializeDatabase to open databases and become ready.
func New(cfg config.Config, caps Capabilities, log *slog.Logger) (*Engine, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("leafsync: config.Path must be set")
	}
	if log == nil {
		log = defaultLogger()
	}
	caps.applyDefaults()

	return &Engine{cfg: cfg, caps: caps, log: log}, nil
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// InitializeDatabase runs the bootstrap/migration sequence (spec §4.8)
// and wires every component. Safe to call multiple times; only the
// first call has effect.
func (e *Engine) InitializeDatabase(ctx context.Context) error {
	var initErr error
	e.startOnce.Do(func() {
		initErr = e.initialize(ctx)
	})
	return initErr
}

func (e *Engine) initialize(ctx context.Context) error {
	if err := os.MkdirAll(e.cfg.Path, 0o700); err != nil {
		return fmt.Errorf("leafsync: mkdir %s: %w", e.cfg.Path, err)
	}

	newPath := filepath.Join(e.cfg.Path, e.cfg.DBName+"-livesync-v2")
	local, err := badgerdb.Open(badgerdb.Config{Path: newPath, Compact: !e.cfg.UseHistory, Logger: logrusLogger()})
	if err != nil {
		return fmt.Errorf("leafsync: open local database: %w", err)
	}
	e.local = local

	oldPath := filepath.Join(e.cfg.Path, e.cfg.DBName+"-livesync")
	var oldGen *badgerdb.Store
	if info, statErr := os.Stat(oldPath); statErr == nil && info.IsDir() {
		oldGen, err = badgerdb.Open(badgerdb.Config{Path: oldPath, Compact: false, Logger: logrusLogger()})
		if err != nil {
			return fmt.Errorf("leafsync: open old generation database: %w", err)
		}
		e.oldGen = oldGen
	}

	boot := bootstrap.New(bootstrap.Options{
		Path:          e.cfg.Path,
		MinimumFreeGB: e.cfg.MinimumFreeGB,
		Log:           logrusLogger(),
		EncryptOld: func(db docdb.DB) docdb.DB {
			if e.cfg.Encrypt && e.caps.EnableEncryption != nil {
				return e.caps.EnableEncryption(db, e.cfg.Passphrase)
			}
			return db
		},
	})

	var oldAsDB docdb.DB
	if oldGen != nil {
		oldAsDB = oldGen
	}
	nodeID, ready, err := boot.Init(ctx, e.local, oldAsDB)
	if err != nil {
		return fmt.Errorf("leafsync: bootstrap init: %w", err)
	}
	e.nodeID = nodeID
	e.currentChunkRange = model.ChunkVersionRange{Min: 1, Max: 1, Current: 1}

	if err := e.wireComponents(); err != nil {
		return err
	}

	e.ready.Store(ready)
	e.log.Info("leafsync engine ready", "nodeID", e.nodeID, "path", e.cfg.Path)
	return nil
}

func logrusLogger() *logrus.Logger {
	return logrus.New()
}

func (e *Engine) wireComponents() error {
	cache, err := hashcache.New(e.cfg.HashCacheSize)
	if err != nil {
		return fmt.Errorf("leafsync: init hash cache: %w", err)
	}
	e.cache = cache

	var passphrase []byte
	if e.cfg.Encrypt {
		passphrase = []byte(e.cfg.Passphrase)
	}
	e.leaves = leafstore.New(e.local, e.cache, passphrase, logrusLogger())

	e.waiter = leafwait.New(millisToDuration(e.cfg.LeafWaitTimeoutMS), logrusLogger())
	if err := e.waiter.Watch(context.Background(), e.local); err != nil {
		return fmt.Errorf("leafsync: start leaf watcher: %w", err)
	}

	e.locks = idlock.New()
	e.corrupted = corrupt.New()

	filter, err := filefilter.New(e.cfg.SyncOnlyRegEx, e.cfg.SyncIgnoreRegEx)
	if err != nil {
		return fmt.Errorf("leafsync: compile file filter: %w", err)
	}
	e.filter = filter

	e.coord = replicate.New(e.caps.GetLastPostFailedBySize, zap.NewNop())

	var collector assembler.ChunkCollector
	if e.cfg.ReadChunksOnline {
		// Remote is nil until ConnectRemote runs; e.collector is kept on
		// the Engine so ConnectRemote can fill it in once the remote
		// collaborator exists, instead of freezing a nil Remote here.
		e.collector = &replicate.Collector{Coordinator: e.coord, Local: e.local}
		collector = e.collector
	}

	asmOpts := assembler.Options{
		ReadChunksOnline:             e.cfg.ReadChunksOnline,
		DeleteMetadataOfDeletedFiles: e.cfg.DeleteMetadataOfDeletedFiles,
		Policy: chunksplit.Policy{
			MaxDocSizeBin:   e.cfg.MaxDocSizeBin,
			MaxDocSize:      e.cfg.MaxDocSize,
			MaxChunkSize:    e.cfg.MaxChunkSize,
			CustomChunkSize: e.cfg.CustomChunkSize,
		},
	}
	e.asm = assembler.New(e.local, e.leaves, e.waiter, e.locks, e.filter, e.corrupted, collector, asmOpts, logrusLogger())
	e.sanityCk = sanity.New(e.local, e.corrupted)
	return nil
}

func millisToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Close implements close()/onunload(): cancels the leaf watcher and any
// active replication, then closes the local (and old generation, if
// still open) database. Idempotent.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		if e.coord != nil {
			e.coord.Close()
		}
		if e.waiter != nil {
			e.waiter.Close()
		}
		if e.local != nil {
			if err := e.local.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close local database: %w", err))
			}
		}
		if e.oldGen != nil {
			if err := e.oldGen.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close old generation database: %w", err))
			}
		}
		e.ready.Store(false)
		e.log.Info("leafsync engine closed")
	})
	return closeErr
}

// Onunload is an alias for Close matching spec §6's naming, for host
// applications that distinguish a graceful shutdown hook from Close.
func (e *Engine) Onunload() error { return e.Close() }

func (e *Engine) requireReady() error {
	if !e.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// GetDBEntryMeta implements getDBEntryMeta(id).
func (e *Engine) GetDBEntryMeta(ctx context.Context, id string, includeDeleted bool) (*model.Note, error) {
	if err := e.requireReady(); err != nil {
		return nil, err
	}
	return e.asm.GetMeta(ctx, id, includeDeleted)
}

// GetDBEntry implements getDBEntry(id).
func (e *Engine) GetDBEntry(ctx context.Context, id string, includeDeleted, waitForLeaves bool) (*model.Note, error) {
	if err := e.requireReady(); err != nil {
		return nil, err
	}
	return e.asm.GetEntry(ctx, id, includeDeleted, waitForLeaves)
}

// PutDBEntry implements putDBEntry(note, saveAsBigChunk?).
func (e *Engine) PutDBEntry(ctx context.Context, note model.Note, saveAsBigChunk bool) (*model.Note, error) {
	if err := e.requireReady(); err != nil {
		return nil, err
	}
	if e.versionUpFlash != "" {
		return nil, fmt.Errorf("leafsync: writes inhibited by pending version-up flash: %s", e.versionUpFlash)
	}
	return e.asm.PutEntry(ctx, note, saveAsBigChunk)
}

// DeleteDBEntry implements deleteDBEntry(id, opt?).
func (e *Engine) DeleteDBEntry(ctx context.Context, id string, explicitRev string) error {
	if err := e.requireReady(); err != nil {
		return err
	}
	return e.asm.DeleteEntry(ctx, id, assembler.DeleteOptions{ExplicitRev: explicitRev})
}

// DeleteDBEntryPrefix implements deleteDBEntryPrefix(prefix).
func (e *Engine) DeleteDBEntryPrefix(ctx context.Context, prefix string) (int, error) {
	if err := e.requireReady(); err != nil {
		return 0, err
	}
	return e.asm.DeleteByPrefix(ctx, prefix)
}

// IsTargetFile implements isTargetFile(path) (spec §4.9).
func (e *Engine) IsTargetFile(path string) bool {
	return e.filter.IsTargetFile(path)
}

// SanCheck implements sanCheck(note) (spec §4.10).
func (e *Engine) SanCheck(ctx context.Context, note *model.Note) (bool, error) {
	return e.sanityCk.Check(ctx, note)
}

// CorruptedEntries returns a snapshot of currently corrupted note ids.
func (e *Engine) CorruptedEntries() []string {
	return e.corrupted.Ids()
}

// ConnectRemote opens (or reuses) the configured remote collaborator and
// runs milestone negotiation (spec §4.6) plus, if configured, a remote
// version check and design-document publication.
func (e *Engine) ConnectRemote(ctx context.Context) error {
	if e.caps.ConnectRemote == nil {
		return fmt.Errorf("leafsync: no ConnectRemote capability configured")
	}
	remote, err := e.caps.ConnectRemote(ctx)
	if err != nil {
		return fmt.Errorf("leafsync: connect remote: %w", err)
	}
	e.remote = remote
	if e.collector != nil {
		e.collector.Remote = remote
	}

	if e.caps.CheckRemoteVersion != nil {
		if err := e.caps.CheckRemoteVersion(ctx, remote); err != nil {
			return fmt.Errorf("leafsync: remote version check: %w", err)
		}
	}
	if e.caps.PutDesignDocuments != nil {
		if err := e.caps.PutDesignDocuments(ctx, remote); err != nil {
			return fmt.Errorf("leafsync: publish design documents: %w", err)
		}
	}

	neg := milestone.New(remote, e.nodeID, e.currentChunkRange, e.cfg.IgnoreVersionCheck)
	chunkVersion := e.currentChunkRange.Current
	if _, err := neg.Check(ctx, chunkVersion); err != nil {
		return fmt.Errorf("leafsync: milestone check: %w", err)
	}
	return nil
}

// OpenReplication implements openReplication{mode, continuous}.
func (e *Engine) OpenReplication(ctx context.Context, mode replicate.Mode, continuous bool, onChange replicate.OnChange) error {
	if err := e.requireReady(); err != nil {
		return err
	}
	if e.remote == nil {
		return fmt.Errorf("leafsync: not connected to a remote")
	}
	settings := replicate.Settings{BatchSize: e.cfg.BatchSize, BatchesLimit: e.cfg.BatchesLimit, Retry: true}
	return e.coord.Open(ctx, e.local, e.remote, mode, continuous, settings, onChange)
}

// ReplicateAllToServer implements replicateAllToServer(): a one-shot
// pushOnly replication.
func (e *Engine) ReplicateAllToServer(ctx context.Context) error {
	return e.OpenReplication(ctx, replicate.ModePushOnly, false, nil)
}

// CloseReplication implements closeReplication().
func (e *Engine) CloseReplication() {
	e.coord.Close()
}

// TryCreateRemoteDatabase implements tryCreateRemoteDatabase(): a no-op
// success when the remote already exists, since docdb.DB has no
// separate create-database verb — Put against it is sufficient.
func (e *Engine) TryCreateRemoteDatabase(ctx context.Context) error {
	return e.ConnectRemote(ctx)
}

// TryResetRemoteDatabase implements tryResetRemoteDatabase().
func (e *Engine) TryResetRemoteDatabase(ctx context.Context) error {
	if e.remote == nil {
		return fmt.Errorf("leafsync: not connected to a remote")
	}
	return e.remote.Destroy(ctx)
}

// MarkRemoteLocked implements markRemoteLocked(flag).
func (e *Engine) MarkRemoteLocked(ctx context.Context, flag bool) error {
	if e.remote == nil {
		return fmt.Errorf("leafsync: not connected to a remote")
	}
	neg := milestone.New(e.remote, e.nodeID, e.currentChunkRange, e.cfg.IgnoreVersionCheck)
	return neg.MarkLocked(ctx, flag)
}

// MarkRemoteResolved implements markRemoteResolved().
func (e *Engine) MarkRemoteResolved(ctx context.Context) error {
	if e.remote == nil {
		return fmt.Errorf("leafsync: not connected to a remote")
	}
	neg := milestone.New(e.remote, e.nodeID, e.currentChunkRange, e.cfg.IgnoreVersionCheck)
	return neg.MarkResolved(ctx)
}

// ResetDatabase implements resetDatabase(): tears down and destroys the
// local database, then re-runs initialization.
func (e *Engine) ResetDatabase(ctx context.Context) error {
	if e.local == nil {
		return fmt.Errorf("leafsync: engine never initialized")
	}
	if err := e.local.Destroy(ctx); err != nil {
		return fmt.Errorf("leafsync: reset database: %w", err)
	}
	e.ready.Store(false)
	e.startOnce = sync.Once{}
	return e.InitializeDatabase(ctx)
}

// ResetLocalOldDatabase implements resetLocalOldDatabase().
func (e *Engine) ResetLocalOldDatabase(ctx context.Context) error {
	if e.oldGen == nil {
		return nil
	}
	if err := e.oldGen.Destroy(ctx); err != nil {
		return fmt.Errorf("leafsync: reset old generation database: %w", err)
	}
	e.oldGen = nil
	return nil
}

// IsVersionUpgradable reports whether chunkVersion falls within this
// engine's own advertised [min,max] range. It does not consult the
// remote milestone; ConnectRemote's check uses the global range across
// the milestone's accepted nodes instead.
func (e *Engine) IsVersionUpgradable(chunkVersion int) bool {
	return chunkVersion >= e.currentChunkRange.Min && chunkVersion <= e.currentChunkRange.Max
}

// SetVersionUpFlash implements the versionUpFlash option's write-gate:
// once non-empty, PutDBEntry refuses writes until cleared.
func (e *Engine) SetVersionUpFlash(msg string) {
	e.versionUpFlash = msg
}
