// Package bootstrap implements the bootstrap/migration state machine
// (spec §4.8): old-generation -> new-generation database migration,
// node-info creation, and the resetDatabase/resetLocalOldDatabase
// operator actions.
//
// Disk-space gating uses github.com/shirou/gopsutil's disk package,
// a dependency already declared in the teacher's go.mod but never
// actually imported anywhere in the teacher tree — its own
// displayDiskUsage helper instead calls syscall.Statfs directly and
// references github.com/google/fscrypt/filesystem, a package absent
// from that same go.mod. Rather than copy that latent bug forward, the
// gating here exercises the dependency the teacher already committed to
// but never wired.
package bootstrap

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/model"
)

// ErrNotEnoughSpace is returned when the configured minimum free space
// is not available at the target path.
var ErrNotEnoughSpace = fmt.Errorf("bootstrap: not enough free disk space")

// ErrMigrationFailed marks the engine not-ready; the operator must drop
// the old generation database manually (spec §4.8, §7 MigrationFailure).
var ErrMigrationFailed = fmt.Errorf("bootstrap: migration from old generation failed, drop it manually")

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// Options configures a Bootstrapper run.
type Options struct {
	Path             string
	MinimumFreeGB    int
	BatchSize        int
	BatchesLimit     int
	EncryptOld       func(old docdb.DB) docdb.DB
	Log              *logrus.Logger
}

// Bootstrapper drives the migration/init sequence against an old and a
// new generation database handle.
type Bootstrapper struct {
	opts Options
}

// New creates a Bootstrapper.
func New(opts Options) *Bootstrapper {
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.BatchesLimit <= 0 {
		opts.BatchesLimit = 10
	}
	return &Bootstrapper{opts: opts}
}

// CheckFreeSpace gates startup on MinimumFreeGB gigabytes of free space
// at opts.Path: a supplemental pre-flight check that runs before any
// old-generation migration.
func (b *Bootstrapper) CheckFreeSpace() error {
	if b.opts.MinimumFreeGB <= 0 || b.opts.Path == "" {
		return nil
	}
	usage, err := disk.Usage(b.opts.Path)
	if err != nil {
		return fmt.Errorf("bootstrap: disk usage for %s: %w", b.opts.Path, err)
	}
	freeGB := usage.Free / (1024 * 1024 * 1024)
	if int(freeGB) < b.opts.MinimumFreeGB {
		return fmt.Errorf("%w: have %dGB, need %dGB at %s", ErrNotEnoughSpace, freeGB, b.opts.MinimumFreeGB, b.opts.Path)
	}
	return nil
}

// Init runs spec §4.8's full init sequence: space check, old-generation
// detection and migration if needed, node-info creation, and readiness.
// newDB is the already-opened "new generation" handle; oldDB is nil if
// no old-generation database exists at all.
func (b *Bootstrapper) Init(ctx context.Context, newDB, oldDB docdb.DB) (nodeID string, ready bool, err error) {
	if err := b.CheckFreeSpace(); err != nil {
		return "", false, err
	}

	if oldDB != nil {
		info, err := oldDB.Info(ctx)
		if err != nil {
			return "", false, fmt.Errorf("bootstrap: old generation info: %w", err)
		}
		if info.DocCount > 0 {
			if b.opts.EncryptOld != nil {
				oldDB = b.opts.EncryptOld(oldDB)
			}
			if err := b.migrate(ctx, oldDB, newDB); err != nil {
				return "", false, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
			}
			if err := oldDB.Destroy(ctx); err != nil {
				return "", false, fmt.Errorf("bootstrap: destroy old generation after migration: %w", err)
			}
		}
	}

	nodeID, err = b.ensureNodeInfo(ctx, newDB)
	if err != nil {
		return "", false, err
	}

	return nodeID, true, nil
}

func (b *Bootstrapper) migrate(ctx context.Context, oldDB, newDB docdb.DB) error {
	opts := docdb.ReplicateOptions{BatchSize: b.opts.BatchSize, BatchesLimit: b.opts.BatchesLimit}
	handle := docdb.Replicate(ctx, oldDB, newDB, "migrate", opts)
	migrated := 0
	for ev := range handle.Events() {
		switch ev.Kind {
		case docdb.EventChange:
			migrated += len(ev.Docs)
			b.opts.Log.WithField("migrated", migrated).Info("migrating old generation database")
		case docdb.EventError:
			return ev.Err
		case docdb.EventComplete:
			b.opts.Log.WithField("migrated", migrated).Info("old generation migration complete")
			return nil
		}
	}
	return nil
}

func (b *Bootstrapper) ensureNodeInfo(ctx context.Context, db docdb.DB) (string, error) {
	doc, err := db.Get(ctx, model.NodeInfoDocID)
	if err == nil {
		var info model.NodeInfo
		if jerr := unmarshalNodeInfo(doc.Body, &info); jerr == nil && info.NodeID != "" {
			return info.NodeID, nil
		}
	} else if err != docdb.ErrNotFound {
		return "", fmt.Errorf("bootstrap: read node info: %w", err)
	}

	nodeID, err := randomBase36(10)
	if err != nil {
		return "", fmt.Errorf("bootstrap: generate node id: %w", err)
	}

	info := model.NodeInfo{Type: model.TypeNodeInfo, NodeID: nodeID, V: true}
	body, err := marshalNodeInfo(info)
	if err != nil {
		return "", fmt.Errorf("bootstrap: encode node info: %w", err)
	}
	if _, err := db.Put(ctx, docdb.Doc{ID: model.NodeInfoDocID, Body: body}); err != nil {
		return "", fmt.Errorf("bootstrap: write node info: %w", err)
	}
	return nodeID, nil
}

func randomBase36(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = base36[idx.Int64()]
	}
	return string(out), nil
}

// ResetDatabase tears down and destroys newDB; the caller is expected to
// re-run Init against a freshly reopened handle afterward.
func (b *Bootstrapper) ResetDatabase(ctx context.Context, newDB docdb.DB) error {
	if err := newDB.Destroy(ctx); err != nil {
		return fmt.Errorf("bootstrap: reset database: %w", err)
	}
	return nil
}

// ResetLocalOldDatabase destroys only the old generation database.
func (b *Bootstrapper) ResetLocalOldDatabase(ctx context.Context, oldDB docdb.DB) error {
	if oldDB == nil {
		return nil
	}
	if err := oldDB.Destroy(ctx); err != nil {
		return fmt.Errorf("bootstrap: reset old generation database: %w", err)
	}
	return nil
}

// NowMillis is a small seam so tests can avoid relying on wall-clock
// time for node-info creation timestamps elsewhere in the engine.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
