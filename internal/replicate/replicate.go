// Package replicate implements the replication coordinator (spec §4.7):
// the state machine, mode selection, adaptive batch-size backoff, and
// CollectChunks helper layered on top of pkg/docdb's generic change
// stream replicator.
//
// Event volume here is naturally high-cardinality (every change, every
// retry, every state transition), so this package logs through
// go.uber.org/zap rather than the logrus the rest of the engine uses —
// the same organic split the teacher's own root ouroboros.go (slog) vs.
// internal/keyValStore (logrus) shows between its newer and older code.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/i5heu/leafsync/pkg/docdb"
)

// errSettingsRestored signals that maybeRestoreSettings reset the active
// batch parameters mid-drain; the caller reopens the replication handle
// with the restored settings rather than treating this as a failure.
var errSettingsRestored = errors.New("replicate: settings restored")

// State enumerates the replication lifecycle spec §4.7 names.
type State string

const (
	StateNotConnected State = "NOT_CONNECTED"
	StateStarted       State = "STARTED"
	StateConnected      State = "CONNECTED"
	StatePaused         State = "PAUSED"
	StateCompleted      State = "COMPLETED"
	StateErrored        State = "ERRORED"
	StateClosed         State = "CLOSED"
)

// Mode selects the replication direction/checkpoint policy.
type Mode string

const (
	ModeSync     Mode = "sync"
	ModePullOnly Mode = "pullOnly"
	ModePushOnly Mode = "pushOnly"
)

// ErrBusy is returned when a sync is requested while one is already
// running — only one syncHandler may be active at a time.
var ErrBusy = fmt.Errorf("replicate: a replication is already active")

// ErrBatchFloor is returned when adaptive backoff has halved batch
// parameters down to the give-up floor.
var ErrBatchFloor = fmt.Errorf("replicate: batch size backoff floor reached, giving up")

// SizeFailureSignal reports whether the last post failed because the
// remote rejected it for size — the abstract getLastPostFailedBySize
// collaborator spec §6 names.
type SizeFailureSignal func() bool

// Settings carries the pacing knobs adaptive backoff mutates.
type Settings struct {
	BatchSize    int
	BatchesLimit int
	Heartbeat    int64
	Retry        bool
}

func (s Settings) halved() (Settings, bool) {
	bs := (s.BatchSize+1)/2 + 2
	bl := (s.BatchesLimit+1)/2 + 2
	if bs <= 5 && bl <= 5 {
		return s, false
	}
	return Settings{BatchSize: bs, BatchesLimit: bl, Heartbeat: s.Heartbeat, Retry: s.Retry}, true
}

// Counters tracks docArrived/docSent per spec §4.7's "updates the
// docArrived/docSent counters accordingly".
type Counters struct {
	DocArrived atomic.Int64
	DocSent    atomic.Int64
}

// Coordinator is the process-wide syncHandler singleton.
type Coordinator struct {
	mu    sync.Mutex
	state State

	log *zap.Logger

	sizeFailed SizeFailureSignal
	original   Settings
	current    Settings
	downgraded bool

	counters Counters
	handle   docdb.ReplicationHandle
	cancel   context.CancelFunc
}

// New creates a Coordinator.
func New(sizeFailed SizeFailureSignal, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{state: StateNotConnected, sizeFailed: sizeFailed, log: log}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counters returns the running doc counters.
func (c *Coordinator) Counters() *Counters { return &c.counters }

// currentSettings returns the batch parameters active right now — the
// original ones, or a halved-down/restored replacement.
func (c *Coordinator) currentSettings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Coordinator) downgradeTo(s Settings) {
	c.mu.Lock()
	c.current = s
	c.downgraded = true
	c.mu.Unlock()
}

// OnChange is invoked with documents arriving on a pull change event;
// nil-safe for callers that don't care.
type OnChange func(direction string, docs []docdb.Doc)

// Open starts a replication run in the given mode. Without continuous
// it runs a one-shot replication for mode's direction(s) and returns
// once complete. With continuous it runs a one-shot pullOnly catch-up
// first, then a live bidirectional sync with pull checkpoint=target,
// push checkpoint=source, heartbeat 30s, retry=true (spec §4.7).
func (c *Coordinator) Open(ctx context.Context, local, remote docdb.DB, mode Mode, continuous bool, settings Settings, onChange OnChange) error {
	c.mu.Lock()
	if c.state == StateStarted || c.state == StateConnected || c.state == StatePaused {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateStarted
	c.original = settings
	c.current = settings
	c.downgraded = false
	c.mu.Unlock()

	if !continuous {
		if err := c.runOnceAll(ctx, local, remote, mode, settings, onChange); err != nil {
			c.setState(StateErrored)
			return err
		}
		c.setState(StateCompleted)
		return nil
	}

	if err := c.runOnce(ctx, local, remote, ModePullOnly, settings, onChange); err != nil {
		c.setState(StateErrored)
		return fmt.Errorf("replicate: continuous catch-up pull: %w", err)
	}
	settings.Heartbeat = 30000
	settings.Retry = true
	c.mu.Lock()
	c.original = settings
	c.current = settings
	c.downgraded = false
	c.mu.Unlock()

	return c.runLive(ctx, local, remote, ModeSync, settings, onChange)
}

// runOnceAll runs a non-live replication for every direction mode
// selects, used by a plain (non-continuous) Open.
func (c *Coordinator) runOnceAll(ctx context.Context, local, remote docdb.DB, mode Mode, settings Settings, onChange OnChange) error {
	if mode == ModeSync || mode == ModePullOnly {
		if err := c.runOnce(ctx, local, remote, ModePullOnly, settings, onChange); err != nil {
			return err
		}
	}
	if mode == ModeSync || mode == ModePushOnly {
		if err := c.runOnce(ctx, local, remote, ModePushOnly, settings, onChange); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) runOnce(ctx context.Context, local, remote docdb.DB, mode Mode, settings Settings, onChange OnChange) error {
	c.mu.Lock()
	c.current = settings
	c.mu.Unlock()

	for {
		active := c.currentSettings()
		opts, direction, src, dst := planOneShot(local, remote, mode, active)
		handle := docdb.Replicate(ctx, src, dst, direction, opts)
		err := c.drain(ctx, handle, direction, onChange, false)
		if err == nil {
			return nil
		}
		if errors.Is(err, errSettingsRestored) {
			continue
		}
		if c.sizeFailed != nil && c.sizeFailed() {
			next, ok := active.halved()
			if !ok {
				c.log.Warn("batch size backoff floor reached, giving up", zap.String("mode", string(mode)))
				return ErrBatchFloor
			}
			c.downgradeTo(next)
			c.log.Info("retrying with halved batch parameters", zap.Int("batch_size", next.BatchSize), zap.Int("batches_limit", next.BatchesLimit))
			continue
		}
		return err
	}
}

func planOneShot(local, remote docdb.DB, mode Mode, settings Settings) (docdb.ReplicateOptions, string, docdb.DB, docdb.DB) {
	opts := docdb.ReplicateOptions{BatchSize: settings.BatchSize, BatchesLimit: settings.BatchesLimit, Checkpoint: "target"}
	switch mode {
	case ModePushOnly:
		return opts, "push", local, remote
	default:
		return opts, "pull", remote, local
	}
}

func (c *Coordinator) runLive(ctx context.Context, local, remote docdb.DB, mode Mode, settings Settings, onChange OnChange) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateConnected)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	runDir := func(direction string, src, dst docdb.DB, checkpoint string) {
		defer wg.Done()
		for {
			active := c.currentSettings()
			opts := docdb.ReplicateOptions{
				BatchSize: active.BatchSize, BatchesLimit: active.BatchesLimit,
				Live: true, Retry: active.Retry, Heartbeat: active.Heartbeat, Checkpoint: checkpoint,
			}
			handle := docdb.Replicate(ctx, src, dst, direction, opts)
			c.mu.Lock()
			c.handle = handle
			c.mu.Unlock()

			err := c.drain(ctx, handle, direction, onChange, true)
			if err == nil {
				return
			}
			if errors.Is(err, errSettingsRestored) {
				continue
			}
			errCh <- err
			return
		}
	}

	if mode == ModeSync || mode == ModePullOnly {
		wg.Add(1)
		go runDir("pull", remote, local, "target")
	}
	if mode == ModeSync || mode == ModePushOnly {
		wg.Add(1)
		go runDir("push", local, remote, "source")
	}

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		c.setState(StateErrored)
		return firstErr
	}
	c.setState(StateCompleted)
	return nil
}

func (c *Coordinator) drain(ctx context.Context, handle docdb.ReplicationHandle, direction string, onChange OnChange, live bool) error {
	for ev := range handle.Events() {
		switch ev.Kind {
		case docdb.EventActive:
			c.log.Debug("replication active", zap.String("direction", direction))
		case docdb.EventChange:
			if direction == "pull" {
				c.counters.DocArrived.Add(int64(len(ev.Docs)))
				if onChange != nil {
					onChange(direction, ev.Docs)
				}
			} else {
				c.counters.DocSent.Add(int64(len(ev.Docs)))
			}
			if c.maybeRestoreSettings() {
				handle.Cancel()
				return errSettingsRestored
			}
		case docdb.EventPaused:
			c.setState(StatePaused)
		case docdb.EventDenied:
			return fmt.Errorf("replicate: denied")
		case docdb.EventError:
			return ev.Err
		case docdb.EventComplete:
			return nil
		}
		if live {
			c.setState(StateConnected)
		}
	}
	return nil
}

// maybeRestoreSettings implements spec §4.7's throughput-based restore:
// once sustained throughput after a size-downgrade exceeds
// originalSetting.batch_size*2 documents, go back to the original
// settings. Reports whether a restore happened, so the caller can reopen
// its replication handle with the restored settings instead of leaving
// them applied only on the next connection.
func (c *Coordinator) maybeRestoreSettings() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.downgraded {
		return false
	}
	total := c.counters.DocArrived.Load() + c.counters.DocSent.Load()
	if total > int64(c.original.BatchSize)*2 {
		c.current = c.original
		c.downgraded = false
		c.log.Info("restoring original batch parameters after sustained throughput")
		return true
	}
	return false
}

// Close cancels any active replication and marks the coordinator
// closed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.handle != nil {
		c.handle.Cancel()
	}
	c.state = StateClosed
	c.mu.Unlock()
}

// CollectChunks implements the CollectChunks helper (spec §4.7): fetch
// allDocs(keys=ids) locally, fall back to the remote for any missing,
// matching each missing id to its remote row via a rotating-offset
// search through the remote result array. The result is keyed by id and
// carries no order; callers reassemble it in their own id order.
func (c *Coordinator) CollectChunks(ctx context.Context, local, remote docdb.DB, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	var missing []string

	rows, err := local.AllDocs(ctx, docdb.AllDocsOptions{Keys: ids, IncludeDocs: true})
	if err != nil {
		return nil, fmt.Errorf("collectChunks: local allDocs: %w", err)
	}
	for _, row := range rows {
		if row.Err != nil {
			missing = append(missing, row.ID)
			continue
		}
		out[row.ID] = row.Doc.Body
	}

	if len(missing) == 0 {
		return decodeLeafBodies(out)
	}
	if remote == nil {
		return nil, fmt.Errorf("collectChunks: %d ids missing locally and no remote configured", len(missing))
	}

	remoteRows, err := remote.AllDocs(ctx, docdb.AllDocsOptions{Keys: missing, IncludeDocs: true})
	if err != nil {
		return nil, fmt.Errorf("collectChunks: remote allDocs: %w", err)
	}

	offset := 0
	for _, id := range missing {
		found := false
		n := len(remoteRows)
		for i := 0; i < n; i++ {
			row := remoteRows[(offset+i)%n]
			if row.ID == id {
				if row.Err != nil {
					return nil, fmt.Errorf("collectChunks: remote missing %s: %w", id, row.Err)
				}
				out[id] = row.Doc.Body
				offset = (offset + i + 1) % n
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("collectChunks: remote missing %s", id)
		}
	}

	return decodeLeafBodies(out)
}

func decodeLeafBodies(bodies map[string][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(bodies))
	for id, body := range bodies {
		data, err := decodeLeafData(body)
		if err != nil {
			return nil, fmt.Errorf("collectChunks: decode leaf %s: %w", id, err)
		}
		out[id] = data
	}
	return out, nil
}
