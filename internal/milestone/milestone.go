// Package milestone implements the milestone negotiator (spec §4.6):
// fetches, merges, and writes the remote MILSTONE_DOCID singleton that
// gates chunk-format compatibility and lock/accepted-node state between
// replicas.
package milestone

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/model"
)

// ErrVersionIncompatible is returned when chunkVersion falls outside
// [globalMin, globalMax] and ignoreVersionCheck is not set.
var ErrVersionIncompatible = fmt.Errorf("milestone: chunk version incompatible with remote")

// ErrRemoteLocked is returned when the remote is locked and this node
// is not in accepted_nodes.
var ErrRemoteLocked = fmt.Errorf("milestone: remote locked and device not accepted")

// Negotiator runs connection-check milestone negotiation against a
// remote docdb.DB on behalf of one local node.
type Negotiator struct {
	remote             docdb.DB
	nodeID             string
	currentRange       model.ChunkVersionRange
	ignoreVersionCheck bool
}

// New creates a Negotiator.
func New(remote docdb.DB, nodeID string, currentRange model.ChunkVersionRange, ignoreVersionCheck bool) *Negotiator {
	return &Negotiator{remote: remote, nodeID: nodeID, currentRange: currentRange, ignoreVersionCheck: ignoreVersionCheck}
}

// Result reports the outcome of a connection-check negotiation.
type Result struct {
	GlobalMin                      int
	GlobalMax                      int
	RemoteLockedAndDeviceNotAccepted bool
}

func (n *Negotiator) fetch(ctx context.Context) (model.Milestone, error) {
	doc, err := n.remote.Get(ctx, model.MilstoneDocID)
	if err == docdb.ErrNotFound {
		return model.DefaultMilestone(time.Now().UnixMilli()), nil
	}
	if err != nil {
		return model.Milestone{}, err
	}
	var m model.Milestone
	if err := json.Unmarshal(doc.Body, &m); err != nil {
		return model.Milestone{}, fmt.Errorf("milestone: decode: %w", err)
	}
	m.Rev = doc.Rev
	return m, nil
}

func (n *Negotiator) write(ctx context.Context, m model.Milestone) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("milestone: encode: %w", err)
	}
	_, err = n.remote.Put(ctx, docdb.Doc{ID: model.MilstoneDocID, Rev: m.Rev, Body: body})
	if err != nil {
		return fmt.Errorf("milestone: write: %w", err)
	}
	return nil
}

// Check runs the full connection-check sequence (spec §4.6 steps 1-6)
// and returns the accepted global version window, or an error if the
// connection should be refused.
func (n *Negotiator) Check(ctx context.Context, chunkVersion int) (Result, error) {
	m, err := n.fetch(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("milestone: fetch: %w", err)
	}

	if m.NodeChunkInfo == nil {
		m.NodeChunkInfo = map[string]model.ChunkVersionRange{}
	}

	local, ok := m.NodeChunkInfo[n.nodeID]
	if !ok || local.Min != n.currentRange.Min || local.Max != n.currentRange.Max {
		m.NodeChunkInfo[n.nodeID] = n.currentRange
		if err := n.write(ctx, m); err != nil {
			return Result{}, err
		}
	}

	globalMin, globalMax := GlobalRange(m)

	// An empty accepted_nodes set means the milestone has no compatibility
	// window to violate yet (spec §3: "Milestone is created lazily on
	// first successful connection") — skip the check rather than compare
	// against the GlobalRange(0,0) floor every brand-new milestone starts
	// at.
	if chunkVersion >= 0 && !n.ignoreVersionCheck && len(m.AcceptedNodes) > 0 {
		if chunkVersion < globalMin || chunkVersion > globalMax {
			return Result{GlobalMin: globalMin, GlobalMax: globalMax}, ErrVersionIncompatible
		}
	}

	if m.Locked && !m.HasAccepted(n.nodeID) {
		return Result{GlobalMin: globalMin, GlobalMax: globalMax, RemoteLockedAndDeviceNotAccepted: true}, ErrRemoteLocked
	}

	return Result{GlobalMin: globalMin, GlobalMax: globalMax}, nil
}

// GlobalRange computes globalMin/globalMax per spec §4.6 step 4: the max
// over accepted nodes of node.min, and the min over accepted nodes of
// node.max; nodes absent from node_chunk_info force both to 0.
func GlobalRange(m model.Milestone) (min, max int) {
	if len(m.AcceptedNodes) == 0 {
		return 0, 0
	}

	first := true
	for _, nodeID := range m.AcceptedNodes {
		r, ok := m.NodeChunkInfo[nodeID]
		if !ok {
			return 0, 0
		}
		if first {
			min, max = r.Min, r.Max
			first = false
			continue
		}
		if r.Min > min {
			min = r.Min
		}
		if r.Max < max {
			max = r.Max
		}
	}
	return min, max
}

// MarkLocked implements markLocked(flag): replaces accepted_nodes with
// [self] and sets the lock flag.
func (n *Negotiator) MarkLocked(ctx context.Context, flag bool) error {
	m, err := n.fetch(ctx)
	if err != nil {
		return err
	}
	m.Locked = flag
	m.AcceptedNodes = []string{n.nodeID}
	return n.write(ctx, m)
}

// MarkResolved implements markResolved(): adds this node to
// accepted_nodes without otherwise touching the lock state.
func (n *Negotiator) MarkResolved(ctx context.Context) error {
	m, err := n.fetch(ctx)
	if err != nil {
		return err
	}
	if !m.HasAccepted(n.nodeID) {
		m.AcceptedNodes = append(m.AcceptedNodes, n.nodeID)
	}
	return n.write(ctx, m)
}
