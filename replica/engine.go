// Package replica implements ReplicaEngine, the client side of the
// replica↔authority protocol: a local operation buffer with
// supersession, a reference-counted snapshot cache, and the outbound
// handshake/active loop. Built on the authority package's own
// read-loop-plus-dispatch shape (itself built on ais/prxtxn.go and
// ais/tgtcp.go) — the client mirrors the server's "one goroutine reads,
// one function dispatches" idiom, and reuses wire.Message/meta.Operation
// end to end so the two sides speak the exact same wire shapes.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package replica

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/localfirst/syncengine/cmn/nlog"
	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/oid"
	"github.com/localfirst/syncengine/store/baseline"
	"github.com/localfirst/syncengine/store/oplog"
	"github.com/localfirst/syncengine/wire"
)

// State is the engine's connection lifecycle state.
type State int32

const (
	StateOffline State = iota
	StateSyncing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	default:
		return "offline"
	}
}

// Callbacks notify the embedding application of engine-driven events. Any
// field left nil is simply not invoked.
type Callbacks struct {
	// OnSnapshotChanged fires whenever a subscribed OID's materialised
	// snapshot is recomputed.
	OnSnapshotChanged func(oid.OID)
	// OnPeerPresence fires once, with the full peer set delivered in
	// sync-resp.
	OnPeerPresence func([]wire.Presence)
	// OnPresenceChanged fires on every presence-changed, including ones
	// this same replica caused.
	OnPresenceChanged func(wire.Presence)
	// OnPresenceOffline fires when a user's last replica disconnects.
	OnPresenceOffline func(userID string)
}

type cacheEntry struct {
	refs int
	snap any
}

// Engine is one replica's local sync engine: durable local mirrors of
// OperationLog and BaselineStore, an in-memory staging buffer for
// not-yet-committed operations, a reference-counted snapshot cache, and
// (see protocol.go) the outbound protocol state machine.
type Engine struct {
	replicaID string
	clock     *hlc.Clock
	ops       *oplog.Log
	baselines *baseline.Store
	cb        Callbacks

	mu         sync.Mutex
	buffer     map[oid.OID][]*meta.Operation // staged, not yet committed
	unsent     []*meta.Operation             // committed locally, not yet transmitted
	lastApplied hlc.Timestamp
	snapshots  map[oid.OID]*cacheEntry

	sendSignal chan struct{}
	state      atomic.Int32
}

// NewEngine wires an engine to its durable local stores. ops and
// baselines must be backed by the same *buntdb.DB (open one with
// buntdb.Open and hand it to both oplog.New and baseline.New) so that
// local rebase can fold a baseline update and an oplog drop into a
// single transaction rather than two commits a crash could split apart.
func NewEngine(replicaID string, clock *hlc.Clock, ops *oplog.Log, baselines *baseline.Store, cb Callbacks) *Engine {
	return &Engine{
		replicaID:  replicaID,
		clock:      clock,
		ops:        ops,
		baselines:  baselines,
		cb:         cb,
		buffer:     make(map[oid.OID][]*meta.Operation),
		snapshots:  make(map[oid.OID]*cacheEntry),
		sendSignal: make(chan struct{}, 1),
	}
}

func (e *Engine) State() State     { return State(e.state.Load()) }
func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// NewOperation stamps a freshly-created operation with this replica's
// HLC clock and id, ready to Stage.
func (e *Engine) NewOperation(o oid.OID, kind meta.Kind, payload meta.Payload) *meta.Operation {
	return &meta.Operation{OID: o, Timestamp: e.clock.Tick(), Kind: kind, Payload: payload, ReplicaID: e.replicaID}
}

// Stage adds op to the in-memory batch buffer, dropping any earlier
// buffered operation it supersedes. The scope of
// supersession is exactly the not-yet-committed buffer: once Commit has
// run, an operation is immutable.
func (e *Engine) Stage(op *meta.Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.buffer[op.OID]
	kept := list[:0]
	for _, prev := range list {
		if !op.Supersedes(prev) {
			kept = append(kept, prev)
		}
	}
	kept = append(kept, op)
	e.buffer[op.OID] = kept
}

// Commit flushes the staged buffer: durably inserts every surviving
// operation into the local log, invalidates the snapshot cache for every
// affected OID, and enqueues the batch for transmission. Returns the
// operations actually committed (post-supersession), for callers that
// want to observe what was written. A no-op buffer returns (nil, nil).
func (e *Engine) Commit() ([]*meta.Operation, error) {
	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return nil, nil
	}
	all := make([]*meta.Operation, 0, len(e.buffer))
	for _, ops := range e.buffer {
		all = append(all, ops...)
	}
	e.buffer = make(map[oid.OID][]*meta.Operation)
	e.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return hlc.Less(all[i].Timestamp, all[j].Timestamp) })

	if err := e.ops.InsertAll(e.replicaID, all); err != nil {
		return nil, err
	}

	affected := make(map[oid.OID]bool, len(all))
	e.mu.Lock()
	e.unsent = append(e.unsent, all...)
	for _, op := range all {
		e.bumpAppliedLocked(op.Timestamp)
		affected[oid.Root(op.OID)] = true
	}
	e.mu.Unlock()

	for root := range affected {
		e.invalidate(root)
	}
	e.notifyUnsent()
	return all, nil
}

func (e *Engine) bumpAppliedLocked(ts hlc.Timestamp) {
	if hlc.Less(e.lastApplied, ts) {
		e.lastApplied = ts
	}
}

func (e *Engine) notifyUnsent() {
	select {
	case e.sendSignal <- struct{}{}:
	default:
	}
}

// Subscribe returns the materialised snapshot for root (refs resolved
// recursively per meta.Materialize) and registers interest, so that
// future Commit/applyOpRe calls touching root recompute and notify via
// Callbacks.OnSnapshotChanged. Unsubscribe must be called exactly once
// per successful Subscribe — the cache entry is reference-counted by
// subscribers, and the last unsubscription may trigger eviction.
func (e *Engine) Subscribe(root oid.OID) (any, error) {
	e.mu.Lock()
	entry, ok := e.snapshots[root]
	e.mu.Unlock()
	if ok {
		e.mu.Lock()
		entry.refs++
		snap := entry.snap
		e.mu.Unlock()
		return meta.Materialize(snap, e)
	}

	snap, err := e.loadSnapshot(root)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.snapshots[root] = &cacheEntry{refs: 1, snap: snap}
	e.mu.Unlock()
	return meta.Materialize(snap, e)
}

// Unsubscribe releases one reference acquired by Subscribe.
func (e *Engine) Unsubscribe(root oid.OID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.snapshots[root]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(e.snapshots, root)
	}
}

// Resolve implements meta.Resolver so that Subscribe/invalidate can
// recursively materialise cross-OID refs through this same engine.
func (e *Engine) Resolve(o string) (any, error) { return e.loadSnapshot(oid.OID(o)) }

func (e *Engine) loadSnapshot(root oid.OID) (any, error) {
	bl, err := e.baselines.Get(root)
	if err != nil {
		return nil, err
	}
	var base any
	if bl != nil {
		base = bl.Snapshot
	}
	ops, err := e.ops.GetForOid(root)
	if err != nil {
		return nil, err
	}
	return meta.ApplyOperations(base, ops), nil
}

// invalidate recomputes root's cached snapshot, if anyone is subscribed
// to it, and notifies via Callbacks.OnSnapshotChanged. A no-op for OIDs
// nobody has subscribed to.
func (e *Engine) invalidate(root oid.OID) {
	e.mu.Lock()
	entry, ok := e.snapshots[root]
	e.mu.Unlock()
	if !ok {
		return
	}

	snap, err := e.loadSnapshot(root)
	if err != nil {
		nlog.Warningf("replica[%s]: recomputing snapshot for %s: %v", e.replicaID, root, err)
		return
	}

	e.mu.Lock()
	entry.snap = snap
	e.mu.Unlock()

	if e.cb.OnSnapshotChanged != nil {
		e.cb.OnSnapshotChanged(root)
	}
}
