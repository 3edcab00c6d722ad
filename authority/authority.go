// Package authority implements the per-library Authority: the
// single-writer coordinator over OperationLog, BaselineStore, and
// ReplicaRegistry that serves the replica↔authority protocol, rebroadcasts
// operations, and runs the rebase (compaction) algorithm. Built in the
// transaction-style, multi-phase request-handler idiom of ais/prxtxn.go
// and ais/tgtcp.go — a single dispatch point per incoming message,
// executed under exclusive per-resource access — generalized here from
// HTTP requests to wire.Message over a wire.Conn, with one Authority
// instance per library: different libraries are independent and run in
// parallel.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package authority

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/buntdb"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/localfirst/syncengine/cmn/cos"
	"github.com/localfirst/syncengine/cmn/config"
	"github.com/localfirst/syncengine/cmn/nlog"
	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/oid"
	"github.com/localfirst/syncengine/presence"
	"github.com/localfirst/syncengine/stats"
	"github.com/localfirst/syncengine/store/baseline"
	"github.com/localfirst/syncengine/store/oplog"
	"github.com/localfirst/syncengine/store/registry"
	"github.com/localfirst/syncengine/wire"
)

// Authority coordinates one library's OperationLog, BaselineStore, and
// ReplicaRegistry. Every Serve-driven handler makes its store mutations
// under mu (single-writer discipline); presence lives in its own
// mutex-guarded map, and broadcast fan-out happens outside the lock
// against a snapshot of connected clients.
type Authority struct {
	Library string

	ops       *oplog.Log
	baselines *baseline.Store
	registry  *registry.Store
	presence  *presence.Map
	tr        *stats.Tracker

	mu      sync.Mutex
	clients map[wire.ClientKey]*clientConn
	nextKey atomic.Uint64

	rebasePending atomic.Bool
	sf            singleflight.Group

	lastGlobalAckMu sync.Mutex
	lastGlobalAck   hlc.Timestamp
}

type clientConn struct {
	key       wire.ClientKey
	conn      wire.Conn
	replicaID string
}

func New(library string, ops *oplog.Log, baselines *baseline.Store, reg *registry.Store, pres *presence.Map, tr *stats.Tracker) *Authority {
	return &Authority{
		Library:   library,
		ops:       ops,
		baselines: baselines,
		registry:  reg,
		presence:  pres,
		tr:        tr,
		clients:   make(map[wire.ClientKey]*clientConn),
	}
}

// Serve runs one replica connection to completion: registers it, reads
// messages until conn.Recv errors, dispatches each to the matching
// handler, and on exit cleans up presence/connection state. Each replica
// connection is modeled as a cooperative task with a message inbox.
func (a *Authority) Serve(ctx context.Context, conn wire.Conn, tok registry.TokenInfo) error {
	cc := &clientConn{key: wire.ClientKey(a.nextKey.Add(1)), conn: conn}

	a.mu.Lock()
	a.clients[cc.key] = cc
	n := len(a.clients)
	a.mu.Unlock()
	if a.tr != nil {
		a.tr.ConnectedReplicas.WithLabelValues(a.Library).Set(float64(n))
	}

	defer a.disconnect(ctx, cc)

	for {
		m, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if err := a.dispatch(ctx, cc, tok, m); err != nil {
			nlog.Warningf("authority[%s]: handling %s from %s: %v", a.Library, m.Type, m.ReplicaID, err)
		}
	}
}

func (a *Authority) disconnect(ctx context.Context, cc *clientConn) {
	a.mu.Lock()
	delete(a.clients, cc.key)
	n := len(a.clients)
	a.mu.Unlock()
	if a.tr != nil {
		a.tr.ConnectedReplicas.WithLabelValues(a.Library).Set(float64(n))
	}

	if cc.replicaID == "" {
		return
	}
	userID, wasLast := a.presence.Disconnect(cc.replicaID)
	if wasLast {
		if a.tr != nil {
			a.tr.PresenceBroadcast.Inc()
		}
		a.broadcastExcept(ctx, cc.key, &wire.Message{Type: wire.TypePresenceOffline, ReplicaID: cc.replicaID, UserID: userID})
	}
}

func (a *Authority) dispatch(ctx context.Context, cc *clientConn, tok registry.TokenInfo, m *wire.Message) error {
	switch m.Type {
	case wire.TypeSync:
		return a.handleSync(ctx, cc, tok, m)
	case wire.TypeSyncStep2:
		return a.handleSyncStep2(ctx, cc, tok, m)
	case wire.TypeOp:
		return a.handleOp(ctx, cc, tok, m)
	case wire.TypeAck:
		return a.handleAck(ctx, cc, m)
	case wire.TypeHeartbeat:
		return a.handleHeartbeat(ctx, cc, m)
	case wire.TypePresenceUpdate:
		return a.handlePresenceUpdate(ctx, cc, tok, m)
	default:
		return nil
	}
}

// handleSync
func (a *Authority) handleSync(ctx context.Context, cc *clientConn, tok registry.TokenInfo, m *wire.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, found, err := a.registry.Peek(m.ReplicaID)
	if err != nil {
		return err
	}
	if found && existing.UserID != tok.UserID {
		_ = connOf(cc).Send(ctx, &wire.Message{Type: wire.TypeForbidden, ReplicaID: m.ReplicaID})
		return cos.NewErrReplicaOwnership(m.ReplicaID)
	}

	if m.ResyncAll {
		if err := a.registry.Delete(m.ReplicaID); err != nil {
			return err
		}
	}

	res, err := a.registry.GetOrCreate(m.ReplicaID, tok)
	if err != nil {
		return err
	}

	var changesSince hlc.Timestamp
	if res.Status == registry.StatusExisting {
		changesSince = res.Info.AckedTimestamp
	}

	ops, err := a.ops.GetAfter(changesSince)
	if err != nil {
		return err
	}
	baselines, err := a.baselines.GetAllAfter(changesSince)
	if err != nil {
		return err
	}

	libraryEmpty := changesSince == "" && len(ops) == 0 && len(baselines) == 0
	overwrite := (m.ResyncAll || res.Status != registry.StatusExisting) && !libraryEmpty

	globalAck, _ := a.registry.GetGlobalAck(a.activeReplicaIDsLocked())

	cc.replicaID = m.ReplicaID
	if err := a.registry.UpdateLastSeen(m.ReplicaID); err != nil {
		return err
	}

	return connOf(cc).Send(ctx, &wire.Message{
		Type:                wire.TypeSyncResp,
		Operations:          ops,
		Baselines:           baselines,
		ProvideChangesSince: changesSince,
		GlobalAckTimestamp:  globalAck,
		PeerPresence:        toPresence(a.presence.All()),
		OverwriteLocalData:  overwrite,
	})
}

// handleSyncStep2
func (a *Authority) handleSyncStep2(ctx context.Context, cc *clientConn, tok registry.TokenInfo, m *wire.Message) error {
	if tok.Type.IsReadOnly() {
		return a.forbid(ctx, cc, "sync-step2")
	}

	a.mu.Lock()
	for _, b := range m.Baselines {
		if err := a.baselines.Upsert(b); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	if err := a.ops.InsertAll(m.ReplicaID, m.Operations); err != nil {
		a.mu.Unlock()
		return err
	}

	// Falls back to the message timestamp when no operations were
	// uploaded; see SPEC_FULL.md §4 for the reasoning.
	ackTS := m.Timestamp
	if n := len(m.Operations); n > 0 {
		ackTS = m.Operations[n-1].Timestamp
	}
	if err := a.registry.UpdateAcknowledged(m.ReplicaID, ackTS); err != nil {
		a.mu.Unlock()
		return err
	}

	if a.tr != nil {
		a.tr.OpsIngested.WithLabelValues(a.Library).Add(float64(len(m.Operations)))
	}
	globalAck, _ := a.registry.GetGlobalAck(a.activeReplicaIDsLocked())
	a.mu.Unlock()

	a.broadcastExcept(ctx, cc.key, &wire.Message{
		Type: wire.TypeOpRe, ReplicaID: m.ReplicaID,
		Operations: m.Operations, Baselines: m.Baselines, GlobalAckTimestamp: globalAck,
	})
	a.triggerRebase()
	return nil
}

// handleOp
func (a *Authority) handleOp(ctx context.Context, cc *clientConn, tok registry.TokenInfo, m *wire.Message) error {
	if tok.Type.IsReadOnly() {
		return a.forbid(ctx, cc, "op")
	}

	a.mu.Lock()
	if err := a.ops.InsertAll(m.ReplicaID, m.Operations); err != nil {
		a.mu.Unlock()
		return err
	}
	if a.tr != nil {
		a.tr.OpsIngested.WithLabelValues(a.Library).Add(float64(len(m.Operations)))
		a.tr.OpsRebroadcast.WithLabelValues(a.Library).Add(float64(len(m.Operations)))
	}
	globalAck, _ := a.registry.GetGlobalAck(a.activeReplicaIDsLocked())
	a.mu.Unlock()

	a.broadcastExcept(ctx, cc.key, &wire.Message{
		Type: wire.TypeOpRe, ReplicaID: m.ReplicaID,
		Operations: m.Operations, GlobalAckTimestamp: globalAck,
	})
	a.triggerRebase()
	return nil
}

// handleAck
func (a *Authority) handleAck(ctx context.Context, cc *clientConn, m *wire.Message) error {
	a.mu.Lock()
	if err := a.registry.UpdateAcknowledged(m.ReplicaID, m.Timestamp); err != nil {
		a.mu.Unlock()
		return err
	}
	globalAck, ok := a.registry.GetGlobalAck(a.activeReplicaIDsLocked())
	a.mu.Unlock()
	if !ok {
		return nil
	}

	a.lastGlobalAckMu.Lock()
	advanced := a.lastGlobalAck == "" || hlc.Less(a.lastGlobalAck, globalAck)
	if advanced {
		a.lastGlobalAck = globalAck
	}
	a.lastGlobalAckMu.Unlock()

	if advanced {
		a.broadcastAll(ctx, &wire.Message{Type: wire.TypeGlobalAck, Timestamp: globalAck})
	}
	return nil
}

// handleHeartbeat refreshes the replica's liveness and acks the beat.
func (a *Authority) handleHeartbeat(ctx context.Context, cc *clientConn, m *wire.Message) error {
	a.mu.Lock()
	err := a.registry.UpdateLastSeen(m.ReplicaID)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return connOf(cc).Send(ctx, &wire.Message{Type: wire.TypeHeartbeatResp})
}

// handlePresenceUpdate records the replica's presence and rebroadcasts it.
func (a *Authority) handlePresenceUpdate(ctx context.Context, cc *clientConn, tok registry.TokenInfo, m *wire.Message) error {
	e := a.presence.Update(tok.UserID, m.ReplicaID, m.PresenceData, nil)
	if a.tr != nil {
		a.tr.PresenceBroadcast.Inc()
	}
	a.broadcastAll(ctx, &wire.Message{ // includes the sender
		Type: wire.TypePresenceChanged, ReplicaID: e.ReplicaID,
		UserInfo: &wire.Presence{ID: e.ID, ReplicaID: e.ReplicaID, UserID: e.UserID, Presence: e.Presence, Profile: e.Profile},
	})
	return nil
}

func (a *Authority) forbid(ctx context.Context, cc *clientConn, op string) error {
	_ = connOf(cc).Send(ctx, &wire.Message{Type: wire.TypeForbidden, ReplicaID: cc.replicaID})
	return cos.NewErrForbidden(op)
}

// broadcastExcept fans m out to every connected client except exceptKey.
// broadcastAll fans m out to everyone, including the sender — used for
// rebroadcasting presence-changed. Both run sends concurrently, bounded
// by errgroup, so one slow peer cannot stall the others — the same shape
// as transport.Stream's independent per-destination send queues.
func (a *Authority) broadcastExcept(ctx context.Context, exceptKey wire.ClientKey, m *wire.Message) {
	a.mu.Lock()
	targets := make([]*clientConn, 0, len(a.clients))
	for k, cc := range a.clients {
		if k == exceptKey {
			continue
		}
		targets = append(targets, cc)
	}
	a.mu.Unlock()
	a.fanOut(ctx, targets, m)
}

func (a *Authority) broadcastAll(ctx context.Context, m *wire.Message) {
	a.mu.Lock()
	targets := make([]*clientConn, 0, len(a.clients))
	for _, cc := range a.clients {
		targets = append(targets, cc)
	}
	a.mu.Unlock()
	a.fanOut(ctx, targets, m)
}

// maxFanOut bounds how many broadcast sends run at once.
const maxFanOut = 16

func (a *Authority) fanOut(ctx context.Context, targets []*clientConn, m *wire.Message) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOut)
	for _, cc := range targets {
		cc := cc
		g.Go(func() error {
			if err := cc.conn.Send(gctx, m); err != nil {
				nlog.Warningf("authority[%s]: broadcast to replica %s: %v", a.Library, cc.replicaID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Authority) activeReplicaIDsLocked() map[string]bool {
	out := make(map[string]bool, len(a.clients))
	for _, cc := range a.clients {
		if cc.replicaID != "" {
			out[cc.replicaID] = true
		}
	}
	return out
}

// triggerRebase debounces concurrent rebase requests into a single pass
// RebaseCoalesce after the first trigger, coalescing multiple triggers
// to one pass, and uses singleflight to collapse any passes that still
// end up overlapping in time.
func (a *Authority) triggerRebase() {
	if !a.rebasePending.CompareAndSwap(false, true) {
		return
	}
	go func() {
		time.Sleep(config.Get().RebaseCoalesce)
		a.rebasePending.Store(false)
		_, _, _ = a.sf.Do("rebase", func() (any, error) {
			a.rebasePass()
			return nil, nil
		})
	}()
}

// rebasePass
func (a *Authority) rebasePass() {
	var done func()
	if a.tr != nil {
		done = a.tr.TimeRebase()
		defer done()
	}

	a.mu.Lock()
	activeReplicas := a.activeReplicaIDsLocked()
	a.mu.Unlock()

	globalAck, ok := a.registry.GetGlobalAck(activeReplicas)
	if !ok {
		return
	}

	before, err := a.ops.GetBefore(globalAck)
	if err != nil {
		nlog.Warningf("authority[%s]: rebase getBefore: %v", a.Library, err)
		return
	}
	if len(before) == 0 {
		return
	}

	buckets := make(map[string][]*meta.Operation)
	order := make([]string, 0)
	for _, op := range before {
		oidStr := string(op.OID)
		if _, ok := buckets[oidStr]; !ok {
			order = append(order, oidStr)
		}
		buckets[oidStr] = append(buckets[oidStr], op)
	}

	for _, oidStr := range order {
		bucket := buckets[oidStr]
		// Defensive hard-stop: the bucket must
		// already be a timestamp-ascending prefix entirely below
		// globalAck, since it came from getBefore(globalAck); if that
		// invariant is ever violated, stop compacting this OID rather
		// than drop a gap in its log.
		prefix := bucket
		for i := 1; i < len(bucket); i++ {
			if hlc.Less(bucket[i].Timestamp, bucket[i-1].Timestamp) {
				prefix = bucket[:i]
				break
			}
		}

		a.mu.Lock()
		err := a.rebaseOne(prefix[0].OID, prefix)
		a.mu.Unlock()
		if err != nil {
			nlog.Warningf("authority[%s]: rebase of %s: %v", a.Library, oidStr, err)
		}
	}

	a.broadcastAll(context.Background(), &wire.Message{Type: wire.TypeGlobalAck, Timestamp: globalAck})
}

// rebaseOne folds prefix into o's baseline and drops it from the oplog
// in a single buntdb transaction spanning both stores' key prefixes, so
// the fold and the drop land atomically: a crash between them can never
// leave a baseline missing operations it already dropped, or operations
// un-dropped after they were already folded in.
func (a *Authority) rebaseOne(o oid.OID, prefix []*meta.Operation) error {
	return a.ops.DB().Update(func(tx *buntdb.Tx) error {
		if _, err := baseline.ApplyOperationsTx(tx, o, prefix); err != nil {
			return err
		}
		return oplog.DropTx(tx, prefix)
	})
}

func connOf(cc *clientConn) wire.Conn { return cc.conn }

func toPresence(entries []*presence.Entry) []wire.Presence {
	out := make([]wire.Presence, len(entries))
	for i, e := range entries {
		out[i] = wire.Presence{ID: e.ID, ReplicaID: e.ReplicaID, UserID: e.UserID, Presence: e.Presence, Profile: e.Profile}
	}
	return out
}
