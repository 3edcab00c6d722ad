// protocol.go implements the outbound replica↔authority protocol: the
// four-step (re)connect handshake, the active read/dispatch loop, local
// rebase on global-ack, and inbound op-re application. Built on
// authority.Serve's own receive-loop-plus-dispatch shape, mirrored
// client-side so both ends of the wire protocol are structured the same
// way.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/localfirst/syncengine/cmn/config"
	"github.com/localfirst/syncengine/cmn/cos"
	"github.com/localfirst/syncengine/cmn/nlog"
	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/oid"
	"github.com/localfirst/syncengine/store/baseline"
	"github.com/localfirst/syncengine/store/oplog"
	"github.com/localfirst/syncengine/wire"
)

// Run drives one connection to completion: the sync handshake (steps
// 1-3), then the active loop (step 4) until conn fails or ctx is
// cancelled. On return the engine is StateOffline again; every
// not-yet-transmitted operation remains durable in local storage — no
// operation is lost on cancellation — so a fresh Run with a new Conn
// simply resumes from step 1.
func (e *Engine) Run(ctx context.Context, conn wire.Conn, resyncAll bool) error {
	e.setState(StateSyncing)
	if err := e.sync(ctx, conn, resyncAll); err != nil {
		e.setState(StateOffline)
		return err
	}
	e.setState(StateActive)

	msgs := make(chan *wire.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := conn.Recv(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	ackTicker := time.NewTicker(config.Get().Heartbeat)
	defer ackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.setState(StateOffline)
			return ctx.Err()

		case err := <-errc:
			e.setState(StateOffline)
			return err

		case m := <-msgs:
			if err := e.handleInbound(m); err != nil {
				nlog.Warningf("replica[%s]: handling %s: %v", e.replicaID, m.Type, err)
			}

		case <-ackTicker.C:
			if err := e.sendAck(ctx, conn); err != nil {
				nlog.Warningf("replica[%s]: sending ack: %v", e.replicaID, err)
			}

		case <-e.sendSignal:
			if err := e.flushUnsent(ctx, conn); err != nil {
				nlog.Warningf("replica[%s]: flushing outbound ops: %v", e.replicaID, err)
			}
		}
	}
}

// sync drives the (re)connect handshake's steps 1-3.
func (e *Engine) sync(ctx context.Context, conn wire.Conn, resyncAll bool) error {
	if err := conn.Send(ctx, &wire.Message{
		Type: wire.TypeSync, ReplicaID: e.replicaID, ResyncAll: resyncAll, Timestamp: e.clock.Tick(),
	}); err != nil {
		return err
	}

	resp, err := conn.Recv(ctx)
	if err != nil {
		return err
	}
	if resp.Type == wire.TypeForbidden {
		return cos.NewErrReplicaOwnership(e.replicaID)
	}
	if resp.Type != wire.TypeSyncResp {
		return fmt.Errorf("replica: expected sync-resp, got %s", resp.Type)
	}
	e.observe(resp)

	if resp.OverwriteLocalData {
		if err := e.overwriteLocalData(resp); err != nil {
			return err
		}
	} else if err := e.applyOpRe(resp.Operations, resp.Baselines); err != nil {
		return err
	}
	if resp.GlobalAckTimestamp != "" {
		e.rebaseLocal(resp.GlobalAckTimestamp)
	}
	if e.cb.OnPeerPresence != nil {
		e.cb.OnPeerPresence(resp.PeerPresence)
	}

	ops, err := e.ops.GetAfter(resp.ProvideChangesSince)
	if err != nil {
		return err
	}
	baselines, err := e.baselines.GetAllAfter(resp.ProvideChangesSince)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, &wire.Message{
		Type: wire.TypeSyncStep2, ReplicaID: e.replicaID,
		Operations: ops, Baselines: baselines, Timestamp: e.clock.Tick(),
	}); err != nil {
		return err
	}

	// Everything durable as of this instant — including whatever unsent
	// buffer survived an overwrite — has just been handed to the
	// authority in step2; nothing is left to resend individually.
	e.mu.Lock()
	e.unsent = nil
	e.mu.Unlock()
	return nil
}

func (e *Engine) handleInbound(m *wire.Message) error {
	e.observe(m)
	switch m.Type {
	case wire.TypeOpRe:
		if err := e.applyOpRe(m.Operations, m.Baselines); err != nil {
			return err
		}
		if m.GlobalAckTimestamp != "" {
			e.rebaseLocal(m.GlobalAckTimestamp)
		}
		return nil

	case wire.TypeGlobalAck:
		e.rebaseLocal(m.Timestamp)
		return nil

	case wire.TypeHeartbeatResp:
		return nil

	case wire.TypePresenceChanged:
		if e.cb.OnPresenceChanged != nil && m.UserInfo != nil {
			e.cb.OnPresenceChanged(*m.UserInfo)
		}
		return nil

	case wire.TypePresenceOffline:
		if e.cb.OnPresenceOffline != nil {
			e.cb.OnPresenceOffline(m.UserID)
		}
		return nil

	case wire.TypeForbidden:
		return cos.NewErrForbidden("authority rejected a write from this replica")

	default:
		return nil
	}
}

// observe folds every timestamp carried by m into the local clock, so
// that any op Tick()'d after receiving m is guaranteed to sort after it.
func (e *Engine) observe(m *wire.Message) {
	if m.Timestamp != "" {
		e.clock.Observe(m.Timestamp)
	}
	if m.GlobalAckTimestamp != "" {
		e.clock.Observe(m.GlobalAckTimestamp)
	}
	for _, op := range m.Operations {
		e.clock.Observe(op.Timestamp)
	}
	for _, b := range m.Baselines {
		e.clock.Observe(b.Timestamp)
	}
}

// applyOpRe applies an inbound op-re: baselines upserted first, then
// operations inserted into the local log, then affected snapshots
// invalidated and re-materialised.
func (e *Engine) applyOpRe(ops []*meta.Operation, baselines []*meta.Baseline) error {
	for _, b := range baselines {
		if err := e.baselines.Upsert(b); err != nil {
			return err
		}
	}

	if len(ops) > 0 {
		replicaID := ops[0].ReplicaID
		if replicaID == "" {
			replicaID = e.replicaID
		}
		if err := e.ops.InsertAll(replicaID, ops); err != nil {
			return err
		}
	}

	affected := make(map[oid.OID]bool, len(ops)+len(baselines))
	e.mu.Lock()
	for _, op := range ops {
		e.bumpAppliedLocked(op.Timestamp)
		affected[oid.Root(op.OID)] = true
	}
	e.mu.Unlock()
	for _, b := range baselines {
		affected[oid.Root(b.OID)] = true
	}
	for root := range affected {
		e.invalidate(root)
	}
	return nil
}

// overwriteLocalData handles the handshake's overwrite branch: wipe
// local baselines/ops and replace them with the authority's, retaining
// whatever local buffer had not yet been transmitted.
func (e *Engine) overwriteLocalData(resp *wire.Message) error {
	e.mu.Lock()
	retained := append([]*meta.Operation(nil), e.unsent...)
	staleRoots := make([]oid.OID, 0, len(e.snapshots))
	for root := range e.snapshots {
		staleRoots = append(staleRoots, root)
	}
	e.mu.Unlock()

	if err := e.ops.DropAll(); err != nil {
		return err
	}
	if err := e.baselines.DropAll(); err != nil {
		return err
	}

	if err := e.applyOpRe(resp.Operations, resp.Baselines); err != nil {
		return err
	}

	if len(retained) > 0 {
		if err := e.ops.InsertAll(e.replicaID, retained); err != nil {
			return err
		}
		for _, op := range retained {
			e.invalidate(oid.Root(op.OID))
		}
	}
	// Roots subscribed before the overwrite that resp's data didn't touch
	// must still be re-materialised - they may no longer exist.
	for _, root := range staleRoots {
		e.invalidate(root)
	}
	return nil
}

// rebaseLocal folds every operation with timestamp < t into its OID's
// local baseline and drops it from the log.
// Same bucket-and-fold algorithm as authority.rebasePass, minus the
// active-replica bookkeeping and broadcast that only the authority needs,
// and without its defensive out-of-order guard: each bucket is folded
// whole.
func (e *Engine) rebaseLocal(t hlc.Timestamp) {
	before, err := e.ops.GetBefore(t)
	if err != nil {
		nlog.Warningf("replica[%s]: local rebase getBefore: %v", e.replicaID, err)
		return
	}
	if len(before) == 0 {
		return
	}

	buckets := make(map[oid.OID][]*meta.Operation)
	order := make([]oid.OID, 0)
	for _, op := range before {
		if _, ok := buckets[op.OID]; !ok {
			order = append(order, op.OID)
		}
		buckets[op.OID] = append(buckets[op.OID], op)
	}

	for _, o := range order {
		bucket := buckets[o]
		if err := e.rebaseOne(o, bucket); err != nil {
			nlog.Warningf("replica[%s]: local rebase of %s: %v", e.replicaID, o, err)
		}
	}
}

// rebaseOne folds bucket into o's local baseline and drops it from the
// local oplog in one buntdb transaction, the same atomic fold
// authority.rebasePass runs server-side: ops and baselines must share
// the same underlying *buntdb.DB (see NewEngine) for this to actually be
// one commit rather than two independent ones a crash could split apart.
func (e *Engine) rebaseOne(o oid.OID, bucket []*meta.Operation) error {
	return e.ops.DB().Update(func(tx *buntdb.Tx) error {
		if _, err := baseline.ApplyOperationsTx(tx, o, bucket); err != nil {
			return err
		}
		return oplog.DropTx(tx, bucket)
	})
}

func (e *Engine) sendAck(ctx context.Context, conn wire.Conn) error {
	e.mu.Lock()
	ts := e.lastApplied
	e.mu.Unlock()
	if ts == "" {
		return nil
	}
	return conn.Send(ctx, &wire.Message{Type: wire.TypeAck, ReplicaID: e.replicaID, Timestamp: ts})
}

func (e *Engine) flushUnsent(ctx context.Context, conn wire.Conn) error {
	e.mu.Lock()
	batch := e.unsent
	e.unsent = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := conn.Send(ctx, &wire.Message{Type: wire.TypeOp, ReplicaID: e.replicaID, Operations: batch}); err != nil {
		// The send failed; these operations are already durable locally,
		// so requeue ahead of anything staged since.
		e.mu.Lock()
		e.unsent = append(batch, e.unsent...)
		e.mu.Unlock()
		return err
	}
	return nil
}

// UpdatePresence sends this replica's ephemeral presence payload.
func (e *Engine) UpdatePresence(ctx context.Context, conn wire.Conn, data any) error {
	return conn.Send(ctx, &wire.Message{Type: wire.TypePresenceUpdate, ReplicaID: e.replicaID, PresenceData: data})
}
