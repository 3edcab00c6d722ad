package authority_test

import (
	"context"
	"testing"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/localfirst/syncengine/authority"
	"github.com/localfirst/syncengine/cmn/config"
	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/presence"
	"github.com/localfirst/syncengine/store/baseline"
	"github.com/localfirst/syncengine/store/oplog"
	"github.com/localfirst/syncengine/store/registry"
	"github.com/localfirst/syncengine/wire"
	"github.com/localfirst/syncengine/wire/local"
)

type harness struct {
	a   *authority.Authority
	ops *oplog.Log
	bl  *baseline.Store
	reg *registry.Store
}

// newHarness opens oplog/baseline/registry against one shared in-memory
// buntdb, matching how cmd/syncd wires a library's stores, so that
// Authority's rebase exercises its real cross-store transaction instead
// of three independent in-memory databases that happen to never
// collide.
func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := buntdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ops := oplog.New(db)
	bl := baseline.New(db)
	reg := registry.New("test-lib", db, nil)
	t.Cleanup(func() { db.Close() })

	a := authority.New("test-lib", ops, bl, reg, presence.New(), nil)
	return &harness{a: a, ops: ops, bl: bl, reg: reg}
}

func serveClient(h *harness, tok registry.TokenInfo) (client wire.Conn, done chan error) {
	client, serverSide := local.Pair(16)
	done = make(chan error, 1)
	go func() { done <- h.a.Serve(context.Background(), serverSide, tok) }()
	return client, done
}

func recvWithTimeout(t *testing.T, c wire.Conn) *wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return m
}

func TestSyncOnEmptyLibraryDoesNotOverwrite(t *testing.T) {
	h := newHarness(t)
	client, done := serveClient(h, registry.TokenInfo{UserID: "u1", Type: meta.Realtime})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Send(ctx, &wire.Message{Type: wire.TypeSync, ReplicaID: "r1"}); err != nil {
		t.Fatalf("send sync: %v", err)
	}
	resp := recvWithTimeout(t, client)
	if resp.Type != wire.TypeSyncResp {
		t.Fatalf("got %+v", resp)
	}
	if resp.OverwriteLocalData {
		t.Fatalf("first replica into an empty library should not be told to overwrite")
	}
	select {
	case err := <-done:
		t.Fatalf("Serve exited early: %v", err)
	default:
	}
}

func TestOpIngestAndRebroadcastExcludesSender(t *testing.T) {
	h := newHarness(t)
	clientA, _ := serveClient(h, registry.TokenInfo{UserID: "u1", Type: meta.Realtime})
	clientB, _ := serveClient(h, registry.TokenInfo{UserID: "u1", Type: meta.Realtime})
	defer clientA.Close()
	defer clientB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Bring both into the "connected" state via sync so they register a
	// replicaID on their clientConn.
	if err := clientA.Send(ctx, &wire.Message{Type: wire.TypeSync, ReplicaID: "ra"}); err != nil {
		t.Fatal(err)
	}
	recvWithTimeout(t, clientA)
	if err := clientB.Send(ctx, &wire.Message{Type: wire.TypeSync, ReplicaID: "rb"}); err != nil {
		t.Fatal(err)
	}
	recvWithTimeout(t, clientB)

	op := &meta.Operation{OID: "items/a", Timestamp: "1", Kind: meta.KindSet, Payload: meta.Payload{Field: "x", Value: float64(1)}}
	if err := clientA.Send(ctx, &wire.Message{Type: wire.TypeOp, ReplicaID: "ra", Operations: []*meta.Operation{op}}); err != nil {
		t.Fatalf("send op: %v", err)
	}

	got := recvWithTimeout(t, clientB)
	if got.Type != wire.TypeOpRe || len(got.Operations) != 1 {
		t.Fatalf("clientB expected op-re with 1 operation, got %+v", got)
	}

	stored, err := h.ops.GetForOid("items/a")
	if err != nil {
		t.Fatalf("getForOid: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored op, got %d", len(stored))
	}
}

func TestSyncStep2ReadOnlyTokenForbidden(t *testing.T) {
	h := newHarness(t)
	client, _ := serveClient(h, registry.TokenInfo{UserID: "u1", Type: meta.ReadOnlyRealtime})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	op := &meta.Operation{OID: "items/a", Timestamp: "1", Kind: meta.KindSet, Payload: meta.Payload{Field: "x", Value: float64(1)}}
	if err := client.Send(ctx, &wire.Message{Type: wire.TypeSyncStep2, ReplicaID: "r1", Operations: []*meta.Operation{op}, Timestamp: "1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	stored, err := h.ops.GetForOid("items/a")
	if err != nil {
		t.Fatalf("getForOid: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("read-only token must not be able to write, got %d stored ops", len(stored))
	}
}

func TestReplicaOwnershipViolationIsForbidden(t *testing.T) {
	h := newHarness(t)
	clientA, _ := serveClient(h, registry.TokenInfo{UserID: "u1", Type: meta.Realtime})
	defer clientA.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clientA.Send(ctx, &wire.Message{Type: wire.TypeSync, ReplicaID: "shared-id"}); err != nil {
		t.Fatal(err)
	}
	recvWithTimeout(t, clientA)

	clientB, _ := serveClient(h, registry.TokenInfo{UserID: "u2", Type: meta.Realtime})
	defer clientB.Close()
	if err := clientB.Send(ctx, &wire.Message{Type: wire.TypeSync, ReplicaID: "shared-id"}); err != nil {
		t.Fatal(err)
	}
	got := recvWithTimeout(t, clientB)
	if got.Type != wire.TypeForbidden {
		t.Fatalf("expected forbidden for a replica id reused under a different user, got %+v", got)
	}
}

func TestPresenceUpdateBroadcastsIncludingSender(t *testing.T) {
	h := newHarness(t)
	client, _ := serveClient(h, registry.TokenInfo{UserID: "u1", Type: meta.Realtime})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Send(ctx, &wire.Message{Type: wire.TypePresenceUpdate, ReplicaID: "r1", PresenceData: map[string]any{"cursor": "x"}}); err != nil {
		t.Fatal(err)
	}
	got := recvWithTimeout(t, client)
	if got.Type != wire.TypePresenceChanged {
		t.Fatalf("sender should receive its own presence-changed, got %+v", got)
	}
}

// TestRebaseFoldsBelowGlobalAckExcludingTruantReplica drives the rebase
// pass past its global-ack watermark with three replicas, one of which
// has disconnected and gone truant, and asserts the baseline/oplog end
// state: the truant replica must not hold up consensus, and the folded
// operations must land in the baseline and disappear from the oplog
// together (see authority.rebaseOne's single-transaction fold-and-drop).
func TestRebaseFoldsBelowGlobalAckExcludingTruantReplica(t *testing.T) {
	orig := config.Get()
	config.Set(&config.Config{
		Truancy:        30 * time.Millisecond,
		RebaseCoalesce: 10 * time.Millisecond,
		Heartbeat:      orig.Heartbeat,
		BackoffMin:     orig.BackoffMin,
		BackoffMax:     orig.BackoffMax,
	})
	defer config.Set(orig)

	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r1, _ := serveClient(h, registry.TokenInfo{UserID: "u1", Type: meta.Realtime})
	defer r1.Close()
	r2, _ := serveClient(h, registry.TokenInfo{UserID: "u1", Type: meta.Realtime})
	defer r2.Close()
	r3, doneR3 := serveClient(h, registry.TokenInfo{UserID: "u1", Type: meta.Realtime})

	if err := r1.Send(ctx, &wire.Message{Type: wire.TypeSync, ReplicaID: "r1"}); err != nil {
		t.Fatal(err)
	}
	recvWithTimeout(t, r1)
	if err := r2.Send(ctx, &wire.Message{Type: wire.TypeSync, ReplicaID: "r2"}); err != nil {
		t.Fatal(err)
	}
	recvWithTimeout(t, r2)
	if err := r3.Send(ctx, &wire.Message{Type: wire.TypeSync, ReplicaID: "r3"}); err != nil {
		t.Fatal(err)
	}
	recvWithTimeout(t, r3)

	// r3 drops off and goes truant; it must stop counting toward
	// global-ack consensus once Truancy has elapsed.
	r3.Close()
	select {
	case <-doneR3:
	case <-time.After(2 * time.Second):
		t.Fatalf("r3's Serve loop did not exit after Close")
	}
	time.Sleep(2 * config.Get().Truancy)

	// Ack is decoupled from actual op timestamps (handleAck only ever
	// touches the registry), so both surviving replicas can ack a
	// watermark ahead of operations not yet sent. Doing this first means
	// the rebase triggered by the op ingestion below already has
	// consensus to work with.
	if err := r1.Send(ctx, &wire.Message{Type: wire.TypeAck, ReplicaID: "r1", Timestamp: "4"}); err != nil {
		t.Fatal(err)
	}
	if err := r2.Send(ctx, &wire.Message{Type: wire.TypeAck, ReplicaID: "r2", Timestamp: "4"}); err != nil {
		t.Fatal(err)
	}

	ops := []*meta.Operation{
		{OID: "items/a", Timestamp: "1", Kind: meta.KindSet, ReplicaID: "r1", Payload: meta.Payload{Field: "x", Value: float64(1)}},
		{OID: "items/a", Timestamp: "2", Kind: meta.KindSet, ReplicaID: "r1", Payload: meta.Payload{Field: "x", Value: float64(2)}},
		{OID: "items/a", Timestamp: "3", Kind: meta.KindSet, ReplicaID: "r1", Payload: meta.Payload{Field: "x", Value: float64(3)}},
	}
	if err := r1.Send(ctx, &wire.Message{Type: wire.TypeSyncStep2, ReplicaID: "r1", Operations: ops, Timestamp: "3"}); err != nil {
		t.Fatal(err)
	}
	// sync-step2 broadcasts op-re to every other connected replica; r1
	// itself (the sender) gets no reply. r2's acknowledgment above may
	// already have queued a global-ack broadcast ahead of it, so drain
	// until op-re turns up.
	foundOpRe := false
	for i := 0; i < 4; i++ {
		got := recvWithTimeout(t, r2)
		if got.Type == wire.TypeOpRe {
			foundOpRe = true
			break
		}
	}
	if !foundOpRe {
		t.Fatalf("expected an op-re on r2 after r1's sync-step2")
	}

	deadline := time.Now().Add(3 * time.Second)
	var bl *meta.Baseline
	var remaining []*meta.Operation
	var err error
	for time.Now().Before(deadline) {
		bl, err = h.bl.Get("items/a")
		if err != nil {
			t.Fatalf("get baseline: %v", err)
		}
		remaining, err = h.ops.GetForOid("items/a")
		if err != nil {
			t.Fatalf("getForOid: %v", err)
		}
		if bl != nil && len(remaining) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if bl == nil {
		t.Fatalf("expected rebase to fold items/a into a baseline past the global-ack watermark")
	}
	m, ok := bl.Snapshot.(map[string]any)
	if !ok || m["x"] != float64(3) {
		t.Fatalf("expected the baseline to reflect all three folded sets, got %+v", bl.Snapshot)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the folded operations to be dropped from the oplog atomically with the baseline write, got %d left", len(remaining))
	}
}
