package local_test

import (
	"context"
	"testing"
	"time"

	"github.com/localfirst/syncengine/wire"
	"github.com/localfirst/syncengine/wire/local"
)

func TestPairDeliversBothDirections(t *testing.T) {
	a, b := local.Pair(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Send(ctx, &wire.Message{Type: wire.TypeHeartbeat, ReplicaID: "r1"}); err != nil {
		t.Fatalf("send a->b: %v", err)
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv at b: %v", err)
	}
	if got.Type != wire.TypeHeartbeat {
		t.Fatalf("got %+v", got)
	}

	if err := b.Send(ctx, &wire.Message{Type: wire.TypeHeartbeatResp}); err != nil {
		t.Fatalf("send b->a: %v", err)
	}
	got2, err := a.Recv(ctx)
	if err != nil {
		t.Fatalf("recv at a: %v", err)
	}
	if got2.Type != wire.TypeHeartbeatResp {
		t.Fatalf("got %+v", got2)
	}
}

func TestCloseUnblocksPeerRecv(t *testing.T) {
	a, b := local.Pair(1)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.Recv(ctx); err == nil {
		t.Fatalf("expected error from Recv after peer closed")
	}
}
