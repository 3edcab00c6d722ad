package presence_test

import (
	"testing"

	"github.com/localfirst/syncengine/presence"
)

func TestUpdateThenAll(t *testing.T) {
	m := presence.New()
	m.Update("u1", "r1", map[string]any{"cursor": "x"}, map[string]any{"name": "alice"})
	all := m.All()
	if len(all) != 1 || all[0].UserID != "u1" {
		t.Fatalf("all = %+v", all)
	}
}

func TestDisconnectLastReplicaEmitsOffline(t *testing.T) {
	m := presence.New()
	m.Update("u1", "r1", nil, nil)
	m.Update("u1", "r2", nil, nil) // same user, two devices

	_, wasLast := m.Disconnect("r1")
	if wasLast {
		t.Fatalf("disconnecting r1 should not be last: r2 still live")
	}
	if _, ok := m.Get("u1"); !ok {
		t.Fatalf("user should still be present after only one of two replicas disconnects")
	}

	userID, wasLast := m.Disconnect("r2")
	if !wasLast || userID != "u1" {
		t.Fatalf("disconnecting r2 should be last for u1, got wasLast=%v userID=%q", wasLast, userID)
	}
	if _, ok := m.Get("u1"); ok {
		t.Fatalf("user should be gone after last replica disconnects")
	}
}

func TestDisconnectUnknownReplicaIsNoop(t *testing.T) {
	m := presence.New()
	_, wasLast := m.Disconnect("never-seen")
	if wasLast {
		t.Fatalf("disconnecting an unknown replica must not report wasLast")
	}
}
