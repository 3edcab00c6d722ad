package registry_test

import (
	"testing"

	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/store/registry"
)

func open(t *testing.T) *registry.Store {
	t.Helper()
	s, err := registry.Open("test-lib", ":memory:", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateNewThenExisting(t *testing.T) {
	s := open(t)
	res, err := s.GetOrCreate("r1", registry.TokenInfo{UserID: "u1", Type: meta.Realtime})
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}
	if res.Status != registry.StatusNew {
		t.Fatalf("status = %v, want new", res.Status)
	}

	res2, err := s.GetOrCreate("r1", registry.TokenInfo{UserID: "u1", Type: meta.Realtime})
	if err != nil {
		t.Fatalf("getOrCreate 2: %v", err)
	}
	if res2.Status != registry.StatusExisting {
		t.Fatalf("status = %v, want existing", res2.Status)
	}
	if res2.Info.UserID != "u1" {
		t.Fatalf("userID = %q, want u1", res2.Info.UserID)
	}
}

func TestUpdateAcknowledgedIsMonotonic(t *testing.T) {
	s := open(t)
	if _, err := s.GetOrCreate("r1", registry.TokenInfo{Type: meta.Realtime}); err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}
	if err := s.UpdateAcknowledged("r1", "5"); err != nil {
		t.Fatalf("ack 5: %v", err)
	}
	if err := s.UpdateAcknowledged("r1", "2"); err != nil {
		t.Fatalf("ack 2: %v", err)
	}
	res, err := s.GetOrCreate("r1", registry.TokenInfo{Type: meta.Realtime})
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}
	if res.Info.AckedTimestamp != "5" {
		t.Fatalf("ackedTimestamp = %q, want 5 (monotonic, not regressed by 2)", res.Info.AckedTimestamp)
	}
}

func TestGetGlobalAckExcludesReadOnlyAndTruant(t *testing.T) {
	s := open(t)
	mustCreate(t, s, "writer1", meta.Realtime)
	mustCreate(t, s, "writer2", meta.Push)
	mustCreate(t, s, "reader", meta.ReadOnlyRealtime)

	if err := s.UpdateAcknowledged("writer1", "10"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAcknowledged("writer2", "20"); err != nil {
		t.Fatal(err)
	}
	// reader never acks; since it is read-only it must not gate the result.

	ts, ok := s.GetGlobalAck(nil)
	if !ok {
		t.Fatalf("expected a global ack")
	}
	if ts != "10" {
		t.Fatalf("globalAck = %q, want 10 (min of writer1/writer2)", ts)
	}
}

func TestGetGlobalAckNullWhenQualifyingReplicaNeverAcked(t *testing.T) {
	s := open(t)
	mustCreate(t, s, "writer1", meta.Realtime)
	mustCreate(t, s, "writer2", meta.Realtime)
	if err := s.UpdateAcknowledged("writer1", "10"); err != nil {
		t.Fatal(err)
	}
	// writer2 never acked.

	_, ok := s.GetGlobalAck(nil)
	if ok {
		t.Fatalf("expected no global ack while writer2 has never acknowledged")
	}
}

func TestDelete(t *testing.T) {
	s := open(t)
	mustCreate(t, s, "r1", meta.Realtime)
	if err := s.Delete("r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err := s.GetOrCreate("r1", registry.TokenInfo{Type: meta.Realtime})
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}
	if res.Status != registry.StatusNew {
		t.Fatalf("status after delete+recreate = %v, want new", res.Status)
	}
}

func mustCreate(t *testing.T, s *registry.Store, id string, typ meta.ReplicaType) {
	t.Helper()
	if _, err := s.GetOrCreate(id, registry.TokenInfo{Type: typ}); err != nil {
		t.Fatalf("getOrCreate(%s): %v", id, err)
	}
}
