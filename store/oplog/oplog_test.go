package oplog_test

import (
	"testing"

	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/oid"
	"github.com/localfirst/syncengine/store/oplog"
)

func open(t *testing.T) *oplog.Log {
	t.Helper()
	l, err := oplog.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func op(o oid.OID, ts hlc.Timestamp, field, value string) *meta.Operation {
	return &meta.Operation{OID: o, Timestamp: ts, Kind: meta.KindSet, Payload: meta.Payload{Field: field, Value: value}}
}

func TestIdempotentInsert(t *testing.T) {
	l := open(t)
	o := oid.OID("items/a")
	ops := []*meta.Operation{op(o, "1", "content", "x")}

	if err := l.InsertAll("r1", ops); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.InsertAll("r1", ops); err != nil { // rebroadcast loop
		t.Fatalf("second insert: %v", err)
	}

	got, err := l.GetForOid(o)
	if err != nil {
		t.Fatalf("getForOid: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 operation after duplicate insert, got %d", len(got))
	}
}

func TestGetAfterAndBefore(t *testing.T) {
	l := open(t)
	o := oid.OID("items/a")
	all := []*meta.Operation{
		op(o, "1", "a", "1"),
		op(o, "2", "b", "2"),
		op(o, "3", "c", "3"),
	}
	if err := l.InsertAll("r1", all); err != nil {
		t.Fatalf("insert: %v", err)
	}

	after, err := l.GetAfter("1")
	if err != nil {
		t.Fatalf("getAfter: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("getAfter(1): got %d ops, want 2", len(after))
	}

	before, err := l.GetBefore("3")
	if err != nil {
		t.Fatalf("getBefore: %v", err)
	}
	if len(before) != 2 {
		t.Fatalf("getBefore(3): got %d ops, want 2", len(before))
	}

	everything, err := l.GetAfter(hlc.Zero)
	if err != nil {
		t.Fatalf("getAfter(zero): %v", err)
	}
	if len(everything) != 3 {
		t.Fatalf("getAfter(zero): got %d ops, want 3", len(everything))
	}
}

func TestDropRemovesBothIndexes(t *testing.T) {
	l := open(t)
	o := oid.OID("items/a")
	ops := []*meta.Operation{op(o, "1", "a", "1")}
	if err := l.InsertAll("r1", ops); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.Drop(ops); err != nil {
		t.Fatalf("drop: %v", err)
	}
	got, err := l.GetForOid(o)
	if err != nil {
		t.Fatalf("getForOid: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 ops after drop, got %d", len(got))
	}
	remaining, err := l.GetAfter(hlc.Zero)
	if err != nil {
		t.Fatalf("getAfter: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected 0 ops in chronological index after drop, got %d", len(remaining))
	}
}

func TestMalformedOperationDropped(t *testing.T) {
	l := open(t)
	bad := &meta.Operation{OID: "", Timestamp: "1", Kind: meta.KindSet}
	if err := l.InsertAll("r1", []*meta.Operation{bad}); err != nil {
		t.Fatalf("insert should not fail on malformed op: %v", err)
	}
	got, err := l.GetAfter(hlc.Zero)
	if err != nil {
		t.Fatalf("getAfter: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("malformed op should not be stored, got %d", len(got))
	}
}

func TestDropAll(t *testing.T) {
	l := open(t)
	if err := l.InsertAll("r1", []*meta.Operation{
		op("items/a", "1", "f", "1"),
		op("items/b", "2", "f", "2"),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.DropAll(); err != nil {
		t.Fatalf("dropAll: %v", err)
	}
	got, err := l.GetAfter(hlc.Zero)
	if err != nil {
		t.Fatalf("getAfter: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty log after dropAll, got %d", len(got))
	}
}
