package hlc_test

import (
	"testing"

	"github.com/localfirst/syncengine/hlc"
)

func TestTickMonotonic(t *testing.T) {
	c := hlc.New("r1")
	prev := hlc.Zero
	for i := 0; i < 1000; i++ {
		ts := c.Tick()
		if !hlc.Less(prev, ts) {
			t.Fatalf("tick %d: %q is not strictly greater than %q", i, ts, prev)
		}
		prev = ts
	}
}

func TestObserveAdvancesClock(t *testing.T) {
	a := hlc.New("a")
	b := hlc.New("b")

	bTS := b.Tick()
	for i := 0; i < 5; i++ {
		bTS = b.Tick()
	}

	a.Observe(bTS)
	aTS := a.Tick()
	if !hlc.Less(bTS, aTS) {
		t.Fatalf("after observing %q, a's tick %q should be greater", bTS, aTS)
	}
}

func TestCompareByteOrder(t *testing.T) {
	c := hlc.New("r1")
	ts1 := c.Tick()
	ts2 := c.Tick()
	if hlc.Compare(ts1, ts2) >= 0 {
		t.Fatalf("expected ts1 < ts2, got compare=%d", hlc.Compare(ts1, ts2))
	}
	if hlc.Compare(ts1, ts1) != 0 {
		t.Fatalf("expected equal timestamps to compare equal")
	}
}

func TestParseRoundTrip(t *testing.T) {
	c := hlc.New("replica-9")
	ts := c.Tick()
	wall, counter, replicaID, err := hlc.Parse(ts)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if replicaID != "replica-9" {
		t.Fatalf("replicaID = %q, want replica-9", replicaID)
	}
	if wall == 0 {
		t.Fatalf("wall should not be zero")
	}
	_ = counter
}

func TestParseMalformed(t *testing.T) {
	if _, _, _, err := hlc.Parse("not-a-timestamp"); err == nil {
		t.Fatalf("expected error parsing malformed timestamp")
	}
}
