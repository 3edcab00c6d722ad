package oid_test

import (
	"testing"

	"github.com/localfirst/syncengine/oid"
)

func TestRangeProperty(t *testing.T) {
	root := oid.NewRoot("items")
	alloc := oid.NewAllocator(root)

	for i := 0; i < 50; i++ {
		sub := alloc.Next("tags")
		if !oid.InRange(root, sub) {
			t.Fatalf("sub-oid %q not in range of root %q", sub, root)
		}
	}
}

func TestIsRoot(t *testing.T) {
	root := oid.NewRoot("docs")
	if !oid.IsRoot(root) {
		t.Fatalf("%q should be a root", root)
	}
	alloc := oid.NewAllocator(root)
	sub := alloc.Next("items")
	if oid.IsRoot(sub) {
		t.Fatalf("%q should not be a root", sub)
	}
	if oid.Root(sub) != root {
		t.Fatalf("Root(%q) = %q, want %q", sub, oid.Root(sub), root)
	}
}

func TestFieldPath(t *testing.T) {
	root := oid.NewRoot("docs")
	alloc := oid.NewAllocator(root)
	sub := alloc.Next("profile.tags")
	if got := oid.FieldPath(sub); got != "profile.tags" {
		t.Fatalf("FieldPath(%q) = %q, want profile.tags", sub, got)
	}
	if got := oid.FieldPath(root); got != "" {
		t.Fatalf("FieldPath(root) = %q, want empty", got)
	}
}

func TestDeterministicReplay(t *testing.T) {
	root := oid.NewRoot("docs")
	a1 := oid.NewAllocator(root)
	a2 := oid.NewAllocator(root)

	original := a1.NextWithLocalID("items", "7")
	replayed := a2.NextWithLocalID("items", "7")
	if replayed != original {
		t.Fatalf("replayed oid %q != original %q", replayed, original)
	}
}
