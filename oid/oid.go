// Package oid implements Object Identifier syntax, parsing, and the
// half-open-range allocation scheme every sub-object OID generated under
// a root must satisfy:
//
//	rootOid <= subOid <= rootOid + ":￿"
//
// Built on the cmn/cos/uuid.go id-generation idiom: a random root id
// from github.com/teris-io/shortid, plus a locally-incrementing counter
// embedded for sub-objects, local to the initialising replica.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package oid

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/localfirst/syncengine/cmn/cos"
)

// OID is a hierarchical string identifier:
//
//	<collection>/<rootId>                          (document root)
//	<collection>/<rootId>.<fieldPath>:<localId>     (nested object/array)
type OID string

// rangeHi is appended to a root OID to compute the upper bound of its
// sub-object range; '￿' sorts after every character a field path or
// local id can legally contain.
const rangeHi = ":￿"

// NewRoot allocates a new document-root OID in the given collection.
func NewRoot(collection string) OID {
	return OID(collection + "/" + cos.GenUUID())
}

// Allocator hands out sub-object OIDs under a single root, using a
// monotonic local counter so that two operations from the same replica
// against the same root never collide, while remaining deterministic
// enough that a peer replicating the same initialize op can derive the
// identical id when it carries the counter itself.
type Allocator struct {
	root    OID
	counter atomic.Uint64
}

func NewAllocator(root OID) *Allocator {
	return &Allocator{root: root}
}

// Next allocates the next sub-object OID under fieldPath, e.g.
// "items" or "profile.tags".
func (a *Allocator) Next(fieldPath string) OID {
	n := a.counter.Add(1)
	localID := strconv.FormatUint(n, 36)
	return OID(string(a.root) + "." + fieldPath + ":" + localID)
}

// NextWithLocalID allocates a sub-object OID with an explicit localId,
// used when a replica replays a peer's initialize op and must reproduce
// the exact same OID the originating replica generated.
func (a *Allocator) NextWithLocalID(fieldPath, localID string) OID {
	return OID(string(a.root) + "." + fieldPath + ":" + localID)
}

// Root returns the root OID for any OID (sub-object or root itself).
func Root(o OID) OID {
	s := string(o)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return OID(s[:i])
	}
	return o
}

// IsRoot reports whether o addresses a document root rather than a
// nested sub-object.
func IsRoot(o OID) bool { return Root(o) == o }

// InRange reports whether sub lies in root's half-open allocation range
// [root, root + ":￿"]. A root is always in its own
// range.
func InRange(root, sub OID) bool {
	lo := string(root)
	hi := lo + rangeHi
	s := string(sub)
	return s >= lo && s <= hi
}

// Collection returns the collection component of an OID.
func Collection(o OID) (string, error) {
	s := string(o)
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return "", fmt.Errorf("oid: missing collection separator in %q", o)
	}
	return s[:i], nil
}

// FieldPath returns the nested field path of a sub-object OID, or "" for
// a root OID.
func FieldPath(o OID) string {
	s := string(o)
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return ""
	}
	rest := s[dot+1:]
	if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
		return rest[:colon]
	}
	return rest
}
