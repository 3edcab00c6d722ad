// Package meta holds the data model: Operation, Baseline, Snapshot, and
// ReplicaInfo. Laid out the way core/meta keeps cluster-wide value types
// apart from storage/transport code, and serialized the way wire-visible
// structs are elsewhere (api/apc/actmsg.go): github.com/json-iterator/go
// for JSON, github.com/tinylib/msgp/msgp for the storage encoding
// (msgp.go).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package meta

import (
	"fmt"

	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/oid"
)

// Kind enumerates the operation kinds.
type Kind string

const (
	KindSet        Kind = "set"
	KindDelete     Kind = "delete"
	KindListInsert Kind = "list-insert"
	KindListMove   Kind = "list-move"
	KindListDelete Kind = "list-delete"
	KindInitialize Kind = "initialize"
)

// RefTypeTag is the "@@type" discriminator for a ref value embedded in a
// `set` payload.
const RefTypeTag = "ref"

// Ref is a reference to another OID, the decoded form of
// { "@@type": "ref", "id": <oid> }.
type Ref struct {
	ID oid.OID
}

// AsRef reports whether v is the decoded-JSON shape of a ref and, if so,
// returns it.
func AsRef(v any) (Ref, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Ref{}, false
	}
	if t, _ := m["@@type"].(string); t != RefTypeTag {
		return Ref{}, false
	}
	id, _ := m["id"].(string)
	if id == "" {
		return Ref{}, false
	}
	return Ref{ID: oid.OID(id)}, true
}

// ToJSON returns the JSON-decoded shape of a ref (a plain map, so that it
// round-trips through jsoniter identically to any other snapshot value).
func (r Ref) ToJSON() map[string]any {
	return map[string]any{"@@type": RefTypeTag, "id": string(r.ID)}
}

// Payload is the kind-specific body of an Operation. Concrete shapes:
//
//	set:          {Field string, Value any}
//	delete:       {Field string}
//	initialize:   {Snapshot map[string]any}
//	list-insert:  {Field string, Index int, Value any}
//	list-move:    {Field string, From, To int}
//	list-delete:  {Field string, Index int}
type Payload struct {
	Field    string `json:"field,omitempty"`
	Value    any    `json:"value,omitempty"`
	Index    int    `json:"index,omitempty"`
	From     int    `json:"from,omitempty"`
	To       int    `json:"to,omitempty"`
	Snapshot any    `json:"snapshot,omitempty"`
}

// Operation is the fundamental unit of change.
type Operation struct {
	OID       oid.OID        `json:"oid"`
	Timestamp hlc.Timestamp  `json:"timestamp"`
	Kind      Kind           `json:"op"`
	Payload   Payload        `json:"-"`
	ReplicaID string         `json:"replicaId"`
}

// EffectKey identifies what an operation logically overwrites, for both
// client-side supersession and field-level conflict resolution. Two
// operations with equal (OID, EffectKey) race for the same piece of
// state; list mutations never share an effect key with anything, since
// list mutations do not supersede each other.
func (o *Operation) EffectKey() string {
	switch o.Kind {
	case KindSet, KindDelete:
		return "field:" + o.Payload.Field
	case KindInitialize:
		return "object"
	default:
		// list-insert/list-move/list-delete: unique per operation so
		// nothing ever supersedes it.
		return fmt.Sprintf("list:%s:%s", o.Kind, o.Timestamp)
	}
}

// Supersedes reports whether o, applied after prev (prev.Timestamp <
// o.Timestamp), makes prev redundant in an unsent client buffer.
// initialize supersedes everything on the same OID; delete(f)
// additionally supersedes any earlier set(f); otherwise two ops
// supersede each other only when they share an EffectKey.
func (o *Operation) Supersedes(prev *Operation) bool {
	if o.OID != prev.OID {
		return false
	}
	if o.Kind == KindInitialize {
		return true
	}
	if o.Kind == KindDelete && prev.Kind == KindSet {
		return o.Payload.Field == prev.Payload.Field
	}
	return o.EffectKey() == prev.EffectKey()
}

// Baseline is a compacted per-object snapshot.
type Baseline struct {
	OID       oid.OID       `json:"oid"`
	Snapshot  any           `json:"snapshot"`
	Timestamp hlc.Timestamp `json:"timestamp"`
}

// ReplicaType enumerates the replica kinds.
type ReplicaType string

const (
	Realtime         ReplicaType = "Realtime"
	Push             ReplicaType = "Push"
	Pull             ReplicaType = "Pull"
	ReadOnlyRealtime ReplicaType = "ReadOnlyRealtime"
	ReadOnlyPull     ReplicaType = "ReadOnlyPull"
)

// IsReadOnly reports whether replicas of this type can ever write.
func (t ReplicaType) IsReadOnly() bool {
	return t == ReadOnlyRealtime || t == ReadOnlyPull
}

// ReplicaInfo is the registry record for one replica.
type ReplicaInfo struct {
	ReplicaID      string
	UserID         string
	Type           ReplicaType
	AckedTimestamp hlc.Timestamp // hlc.Zero means "never acknowledged"
	LastSeen       int64         // cmn/mono.UnixMilli at last contact
	CreatedAt      int64
}

// HasAcked reports whether the replica has ever acknowledged anything.
func (r *ReplicaInfo) HasAcked() bool { return r.AckedTimestamp != hlc.Zero }
