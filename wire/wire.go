// Package wire defines the replica↔authority protocol: message types,
// their JSON shapes, and the Conn abstraction a transport binds to. Built
// on the transport.Msg/RecvMsg idiom — a sender id plus an opaque body,
// received via callback — simplified here to a blocking Send/Recv pair
// since payloads are JSON messages rather than an HTTP object stream.
// Encoding uses github.com/json-iterator/go, the same library meta uses
// for the bit-exact Operation/Baseline wire shapes.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/meta"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type discriminates a Message's concrete payload.
type Type string

const (
	TypeSync            Type = "sync"
	TypeSyncStep2       Type = "sync-step2"
	TypeOp              Type = "op"
	TypeAck             Type = "ack"
	TypeHeartbeat       Type = "heartbeat"
	TypePresenceUpdate  Type = "presence-update"
	TypeSyncResp        Type = "sync-resp"
	TypeOpRe            Type = "op-re"
	TypeGlobalAck       Type = "global-ack"
	TypePresenceChanged Type = "presence-changed"
	TypePresenceOffline Type = "presence-offline"
	TypeHeartbeatResp   Type = "heartbeat-response"
	TypeForbidden       Type = "forbidden"
)

// Message is the envelope every wire message is encoded as. Only the
// fields relevant to Type are populated; this mirrors how api/apc action
// messages carry a single discriminated union rather than a Go type per
// message (api/apc/actmsg.go).
type Message struct {
	Type Type `json:"type"`

	// Common envelope fields.
	ReplicaID string        `json:"replicaId,omitempty"`
	Timestamp hlc.Timestamp `json:"timestamp,omitempty"`

	// sync
	ResyncAll     bool   `json:"resyncAll,omitempty"`
	SchemaVersion string `json:"schemaVersion,omitempty"`

	// sync-step2, op, op-re
	Operations []*meta.Operation `json:"operations,omitempty"`
	Baselines  []*meta.Baseline  `json:"baselines,omitempty"`

	// sync-resp
	ProvideChangesSince hlc.Timestamp `json:"provideChangesSince,omitempty"`
	GlobalAckTimestamp  hlc.Timestamp `json:"globalAckTimestamp,omitempty"`
	PeerPresence        []Presence    `json:"peerPresence,omitempty"`
	OverwriteLocalData  bool          `json:"overwriteLocalData,omitempty"`

	// presence-update, presence-changed
	PresenceData any    `json:"presence,omitempty"`
	UserInfo     *Presence `json:"userInfo,omitempty"`

	// presence-offline
	UserID string `json:"userId,omitempty"`
}

// Presence is the ephemeral per-user record broadcast in sync-resp and
// presence-changed: { presence, replicaId, profile, id }.
type Presence struct {
	ID        string `json:"id"`
	ReplicaID string `json:"replicaId"`
	UserID    string `json:"userId"`
	Presence  any    `json:"presence"`
	Profile   any    `json:"profile,omitempty"`
}

// Encode renders m as the wire JSON bytes.
func Encode(m *Message) ([]byte, error) { return json.Marshal(m) }

// Decode parses wire JSON bytes into a Message.
func Decode(b []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Conn is one replica's logical connection to its library's Authority.
// Implementations may be a real TCP transport (wire/tcp), an in-process
// queue (wire/local, used by tests), or anything with the same two
// verbs. Send/Recv are expected to be called from a single
// reader/writer goroutine pair each, the same contract a Stream type
// expects of its caller.
type Conn interface {
	// Send transmits one message; it may buffer internally but must
	// preserve ordering.
	Send(ctx context.Context, m *Message) error
	// Recv blocks for the next inbound message. Returns an error (wrapping
	// ctx.Err() on cancellation, or io.EOF-like on a closed peer) when no
	// further messages will arrive.
	Recv(ctx context.Context) (*Message, error)
	// Close tears the connection down; Recv on a closed Conn returns an
	// error immediately.
	Close() error
}

// ClientKey uniquely identifies a live Conn by identity (not replicaId, so
// that a stale connection under the old replica id is never confused with
// its successor) — excluding the sender from a broadcast is by identity,
// not replicaId.
type ClientKey uint64
