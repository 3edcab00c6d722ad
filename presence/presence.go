// Package presence implements the ephemeral presence fan-out: an
// in-memory, per-library map of userId to the latest presence record,
// with accounting for which replicas currently back each user so the
// last one disconnecting can be detected. A "global mutable state,
// created on first access, destroyed on library close" pattern, the same
// shape as a process-wide cluster map owner but scoped per library
// instead of per cluster.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package presence

import "sync"

// Entry is the record broadcast as wire.Presence: { presence, replicaId,
// profile, id }.
type Entry struct {
	ID        string
	ReplicaID string
	UserID    string
	Presence  any
	Profile   any
}

// Map is a per-library presence table. Zero value is not usable; use New.
type Map struct {
	mu sync.Mutex

	byUser    map[string]*Entry    // userId -> latest entry
	replicas  map[string]string    // replicaId -> userId, for disconnect accounting
	perUser   map[string]map[string]bool // userId -> set of live replicaIds
}

func New() *Map {
	return &Map{
		byUser:   make(map[string]*Entry),
		replicas: make(map[string]string),
		perUser:  make(map[string]map[string]bool),
	}
}

// Update records a presence-update from replicaId on behalf of userId,
// returning the new Entry to rebroadcast as presence-changed, including
// back to the sender.
func (m *Map) Update(userID, replicaID string, presenceData, profile any) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &Entry{ID: userID + ":" + replicaID, ReplicaID: replicaID, UserID: userID, Presence: presenceData, Profile: profile}
	m.byUser[userID] = e
	m.replicas[replicaID] = userID
	if m.perUser[userID] == nil {
		m.perUser[userID] = make(map[string]bool)
	}
	m.perUser[userID][replicaID] = true
	return e
}

// Disconnect removes replicaID's membership. It returns (userID, true) iff
// that replica was the last live replica for its user, in which case the
// caller should broadcast presence-offline for userID.
func (m *Map) Disconnect(replicaID string) (userID string, wasLast bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.replicas[replicaID]
	if !ok {
		return "", false
	}
	delete(m.replicas, replicaID)
	set := m.perUser[userID]
	delete(set, replicaID)
	if len(set) == 0 {
		delete(m.perUser, userID)
		delete(m.byUser, userID)
		return userID, true
	}
	return userID, false
}

// All returns every currently-present entry, for inclusion in sync-resp's
// peerPresence.
func (m *Map) All() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Entry, 0, len(m.byUser))
	for _, e := range m.byUser {
		out = append(out, e)
	}
	return out
}

// Get returns the current entry for userID, if any.
func (m *Map) Get(userID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byUser[userID]
	return e, ok
}
