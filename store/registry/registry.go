// Package registry implements ReplicaRegistry: per-library
// bookkeeping of replica identity, acknowledgment watermark, and liveness,
// plus the global-ack computation that gates BaselineStore compaction.
// Built on the same buntdb idiom as store/oplog and store/baseline, and
// on the hk package for the periodic truancy sweep, the same way
// ext/dload/infostore.go registers its own hk.Reg housekeeping callback
// rather than running an ad hoc ticker goroutine.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package registry

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/localfirst/syncengine/cmn/config"
	"github.com/localfirst/syncengine/cmn/mono"
	"github.com/localfirst/syncengine/hk"
	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyPrefix = "rp\x00"

// Status is the result of getOrCreate.
type Status string

const (
	StatusNew      Status = "new"
	StatusExisting Status = "existing"
	StatusTruant   Status = "truant"
)

// Result bundles getOrCreate's return pair.
type Result struct {
	Status Status
	Info   *meta.ReplicaInfo
}

// TokenInfo is the decoded identity carried by a replica's handshake token
//; Authority
// decodes the JWT and passes the result in here, so this package stays free
// of any dependency on the token format itself.
type TokenInfo struct {
	UserID string
	Type   meta.ReplicaType
}

// Store is a per-library ReplicaRegistry.
type Store struct {
	mu      sync.Mutex
	db      *buntdb.DB
	ownsDB  bool
	library string
	tr      *stats.Tracker
	hkName  string
}

// Open creates a registry for one library backed by its own in-process
// buntdb database, closed by Close. If tr is non-nil, the truant-replica
// gauge is kept current by a periodic hk sweep.
func Open(library, path string, tr *stats.Tracker) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	s := New(library, db, tr)
	s.ownsDB = true
	return s, nil
}

// New wraps an already-open buntdb.DB, shared with oplog/baseline under
// the "rp\x00" key prefix, one library's whole durable state living in a
// single file. Close on a Store built this way unregisters the truancy
// sweep but does not close db.
func New(library string, db *buntdb.DB, tr *stats.Tracker) *Store {
	s := &Store{db: db, library: library, tr: tr, hkName: "registry-truancy-" + library}
	hk.Reg(s.hkName, s.sweep, config.Get().Truancy)
	return s
}

func (s *Store) Close() error {
	hk.UnregIf(s.hkName)
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func key(replicaID string) string { return keyPrefix + replicaID }

// getOrCreate returns the existing record for replicaID, creating one from
// tok on first contact, and reports whether the replica is currently
// truant.
func (s *Store) GetOrCreate(replicaID string, tok TokenInfo) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := mono.UnixMilli()
	var res Result
	err := s.db.Update(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key(replicaID))
		if err == buntdb.ErrNotFound {
			info := &meta.ReplicaInfo{
				ReplicaID: replicaID,
				UserID:    tok.UserID,
				Type:      tok.Type,
				CreatedAt: now,
				LastSeen:  now,
			}
			if err := putTx(tx, info); err != nil {
				return err
			}
			res = Result{Status: StatusNew, Info: info}
			return nil
		}
		if err != nil {
			return err
		}
		info, err := decode(v)
		if err != nil {
			return err
		}
		status := StatusExisting
		if isTruant(info, now) {
			status = StatusTruant
		}
		res = Result{Status: status, Info: info}
		return nil
	})
	return res, err
}

// Peek returns the stored record for replicaID without creating one,
// used by Authority's ownership check which must
// run before getOrCreate would otherwise adopt a new identity.
func (s *Store) Peek(replicaID string) (*meta.ReplicaInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		info  *meta.ReplicaInfo
		found bool
	)
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key(replicaID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		decoded, err := decode(v)
		if err != nil {
			return err
		}
		info, found = decoded, true
		return nil
	})
	return info, found, err
}

// UpdateAcknowledged sets ackedTimestamp = max(current, timestamp).
func (s *Store) UpdateAcknowledged(replicaID string, timestamp hlc.Timestamp) error {
	return s.mutate(replicaID, func(info *meta.ReplicaInfo) {
		if !info.HasAcked() || hlc.Less(info.AckedTimestamp, timestamp) {
			info.AckedTimestamp = timestamp
		}
	})
}

// UpdateLastSeen refreshes liveness.
func (s *Store) UpdateLastSeen(replicaID string) error {
	return s.mutate(replicaID, func(info *meta.ReplicaInfo) {
		info.LastSeen = mono.UnixMilli()
	})
}

func (s *Store) mutate(replicaID string, f func(*meta.ReplicaInfo)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key(replicaID))
		if err != nil {
			return err
		}
		info, err := decode(v)
		if err != nil {
			return err
		}
		f(info)
		return putTx(tx, info)
	})
}

// Delete forgets replicaID entirely, used for client-requested resyncAll.
func (s *Store) Delete(replicaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key(replicaID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// GetGlobalAck returns the minimum ackedTimestamp across all non-truant,
// non-read-only replicas, plus any replica ID in activeOverride regardless
// of its truancy state. Returns ("", false) if no qualifying
// replica exists or any qualifying replica has never acknowledged.
func (s *Store) GetGlobalAck(activeOverride map[string]bool) (hlc.Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := mono.UnixMilli()
	var (
		min   hlc.Timestamp
		found bool
	)
	_ = s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPrefix+"*", func(_, v string) bool {
			info, err := decode(v)
			if err != nil {
				return true
			}
			if info.Type.IsReadOnly() {
				return true
			}
			active := activeOverride[info.ReplicaID]
			if !active && isTruant(info, now) {
				return true
			}
			if !info.HasAcked() {
				found = false
				min = ""
				return false // a qualifying replica has never acked: abort with null
			}
			if !found || hlc.Less(info.AckedTimestamp, min) {
				min = info.AckedTimestamp
			}
			found = true
			return true
		})
	})
	if !found {
		return "", false
	}
	return min, true
}

func isTruant(info *meta.ReplicaInfo, now int64) bool {
	threshold := config.Get().Truancy
	return time.Duration(now-info.LastSeen)*time.Millisecond > threshold
}

// sweep is the hk callback that keeps the truant-replica gauge current;
// it mutates no state, since truancy is computed on read rather than
// persisted — a truant replica is excluded from consensus but retained
// until explicitly forgotten, so there is nothing to write back.
func (s *Store) sweep() time.Duration {
	if s.tr != nil {
		s.mu.Lock()
		now := mono.UnixMilli()
		var truant, total float64
		_ = s.db.View(func(tx *buntdb.Tx) error {
			return tx.AscendKeys(keyPrefix+"*", func(_, v string) bool {
				info, err := decode(v)
				if err != nil {
					return true
				}
				total++
				if isTruant(info, now) {
					truant++
				}
				return true
			})
		})
		s.mu.Unlock()
		s.tr.TruantReplicas.WithLabelValues(s.library).Set(truant)
	}
	return config.Get().Truancy
}

func putTx(tx *buntdb.Tx, info *meta.ReplicaInfo) error {
	enc, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key(info.ReplicaID), string(enc), nil)
	return err
}

func decode(v string) (*meta.ReplicaInfo, error) {
	info := &meta.ReplicaInfo{}
	if err := json.Unmarshal([]byte(v), info); err != nil {
		return nil, err
	}
	return info, nil
}
