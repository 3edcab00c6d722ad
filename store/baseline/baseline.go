// Package baseline implements BaselineStore: one compacted snapshot per
// OID, updated atomically by folding a prefix of an object's operation
// log into it. Built on the same buntdb idiom as store/oplog: both
// stores can share one *buntdb.DB (their key prefixes, "bl\x00" here and
// "ts\x00"/"oid\x00" there, were chosen so they never collide), and
// ApplyOperationsTx computes the entire new snapshot and writes it
// within a transaction the caller controls, so a rebase can fold the
// baseline and drop the folded operations from the oplog (oplog.DropTx)
// as a single commit rather than two commits a crash could split apart.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package baseline

import (
	"sync"

	"github.com/tidwall/buntdb"

	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/oid"
)

const keyPrefix = "bl\x00"

// Store is a per-library BaselineStore.
type Store struct {
	mu     sync.Mutex
	db     *buntdb.DB
	ownsDB bool
}

// Open creates a Store backed by its own in-process buntdb database,
// closed by Close.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	s := New(db)
	s.ownsDB = true
	return s, nil
}

// New wraps an already-open buntdb.DB, shared with oplog.Log under the
// "bl\x00" key prefix so that a rebase can apply to the baseline and
// drop from the oplog in one transaction (see ApplyOperationsTx). Close
// on a Store built this way does not close db.
func New(db *buntdb.DB) *Store { return &Store{db: db} }

// DB returns the underlying buntdb handle.
func (s *Store) DB() *buntdb.DB { return s.db }

func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func key(o oid.OID) string { return keyPrefix + string(o) }

// Get returns the current baseline for o, or (nil, nil) if none exists.
func (s *Store) Get(o oid.OID) (*meta.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b *meta.Baseline
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		b, err = getTx(tx, o)
		return err
	})
	return b, err
}

func getTx(tx *buntdb.Tx, o oid.OID) (*meta.Baseline, error) {
	v, err := tx.Get(key(o))
	if err == buntdb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return meta.DecodeBaseline([]byte(v))
}

// GetAllAfter returns every baseline with Timestamp > after (used to
// assemble an initial sync response), or all baselines if after is
// hlc.Zero.
func (s *Store) GetAllAfter(after hlc.Timestamp) ([]*meta.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*meta.Baseline
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPrefix+"*", func(_, value string) bool {
			b, err := meta.DecodeBaseline([]byte(value))
			if err != nil {
				return true
			}
			if after == "" || hlc.Less(after, b.Timestamp) {
				out = append(out, b)
			}
			return true
		})
	})
	return out, err
}

// Upsert writes b, replacing any existing baseline for the same OID.
func (s *Store) Upsert(b *meta.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := meta.EncodeBaseline(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key(b.OID), string(enc), nil)
		return err
	})
}

// DropAll empties the store, used by the client engine on resync. Only
// keys under this store's prefix are deleted, so other stores sharing db
// are left intact.
func (s *Store) DropAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		if err := tx.AscendKeys(keyPrefix+"*", func(k, _ string) bool {
			keys = append(keys, k)
			return true
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// ApplyOperations folds ops (already known to be HLC-ordered-safe, i.e.
// a contiguous prefix of the OID's log) into the existing baseline (or
// the empty object if none) and durably replaces it, reading the prior
// baseline and writing the new one in a single transaction so a reader
// never observes a half-applied fold. Returns the new baseline so the
// caller can broadcast/observe it without a second read.
func (s *Store) ApplyOperations(o oid.OID, ops []*meta.Operation) (*meta.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nb *meta.Baseline
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var err error
		nb, err = ApplyOperationsTx(tx, o, ops)
		return err
	})
	return nb, err
}

// ApplyOperationsTx is ApplyOperations's body run against a transaction
// the caller already opened, so a baseline fold can be combined with an
// oplog drop (oplog.DropTx) into one transaction: rebase's fold-and-drop
// either both land or neither does, instead of surviving as two
// independent commits a crash could split apart.
func ApplyOperationsTx(tx *buntdb.Tx, o oid.OID, ops []*meta.Operation) (*meta.Baseline, error) {
	if len(ops) == 0 {
		return getTx(tx, o)
	}

	existing, err := getTx(tx, o)
	if err != nil {
		return nil, err
	}
	var base any
	if existing != nil {
		base = existing.Snapshot
	}

	newSnap := meta.ApplyOperations(base, ops)
	maxTS := ops[0].Timestamp
	for _, op := range ops[1:] {
		if hlc.Less(maxTS, op.Timestamp) {
			maxTS = op.Timestamp
		}
	}

	nb := &meta.Baseline{OID: o, Snapshot: newSnap, Timestamp: maxTS}
	enc, err := meta.EncodeBaseline(nb)
	if err != nil {
		return nil, err
	}
	if _, _, err := tx.Set(key(o), string(enc), nil); err != nil {
		return nil, err
	}
	return nb, nil
}
