// Package oplog implements OperationLog: ordered storage
// of operations keyed by (oid, timestamp), with idempotent insert and
// ordered range retrieval. Built on github.com/tidwall/buntdb for the
// ordered key space (two physical key layouts give both the
// chronological and per-OID orderings "for free" via AscendKeys, instead
// of a custom secondary index), and on github.com/seiflotfy/cuckoofilter
// as a fast negative pre-check ahead of the idempotency lookup — the kind
// of front-end optimization worth reaching for around hot storage paths
// (e.g. fs/hrw.go's hashing before a disk stat).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package oplog

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"

	"github.com/localfirst/syncengine/cmn/nlog"
	"github.com/localfirst/syncengine/hlc"
	"github.com/localfirst/syncengine/meta"
	"github.com/localfirst/syncengine/oid"
)

const (
	tsPrefix  = "ts\x00"
	oidPrefix = "oid\x00"
	sep       = "\x00"
)

// Log is a per-library OperationLog.
type Log struct {
	mu     sync.Mutex // serializes the filter + db pair
	db     *buntdb.DB
	ownsDB bool
	filter *cuckoo.Filter
}

// Open creates (or reopens, for ":memory:" this is always fresh) a
// Log backed by its own in-process buntdb database, closed by Close.
// A real deployment would point path at a file; tests use ":memory:".
func Open(path string) (*Log, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	l := New(db)
	l.ownsDB = true
	return l, nil
}

// New wraps an already-open buntdb.DB, shared with other stores under
// their own "ts\x00"/"oid\x00" key prefixes so that baseline folds and
// oplog drops can be combined into one transaction (see DropTx). Close
// on a Log built this way does not close db; the caller that opened it
// owns its lifecycle.
func New(db *buntdb.DB) *Log {
	return &Log{db: db, filter: cuckoo.NewFilter(1 << 16)}
}

// DB returns the underlying buntdb handle, for callers that need to fold
// an oplog mutation into the same transaction as another store's write.
func (l *Log) DB() *buntdb.DB { return l.db }

func (l *Log) Close() error {
	if !l.ownsDB {
		return nil
	}
	return l.db.Close()
}

func tsKey(ts hlc.Timestamp, o oid.OID) string {
	return tsPrefix + string(ts) + sep + string(o)
}

func oidKey(o oid.OID, ts hlc.Timestamp) string {
	return oidPrefix + string(o) + sep + string(ts)
}

func dedupKey(o oid.OID, ts hlc.Timestamp) string {
	return string(o) + sep + string(ts)
}

// InsertAll appends ops for replicaID, silently dropping any op whose
// (oid, timestamp) is already present — idempotent on (oid, timestamp),
// so rebroadcast loops cannot duplicate an entry. Malformed operations
// (empty OID or timestamp) are logic errors: they're dropped with a
// warning rather than failing the whole batch, and never retried.
func (l *Log) InsertAll(replicaID string, ops []*meta.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *buntdb.Tx) error {
		for _, op := range ops {
			if op.OID == "" || op.Timestamp == "" {
				nlog.Warningf("oplog: dropping malformed operation %+v", op)
				continue
			}
			dk := dedupKey(op.OID, op.Timestamp)
			if l.filter.Lookup([]byte(dk)) {
				if _, err := tx.Get(tsKey(op.Timestamp, op.OID)); err == nil {
					continue // genuinely a duplicate
				}
				// false positive from the filter; fall through and insert
			}

			op.ReplicaID = replicaID
			enc, err := meta.EncodeOperation(op)
			if err != nil {
				nlog.Warningf("oplog: dropping unencodable operation %+v: %v", op, err)
				continue
			}
			if _, _, err := tx.Set(tsKey(op.Timestamp, op.OID), string(enc), nil); err != nil {
				return err
			}
			if _, _, err := tx.Set(oidKey(op.OID, op.Timestamp), string(enc), nil); err != nil {
				return err
			}
			l.filter.InsertUnique([]byte(dk))
		}
		return nil
	})
}

// GetAfter returns all operations strictly greater than after (or every
// operation if after is hlc.Zero), ordered ascending.
func (l *Log) GetAfter(after hlc.Timestamp) ([]*meta.Operation, error) {
	return l.scanChronological(after, hlc.Timestamp(""), false)
}

// GetBefore returns all operations with timestamp < before, ordered
// ascending.
func (l *Log) GetBefore(before hlc.Timestamp) ([]*meta.Operation, error) {
	return l.scanChronological(hlc.Timestamp(""), before, true)
}

func (l *Log) scanChronological(after, before hlc.Timestamp, hasUpper bool) ([]*meta.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*meta.Operation
	err := l.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(tsPrefix+"*", func(key, value string) bool {
			ts := extractTimestamp(key, tsPrefix)
			if after != "" && !hlc.Less(after, ts) {
				return true // ts <= after: skip, keep scanning
			}
			if hasUpper && !hlc.Less(ts, before) {
				return true
			}
			op, err := meta.DecodeOperation([]byte(value))
			if err != nil {
				nlog.Warningf("oplog: skipping undecodable stored operation at %q: %v", key, err)
				return true
			}
			out = append(out, op)
			return true
		})
	})
	return out, err
}

// GetForOid returns all operations for a single OID, ordered ascending.
func (l *Log) GetForOid(o oid.OID) ([]*meta.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*meta.Operation
	err := l.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(oidPrefix+string(o)+sep+"*", func(key, value string) bool {
			op, err := meta.DecodeOperation([]byte(value))
			if err != nil {
				nlog.Warningf("oplog: skipping undecodable stored operation at %q: %v", key, err)
				return true
			}
			out = append(out, op)
			return true
		})
	})
	return out, err
}

// Drop removes exactly the given operations; the caller must have
// durably folded them into a baseline first.
func (l *Log) Drop(ops []*meta.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Update(func(tx *buntdb.Tx) error { return DropTx(tx, ops) })
}

// DropTx is Drop's body run against a transaction the caller already
// opened, so an oplog drop can be folded into the same commit as a
// baseline fold instead of landing as two independent transactions that
// a crash could split apart. See baseline.ApplyOperationsTx.
func DropTx(tx *buntdb.Tx, ops []*meta.Operation) error {
	for _, op := range ops {
		if _, err := tx.Delete(tsKey(op.Timestamp, op.OID)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if _, err := tx.Delete(oidKey(op.OID, op.Timestamp)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
	}
	return nil
}

// DropAll empties the log, used by the client engine when the authority
// tells it to discard local history and resync from scratch. Only the
// log's own "ts\x00"/"oid\x00" keys are deleted, so other stores sharing
// db are left intact.
func (l *Log) DropAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = cuckoo.NewFilter(1 << 16)
	return l.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		for _, p := range []string{tsPrefix, oidPrefix} {
			if err := tx.AscendKeys(p+"*", func(k, _ string) bool {
				keys = append(keys, k)
				return true
			}); err != nil {
				return err
			}
		}
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// extractTimestamp pulls the HLC timestamp out of a "ts\x00<ts>\x00<oid>"
// key. OIDs can themselves contain the separator in theory (they don't in
// practice since '\x00' is not a legal OID character), so we split once
// after skipping the fixed prefix and find the *next* sep boundary.
func extractTimestamp(key, prefix string) hlc.Timestamp {
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == 0 {
			return hlc.Timestamp(rest[:i])
		}
	}
	return hlc.Timestamp(rest)
}
