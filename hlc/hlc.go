// Package hlc implements the Hybrid Logical Clock timestamp used to
// totally order operations across replicas. Rendered as a fixed-width,
// lexicographically-sortable string in the same vein as cmn/cos/uuid.go's
// id formats, sampling the wall clock through cmn/mono.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/localfirst/syncengine/cmn/mono"
)

// Timestamp is a totally-ordered, byte-comparable string:
//
//	<16-hex wall-millis><8-hex counter><replicaId>
//
// Byte order on the fixed-width hex prefix equals numeric order on
// (wallMillis, counter); replicaId is appended only to break ties between
// two replicas that raced to the same (wallMillis, counter) pair, which
// cannot happen from a single Clock (Tick always advances its own
// counter) but can happen when Observe folds in a peer's timestamp with
// an equal (wallMillis, counter).
type Timestamp string

const (
	wallHexLen    = 16
	counterHexLen = 8
)

// Clock is a single replica's HLC. Tick and Observe both take the
// internal lock, so concurrent use is fine even though callers generally
// drive it from one cooperative event loop.
type Clock struct {
	mu        sync.Mutex
	replicaID string
	wall      int64
	counter   uint32
}

func New(replicaID string) *Clock {
	return &Clock{replicaID: replicaID}
}

// Tick produces a new, strictly-greater-than-anything-seen-so-far
// timestamp for a locally-produced operation.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := mono.UnixMilli()
	if now > c.wall {
		c.wall = now
		c.counter = 0
	} else {
		c.counter++
	}
	return format(c.wall, c.counter, c.replicaID)
}

// Observe folds a timestamp received from a peer into the clock so that
// any subsequent Tick is guaranteed greater than everything the replica
// has seen, locally or remotely produced (the core HLC guarantee).
func (c *Clock) Observe(remote Timestamp) {
	wall, counter, _, err := Parse(remote)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := mono.UnixMilli()
	switch {
	case wall > c.wall && wall > now:
		c.wall, c.counter = wall, counter
	case wall == c.wall:
		if counter >= c.counter {
			c.counter = counter + 1
		}
	case now > c.wall && now > wall:
		c.wall, c.counter = now, 0
	default:
		if wall > c.wall {
			c.counter = counter + 1
		} else {
			c.counter++
		}
		c.wall = max64(c.wall, wall)
	}
}

func format(wall int64, counter uint32, replicaID string) Timestamp {
	return Timestamp(fmt.Sprintf("%016x%08x%s", wall, counter, replicaID))
}

// Parse splits a Timestamp back into its components.
func Parse(ts Timestamp) (wall int64, counter uint32, replicaID string, err error) {
	s := string(ts)
	if len(s) < wallHexLen+counterHexLen {
		return 0, 0, "", fmt.Errorf("hlc: malformed timestamp %q", ts)
	}
	wallHex := s[:wallHexLen]
	counterHex := s[wallHexLen : wallHexLen+counterHexLen]
	replicaID = s[wallHexLen+counterHexLen:]

	w, err := strconv.ParseInt(wallHex, 16, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("hlc: malformed wall component in %q: %w", ts, err)
	}
	c, err := strconv.ParseUint(counterHex, 16, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("hlc: malformed counter component in %q: %w", ts, err)
	}
	return w, uint32(c), replicaID, nil
}

// Compare orders two timestamps by byte value, which (given the fixed
// hex-width encoding) equals numeric (wall, counter, replicaId) order.
func Compare(a, b Timestamp) int { return strings.Compare(string(a), string(b)) }

// Less reports whether a sorts strictly before b.
func Less(a, b Timestamp) bool { return Compare(a, b) < 0 }

// Zero is the smallest possible timestamp, useful as a "no baseline yet"
// sentinel that compares less than every real timestamp.
const Zero Timestamp = ""

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
