// uuid.go generates the random parts of replica ids, client keys, and OID
// local-root ids: github.com/teris-io/shortid for the random/sortable
// part, github.com/OneOfOne/xxhash for a fast deterministic fold-down
// (used to turn a human userId into a stable, fixed-width routing
// fragment).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

const (
	// alphabet for generated ids; avoids characters that are awkward in
	// OIDs or URLs (no '/', no '.', no ':' — those are OID/HLC separators)
	idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

	LenShortID = 9
)

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
	tie     atomic.Uint32
)

func initShortID() {
	s, err := shortid.New(1, idABC, 1)
	if err != nil {
		panic(err)
	}
	sid = s
}

// GenUUID returns a short, URL- and OID-safe random id (replica ids,
// client keys, OID root ids).
func GenUUID() string {
	sidOnce.Do(initShortID)
	return sid.MustGenerate()
}

// GenTie returns a 3-character tie-breaker, used when two ids would
// otherwise collide within the same millisecond.
func GenTie() string {
	t := tie.Add(1)
	b0 := idABC[t&0x3f]
	b1 := idABC[^t&0x3f]
	b2 := idABC[(t>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}

// FoldID deterministically folds an arbitrary string (a userId, say) down
// to a fixed-width base36 fragment, for use in stable routing keys where
// a random id would be wrong (we want the same user to fold to the same
// fragment every time).
func FoldID(s string, width int) string {
	digest := xxhash.ChecksumString64(s)
	out := strconv.FormatUint(digest, 36)
	if len(out) >= width {
		return out[:width]
	}
	for len(out) < width {
		out += "0"
	}
	return out
}
