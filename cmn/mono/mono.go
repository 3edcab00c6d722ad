// Package mono provides monotonic wall-clock sampling used by the HLC and
// by truancy/backoff calculations. A thin wrapper over time.Now() rather
// than a runtime.nanotime linkname trick: there's no hot path calling
// this once per operation, so the extra few nanoseconds of time.Now()
// don't matter here.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since package init, monotonic
// within a process (never observes the wall clock going backwards).
func NanoTime() int64 { return int64(time.Since(start)) }

// UnixMilli returns the current wall-clock time in milliseconds,
// used for the HLC's wall-time component.
func UnixMilli() int64 { return time.Now().UnixMilli() }
