// Package config holds the process-wide, atomically-swappable
// configuration object: a "global config owner" pattern, one
// atomic.Pointer[Config] read with Get() and replaced wholesale with
// Set() — never mutated in place.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"sync/atomic"
	"time"
)

type Config struct {
	// Truancy is how long a replica may go unseen before it's excluded
	// from rebase consensus.
	Truancy time.Duration
	// RebaseCoalesce is the minimum interval between two rebase passes
	// for the same library.
	RebaseCoalesce time.Duration
	// Heartbeat is how often the authority expects a heartbeat/ack from
	// an active replica.
	Heartbeat time.Duration
	// BackoffMin/BackoffMax bound the client's reconnect backoff after a
	// transient transport failure.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func defaults() *Config {
	return &Config{
		Truancy:        5 * time.Minute,
		RebaseCoalesce: 200 * time.Millisecond,
		Heartbeat:      30 * time.Second,
		BackoffMin:     500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
	}
}

var global atomic.Pointer[Config]

func init() { global.Store(defaults()) }

// Get returns the current process-wide config. Safe for concurrent use.
func Get() *Config { return global.Load() }

// Set atomically replaces the process-wide config.
func Set(c *Config) { global.Store(c) }
