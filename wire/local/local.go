// Package local is an in-process wire.Conn pair connected by buffered
// channels, used by authority/replica tests in place of a real transport.
// Built in the memsys/pipe-style test-fake idiom: xact/xs and transport
// tests wire up in-process readers/writers rather than real sockets to
// exercise protocol logic in isolation.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package local

import (
	"context"
	"errors"
	"sync"

	"github.com/localfirst/syncengine/wire"
)

var ErrClosed = errors.New("wire/local: connection closed")

// conn is one end of a Pair.
type conn struct {
	out chan *wire.Message
	in  chan *wire.Message

	mu     sync.Mutex
	closed bool
}

// Pair returns two connected wire.Conn endpoints: messages sent on one are
// received on the other.
func Pair(buffer int) (a, b wire.Conn) {
	c1 := make(chan *wire.Message, buffer)
	c2 := make(chan *wire.Message, buffer)
	ca := &conn{out: c1, in: c2}
	cb := &conn{out: c2, in: c1}
	return ca, cb
}

func (c *conn) Send(ctx context.Context, m *wire.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	select {
	case c.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) Recv(ctx context.Context) (*wire.Message, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	select {
	case m, ok := <-c.in:
		if !ok {
			return nil, ErrClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.out)
	return nil
}
