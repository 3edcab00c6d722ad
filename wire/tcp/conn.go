// Package tcp implements wire.Conn over a plain persistent TCP
// connection: a 4-byte big-endian length prefix followed by one
// wire.Encode'd JSON message per frame. Grounded on the framing
// discipline of transport/api.go's ObjHdr (a fixed-size header in front
// of a variable-length body) translated from raw object bytes to a JSON
// message, since this module has no object payload to stream — only the
// wire.Message envelope.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/localfirst/syncengine/wire"
)

const maxFrame = 16 << 20 // 16MiB, generous for a batch of operations

// Conn adapts a net.Conn to wire.Conn. Send is safe to call from a single
// writer goroutine; Recv from a single reader goroutine, matching the
// contract wire.Conn documents.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader

	wmu sync.Mutex
}

func New(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

func (c *Conn) Send(ctx context.Context, m *wire.Message) error {
	body, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if len(body) > maxFrame {
		return fmt.Errorf("tcp: outgoing frame too large (%d bytes)", len(body))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(dl)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.nc.Write(body)
	return err
}

func (c *Conn) Recv(ctx context.Context) (*wire.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(dl)
	}
	// Cancelling ctx unblocks a pending read by moving the deadline to now.
	stop := context.AfterFunc(ctx, func() { _ = c.nc.SetReadDeadline(time.Now()) })
	defer stop()
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, fmt.Errorf("tcp: incoming frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return wire.Decode(body)
}

func (c *Conn) Close() error { return c.nc.Close() }
