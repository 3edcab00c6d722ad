package main

import (
	"context"
	"errors"
	"net"

	"github.com/localfirst/syncengine/authority"
	"github.com/localfirst/syncengine/cmn/nlog"
	"github.com/localfirst/syncengine/wire/tcp"
)

// acceptLoop accepts connections until ln is closed (signaled by ctx
// cancellation in main), dispatching each to its own goroutine so a slow
// or misbehaving replica never blocks new connections — the same shape
// as authority.Authority serving one goroutine per clientConn.
func acceptLoop(ctx context.Context, ln net.Listener, libs *libraries, verifier *authority.TokenVerifier) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			nlog.Warningf("syncd: accept: %v", err)
			continue
		}
		go handleConn(ctx, nc, libs, verifier)
	}
}

func handleConn(ctx context.Context, nc net.Conn, libs *libraries, verifier *authority.TokenVerifier) {
	library, token, conn, err := tcp.Accept(nc, handshake)
	if err != nil {
		nlog.Warningf("syncd: preamble from %s: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}

	tok, err := verifier.Verify(token)
	if err != nil {
		nlog.Warningf("syncd: rejecting %s for library %q: %v", nc.RemoteAddr(), library, err)
		conn.Close()
		return
	}

	ls, err := libs.getOrOpen(library)
	if err != nil {
		nlog.Errorf("syncd: opening library %q: %v", library, err)
		conn.Close()
		return
	}

	if err := ls.authority.Serve(ctx, conn, tok); err != nil && !errors.Is(err, context.Canceled) {
		nlog.Warningf("syncd: connection from %s on %q ended: %v", nc.RemoteAddr(), library, err)
	}
}
