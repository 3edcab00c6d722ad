// Command syncd is the sync-engine daemon: one process hosting an
// Authority per library (different libraries are independent and run in
// parallel), accepting replica connections over TCP and exporting
// Prometheus metrics. Built on cmd/authn/main.go's flag/signal/logFlush
// shape — config-by-flag-and-env, a background logFlush loop,
// SIGINT/SIGTERM triggering a clean shutdown rather than a bare os.Exit.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/buntdb"

	"github.com/localfirst/syncengine/authority"
	"github.com/localfirst/syncengine/cmn/nlog"
	"github.com/localfirst/syncengine/hk"
	"github.com/localfirst/syncengine/presence"
	"github.com/localfirst/syncengine/stats"
	"github.com/localfirst/syncengine/store/baseline"
	"github.com/localfirst/syncengine/store/oplog"
	"github.com/localfirst/syncengine/store/registry"
)

var (
	addr        string
	metricsAddr string
	dataDir     string
	jwtSecret   string
	handshake   time.Duration
)

func init() {
	flag.StringVar(&addr, "addr", ":7770", "address to accept replica connections on")
	flag.StringVar(&metricsAddr, "metrics-addr", ":7771", "address to serve /metrics on (empty disables)")
	flag.StringVar(&dataDir, "data-dir", "./syncd-data", "base directory for per-library storage")
	flag.StringVar(&jwtSecret, "jwt-secret", "", "HMAC secret for replica handshake tokens, or $SYNCD_JWT_SECRET")
	flag.DurationVar(&handshake, "handshake-timeout", 5*time.Second, "deadline for a connection's library/token preamble")
}

func main() {
	flag.Parse()
	if jwtSecret == "" {
		jwtSecret = os.Getenv("SYNCD_JWT_SECRET")
	}
	if jwtSecret == "" {
		nlog.Errorf("missing -jwt-secret (or $SYNCD_JWT_SECRET)")
		os.Exit(1)
	}

	go hk.DefaultHK.Run() // drives each library registry's truancy sweep

	reg := prometheus.NewRegistry()
	tr := stats.New(reg)
	verifier := authority.NewTokenVerifier([]byte(jwtSecret))
	libs := newLibraries(dataDir, tr)

	ctx, cancel := context.WithCancel(context.Background())
	installSignalHandler(cancel)

	go logFlush(ctx)
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, reg)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		nlog.Errorf("listen %s: %v", addr, err)
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	nlog.Infof("syncd listening on %s (data dir %s)", addr, dataDir)
	acceptLoop(ctx, ln, libs, verifier)

	libs.closeAll()
	nlog.Flush()
}

func installSignalHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()
}

func logFlush(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			nlog.Flush()
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		nlog.Errorf("metrics server on %s: %v", addr, err)
	}
}

// libraryState bundles one library's durable stores and its Authority.
// ops, baselines, and registry all share one db: its "ts\x00"/"oid\x00",
// "bl\x00", and "rp\x00" key prefixes were chosen precisely so the three
// stores can coexist in a single buntdb file, which is what lets
// Authority's rebase fold a baseline update and an oplog drop into one
// transaction instead of two commits a crash could split apart.
type libraryState struct {
	db        *buntdb.DB
	ops       *oplog.Log
	baselines *baseline.Store
	registry  *registry.Store
	presence  *presence.Map
	authority *authority.Authority
}

// libraries lazily opens one libraryState per library name on first use,
// mirroring how aistore's xact/xreg renews-or-reuses a runner per bucket
// rather than pre-declaring every one up front.
type libraries struct {
	mu      sync.Mutex
	dataDir string
	tr      *stats.Tracker
	byName  map[string]*libraryState
}

func newLibraries(dataDir string, tr *stats.Tracker) *libraries {
	return &libraries{dataDir: dataDir, tr: tr, byName: make(map[string]*libraryState)}
}

func (l *libraries) getOrOpen(name string) (*libraryState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ls, ok := l.byName[name]; ok {
		return ls, nil
	}

	dir := filepath.Join(l.dataDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("syncd: creating data dir for library %q: %w", name, err)
	}

	db, err := buntdb.Open(filepath.Join(dir, "library.db"))
	if err != nil {
		return nil, fmt.Errorf("syncd: opening store for library %q: %w", name, err)
	}
	ops := oplog.New(db)
	bl := baseline.New(db)
	reg := registry.New(name, db, l.tr)

	pres := presence.New()
	ls := &libraryState{
		db: db, ops: ops, baselines: bl, registry: reg, presence: pres,
		authority: authority.New(name, ops, bl, reg, pres, l.tr),
	}
	l.byName[name] = ls
	return ls, nil
}

func (l *libraries) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, ls := range l.byName {
		ls.registry.Close() // unregisters its hk truancy sweep
		if err := ls.db.Close(); err != nil {
			nlog.Warningf("syncd: closing store for %q: %v", name, err)
		}
	}
}
