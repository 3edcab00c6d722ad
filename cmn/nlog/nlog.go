// Package nlog is the module's logger: severity-gated, timestamped,
// single writer guarded by one mutex (Infof/Warningf/Errorf/SetTitle/
// Flush). No dual-buffer file-rotation engine here — we have no
// per-daemon log directory to rotate, so a direct io.Writer is enough.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevName = [...]string{"I", "W", "E"}

var (
	mw     sync.Mutex
	out    io.Writer = os.Stderr
	title  string
	minSev = sevInfo
)

// SetTitle sets a short process tag prepended to every line (library name,
// replica id, etc.).
func SetTitle(s string) { title = s }

// SetOutput redirects log output; tests commonly point this at a buffer.
func SetOutput(w io.Writer) {
	mw.Lock()
	out = w
	mw.Unlock()
}

// SetVerbose toggles info-level logging, which is on by default;
// SetVerbose(false) keeps only warnings and errors.
func SetVerbose(v bool) {
	if v {
		minSev = sevInfo
	} else {
		minSev = sevWarn
	}
}

func log(sev severity, format string, args ...any) {
	if sev < minSev {
		return
	}
	mw.Lock()
	defer mw.Unlock()
	ts := time.Now().Format("15:04:05.000000")
	prefix := sevName[sev] + " " + ts
	if title != "" {
		prefix += " [" + title + "]"
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(out, "%s %s\n", prefix, msg)
}

func Infof(format string, args ...any)    { log(sevInfo, format, args...) }
func Warningf(format string, args ...any) { log(sevWarn, format, args...) }
func Errorf(format string, args ...any)   { log(sevErr, format, args...) }

func Infoln(args ...any)    { log(sevInfo, "%s", fmt.Sprint(args...)) }
func Warningln(args ...any) { log(sevWarn, "%s", fmt.Sprint(args...)) }
func Errorln(args ...any)   { log(sevErr, "%s", fmt.Sprint(args...)) }

// Flush is a no-op placeholder kept for call sites that expect one
// (cmd/syncd's periodic flush loop); os.Stderr and test buffers both
// write unbuffered, so there's nothing to flush.
func Flush(...bool) {}
