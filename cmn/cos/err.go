// Package cos provides common low-level types and utilities shared by every
// package in this module: sentinel errors, id generation, small string
// helpers.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"

	"github.com/pkg/errors"
)

type (
	// ErrNotFound is returned by store lookups (baseline, replica) that
	// find nothing and have no further context to add.
	ErrNotFound struct {
		what string
	}

	// ErrForbidden is returned when a read-only token attempts a write.
	ErrForbidden struct {
		op string
	}

	// ErrReplicaOwnership is returned when a replica id reappears under a
	// different userId.
	ErrReplicaOwnership struct {
		ReplicaID string
	}

	// ErrSchemaMismatch is a fatal initialization error.
	ErrSchemaMismatch struct {
		Have, Want int
	}
)

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	_, ok := errors.Cause(err).(*ErrNotFound)
	return ok
}

func NewErrForbidden(op string) *ErrForbidden { return &ErrForbidden{op} }

func (e *ErrForbidden) Error() string { return "forbidden: " + e.op }

func IsErrForbidden(err error) bool {
	_, ok := errors.Cause(err).(*ErrForbidden)
	return ok
}

func NewErrReplicaOwnership(replicaID string) *ErrReplicaOwnership {
	return &ErrReplicaOwnership{replicaID}
}

func (e *ErrReplicaOwnership) Error() string {
	return fmt.Sprintf("replica %q belongs to a different user", e.ReplicaID)
}

func NewErrSchemaMismatch(have, want int) *ErrSchemaMismatch {
	return &ErrSchemaMismatch{have, want}
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("schema mismatch: have v%d, want v%d", e.Have, e.Want)
}

// Errs accumulates up to maxErrs distinct errors, deduping by message.
type Errs struct {
	errs []error
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Empty() bool { return len(e.errs) == 0 }

func (e *Errs) Error() string {
	if e.Empty() {
		return ""
	}
	s := e.errs[0].Error()
	for _, err := range e.errs[1:] {
		s += "; " + err.Error()
	}
	return s
}
