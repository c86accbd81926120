package model

import (
	"errors"
	"fmt"
)

// ErrStorageLocation means a dataset has no usable canonical file. It is the
// only failure that halts a render.
var ErrStorageLocation = errors.New("storage location unavailable")

// InvalidDateError reports a missing or unparsable date value.
type InvalidDateError struct {
	Value  string
	Layout string
	Err    error
}

func (e *InvalidDateError) Error() string {
	if e.Value == "" {
		return "invalid date: empty value"
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid date %q (layout %q): %v", e.Value, e.Layout, e.Err)
	}
	return fmt.Sprintf("invalid date %q (layout %q)", e.Value, e.Layout)
}

func (e *InvalidDateError) Unwrap() error { return e.Err }

// MergeConflictError is returned by a VersionCheck when the canonical dataset
// changed since the editor last saw it. The default merge policy is
// last-write-wins and never produces it.
type MergeConflictError struct {
	Expected string
	Actual   string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict: expected version %s, found %s", e.Expected, e.Actual)
}

// PersistenceError wraps a failed durable write or read. In-memory state
// stays usable.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SyncError wraps a failed remote step (pull, add, commit, push). The local
// durable file is unaffected.
type SyncError struct {
	Step string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Step, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
