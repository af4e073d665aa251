// Package store defines the persistence boundary for loops, threads and
// small per-scope state. Implementations live in the sqlite and postgres
// subpackages.
//
// Every operation is partitioned by an opaque scope (user) identifier.
// Status writes are conditional on the loop still being open, so a
// background expiry can never overwrite a loop the user just resolved.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/thread"
)

// ErrNotFound is returned by single-record lookups.
var ErrNotFound = errors.New("not found")

// LoopStore persists open loops.
type LoopStore interface {
	InsertLoop(ctx context.Context, scope string, l loop.OpenLoop) (string, error)
	GetLoop(ctx context.Context, scope, id string) (loop.OpenLoop, error)

	// FetchActive returns loops with status active.
	FetchActive(ctx context.Context, scope string) ([]loop.OpenLoop, error)
	// FetchByStatus returns loops in any of the given statuses, oldest first.
	FetchByStatus(ctx context.Context, scope string, statuses ...loop.Status) ([]loop.OpenLoop, error)

	// UpdateStatus moves the given loops to status to and reports how many
	// rows changed. Only loops still open (active or surfaced) are touched.
	UpdateStatus(ctx context.Context, scope string, ids []string, to loop.Status) (int, error)
	// MarkSurfaced increments surfaced_count and sets status surfaced.
	MarkSurfaced(ctx context.Context, scope, id string) error
}

// ThreadStore persists ongoing threads.
type ThreadStore interface {
	ListThreads(ctx context.Context, scope string) ([]thread.Thread, error)
	InsertThread(ctx context.Context, scope string, t thread.Thread) (string, error)
	UpdateThreads(ctx context.Context, scope string, threads []thread.Thread) error
	DeleteThreads(ctx context.Context, scope string, ids []string) error
}

// KV is a small key/value table for bookkeeping (activity, cursors).
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, value string) error
	KVList(ctx context.Context, prefix string) (map[string]string, error)
}

// Store is the full persistence surface.
type Store interface {
	LoopStore
	ThreadStore
	KV
	Close() error
}

// ReadError wraps a failed read.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("store read %s: %v", e.Op, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError wraps a failed write.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("store write %s: %v", e.Op, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Read wraps err as a ReadError. A nil err stays nil and ErrNotFound is
// passed through unchanged.
func Read(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &ReadError{Op: op, Err: err}
}

// Write wraps err as a WriteError. A nil err stays nil.
func Write(op string, err error) error {
	if err == nil {
		return nil
	}
	return &WriteError{Op: op, Err: err}
}

// IsReadError reports whether err contains a ReadError.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}

// IsWriteError reports whether err contains a WriteError.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}
