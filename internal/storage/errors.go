package storage

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a save observed a stale version.
	ErrConflict = errors.New("conflict: entity changed since it was read")
	// ErrExists is returned when a create collides with an existing id.
	ErrExists = errors.New("already exists")
	// ErrBusy is returned when another writer held the database lock past
	// busy_timeout. It is also an ErrConflict; the write may be retried.
	ErrBusy = errors.New("storage busy")
	// ErrStorageUnavailable marks failures of the storage medium itself.
	// Callers should surface it immediately.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// NotFoundError carries the key that failed to resolve.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%s not found", e.ID)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) MetricLabel() string { return "not_found" }

// ConflictError reports the version a save expected and the one it found.
type ConflictError struct {
	Kind     string
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: expected version %d, found %d", e.Kind, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) MetricLabel() string { return "conflict" }

// BusyError wraps a lock-contention error from the driver.
type BusyError struct {
	Err error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("database is locked by another writer: %v", e.Err)
}

func (e *BusyError) Unwrap() error { return e.Err }

func (e *BusyError) Is(target error) bool { return target == ErrBusy || target == ErrConflict }

func (e *BusyError) MetricLabel() string { return "busy" }

// classify maps lock contention onto ErrBusy and driver errors for the
// storage medium onto ErrStorageUnavailable. Other errors pass through
// unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL,
		sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_READONLY:
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return &BusyError{Err: err}
	}
	return err
}

func isConstraint(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
