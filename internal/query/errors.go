package query

import (
	"errors"
	"fmt"
)

// ErrIndexStale means the store holds the record but the lexical index has
// not caught up. It is never returned for ids the store does not know.
var ErrIndexStale = errors.New("index stale")

type StaleError struct {
	ID      string
	Indexed int64
	Head    int64
	Err     error
}

func (e *StaleError) Error() string {
	msg := fmt.Sprintf("query index at generation %d, store at %d", e.Indexed, e.Head)
	if e.ID != "" {
		msg = fmt.Sprintf("%s is stored but not yet indexed (%s)", e.ID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StaleError) Is(target error) bool { return target == ErrIndexStale }

func (e *StaleError) Unwrap() error { return e.Err }

func (e *StaleError) MetricLabel() string { return "index_stale" }
