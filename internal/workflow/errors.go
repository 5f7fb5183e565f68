package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError explains why an instance refused a state change.
type TransitionError struct {
	InstanceID string
	From       string
	To         string
	Reason     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s on instance %s: %s", e.From, e.To, e.InstanceID, e.Reason)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func (e *TransitionError) MetricLabel() string { return "invalid_transition" }
