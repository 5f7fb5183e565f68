package entity

import (
	"fmt"
	"slices"
	"strings"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"

	// ReviewPrefix starts every review status, e.g. pending_review_code.
	ReviewPrefix = "pending_review_"
)

// ReviewStatus builds the review status for a named review stage.
func ReviewStatus(stage string) TaskStatus {
	return TaskStatus(ReviewPrefix + stage)
}

// IsReview reports whether s is one of the pending_review_* statuses.
func (s TaskStatus) IsReview() bool {
	stage, ok := strings.CutPrefix(string(s), ReviewPrefix)
	if !ok || stage == "" {
		return false
	}
	for _, r := range stage {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskDone, TaskCancelled:
		return true
	}
	return s.IsReview()
}

// Terminal statuses accept no further changes.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

func (s TaskStatus) rank() int {
	switch {
	case s == TaskPending:
		return 0
	case s == TaskInProgress:
		return 1
	case s.IsReview():
		return 2
	case s == TaskDone:
		return 3
	}
	return -1
}

// CanTransition reports whether a task may move from one status to another.
// Progress is monotonic; the only backward moves are send-backs out of a
// review status. Cancelling is allowed from any non-terminal status.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == TaskCancelled {
		return true
	}
	if from.IsReview() {
		if to.IsReview() {
			return true
		}
		if to == TaskInProgress || to == TaskPending {
			return true
		}
	}
	return to.rank() > from.rank()
}

// Task is a unit of tracked work.
type Task struct {
	Meta
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Priority      Priority   `json:"priority"`
	Status        TaskStatus `json:"status"`
	Tags          []string   `json:"tags,omitempty"`
	ParentID      string     `json:"parent_id,omitempty"`
	Outcome       string     `json:"outcome,omitempty"`
	WorkflowID    string     `json:"workflow_id,omitempty"`
	WorkflowState string     `json:"workflow_state,omitempty"`
}

func (*Task) Kind() Kind { return KindTask }

func (t *Task) ApplyDefaults() {
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
}

func (t *Task) Validate() error {
	if err := required("title", t.Title); err != nil {
		return err
	}
	if !t.Priority.Valid() {
		return invalid("priority", fmt.Sprintf("unknown priority %q", t.Priority))
	}
	if !t.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", t.Status))
	}
	return nil
}

// CheckUpdate allows status, outcome and workflow bookkeeping to change.
// Everything else is fixed at creation.
func (t *Task) CheckUpdate(prev Entity) error {
	p, ok := prev.(*Task)
	if !ok {
		return invalid("kind", "stored record is not a task")
	}
	if t.Title != p.Title || t.Description != p.Description || t.Priority != p.Priority ||
		t.Agent != p.Agent || t.ParentID != p.ParentID || !slices.Equal(t.Tags, p.Tags) {
		return invalid("task", "only status, outcome and workflow fields may change after creation")
	}
	if !CanTransition(p.Status, t.Status) {
		return invalid("status", fmt.Sprintf("cannot move from %s to %s", p.Status, t.Status))
	}
	return nil
}

func (t *Task) IndexFields() IndexFields {
	return IndexFields{
		Agent:  t.Agent,
		Status: string(t.Status),
		Title:  t.Title,
		Body:   joinText(t.Title, t.Description, string(t.Priority), strings.Join(t.Tags, " "), t.Outcome),
	}
}
