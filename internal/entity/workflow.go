package entity

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type StateType string

const (
	StateStart      StateType = "start"
	StateInProgress StateType = "in_progress"
	StateReview     StateType = "review"
	StateDone       StateType = "done"
	StateBlocked    StateType = "blocked"
)

func (t StateType) Valid() bool {
	switch t {
	case StateStart, StateInProgress, StateReview, StateDone, StateBlocked:
		return true
	}
	return false
}

// PromptTemplate is the system/user prompt pair attached to a state.
// Both strings may contain {{PLACEHOLDER}} tokens.
type PromptTemplate struct {
	System string `json:"system,omitempty" yaml:"system,omitempty"`
	User   string `json:"user,omitempty" yaml:"user,omitempty"`
}

type WorkflowState struct {
	Name        string          `json:"name" yaml:"name"`
	StateType   StateType       `json:"state_type" yaml:"state_type"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	IsFinal     bool            `json:"is_final" yaml:"is_final"`
	Prompts     *PromptTemplate `json:"prompts,omitempty" yaml:"prompts,omitempty"`
}

// Transition is an optional declared edge. Workflows without declared
// transitions allow any non-final state to move to any other declared state.
type Transition struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Workflow is a finite-state machine definition.
type Workflow struct {
	Meta         `yaml:",inline"`
	Title        string          `json:"title" yaml:"title"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
	States       []WorkflowState `json:"states" yaml:"states"`
	InitialState string          `json:"initial_state,omitempty" yaml:"initial_state,omitempty"`
	Transitions  []Transition    `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	EntityTypes  []Kind          `json:"entity_types,omitempty" yaml:"entity_types,omitempty"`
}

func (*Workflow) Kind() Kind { return KindWorkflow }

func (w *Workflow) ApplyDefaults() {
	for i := range w.States {
		if w.States[i].StateType != "" {
			continue
		}
		if w.States[i].IsFinal {
			w.States[i].StateType = StateDone
		} else {
			w.States[i].StateType = StateInProgress
		}
	}
	if w.InitialState == "" {
		for _, s := range w.States {
			if !s.IsFinal {
				w.InitialState = s.Name
				break
			}
		}
	}
}

func (w *Workflow) Validate() error {
	if err := required("title", w.Title); err != nil {
		return err
	}
	if len(w.States) == 0 {
		return invalid("states", "must declare at least one state")
	}
	seen := make(map[string]bool, len(w.States))
	var finals, nonFinals int
	for i, s := range w.States {
		if s.Name == "" {
			return invalid(fmt.Sprintf("states[%d].name", i), "is required")
		}
		if seen[s.Name] {
			return invalid("states", fmt.Sprintf("duplicate state %q", s.Name))
		}
		seen[s.Name] = true
		if !s.StateType.Valid() {
			return invalid(fmt.Sprintf("states[%d].state_type", i), fmt.Sprintf("unknown state type %q", s.StateType))
		}
		if s.IsFinal {
			finals++
		} else {
			nonFinals++
		}
	}
	if nonFinals == 0 {
		return invalid("states", "must include at least one non-final state")
	}
	if finals == 0 {
		return invalid("states", "must include at least one final state")
	}
	initial, ok := w.State(w.InitialState)
	if !ok {
		return invalid("initial_state", fmt.Sprintf("%q is not a declared state", w.InitialState))
	}
	if initial.IsFinal {
		return invalid("initial_state", "cannot be a final state")
	}
	for i, t := range w.Transitions {
		from, ok := w.State(t.From)
		if !ok {
			return invalid(fmt.Sprintf("transitions[%d].from", i), fmt.Sprintf("%q is not a declared state", t.From))
		}
		if from.IsFinal {
			return invalid(fmt.Sprintf("transitions[%d].from", i), "final states have no outgoing transitions")
		}
		if _, ok := w.State(t.To); !ok {
			return invalid(fmt.Sprintf("transitions[%d].to", i), fmt.Sprintf("%q is not a declared state", t.To))
		}
	}
	for _, k := range w.EntityTypes {
		if _, err := ParseKind(string(k)); err != nil {
			return err
		}
	}
	return nil
}

// Workflow definitions are fixed once stored; instances refer to them by id.
func (w *Workflow) CheckUpdate(Entity) error {
	return invalid("workflow", "definitions are immutable; create a new workflow instead")
}

// State looks up a declared state by name.
func (w *Workflow) State(name string) (WorkflowState, bool) {
	for _, s := range w.States {
		if s.Name == name {
			return s, true
		}
	}
	return WorkflowState{}, false
}

// Declares reports whether the workflow declares the transition from -> to.
func (w *Workflow) Declares(from, to string) bool {
	return slices.ContainsFunc(w.Transitions, func(t Transition) bool {
		return t.From == from && t.To == to
	})
}

// Governs reports whether instances of this workflow may target kind.
func (w *Workflow) Governs(kind Kind) bool {
	return len(w.EntityTypes) == 0 || slices.Contains(w.EntityTypes, kind)
}

func (w *Workflow) IndexFields() IndexFields {
	names := make([]string, len(w.States))
	for i, s := range w.States {
		names[i] = s.Name
	}
	return IndexFields{
		Agent: w.Agent,
		Title: w.Title,
		Body:  joinText(w.Title, w.Description, strings.Join(names, " ")),
	}
}

type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceCompleted InstanceStatus = "completed"
	InstanceBlocked   InstanceStatus = "blocked"
)

func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceActive, InstanceCompleted, InstanceBlocked:
		return true
	}
	return false
}

// HistoryEntry is one transition in an instance's append-only log.
// From is empty for the entry written by start.
type HistoryEntry struct {
	From  string    `json:"from,omitempty"`
	To    string    `json:"to"`
	Agent string    `json:"agent,omitempty"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

func (h HistoryEntry) equal(o HistoryEntry) bool {
	return h.From == o.From && h.To == o.To && h.Agent == o.Agent && h.Note == o.Note && h.At.Equal(o.At)
}

// WorkflowInstance is a running workflow bound to a target entity.
type WorkflowInstance struct {
	Meta
	WorkflowID   string         `json:"workflow_id"`
	EntityID     string         `json:"entity_id"`
	EntityType   Kind           `json:"entity_type"`
	CurrentState string         `json:"current_state"`
	Status       InstanceStatus `json:"status"`
	History      []HistoryEntry `json:"history"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

func (*WorkflowInstance) Kind() Kind { return KindWorkflowInstance }

func (i *WorkflowInstance) Validate() error {
	if err := required("workflow_id", i.WorkflowID); err != nil {
		return err
	}
	if err := required("entity_id", i.EntityID); err != nil {
		return err
	}
	if _, err := ParseKind(string(i.EntityType)); err != nil {
		return invalid("entity_type", fmt.Sprintf("unknown entity type %q", i.EntityType))
	}
	if err := required("current_state", i.CurrentState); err != nil {
		return err
	}
	if !i.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", i.Status))
	}
	if len(i.History) == 0 {
		return invalid("history", "must contain the start entry")
	}
	return nil
}

// CheckUpdate freezes completed instances and keeps the history append-only.
func (i *WorkflowInstance) CheckUpdate(prev Entity) error {
	p, ok := prev.(*WorkflowInstance)
	if !ok {
		return invalid("kind", "stored record is not a workflow instance")
	}
	if p.Status == InstanceCompleted {
		return invalid("status", "completed instances are immutable")
	}
	if i.WorkflowID != p.WorkflowID || i.EntityID != p.EntityID || i.EntityType != p.EntityType {
		return invalid("workflow_instance", "binding to workflow and entity is fixed")
	}
	if len(i.History) < len(p.History) {
		return invalid("history", "is append-only")
	}
	for n := range p.History {
		if !i.History[n].equal(p.History[n]) {
			return invalid("history", "is append-only")
		}
	}
	added := i.History[len(p.History):]
	if len(added) == 0 {
		if i.CurrentState != p.CurrentState || i.Status != p.Status {
			return invalid("current_state", "state and status change only with a history entry")
		}
		return nil
	}
	// New entries must chain from the stored state to the new one.
	from := p.CurrentState
	for _, h := range added {
		if h.From != from || h.To == "" {
			return invalid("history", fmt.Sprintf("entry %q -> %q does not follow state %q", h.From, h.To, from))
		}
		from = h.To
	}
	if i.CurrentState != from {
		return invalid("current_state", fmt.Sprintf("is %q but history ends at %q", i.CurrentState, from))
	}
	return nil
}

func (i *WorkflowInstance) IndexFields() IndexFields {
	return IndexFields{
		Agent:  i.Agent,
		Status: string(i.Status),
		Title:  i.CurrentState,
		Body:   joinText(i.CurrentState, string(i.EntityType), i.EntityID),
	}
}
