// Package workflow runs finite-state workflow instances bound to stored
// entities and renders the prompt templates attached to their states.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/graph"
	"github.com/engram-cli/engram/internal/storage"
	"github.com/engram-cli/engram/internal/telemetry"
)

// Policy decides which state changes are legal.
type Policy string

const (
	// PolicyOpen allows any non-final state to move to any other declared state.
	PolicyOpen Policy = "open"
	// PolicyDeclared additionally requires a declared transition when the
	// workflow declares any.
	PolicyDeclared Policy = "declared"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyOpen, PolicyDeclared:
		return p, nil
	case "":
		return PolicyOpen, nil
	}
	return "", fmt.Errorf("unknown transition policy %q (valid: open, declared)", s)
}

type Engine struct {
	store   *storage.Store
	graph   *graph.Graph
	policy  Policy
	clock   storage.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

type Option func(*Engine)

func WithPolicy(p Policy) Option              { return func(e *Engine) { e.policy = p } }
func WithClock(c storage.Clock) Option        { return func(e *Engine) { e.clock = c } }
func WithLogger(l *slog.Logger) Option        { return func(e *Engine) { e.logger = l } }
func WithMetrics(m *telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func NewEngine(store *storage.Store, g *graph.Graph, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		graph:  g,
		policy: PolicyOpen,
		clock:  storage.SystemClock,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CreateWorkflow validates and stores a definition.
func (e *Engine) CreateWorkflow(ctx context.Context, wf *entity.Workflow) (string, error) {
	return e.store.Create(ctx, wf)
}

func (e *Engine) Workflow(ctx context.Context, id string) (*entity.Workflow, error) {
	return storage.Get[*entity.Workflow](ctx, e.store, id)
}

// Start binds a new instance of workflowID to an existing entity. The
// instance begins in the workflow's initial state and is readable through
// Status as soon as Start returns.
func (e *Engine) Start(ctx context.Context, workflowID, agent, entityID string, entityType entity.Kind) (*entity.WorkflowInstance, error) {
	wf, err := e.Workflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}
	kind, err := e.store.Resolve(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity: %w", err)
	}
	if entityType != "" && entityType != kind {
		return nil, entity.Invalid("entity_type", fmt.Sprintf("entity %s is a %s, not a %s", entityID, kind, entityType))
	}
	if !wf.Governs(kind) {
		return nil, entity.Invalid("entity_type", fmt.Sprintf("workflow %s does not govern %s entities", workflowID, kind))
	}

	inst := &entity.WorkflowInstance{
		Meta:         entity.Meta{Agent: agent},
		WorkflowID:   wf.ID,
		EntityID:     entityID,
		EntityType:   kind,
		CurrentState: wf.InitialState,
		Status:       entity.InstanceActive,
		History: []entity.HistoryEntry{{
			To:    wf.InitialState,
			Agent: agent,
			At:    e.now(),
		}},
	}
	ctx = storage.WithActor(ctx, agent)
	if _, err := e.store.Create(ctx, inst); err != nil {
		return nil, err
	}
	// The instance is stored at this point. The governs edge and the task
	// mirror are derived from it, so their failures are logged.
	if e.graph != nil {
		if _, err := e.graph.Link(ctx, inst.ID, entityID, entity.RelGoverns, graph.LinkOptions{Agent: agent}); err != nil {
			e.logger.Warn("linking workflow instance", "instance_id", inst.ID, "entity_id", entityID, "error", err)
		}
	}
	e.mirror(ctx, inst)
	e.logger.Info("workflow started", "instance_id", inst.ID, "workflow_id", wf.ID, "entity_id", entityID, "state", inst.CurrentState)
	return inst, nil
}

// Status returns the stored instance.
func (e *Engine) Status(ctx context.Context, instanceID string) (*entity.WorkflowInstance, error) {
	return storage.Get[*entity.WorkflowInstance](ctx, e.store, instanceID)
}

// TransitionOptions annotates a history entry.
type TransitionOptions struct {
	Agent string
	Note  string
}

// Transition moves an instance to state to. Reaching a final state
// completes the instance; completed instances refuse every further change.
func (e *Engine) Transition(ctx context.Context, instanceID, to string, opts TransitionOptions) (inst *entity.WorkflowInstance, err error) {
	defer func() { e.metrics.Transition(err) }()

	cur, err := e.Status(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	wf, err := e.Workflow(ctx, cur.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow of instance %s: %w", instanceID, err)
	}

	ctx = storage.WithActor(ctx, opts.Agent)
	inst, err = storage.Mutate(ctx, e.store, instanceID, func(w *entity.WorkflowInstance) error {
		if err := e.check(wf, w, to); err != nil {
			return err
		}
		target, _ := wf.State(to)
		now := e.now()
		w.History = append(w.History, entity.HistoryEntry{
			From:  w.CurrentState,
			To:    to,
			Agent: opts.Agent,
			Note:  opts.Note,
			At:    now,
		})
		w.CurrentState = to
		if target.IsFinal {
			w.Status = entity.InstanceCompleted
			w.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.mirror(ctx, inst)
	e.logger.Info("workflow transition", "instance_id", instanceID, "state", to, "status", inst.Status)
	return inst, nil
}

// check enforces the transition rules against the freshly read instance.
func (e *Engine) check(wf *entity.Workflow, w *entity.WorkflowInstance, to string) error {
	fail := func(reason string) error {
		return &TransitionError{InstanceID: w.ID, From: w.CurrentState, To: to, Reason: reason}
	}
	switch w.Status {
	case entity.InstanceCompleted:
		return fail("instance is completed")
	case entity.InstanceBlocked:
		return fail("instance is blocked")
	}
	if _, ok := wf.State(to); !ok {
		return fail(fmt.Sprintf("%q is not a state of workflow %s", to, wf.ID))
	}
	if to == w.CurrentState {
		return fail("instance is already in that state")
	}
	if cur, ok := wf.State(w.CurrentState); ok && cur.IsFinal {
		return fail("current state is final")
	}
	if e.policy == PolicyDeclared && len(wf.Transitions) > 0 && !wf.Declares(w.CurrentState, to) {
		return fail("transition is not declared")
	}
	return nil
}

// NextStates lists the states the instance may move to under the engine's policy.
func (e *Engine) NextStates(ctx context.Context, instanceID string) ([]string, error) {
	inst, err := e.Status(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	wf, err := e.Workflow(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range wf.States {
		if e.check(wf, inst, s.Name) == nil {
			out = append(out, s.Name)
		}
	}
	return out, nil
}

// SetBlocked parks or resumes an active instance. The change is recorded in
// the history without moving the state.
func (e *Engine) SetBlocked(ctx context.Context, instanceID string, blocked bool, opts TransitionOptions) (*entity.WorkflowInstance, error) {
	ctx = storage.WithActor(ctx, opts.Agent)
	return storage.Mutate(ctx, e.store, instanceID, func(w *entity.WorkflowInstance) error {
		if w.Status == entity.InstanceCompleted {
			return &TransitionError{InstanceID: w.ID, From: w.CurrentState, To: w.CurrentState, Reason: "instance is completed"}
		}
		want, note := entity.InstanceActive, "unblocked"
		if blocked {
			want, note = entity.InstanceBlocked, "blocked"
		}
		if w.Status == want {
			return nil
		}
		if opts.Note != "" {
			note += ": " + opts.Note
		}
		w.Status = want
		w.History = append(w.History, entity.HistoryEntry{
			From: w.CurrentState, To: w.CurrentState, Agent: opts.Agent, Note: note, At: e.now(),
		})
		return nil
	})
}

// RenderPrompt renders the current state's prompt pair with vars. States
// without prompts render as empty strings.
func (e *Engine) RenderPrompt(ctx context.Context, instanceID string, vars map[string]string) (Prompt, error) {
	inst, err := e.Status(ctx, instanceID)
	if err != nil {
		return Prompt{}, err
	}
	wf, err := e.Workflow(ctx, inst.WorkflowID)
	if err != nil {
		return Prompt{}, err
	}
	p := Prompt{State: inst.CurrentState}
	state, ok := wf.State(inst.CurrentState)
	if !ok || state.Prompts == nil {
		return p, nil
	}
	p.System = Render(state.Prompts.System, vars)
	p.User = Render(state.Prompts.User, vars)
	p.Missing = missing(vars, state.Prompts.System, state.Prompts.User)
	return p, nil
}

// InstanceFilter narrows Instances. Zero fields match anything.
type InstanceFilter struct {
	WorkflowID string
	EntityID   string
	Status     entity.InstanceStatus
	Agent      string
}

func (e *Engine) Instances(ctx context.Context, f InstanceFilter) ([]*entity.WorkflowInstance, error) {
	all, err := storage.ListOf[*entity.WorkflowInstance](ctx, e.store, storage.Filter{
		Agent:  f.Agent,
		Status: string(f.Status),
	})
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(w *entity.WorkflowInstance) bool {
		return (f.WorkflowID != "" && w.WorkflowID != f.WorkflowID) ||
			(f.EntityID != "" && w.EntityID != f.EntityID)
	}), nil
}

// mirror copies the workflow position onto a governed task. The instance is
// authoritative, so a failure here is logged rather than returned.
func (e *Engine) mirror(ctx context.Context, inst *entity.WorkflowInstance) {
	if inst.EntityType != entity.KindTask {
		return
	}
	_, err := storage.Mutate(ctx, e.store, inst.EntityID, func(t *entity.Task) error {
		t.WorkflowID = inst.WorkflowID
		t.WorkflowState = inst.CurrentState
		return nil
	})
	if err != nil {
		e.logger.Warn("mirroring workflow state onto task", "task_id", inst.EntityID, "instance_id", inst.ID, "error", err)
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Round(0)
}
