package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/graph"
	"github.com/engram-cli/engram/internal/storage"
)

const reviewYAML = `
title: code review
description: draft, review, ship
entity_types: [task]
initial_state: draft
states:
  - name: draft
    prompts:
      system: "You are {{AGENT_NAME}}."
      user: "Draft task {{TASK_ID}}."
  - name: review
    state_type: review
  - name: done
    is_final: true
transitions:
  - {name: submit, from: draft, to: review}
  - {name: approve, from: review, to: done}
`

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, graph.New(s, nil), opts...), s
}

func setup(t *testing.T, e *Engine, s *storage.Store) (wfID, taskID string) {
	t.Helper()
	ctx := context.Background()
	wf, err := ParseDefinition([]byte(reviewYAML))
	if err != nil {
		t.Fatal(err)
	}
	if wfID, err = e.CreateWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}
	if taskID, err = s.Create(ctx, &entity.Task{Title: "ship it", Meta: entity.Meta{Agent: "alice"}}); err != nil {
		t.Fatal(err)
	}
	return wfID, taskID
}

func TestEndToEnd(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	wfID, taskID := setup(t, e, s)

	inst, err := e.Start(ctx, wfID, "alice", taskID, entity.KindTask)
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status right after Start: %v", err)
	}
	if got.CurrentState != "draft" || got.Status != entity.InstanceActive {
		t.Fatalf("after start: state %q status %q", got.CurrentState, got.Status)
	}

	p, err := e.RenderPrompt(ctx, inst.ID, map[string]string{"AGENT_NAME": "Alice", "TASK_ID": taskID})
	if err != nil {
		t.Fatal(err)
	}
	if p.System != "You are Alice." || p.User != "Draft task "+taskID+"." {
		t.Errorf("prompt = %+v", p)
	}

	for _, to := range []string{"review", "done"} {
		if _, err := e.Transition(ctx, inst.ID, to, TransitionOptions{Agent: "bob"}); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}
	got, err = e.Status(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != entity.InstanceCompleted || got.CompletedAt == nil {
		t.Errorf("final state did not complete the instance: %+v", got)
	}
	if len(got.History) != 3 {
		t.Errorf("history has %d entries, want 3", len(got.History))
	}

	task, err := storage.Get[*entity.Task](ctx, s, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.WorkflowID != wfID || task.WorkflowState != "done" {
		t.Errorf("task mirror = %q/%q", task.WorkflowID, task.WorkflowState)
	}

	rels, err := s.Relationships(ctx, storage.EdgeQuery{EntityID: inst.ID, Direction: storage.Outbound, Type: entity.RelGoverns})
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 || rels[0].TargetID != taskID {
		t.Errorf("governs edge = %+v", rels)
	}
}

func TestStartKeepsInstanceWhenLinkFails(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	// A graph over another store cannot resolve the endpoints.
	other, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { other.Close() })

	e := NewEngine(s, graph.New(other, nil))
	ctx := context.Background()
	wfID, taskID := setup(t, e, s)

	inst, err := e.Start(ctx, wfID, "alice", taskID, entity.KindTask)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := e.Status(ctx, inst.ID); err != nil {
		t.Fatalf("Status after Start: %v", err)
	}
	task, err := storage.Get[*entity.Task](ctx, s, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.WorkflowState != "draft" {
		t.Errorf("task workflow state = %q, want draft", task.WorkflowState)
	}
}

func TestCompletedInstanceRefusesTransitions(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	wfID, taskID := setup(t, e, s)

	inst, err := e.Start(ctx, wfID, "alice", taskID, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Transition(ctx, inst.ID, "done", TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	before, err := e.Status(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}

	for _, to := range []string{"draft", "review", "done", "nowhere"} {
		_, err := e.Transition(ctx, inst.ID, to, TransitionOptions{})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%s) on completed instance: err = %v, want ErrInvalidTransition", to, err)
		}
	}
	if _, err := e.SetBlocked(ctx, inst.ID, true, TransitionOptions{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SetBlocked on completed instance: err = %v", err)
	}

	after, err := e.Status(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Version != before.Version || after.CurrentState != before.CurrentState || len(after.History) != len(before.History) {
		t.Errorf("completed instance changed: before %+v after %+v", before, after)
	}
}

func TestTransitionRejections(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	wfID, taskID := setup(t, e, s)
	inst, err := e.Start(ctx, wfID, "alice", taskID, "")
	if err != nil {
		t.Fatal(err)
	}

	for _, to := range []string{"draft", "missing", ""} {
		if _, err := e.Transition(ctx, inst.ID, to, TransitionOptions{}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%q): err = %v, want ErrInvalidTransition", to, err)
		}
	}
	if _, err := e.Transition(ctx, "no-such-instance", "review", TransitionOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown instance: err = %v, want ErrNotFound", err)
	}
}

func TestOpenPolicyAllowsUndeclaredMoves(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	wfID, taskID := setup(t, e, s)
	inst, err := e.Start(ctx, wfID, "alice", taskID, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Transition(ctx, inst.ID, "done", TransitionOptions{}); err != nil {
		t.Errorf("draft -> done under open policy: %v", err)
	}
}

func TestDeclaredPolicy(t *testing.T) {
	e, s := newTestEngine(t, WithPolicy(PolicyDeclared))
	ctx := context.Background()
	wfID, taskID := setup(t, e, s)
	inst, err := e.Start(ctx, wfID, "alice", taskID, "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.Transition(ctx, inst.ID, "done", TransitionOptions{})
	var te *TransitionError
	if !errors.As(err, &te) || te.From != "draft" || te.To != "done" {
		t.Fatalf("undeclared draft -> done: err = %v", err)
	}

	next, err := e.NextStates(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0] != "review" {
		t.Errorf("NextStates = %v, want [review]", next)
	}
	if _, err := e.Transition(ctx, inst.ID, "review", TransitionOptions{}); err != nil {
		t.Errorf("declared draft -> review: %v", err)
	}
}

func TestBlockedInstance(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	wfID, taskID := setup(t, e, s)
	inst, err := e.Start(ctx, wfID, "alice", taskID, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetBlocked(ctx, inst.ID, true, TransitionOptions{Note: "waiting on CI"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Transition(ctx, inst.ID, "review", TransitionOptions{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition while blocked: err = %v", err)
	}
	got, err := e.SetBlocked(ctx, inst.ID, false, TransitionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != entity.InstanceActive || got.CurrentState != "draft" {
		t.Errorf("after unblock: %+v", got)
	}
	if !strings.HasPrefix(got.History[1].Note, "blocked") {
		t.Errorf("block entry note = %q", got.History[1].Note)
	}
	if _, err := e.Transition(ctx, inst.ID, "review", TransitionOptions{}); err != nil {
		t.Errorf("transition after unblock: %v", err)
	}
}

func TestStartChecksEntity(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	wfID, _ := setup(t, e, s)

	if _, err := e.Start(ctx, wfID, "alice", "missing", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing entity: err = %v, want ErrNotFound", err)
	}
	if _, err := e.Start(ctx, "missing", "alice", "x", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing workflow: err = %v, want ErrNotFound", err)
	}

	ctxID, err := s.Create(ctx, &entity.Context{Title: "notes", Content: "text"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Start(ctx, wfID, "alice", ctxID, ""); !errors.Is(err, entity.ErrValidation) {
		t.Errorf("workflow limited to tasks accepted a context: err = %v", err)
	}
	if _, err := e.Start(ctx, wfID, "alice", ctxID, entity.KindTask); !errors.Is(err, entity.ErrValidation) {
		t.Errorf("wrong entity_type: err = %v", err)
	}
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	wfID, taskID := setup(t, e, s)
	inst, err := e.Start(ctx, wfID, "alice", taskID, "")
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Transition(ctx, inst.ID, "done", TransitionOptions{})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrInvalidTransition):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d transitions to the final state succeeded, want 1", ok)
	}
}

func TestInstancesFilter(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	wfID, taskID := setup(t, e, s)
	other, err := s.Create(ctx, &entity.Task{Title: "other"})
	if err != nil {
		t.Fatal(err)
	}
	a, err := e.Start(ctx, wfID, "alice", taskID, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Start(ctx, wfID, "bob", other, ""); err != nil {
		t.Fatal(err)
	}

	got, err := e.Instances(ctx, InstanceFilter{EntityID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("Instances(entity) = %v", got)
	}
	all, err := e.Instances(ctx, InstanceFilter{WorkflowID: wfID, Status: entity.InstanceActive})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("Instances(workflow, active) returned %d, want 2", len(all))
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyOpen, "open": PolicyOpen, "declared": PolicyDeclared} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("strict"); err == nil {
		t.Error("ParsePolicy(strict) succeeded")
	}
}
