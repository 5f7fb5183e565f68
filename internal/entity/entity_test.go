package entity

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestConfidenceBounds(t *testing.T) {
	tests := []struct {
		c    float64
		want bool
	}{
		{0.0, true},
		{0.5, true},
		{1.0, true},
		{-0.0001, false},
		{1.0001, false},
		{-1, false},
		{2, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}
	for _, tt := range tests {
		r := &Reasoning{Title: "why", Conclusion: "because", Confidence: tt.c}
		k := &Knowledge{Title: "k", KnowledgeType: KnowledgeFact, Confidence: tt.c}
		for _, e := range []Entity{r, k} {
			err := Prepare(e)
			if tt.want && err != nil {
				t.Errorf("%s confidence %v: unexpected error %v", e.Kind(), tt.c, err)
			}
			if !tt.want && !errors.Is(err, ErrValidation) {
				t.Errorf("%s confidence %v: got %v, want ErrValidation", e.Kind(), tt.c, err)
			}
		}
	}
}

func TestReasoningStepConfidence(t *testing.T) {
	r := &Reasoning{
		Title:      "chain",
		Confidence: 0.9,
		Steps:      []ReasoningStep{{Description: "a", Confidence: 1.5}},
	}
	var verr *ValidationError
	if err := r.Validate(); !errors.As(err, &verr) || verr.Field != "steps[0].confidence" {
		t.Fatalf("got %v, want steps[0].confidence failure", err)
	}
}

func TestCanTransition(t *testing.T) {
	review := ReviewStatus("code")
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskInProgress, true},
		{TaskInProgress, review, true},
		{review, TaskDone, true},
		{TaskPending, TaskDone, true},
		{TaskInProgress, TaskPending, false},
		{review, TaskInProgress, true},
		{review, TaskPending, true},
		{review, ReviewStatus("security"), true},
		{TaskDone, TaskInProgress, false},
		{TaskCancelled, TaskPending, false},
		{TaskInProgress, TaskCancelled, true},
		{TaskDone, TaskCancelled, false},
		{TaskDone, TaskDone, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskStatusValid(t *testing.T) {
	for _, s := range []TaskStatus{"pending", "in_progress", "done", "cancelled", "pending_review_qa2"} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []TaskStatus{"", "todo", "pending_review_", "pending_review_Code", "pending_review_a b"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestTaskCheckUpdate(t *testing.T) {
	prev := &Task{Title: "t", Priority: PriorityHigh, Status: TaskInProgress}
	next := *prev
	next.Status = TaskDone
	next.Outcome = "shipped"
	if err := next.CheckUpdate(prev); err != nil {
		t.Fatalf("status change rejected: %v", err)
	}
	next = *prev
	next.Title = "renamed"
	if err := next.CheckUpdate(prev); !errors.Is(err, ErrValidation) {
		t.Fatalf("title change: got %v", err)
	}
	next = *prev
	next.Status = TaskPending
	if err := next.CheckUpdate(prev); !errors.Is(err, ErrValidation) {
		t.Fatalf("backward move: got %v", err)
	}
}

func validWorkflow() *Workflow {
	return &Workflow{
		Title: "review",
		States: []WorkflowState{
			{Name: "draft"},
			{Name: "review"},
			{Name: "done", IsFinal: true},
		},
	}
}

func TestWorkflowDefaults(t *testing.T) {
	w := validWorkflow()
	if err := Prepare(w); err != nil {
		t.Fatal(err)
	}
	if w.InitialState != "draft" {
		t.Errorf("InitialState = %q, want draft", w.InitialState)
	}
	if w.States[2].StateType != StateDone || w.States[0].StateType != StateInProgress {
		t.Errorf("state types not defaulted: %+v", w.States)
	}
}

func TestWorkflowValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Workflow)
	}{
		{"no final", func(w *Workflow) { w.States[2].IsFinal = false }},
		{"all final", func(w *Workflow) {
			for i := range w.States {
				w.States[i].IsFinal = true
			}
		}},
		{"duplicate", func(w *Workflow) { w.States[1].Name = "draft" }},
		{"unknown initial", func(w *Workflow) { w.InitialState = "nowhere" }},
		{"final initial", func(w *Workflow) { w.InitialState = "done" }},
		{"transition to undeclared", func(w *Workflow) {
			w.Transitions = []Transition{{From: "draft", To: "shipped"}}
		}},
		{"transition out of final", func(w *Workflow) {
			w.Transitions = []Transition{{From: "done", To: "draft"}}
		}},
		{"bad entity type", func(w *Workflow) { w.EntityTypes = []Kind{"ticket"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := validWorkflow()
			tt.mutate(w)
			if err := Prepare(w); !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestInstanceCheckUpdate(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	prev := &WorkflowInstance{
		WorkflowID: "w", EntityID: "t", EntityType: KindTask,
		CurrentState: "draft", Status: InstanceActive,
		History: []HistoryEntry{{To: "draft", At: at}},
	}
	next := *prev
	next.History = append([]HistoryEntry{}, prev.History...)
	next.History = append(next.History, HistoryEntry{From: "draft", To: "done", At: at.Add(time.Minute)})
	next.CurrentState = "done"
	next.Status = InstanceCompleted
	if err := next.CheckUpdate(prev); err != nil {
		t.Fatalf("append rejected: %v", err)
	}

	rewritten := next
	rewritten.History = []HistoryEntry{{To: "review", At: at}, next.History[1]}
	if err := rewritten.CheckUpdate(prev); !errors.Is(err, ErrValidation) {
		t.Fatalf("history rewrite: got %v", err)
	}

	again := next
	if err := again.CheckUpdate(&next); !errors.Is(err, ErrValidation) {
		t.Fatalf("completed instance accepted update: %v", err)
	}

	jumped := *prev
	jumped.CurrentState = "nowhere"
	jumped.Status = InstanceCompleted
	if err := jumped.CheckUpdate(prev); !errors.Is(err, ErrValidation) {
		t.Fatalf("state change without history accepted: %v", err)
	}

	skipped := next
	skipped.CurrentState = "review"
	if err := skipped.CheckUpdate(prev); !errors.Is(err, ErrValidation) {
		t.Fatalf("state disagreeing with history accepted: %v", err)
	}

	detached := *prev
	detached.History = append([]HistoryEntry{}, prev.History...)
	detached.History = append(detached.History, HistoryEntry{From: "review", To: "done", At: at.Add(time.Minute)})
	detached.CurrentState = "done"
	if err := detached.CheckUpdate(prev); !errors.Is(err, ErrValidation) {
		t.Fatalf("entry not starting at the stored state accepted: %v", err)
	}
}

func TestKnowledgeDefaultsToFact(t *testing.T) {
	e, err := Decode(KindKnowledge, []byte(`{"title":"retry policy","content":"exponential backoff"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := Prepare(e); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if k := e.(*Knowledge); k.KnowledgeType != KnowledgeFact {
		t.Errorf("KnowledgeType = %q, want fact", k.KnowledgeType)
	}
}

func TestComplianceDefaults(t *testing.T) {
	c := &ComplianceRecord{Title: "gdpr", Category: "privacy", Requirements: []Requirement{
		{Name: "dpo appointed", Passed: true},
		{Name: "retention policy", Passed: false},
	}}
	if err := Prepare(c); err != nil {
		t.Fatal(err)
	}
	if c.Status != ComplianceNonCompliant {
		t.Errorf("Status = %q, want non_compliant", c.Status)
	}
	if c.Passed() != 1 {
		t.Errorf("Passed() = %d, want 1", c.Passed())
	}
}

func TestSessionValidate(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	s := &Session{Meta: Meta{Agent: "alice"}, StartTime: start}
	if err := Prepare(s); err != nil {
		t.Fatal(err)
	}
	end := start.Add(-time.Second)
	s.EndTime = &end
	s.Status = SessionCompleted
	if err := s.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("end before start: got %v", err)
	}
}

func TestDecode(t *testing.T) {
	e, err := Decode(KindTask, []byte(`{"title":"write docs","priority":"high","agent":"alice","id":"forged"}`))
	if err != nil {
		t.Fatal(err)
	}
	task := e.(*Task)
	if task.ID != "" {
		t.Errorf("client-supplied id survived decoding: %q", task.ID)
	}
	if task.Agent != "alice" || task.Priority != PriorityHigh {
		t.Errorf("decoded %+v", task)
	}

	for name, payload := range map[string]string{
		"unknown field": `{"title":"x","colour":"red"}`,
		"wrong type":    `{"title":42}`,
		"malformed":     `{"title":`,
		"trailing":      `{"title":"x"} {}`,
	} {
		if _, err := Decode(KindTask, []byte(payload)); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: got %v, want ErrValidation", name, err)
		}
	}
	if _, err := Decode("ticket", []byte(`{}`)); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown kind: got %v", err)
	}
}

func TestRelationshipValidate(t *testing.T) {
	r := &Relationship{SourceID: "a", TargetID: "b", RelationshipType: RelValidates}
	if err := Prepare(r); err != nil {
		t.Fatal(err)
	}
	if r.Strength != StrengthMedium {
		t.Errorf("Strength = %q", r.Strength)
	}
	if r.IndexFields().Edge == nil {
		t.Error("relationship index fields carry no edge")
	}
	r.RelationshipType = "Depends On"
	if err := r.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("bad type accepted: %v", err)
	}
}

func TestPatch(t *testing.T) {
	task := &Task{Meta: Meta{ID: "t1", Agent: "alice", Version: 3}, Title: "write docs", Status: TaskPending}
	if err := Patch(task, []byte(`{"status":"in_progress","id":"other","version":9}`)); err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskInProgress || task.Title != "write docs" {
		t.Errorf("patched %+v", task)
	}
	if task.ID != "t1" || task.Version != 3 || task.Agent != "alice" {
		t.Errorf("patch changed shared fields: %+v", task.Meta)
	}
	if err := Patch(task, []byte(`{"colour":"red"}`)); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown field: got %v, want ErrValidation", err)
	}
}

func TestADRLifecycle(t *testing.T) {
	a := &ADR{Title: "use sqlite", Number: 7, Context: "one binary, no services"}
	if err := Prepare(a); err != nil {
		t.Fatal(err)
	}
	if a.Status != ADRProposed {
		t.Errorf("Status = %q, want proposed", a.Status)
	}

	accepted := *a
	accepted.Status = ADRAccepted
	if err := accepted.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("accepted without decision: got %v", err)
	}
	accepted.Decision = "embed modernc sqlite"
	if err := accepted.Validate(); err != nil {
		t.Errorf("accepted with decision: %v", err)
	}

	renumbered := accepted
	renumbered.Number = 8
	if err := renumbered.CheckUpdate(a); !errors.Is(err, ErrValidation) {
		t.Errorf("renumbering accepted: %v", err)
	}

	superseded := accepted
	superseded.Status = ADRSuperseded
	superseded.SupersededBy = "adr-9"
	if err := superseded.Validate(); err != nil {
		t.Fatal(err)
	}
	edited := superseded
	edited.Consequences = "late edit"
	if err := edited.CheckUpdate(&superseded); !errors.Is(err, ErrValidation) {
		t.Errorf("superseded record accepted update: %v", err)
	}
}

func TestRuleAppliesTo(t *testing.T) {
	r := &Rule{Title: "reasoning required", Description: "tasks carry reasoning", RuleType: RuleValidation, EntityTypes: []Kind{KindTask}}
	if err := Prepare(r); err != nil {
		t.Fatal(err)
	}
	if r.Priority != PriorityMedium || r.Status != RuleActive {
		t.Errorf("defaults = %q/%q", r.Priority, r.Status)
	}
	if !r.AppliesTo(KindTask) || r.AppliesTo(KindContext) {
		t.Error("entity type filter not applied")
	}
	r.Status = RuleInactive
	if r.AppliesTo(KindTask) {
		t.Error("inactive rule applies")
	}

	bad := &Rule{Title: "x", Description: "y", RuleType: "lint"}
	if err := Prepare(bad); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown rule type: got %v", err)
	}
}

func TestStandardEffective(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(24 * time.Hour)
	s := &Standard{Title: "tested code", Description: "changes ship tests", Category: CategoryTesting, Version: "1.0"}
	if err := Prepare(s); err != nil {
		t.Fatal(err)
	}
	if s.Effective(now) {
		t.Error("draft standard is effective")
	}
	s.Status = StandardActive
	if !s.Effective(now) {
		t.Error("active standard without date is not effective")
	}
	s.EffectiveDate = &later
	if s.Effective(now) {
		t.Error("standard effective before its date")
	}
	s.EffectiveDate = nil
	s.SupersededBy = "std-2"
	if s.Effective(now) {
		t.Error("superseded standard is effective")
	}

	missing := &Standard{Title: "x", Description: "y", Category: CategoryTesting}
	if err := Prepare(missing); !errors.Is(err, ErrValidation) {
		t.Errorf("missing version: got %v", err)
	}
}
