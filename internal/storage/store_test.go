package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/engram-cli/engram/internal/entity"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func sampleEntities() []entity.Entity {
	return []entity.Entity{
		&entity.Task{Meta: entity.Meta{Agent: "alice"}, Title: "write parser", Priority: entity.PriorityHigh},
		&entity.Context{Meta: entity.Meta{Agent: "alice"}, Title: "notes", Content: "grammar is LL(1)"},
		&entity.Reasoning{Meta: entity.Meta{Agent: "alice"}, Title: "choose LL", Conclusion: "simpler", Confidence: 0.8},
		&entity.Knowledge{Meta: entity.Meta{Agent: "bob"}, Title: "recursive descent", KnowledgeType: entity.KnowledgePattern, Confidence: 1},
		&entity.Workflow{Title: "flow", States: []entity.WorkflowState{{Name: "open"}, {Name: "done", IsFinal: true}}},
		&entity.WorkflowInstance{WorkflowID: "w", EntityID: "t", EntityType: entity.KindTask, CurrentState: "open",
			Status: entity.InstanceActive, History: []entity.HistoryEntry{{To: "open", At: time.Unix(100, 0).UTC()}}},
		&entity.Relationship{SourceID: "a", TargetID: "b", RelationshipType: entity.RelValidates},
		&entity.Session{Meta: entity.Meta{Agent: "alice"}, StartTime: time.Unix(100, 0).UTC()},
		&entity.ComplianceRecord{Title: "pci", Category: "payments", Requirements: []entity.Requirement{{Name: "tls", Passed: true}}},
		&entity.ADR{Meta: entity.Meta{Agent: "alice"}, Title: "use sqlite", Number: 1, Context: "single binary",
			Alternatives: []entity.Alternative{{Description: "postgres", Cons: []string{"extra service"}}}},
		&entity.Rule{Title: "tasks need reasoning", Description: "reject tasks without reasoning", RuleType: entity.RuleValidation,
			Condition: json.RawMessage(`{"min_reasoning":1}`), EntityTypes: []entity.Kind{entity.KindTask}},
		&entity.Standard{Title: "tested code", Description: "every change ships tests", Category: entity.CategoryTesting, Version: "1.0",
			Requirements: []entity.StandardRequirement{{Title: "unit tests", Mandatory: true}}},
	}
}

func TestCreateThenReadEveryKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, e := range sampleEntities() {
		id, err := s.Create(ctx, e)
		if err != nil {
			t.Fatalf("Create(%s): %v", e.Kind(), err)
		}
		got, err := s.Read(ctx, e.Kind(), id)
		if err != nil {
			t.Fatalf("Read(%s, %s) right after create: %v", e.Kind(), id, err)
		}
		if got.Base().ID != id || got.Base().Version != 1 {
			t.Errorf("%s: got id=%s version=%d", e.Kind(), got.Base().ID, got.Base().Version)
		}
		if !got.Base().CreatedAt.Equal(e.Base().CreatedAt) {
			t.Errorf("%s: created_at %v, want %v", e.Kind(), got.Base().CreatedAt, e.Base().CreatedAt)
		}
		if got.IndexFields() != e.IndexFields() && e.Kind() != entity.KindRelationship {
			t.Errorf("%s: payload changed in round trip:\n got %+v\nwant %+v", e.Kind(), got.IndexFields(), e.IndexFields())
		}
	}
}

// TestConcurrentCreatorsReadAfterWrite runs many creators against a file
// database through two independent handles and reads every id back.
func TestConcurrentCreatorsReadAfterWrite(t *testing.T) {
	dir := t.TempDir()
	writer, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.Close()
	reader, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	ctx := context.Background()
	const n = 32
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := &entity.Task{Meta: entity.Meta{Agent: "alice"}, Title: fmt.Sprintf("task %d", i)}
			id, err := writer.Create(ctx, task)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = id
			if _, err := Get[*entity.Task](ctx, reader, id); err != nil {
				errs[i] = fmt.Errorf("read after write of %s: %w", id, err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("creator %d: %v", i, err)
		}
		if seen[ids[i]] {
			t.Fatalf("duplicate id %s", ids[i])
		}
		seen[ids[i]] = true
	}
	count, err := reader.Count(ctx, Filter{Kind: entity.KindTask, Agent: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Errorf("index count = %d, want %d", count, n)
	}
}

func TestValidationWritesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &entity.Reasoning{Title: "overconfident", Confidence: 1.5})
	if !errors.Is(err, entity.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	gen, err := s.Generation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gen != 0 {
		t.Errorf("generation = %d after rejected create", gen)
	}
	var objects int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM objects").Scan(&objects); err != nil {
		t.Fatal(err)
	}
	if objects != 0 {
		t.Errorf("%d objects written by rejected create", objects)
	}
}

func TestSaveConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, &entity.Context{Title: "c", Content: "body"})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := Get[*entity.Context](ctx, s, id)
	b, _ := Get[*entity.Context](ctx, s, id)

	a.Relevance = entity.RelevanceHigh
	if err := s.Save(ctx, a); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version after save = %d, want 2", a.Version)
	}

	b.Relevance = entity.RelevanceLow
	err = s.Save(ctx, b)
	var conflict *ConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, ErrConflict) {
		t.Fatalf("second save: got %v, want ConflictError", err)
	}
	if conflict.Expected != 1 || conflict.Actual != 2 {
		t.Errorf("conflict = %+v", conflict)
	}
	if b.Version != 1 {
		t.Errorf("failed save changed caller version to %d", b.Version)
	}

	got, _ := Get[*entity.Context](ctx, s, id)
	if got.Relevance != entity.RelevanceHigh {
		t.Errorf("relevance = %s, want high", got.Relevance)
	}
}

// TestUpdateTotalOrder appends from many goroutines to one instance; no
// append may be lost.
func TestUpdateTotalOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	inst := &entity.WorkflowInstance{WorkflowID: "w", EntityID: "t", EntityType: entity.KindTask,
		CurrentState: "s0", Status: entity.InstanceActive,
		History: []entity.HistoryEntry{{To: "s0", At: time.Unix(1, 0).UTC()}}}
	id, err := s.Create(ctx, inst)
	if err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Mutate(ctx, s, id, func(w *entity.WorkflowInstance) error {
				w.History = append(w.History, entity.HistoryEntry{
					From: w.CurrentState, To: fmt.Sprintf("s%d", i+1), At: time.Unix(int64(i+2), 0).UTC(),
				})
				w.CurrentState = fmt.Sprintf("s%d", i+1)
				return nil
			})
			if err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	got, err := Get[*entity.WorkflowInstance](ctx, s, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != n+1 {
		t.Fatalf("history has %d entries, want %d", len(got.History), n+1)
	}
	if got.Version != n+1 {
		t.Errorf("version = %d, want %d", got.Version, n+1)
	}
	for i := 1; i < len(got.History); i++ {
		if got.History[i].From != got.History[i-1].To {
			t.Fatalf("history entries interleaved at %d: %+v", i, got.History)
		}
	}
}

func TestUpdateGuardRejects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, &entity.Reasoning{Title: "r", Confidence: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	_, err = Mutate(ctx, s, id, func(r *entity.Reasoning) error {
		r.Confidence = 0.9
		return nil
	})
	if !errors.Is(err, entity.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	revs, err := s.History(ctx, entity.KindReasoning, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 1 {
		t.Errorf("rejected update left %d revisions", len(revs))
	}
}

func TestHistoryAndReadVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, &entity.Context{Meta: entity.Meta{Agent: "alice"}, Title: "c", Content: "body"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Mutate(ctx, s, id, func(c *entity.Context) error {
		c.Relevance = entity.RelevanceHigh
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	revs, err := s.History(ctx, entity.KindContext, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 || revs[0].Version != 1 || revs[1].Version != 2 {
		t.Fatalf("history = %+v", revs)
	}
	if revs[0].Hash == revs[1].Hash {
		t.Error("versions share a content hash")
	}
	if revs[1].Status != string(entity.RelevanceHigh) || revs[1].Agent != "alice" {
		t.Errorf("revision 2 = %+v", revs[1])
	}

	old, err := s.ReadVersion(ctx, entity.KindContext, id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if old.(*entity.Context).Relevance != entity.RelevanceMedium {
		t.Errorf("version 1 relevance = %s", old.(*entity.Context).Relevance)
	}
	if _, err := s.ReadVersion(ctx, entity.KindContext, id, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing version: got %v", err)
	}
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithClock(clock))
	ctx := context.Background()

	id, err := s.Create(ctx, &entity.Task{Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	clock.Set(clock.Now().Add(-time.Hour))
	got, err := Mutate(ctx, s, id, func(task *entity.Task) error {
		task.Status = entity.TaskInProgress
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Errorf("updated_at %v went behind created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	big := strings.Repeat("retention schedules apply to every log stream. ", 200)
	for _, c := range []Compression{CompressionZstd, CompressionLZ4, CompressionNone} {
		t.Run(string(c), func(t *testing.T) {
			s := openTestStore(t, WithCompression(c))
			ctx := context.Background()
			id, err := s.Create(ctx, &entity.Context{Title: "big", Content: big})
			if err != nil {
				t.Fatal(err)
			}
			got, err := Get[*entity.Context](ctx, s, id)
			if err != nil {
				t.Fatal(err)
			}
			if got.Content != big {
				t.Error("content changed in round trip")
			}
			var enc string
			if err := s.db.QueryRow("SELECT encoding FROM objects").Scan(&enc); err != nil {
				t.Fatal(err)
			}
			if enc != string(c) {
				t.Errorf("encoding = %s, want %s", enc, c)
			}
		})
	}
}

func TestDecompressChecksSize(t *testing.T) {
	data := []byte(strings.Repeat("abc", 400))
	for _, c := range []Compression{CompressionZstd, CompressionLZ4} {
		stored, enc, err := compress(data, c)
		if err != nil || enc != c {
			t.Fatalf("compress(%s) = %s, %v", c, enc, err)
		}
		if _, err := decompress(stored, enc, len(data)+1); err == nil {
			t.Errorf("%s: wrong size accepted", c)
		}
		out, err := decompress(stored, enc, len(data))
		if err != nil || string(out) != string(data) {
			t.Errorf("%s: round trip failed: %v", c, err)
		}
	}
}

func TestNotFoundAndResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Read(ctx, entity.KindTask, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read missing: got %v", err)
	}
	if _, err := s.Resolve(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve missing: got %v", err)
	}

	id, err := s.Create(ctx, &entity.Knowledge{Title: "k", KnowledgeType: entity.KnowledgeRule, Confidence: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	kind, err := s.Resolve(ctx, id)
	if err != nil || kind != entity.KindKnowledge {
		t.Errorf("Resolve = %s, %v", kind, err)
	}
	if _, err := s.Read(ctx, entity.KindTask, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read with wrong kind: got %v", err)
	}
}

func TestCreateExistingID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := DerivedID("rel", "a", "b", "validates")
	first := &entity.Relationship{Meta: entity.Meta{ID: id}, SourceID: "a", TargetID: "b", RelationshipType: "validates"}
	if _, err := s.Create(ctx, first); err != nil {
		t.Fatal(err)
	}
	dup := &entity.Relationship{Meta: entity.Meta{ID: id}, SourceID: "a", TargetID: "b", RelationshipType: "validates"}
	if _, err := s.Create(ctx, dup); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: got %v, want ErrExists", err)
	}
	if dup.Version != 0 {
		t.Errorf("failed create left version %d", dup.Version)
	}
}

func TestListAndQueryFilters(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: time.Second}
	s := openTestStore(t, WithClock(clock))
	ctx := context.Background()

	for _, task := range []*entity.Task{
		{Meta: entity.Meta{Agent: "alice"}, Title: "a1", Status: entity.TaskInProgress},
		{Meta: entity.Meta{Agent: "alice"}, Title: "a2"},
		{Meta: entity.Meta{Agent: "bob"}, Title: "b1", Status: entity.TaskInProgress},
	} {
		if _, err := s.Create(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := ListOf[*entity.Task](ctx, s, Filter{Agent: "alice", Status: string(entity.TaskInProgress)})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Title != "a1" {
		t.Errorf("filtered list = %+v", tasks)
	}

	entries, err := s.Query(ctx, Filter{Status: string(entity.TaskInProgress)})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("query returned %d rows, want 2", len(entries))
	}

	page, err := s.List(ctx, Filter{Kind: entity.KindTask, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].(*entity.Task).Title != "a2" {
		t.Errorf("page = %+v", page)
	}
}

func TestChangesSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, &entity.Task{Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	gen, _ := s.Generation(ctx)
	if _, err := s.Create(ctx, &entity.Task{Title: "u"}); err != nil {
		t.Fatal(err)
	}
	if _, err := Mutate(ctx, s, id, func(task *entity.Task) error {
		task.Status = entity.TaskDone
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	changes, err := s.ChangesSince(ctx, gen, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	if changes[1].ID != id || changes[1].Status != string(entity.TaskDone) {
		t.Errorf("last change = %+v", changes[1])
	}
}

func TestRelationshipsByDirection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, r := range []*entity.Relationship{
		{SourceID: "a", TargetID: "b", RelationshipType: "validates"},
		{SourceID: "b", TargetID: "a", RelationshipType: "validates"},
		{SourceID: "a", TargetID: "c", RelationshipType: "references"},
	} {
		if _, err := s.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		q    EdgeQuery
		want int
	}{
		{EdgeQuery{EntityID: "a", Direction: Both}, 3},
		{EdgeQuery{EntityID: "a", Direction: Outbound}, 2},
		{EdgeQuery{EntityID: "a", Direction: Inbound}, 1},
		{EdgeQuery{EntityID: "a", Direction: Outbound, Type: "references"}, 1},
		{EdgeQuery{EntityID: "c"}, 1},
	}
	for _, tt := range tests {
		rels, err := s.Relationships(ctx, tt.q)
		if err != nil {
			t.Fatal(err)
		}
		if len(rels) != tt.want {
			t.Errorf("%+v: got %d relationships, want %d", tt.q, len(rels), tt.want)
		}
	}

	counts, err := s.EdgeCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["validates"] != 2 || counts["references"] != 1 {
		t.Errorf("edge counts = %v", counts)
	}
}

func TestActivityAttributesActor(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := openTestStore(t, WithClock(clock))
	ctx := context.Background()

	id, err := s.Create(ctx, &entity.Task{Meta: entity.Meta{Agent: "alice"}, Title: "t"})
	if err != nil {
		t.Fatal(err)
	}
	clock.Set(clock.Now().Add(time.Minute))
	if _, err := Mutate(WithActor(ctx, "bob"), s, id, func(task *entity.Task) error {
		task.Status = entity.TaskInProgress
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	alice, err := s.Activity(ctx, "alice", from, to)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := s.Activity(ctx, "bob", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(alice) != 1 || len(bob) != 1 || bob[0].Version != 2 {
		t.Errorf("alice=%+v bob=%+v", alice, bob)
	}

	last, err := s.LastActivity(ctx, "bob", from, entity.KindSession)
	if err != nil {
		t.Fatal(err)
	}
	if !last.Equal(clock.Now()) {
		t.Errorf("last activity = %v, want %v", last, clock.Now())
	}
}

func TestDerivedIDStable(t *testing.T) {
	a := DerivedID("rel", "x", "y", "validates")
	b := DerivedID("rel", "x", "y", "validates")
	c := DerivedID("rel", "xy", "", "validates")
	if a != b {
		t.Errorf("derived id not stable: %s vs %s", a, b)
	}
	if a == c {
		t.Error("derived id ignores part boundaries")
	}
	if !strings.HasPrefix(a, "rel-") {
		t.Errorf("derived id %s lacks prefix", a)
	}
}

func TestLockContentionIsBusy(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.db")

	holder, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()
	conn, err := holder.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("taking the write lock: %v", err)
	}
	defer conn.ExecContext(ctx, "ROLLBACK")

	other, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(0)")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	_, err = other.ExecContext(ctx, "BEGIN IMMEDIATE")
	if err == nil {
		t.Fatal("second writer got the lock")
	}

	err = classify(err)
	if !errors.Is(err, ErrBusy) || !errors.Is(err, ErrConflict) {
		t.Errorf("classify = %v, want ErrBusy and ErrConflict", err)
	}
	if errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("lock contention reported as storage unavailable: %v", err)
	}
}
