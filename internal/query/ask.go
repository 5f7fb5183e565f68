package query

import (
	"context"
	"strings"
	"time"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/storage"
)

type AskOptions struct {
	// ForceRefresh catches the lexical index up with the store before
	// answering, whatever the staleness bound.
	ForceRefresh bool
	// Agent scopes the answer when the question names no agent.
	Agent string
	Limit int
}

// Answer is the result of Ask. Which of Hits, Entity, Relationships and
// States are set depends on Intent.
type Answer struct {
	Question      string                 `json:"question"`
	Intent        Intent                 `json:"intent"`
	Extracted     Extracted              `json:"extracted"`
	Hits          []Hit                  `json:"hits"`
	Entity        entity.Entity          `json:"entity,omitempty"`
	Relationships []*entity.Relationship `json:"relationships,omitempty"`
	States        map[string]int         `json:"states,omitempty"`
	Suggestion    string                 `json:"suggestion,omitempty"`
	Generation    int64                  `json:"generation"`
	IndexedAt     time.Time              `json:"indexed_at"`
}

var contentKinds = []entity.Kind{entity.KindContext, entity.KindKnowledge, entity.KindReasoning}

// Ask answers a natural-language question. The lexical part of the answer
// reflects every write older than the staleness bound, or every write at all
// when the bound is zero or opts.ForceRefresh is set.
func (x *Index) Ask(ctx context.Context, question string, opts AskOptions) (*Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, entity.Invalid("question", "is required")
	}
	if err := x.ensureFresh(ctx, opts.ForceRefresh); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = x.defaultLimit
	}

	a := &Answer{
		Question:  question,
		Intent:    Classify(question),
		Extracted: Extract(question),
		Hits:      []Hit{},
	}
	agent := a.Extracted.Agent
	if agent == "" {
		agent = opts.Agent
	}

	var err error
	switch a.Intent {
	case IntentListTasks:
		a.Hits, err = x.listTasks(ctx, agent, a.Extracted, opts.Limit)
	case IntentShowTaskDetails:
		err = x.details(ctx, a)
	case IntentFindRelationships:
		err = x.relationships(ctx, a, agent, opts.Limit)
	case IntentSearchContext:
		terms := a.Extracted.Terms
		if terms == "" {
			terms = question
		}
		a.Hits, err = x.Search(terms, SearchOptions{Kinds: contentKinds, Agent: agent, Limit: opts.Limit})
	case IntentAnalyzeWorkflow:
		err = x.workflows(ctx, a, agent, opts.Limit)
	default:
		a.Hits, err = x.Search(question, SearchOptions{Agent: agent, Limit: opts.Limit})
		if err == nil && len(a.Hits) == 0 {
			a.Suggestion = `try "show my tasks", "what is task <id>" or "find context about <topic>"`
		}
	}
	if err != nil {
		return nil, err
	}
	a.Generation, a.IndexedAt = x.State()
	return a, nil
}

// listTasks answers from the store, so task listings are never stale.
func (x *Index) listTasks(ctx context.Context, agent string, ex Extracted, limit int) ([]Hit, error) {
	tasks, err := storage.ListOf[*entity.Task](ctx, x.store, storage.Filter{
		Agent:  agent,
		Status: string(ex.Status),
	})
	if err != nil {
		return nil, err
	}
	terms := strings.ToLower(ex.Terms)
	out := []Hit{}
	for _, t := range tasks {
		if ex.Priority != "" && t.Priority != ex.Priority {
			continue
		}
		if terms != "" && !strings.Contains(strings.ToLower(t.Title), terms) {
			continue
		}
		out = append(out, Hit{
			ID:       t.ID,
			Kind:     entity.KindTask,
			Agent:    t.Agent,
			Status:   string(t.Status),
			Title:    t.Title,
			Priority: t.Priority,
			Snippet:  snippet(t.Description),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (x *Index) details(ctx context.Context, a *Answer) error {
	id := a.Extracted.EntityID
	if id == "" {
		a.Suggestion = "name the task by its id"
		return nil
	}
	entry, err := x.Lookup(ctx, id)
	if err != nil {
		return err
	}
	e, err := x.store.Read(ctx, entry.Kind, id)
	if err != nil {
		return err
	}
	a.Entity = e
	a.Hits = []Hit{hitFrom(entry)}
	return nil
}

func (x *Index) relationships(ctx context.Context, a *Answer, agent string, limit int) error {
	id := a.Extracted.EntityID
	if id == "" {
		terms := a.Extracted.Terms
		if terms == "" {
			terms = a.Question
		}
		var err error
		a.Hits, err = x.Search(terms, SearchOptions{Kinds: []entity.Kind{entity.KindRelationship}, Agent: agent, Limit: limit})
		return err
	}
	if _, err := x.Lookup(ctx, id); err != nil {
		return err
	}
	rels, err := x.store.Relationships(ctx, storage.EdgeQuery{EntityID: id, Direction: storage.Both})
	if err != nil {
		return err
	}
	a.Relationships = rels
	for _, r := range rels {
		other := r.TargetID
		if other == id {
			other = r.SourceID
		}
		if e, ok := x.doc(other); ok {
			a.Hits = append(a.Hits, hitFrom(e))
		}
	}
	return nil
}

// workflows summarises instances by current state. The instance title in
// the index is its current state.
func (x *Index) workflows(ctx context.Context, a *Answer, agent string, limit int) error {
	entries, err := x.store.Query(ctx, storage.Filter{Kind: entity.KindWorkflowInstance, Agent: agent})
	if err != nil {
		return err
	}
	a.States = make(map[string]int)
	for _, e := range entries {
		if e.Status != string(entity.InstanceCompleted) {
			a.States[e.Title]++
		}
		if len(a.Hits) < limit {
			a.Hits = append(a.Hits, hitFrom(e))
		}
	}
	return nil
}
