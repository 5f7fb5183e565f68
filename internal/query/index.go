// Package query answers structured filters straight from the store's
// synchronous index and natural-language questions from an in-memory bleve
// index that trails the store by a bounded, configurable amount.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"golang.org/x/sync/singleflight"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/storage"
	"github.com/engram-cli/engram/internal/telemetry"
)

// Source feeds the lexical index. *storage.Store implements it.
type Source interface {
	Generation(ctx context.Context) (int64, error)
	ChangesSince(ctx context.Context, gen int64, limit int) ([]storage.IndexEntry, error)
	Resolve(ctx context.Context, id string) (entity.Kind, error)
}

const (
	refreshBatch = 500
	maxHits      = 10000
)

type Index struct {
	store        *storage.Store
	src          Source
	maxStaleness time.Duration
	defaultLimit int
	clock        storage.Clock
	logger       *slog.Logger
	metrics      *telemetry.Metrics

	group singleflight.Group

	mu          sync.RWMutex
	bleve       bleve.Index
	docs        map[string]storage.IndexEntry
	generation  int64
	refreshedAt time.Time
}

type Option func(*Index)

// WithMaxStaleness bounds how old the lexical index may be when a question
// is answered. Zero refreshes before every question.
func WithMaxStaleness(d time.Duration) Option { return func(x *Index) { x.maxStaleness = d } }
func WithDefaultLimit(n int) Option           { return func(x *Index) { x.defaultLimit = n } }
func WithClock(c storage.Clock) Option        { return func(x *Index) { x.clock = c } }
func WithLogger(l *slog.Logger) Option        { return func(x *Index) { x.logger = l } }
func WithMetrics(m *telemetry.Metrics) Option { return func(x *Index) { x.metrics = m } }

// WithSource replaces the change feed, which otherwise is the store itself.
func WithSource(src Source) Option { return func(x *Index) { x.src = src } }

func New(store *storage.Store, opts ...Option) (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating lexical index: %w", err)
	}
	x := &Index{
		store:        store,
		src:          store,
		defaultLimit: 20,
		clock:        storage.SystemClock,
		logger:       slog.Default(),
		bleve:        idx,
		docs:         make(map[string]storage.IndexEntry),
	}
	for _, o := range opts {
		o(x)
	}
	return x, nil
}

func (x *Index) Close() error {
	return x.bleve.Close()
}

// MaxStaleness reports the configured bound.
func (x *Index) MaxStaleness() time.Duration { return x.maxStaleness }

// Filter runs a structured query. It reads the store's own index, which is
// written in the same transaction as every entity, so it is never stale.
func (x *Index) Filter(ctx context.Context, f storage.Filter) ([]storage.IndexEntry, error) {
	if f.Limit <= 0 {
		f.Limit = x.defaultLimit
	}
	return x.store.Query(ctx, f)
}

// State returns the indexed generation and when the last refresh began.
func (x *Index) State() (int64, time.Time) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.generation, x.refreshedAt
}

// Refresh pulls every change since the last refresh into the lexical index
// and returns how many entities were (re)indexed. Concurrent callers share
// one refresh.
func (x *Index) Refresh(ctx context.Context) (int, error) {
	v, err, _ := x.group.Do("refresh", func() (any, error) {
		return x.refresh(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (x *Index) refresh(ctx context.Context) (int, error) {
	start := time.Now()
	began := x.clock.Now()
	gen, _ := x.State()

	total := 0
	for {
		changes, err := x.src.ChangesSince(ctx, gen, refreshBatch)
		if err != nil {
			return total, fmt.Errorf("refreshing query index: %w", err)
		}
		if len(changes) == 0 {
			break
		}
		batch := x.bleve.NewBatch()
		for _, c := range changes {
			if err := batch.Index(c.ID, toDocument(c)); err != nil {
				return total, fmt.Errorf("indexing %s %s: %w", c.Kind, c.ID, err)
			}
		}

		x.mu.Lock()
		err = x.bleve.Batch(batch)
		if err == nil {
			for _, c := range changes {
				x.docs[c.ID] = c
			}
			gen = changes[len(changes)-1].Generation
			x.generation = gen
		}
		x.mu.Unlock()
		if err != nil {
			return total, fmt.Errorf("writing query index batch: %w", err)
		}

		total += len(changes)
		if len(changes) < refreshBatch {
			break
		}
	}

	x.markFresh(began)
	x.mu.RLock()
	docs := len(x.docs)
	x.mu.RUnlock()

	x.metrics.IndexRefreshed(time.Since(start), docs)
	if head, err := x.src.Generation(ctx); err == nil {
		x.metrics.IndexLag(head - gen)
	}
	if total > 0 {
		x.logger.Debug("query index refreshed", "entities", total, "generation", gen)
	}
	return total, nil
}

// ensureFresh refreshes unless the index is within its staleness bound. A
// forced refresh, or a zero bound, catches up with every write committed
// before the call.
func (x *Index) ensureFresh(ctx context.Context, force bool) error {
	gen, at := x.State()
	if !force && x.maxStaleness > 0 && !at.IsZero() && x.clock.Now().Sub(at) <= x.maxStaleness {
		return nil
	}
	checked := x.clock.Now()
	head, err := x.src.Generation(ctx)
	if err != nil {
		return err
	}
	// A shared refresh may have started before our writes; one more pass
	// covers them.
	for range 2 {
		if gen >= head {
			x.markFresh(checked)
			return nil
		}
		if _, err := x.Refresh(ctx); err != nil {
			return &StaleError{Indexed: gen, Head: head, Err: err}
		}
		gen, _ = x.State()
	}
	if gen >= head {
		x.markFresh(checked)
		return nil
	}
	return &StaleError{Indexed: gen, Head: head}
}

// markFresh records that the index was current at t.
func (x *Index) markFresh(t time.Time) {
	x.mu.Lock()
	if t.After(x.refreshedAt) {
		x.refreshedAt = t
	}
	x.mu.Unlock()
}

// Lookup returns the indexed entry for id. An id the store does not know is
// storage.ErrNotFound; an id the store knows but the index has not caught up
// with, even after one refresh, is ErrIndexStale.
func (x *Index) Lookup(ctx context.Context, id string) (storage.IndexEntry, error) {
	if e, ok := x.doc(id); ok {
		return e, nil
	}
	if _, err := x.src.Resolve(ctx, id); err != nil {
		return storage.IndexEntry{}, err
	}
	_, refreshErr := x.Refresh(ctx)
	if e, ok := x.doc(id); ok {
		return e, nil
	}
	gen, _ := x.State()
	head, _ := x.src.Generation(ctx)
	return storage.IndexEntry{}, &StaleError{ID: id, Indexed: gen, Head: head, Err: refreshErr}
}

func (x *Index) doc(id string) (storage.IndexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.docs[id]
	return e, ok
}

// Hit is one ranked answer.
type Hit struct {
	ID       string          `json:"id"`
	Kind     entity.Kind     `json:"kind"`
	Agent    string          `json:"agent,omitempty"`
	Status   string          `json:"status,omitempty"`
	Title    string          `json:"title"`
	Priority entity.Priority `json:"priority,omitempty"`
	Snippet  string          `json:"snippet,omitempty"`
	Score    float64         `json:"score,omitempty"`
}

type SearchOptions struct {
	Kinds []entity.Kind
	Agent string
	Limit int
}

// Search ranks indexed entities against text. Titles weigh double. It reads
// the index as is; callers decide whether to refresh first.
func (x *Index) Search(text string, opts SearchOptions) ([]Hit, error) {
	if opts.Limit <= 0 {
		opts.Limit = x.defaultLimit
	}
	title := bleve.NewMatchQuery(text)
	title.SetField("title")
	title.SetBoost(2)
	body := bleve.NewMatchQuery(text)
	body.SetField("body")
	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(title, body), maxHits, 0, false)

	x.mu.RLock()
	defer x.mu.RUnlock()
	res, err := x.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching query index: %w", err)
	}
	var out []Hit
	for _, h := range res.Hits {
		e, ok := x.docs[h.ID]
		if !ok {
			continue
		}
		if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, e.Kind) {
			continue
		}
		if opts.Agent != "" && e.Agent != opts.Agent {
			continue
		}
		hit := hitFrom(e)
		hit.Score = h.Score
		out = append(out, hit)
		if len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Run refreshes the index every interval until ctx ends.
func (x *Index) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := x.Refresh(ctx); err != nil && ctx.Err() == nil {
				x.logger.Warn("background index refresh failed", "error", err)
			}
		}
	}
}

// toDocument is what bleve sees for each entity.
func toDocument(e storage.IndexEntry) map[string]any {
	return map[string]any{
		"kind":   string(e.Kind),
		"agent":  e.Agent,
		"status": e.Status,
		"title":  e.Title,
		"body":   e.Body,
	}
}

func hitFrom(e storage.IndexEntry) Hit {
	return Hit{
		ID:      e.ID,
		Kind:    e.Kind,
		Agent:   e.Agent,
		Status:  e.Status,
		Title:   e.Title,
		Snippet: snippet(e.Body),
	}
}

func snippet(s string) string {
	const n = 160
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
