// Package graph maintains typed, directed relationships between stored
// entities. Relationships are themselves entities; the store keeps an edge
// table beside them in the same transaction.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/storage"
)

// DefaultMaxDepth bounds traversals that do not set one.
const DefaultMaxDepth = 3

type Graph struct {
	store  *storage.Store
	logger *slog.Logger
}

func New(store *storage.Store, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{store: store, logger: logger}
}

// LinkOptions carries the optional fields of a new relationship.
type LinkOptions struct {
	Agent       string
	Strength    entity.Strength
	Description string
}

// Link creates the relationship source -[relType]-> target, or returns the
// existing one if that triple is already linked. Both endpoints must exist.
func (g *Graph) Link(ctx context.Context, sourceID, targetID, relType string, opts LinkOptions) (*entity.Relationship, error) {
	rel := &entity.Relationship{
		Meta:             entity.Meta{Agent: opts.Agent},
		SourceID:         sourceID,
		TargetID:         targetID,
		RelationshipType: relType,
		Strength:         opts.Strength,
		Description:      opts.Description,
	}
	if err := entity.Prepare(rel); err != nil {
		return nil, err
	}

	var err error
	if rel.SourceType, err = g.store.Resolve(ctx, sourceID); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if rel.TargetType, err = g.store.Resolve(ctx, targetID); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	id := storage.DerivedID("rel", sourceID, targetID, relType)
	rel.ID = id
	if _, err := g.store.Create(ctx, rel); err != nil {
		if !errors.Is(err, storage.ErrExists) {
			return nil, err
		}
		existing, err := storage.Get[*entity.Relationship](ctx, g.store, id)
		if err != nil {
			return nil, err
		}
		g.logger.Debug("relationship already linked", "relationship_id", id)
		return existing, nil
	}
	g.logger.Debug("linked entities", "relationship_id", id, "source_id", sourceID, "target_id", targetID, "type", relType)
	return rel, nil
}

// Connected lists the relationships touching entityID, filtered by
// direction and type. The entity must exist.
func (g *Graph) Connected(ctx context.Context, entityID string, dir storage.Direction, relType string) ([]*entity.Relationship, error) {
	if _, err := g.store.Resolve(ctx, entityID); err != nil {
		return nil, err
	}
	return g.store.Relationships(ctx, storage.EdgeQuery{EntityID: entityID, Direction: dir, Type: relType})
}

// Node is one entity reached by a traversal.
type Node struct {
	ID    string               `json:"id"`
	Depth int                  `json:"depth"`
	Via   *entity.Relationship `json:"via,omitempty"`
}

// TraverseOptions bounds a traversal.
type TraverseOptions struct {
	MaxDepth  int
	Direction storage.Direction
	Type      string
}

func (o TraverseOptions) withDefaults() TraverseOptions {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Direction == "" {
		o.Direction = storage.Outbound
	}
	return o
}

// Traverse walks the graph breadth first from startID. Each entity is
// visited once, so cycles terminate. The start node is returned at depth 0.
func (g *Graph) Traverse(ctx context.Context, startID string, opts TraverseOptions) ([]Node, error) {
	opts = opts.withDefaults()
	if _, err := g.store.Resolve(ctx, startID); err != nil {
		return nil, err
	}

	visited := map[string]bool{startID: true}
	nodes := []Node{{ID: startID}}
	frontier := []string{startID}
	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		adj, err := g.neighbours(ctx, frontier, opts)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, from := range frontier {
			for _, rel := range adj[from] {
				to := other(rel, from)
				if visited[to] {
					continue
				}
				visited[to] = true
				nodes = append(nodes, Node{ID: to, Depth: depth, Via: rel})
				next = append(next, to)
			}
		}
		frontier = next
	}
	return nodes, nil
}

// Path returns the shortest chain of relationships leading from one entity
// to another, or nil if none exists within the depth bound.
func (g *Graph) Path(ctx context.Context, fromID, toID string, opts TraverseOptions) ([]*entity.Relationship, error) {
	opts = opts.withDefaults()
	if _, err := g.store.Resolve(ctx, toID); err != nil {
		return nil, err
	}
	nodes, err := g.Traverse(ctx, fromID, opts)
	if err != nil {
		return nil, err
	}
	via := make(map[string]*entity.Relationship, len(nodes))
	for _, n := range nodes {
		via[n.ID] = n.Via
	}
	if _, ok := via[toID]; !ok {
		return nil, nil
	}
	var path []*entity.Relationship
	for cur := toID; cur != fromID; {
		rel := via[cur]
		path = append(path, rel)
		cur = other(rel, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// neighbours loads the edges of every frontier node concurrently.
func (g *Graph) neighbours(ctx context.Context, frontier []string, opts TraverseOptions) (map[string][]*entity.Relationship, error) {
	var mu sync.Mutex
	adj := make(map[string][]*entity.Relationship, len(frontier))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, id := range frontier {
		eg.Go(func() error {
			rels, err := g.store.Relationships(ctx, storage.EdgeQuery{EntityID: id, Direction: opts.Direction, Type: opts.Type})
			if err != nil {
				return err
			}
			mu.Lock()
			adj[id] = rels
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return adj, nil
}

func other(rel *entity.Relationship, id string) string {
	if rel.SourceID == id {
		return rel.TargetID
	}
	return rel.SourceID
}

// Stats summarises the relationship graph.
type Stats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
	Types  []string       `json:"types"`
}

func (g *Graph) Stats(ctx context.Context) (Stats, error) {
	counts, err := g.store.EdgeCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByType: counts}
	for t, n := range counts {
		st.Total += n
		st.Types = append(st.Types, t)
	}
	sort.Strings(st.Types)
	return st, nil
}
