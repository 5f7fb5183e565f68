package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/graph"
	"github.com/engram-cli/engram/internal/storage"
)

type LinkRequest struct {
	SourceID    string          `json:"source_id"`
	TargetID    string          `json:"target_id"`
	Type        string          `json:"type"`
	Strength    entity.Strength `json:"strength"`
	Description string          `json:"description"`
	Agent       string          `json:"agent"`
}

func handleLink(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LinkRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if req.Agent == "" {
			req.Agent = deps.actor(r)
		}
		rel, err := deps.Graph.Link(storage.WithActor(r.Context(), req.Agent), req.SourceID, req.TargetID, req.Type, graph.LinkOptions{
			Agent:       req.Agent,
			Strength:    req.Strength,
			Description: req.Description,
		})
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, rel)
	}
}

func handleConnected(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dir, err := storage.ParseDirection(r.URL.Query().Get("direction"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		rels, err := deps.Graph.Connected(r.Context(), chi.URLParam(r, "id"), dir, r.URL.Query().Get("type"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if rels == nil {
			rels = []*entity.Relationship{}
		}
		writeJSON(w, http.StatusOK, rels)
	}
}

func traverseOptions(r *http.Request) (graph.TraverseOptions, error) {
	opts := graph.TraverseOptions{
		MaxDepth: parseIntParam(r, "depth", graph.DefaultMaxDepth, 10),
		Type:     r.URL.Query().Get("type"),
	}
	if d := r.URL.Query().Get("direction"); d != "" {
		dir, err := storage.ParseDirection(d)
		if err != nil {
			return opts, err
		}
		opts.Direction = dir
	}
	return opts, nil
}

func handleTraverse(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := traverseOptions(r)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		nodes, err := deps.Graph.Traverse(r.Context(), chi.URLParam(r, "id"), opts)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, nodes)
	}
}

func handlePath(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := traverseOptions(r)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		q := r.URL.Query()
		if q.Get("from") == "" || q.Get("to") == "" {
			httpError(w, http.StatusBadRequest, "invalid", "from and to are required")
			return
		}
		path, err := deps.Graph.Path(r.Context(), q.Get("from"), q.Get("to"), opts)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if path == nil {
			path = []*entity.Relationship{}
		}
		writeJSON(w, http.StatusOK, path)
	}
}

func handleGraphStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Graph.Stats(r.Context())
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
