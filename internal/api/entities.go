package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/graph"
	"github.com/engram-cli/engram/internal/storage"
)

// agentHeader names the agent performing a write when the payload does not.
const agentHeader = "X-Engram-Agent"

// actor names the agent for a write: the header when present, otherwise
// the configured default.
func (d AppDeps) actor(r *http.Request) string {
	if a := r.Header.Get(agentHeader); a != "" {
		return a
	}
	return d.DefaultAgent
}

// managedKind returns why generic writes of kind are refused, or "" when
// they are allowed. Instances move only through transitions and sessions
// only through the tracker.
func managedKind(kind entity.Kind) string {
	switch kind {
	case entity.KindWorkflowInstance:
		return "workflow instances are changed with POST /v1/workflows/{id}/instances and /v1/instances/{id}/transition"
	case entity.KindSession:
		return "sessions are changed with POST /v1/sessions and /v1/sessions/{id}/end"
	}
	return ""
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, entity.Invalid("body", err.Error())
	}
	return data, nil
}

func handleCreateEntity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := entity.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if msg := managedKind(kind); msg != "" {
			httpError(w, http.StatusBadRequest, "invalid", "%s", msg)
			return
		}
		data, err := readBody(w, r)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		e, err := entity.Decode(kind, data)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if e.Base().Agent == "" {
			e.Base().Agent = deps.actor(r)
		}
		ctx := storage.WithActor(r.Context(), deps.actor(r))

		// Relationships go through the graph so endpoints are checked and
		// relinking the same triple is idempotent.
		if rel, ok := e.(*entity.Relationship); ok {
			out, err := deps.Graph.Link(ctx, rel.SourceID, rel.TargetID, rel.RelationshipType, graph.LinkOptions{
				Agent:       rel.Agent,
				Strength:    rel.Strength,
				Description: rel.Description,
			})
			if err != nil {
				writeError(w, deps.Logger, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"id": out.ID})
			return
		}

		id, err := deps.Store.Create(ctx, e)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleReadEntity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := entity.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		e, err := deps.Store.Read(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleUpdateEntity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := entity.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if msg := managedKind(kind); msg != "" {
			httpError(w, http.StatusBadRequest, "invalid", "%s", msg)
			return
		}
		data, err := readBody(w, r)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		ctx := storage.WithActor(r.Context(), deps.actor(r))
		e, err := deps.Store.Update(ctx, kind, chi.URLParam(r, "id"), func(e entity.Entity) error {
			return entity.Patch(e, data)
		})
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleListEntities(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(r)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if f.Kind, err = entity.ParseKind(chi.URLParam(r, "kind")); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		list, err := deps.Store.List(r.Context(), f)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if list == nil {
			list = []entity.Entity{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := entity.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		revs, err := deps.Store.History(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, revs)
	}
}

func handleReadVersion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := entity.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
		if err != nil || version < 1 {
			httpError(w, http.StatusBadRequest, "invalid", "version must be a positive integer")
			return
		}
		e, err := deps.Store.ReadVersion(r.Context(), kind, chi.URLParam(r, "id"), version)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// filterFromQuery reads the structured filter shared by entity listing and
// /v1/query. The kind parameter is optional.
func filterFromQuery(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	f := storage.Filter{
		Agent:  q.Get("agent"),
		Status: q.Get("status"),
		Limit:  parseIntParam(r, "limit", 50, 500),
		Offset: parseIntParam(r, "offset", 0, 0),
	}
	if k := q.Get("kind"); k != "" {
		kind, err := entity.ParseKind(k)
		if err != nil {
			return f, err
		}
		f.Kind = kind
	}
	var err error
	if f.CreatedAfter, err = parseTimeParam(r, "created_after"); err != nil {
		return f, err
	}
	if f.CreatedBefore, err = parseTimeParam(r, "created_before"); err != nil {
		return f, err
	}
	return f, nil
}
