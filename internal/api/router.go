package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/graph"
	"github.com/engram-cli/engram/internal/query"
	"github.com/engram-cli/engram/internal/session"
	"github.com/engram-cli/engram/internal/storage"
	"github.com/engram-cli/engram/internal/telemetry"
	"github.com/engram-cli/engram/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AppDeps struct {
	Store     *storage.Store
	Graph     *graph.Graph
	Workflows *workflow.Engine
	Index     *query.Index
	Sessions  *session.Tracker
	Metrics   *telemetry.Metrics // optional; /metrics is not mounted when nil
	Token     string
	// DefaultAgent attributes writes whose request names no agent.
	DefaultAgent string
	Logger       *slog.Logger
}

// NewAppHandler returns the engram HTTP API. /health and /metrics are
// unauthenticated; everything under /v1 requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/entities/{kind}", handleCreateEntity(deps))
		r.Get("/entities/{kind}", handleListEntities(deps))
		r.Get("/entities/{kind}/{id}", handleReadEntity(deps))
		r.Patch("/entities/{kind}/{id}", handleUpdateEntity(deps))
		r.Get("/entities/{kind}/{id}/history", handleHistory(deps))
		r.Get("/entities/{kind}/{id}/versions/{version}", handleReadVersion(deps))

		r.Post("/relationships", handleLink(deps))
		r.Get("/graph/stats", handleGraphStats(deps))
		r.Get("/graph/path", handlePath(deps))
		r.Get("/graph/{id}/connected", handleConnected(deps))
		r.Get("/graph/{id}/traverse", handleTraverse(deps))

		r.Post("/workflows", handleCreateWorkflow(deps))
		r.Get("/workflows/{id}", handleGetWorkflow(deps))
		r.Post("/workflows/{id}/instances", handleStartInstance(deps))
		r.Get("/instances", handleListInstances(deps))
		r.Get("/instances/{id}", handleInstanceStatus(deps))
		r.Get("/instances/{id}/next", handleNextStates(deps))
		r.Post("/instances/{id}/transition", handleTransition(deps))
		r.Post("/instances/{id}/block", handleBlock(deps))
		r.Post("/instances/{id}/prompt", handleRenderPrompt(deps))

		r.Get("/query", handleFilter(deps))
		r.Post("/ask", handleAsk(deps))

		r.Post("/sessions", handleStartSession(deps))
		r.Get("/sessions", handleListSessions(deps))
		r.Get("/sessions/{id}", handleSessionStatus(deps))
		r.Post("/sessions/{id}/end", handleEndSession(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps domain errors onto status codes. The error type in the
// body is the same label the metrics use.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := http.StatusInternalServerError
	errType := telemetry.Result(err)
	switch {
	case errors.Is(err, entity.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrExists):
		code = http.StatusConflict
		if errors.Is(err, storage.ErrExists) {
			errType = "exists"
		}
		if errors.Is(err, storage.ErrBusy) {
			w.Header().Set("Retry-After", "1")
		}
	case errors.Is(err, workflow.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, query.ErrIndexStale):
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, storage.ErrStorageUnavailable):
		code = http.StatusServiceUnavailable
		errType = "storage_unavailable"
	default:
		errType = "api_error"
		logger.Error("request failed", "error", err)
	}
	httpError(w, code, errType, "%v", err)
}

// decodeBody reads a JSON request body into v. Decoding failures are
// validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return entity.Invalid("body", err.Error())
	}
	return nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, entity.Invalid(key, "must be an RFC 3339 timestamp")
	}
	return t, nil
}
