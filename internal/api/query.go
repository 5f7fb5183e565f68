package api

import (
	"net/http"

	"github.com/engram-cli/engram/internal/query"
	"github.com/engram-cli/engram/internal/storage"
)

// handleFilter serves the structured filter. It reads the synchronous
// index, so results always include every committed write.
func handleFilter(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(r)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		entries, err := deps.Index.Filter(r.Context(), f)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if entries == nil {
			entries = []storage.IndexEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

type AskRequest struct {
	Question     string `json:"question"`
	Agent        string `json:"agent"`
	Limit        int    `json:"limit"`
	ForceRefresh bool   `json:"force_refresh"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		ans, err := deps.Index.Ask(r.Context(), req.Question, query.AskOptions{
			ForceRefresh: req.ForceRefresh,
			Agent:        req.Agent,
			Limit:        min(req.Limit, 100),
		})
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}
