package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/session"
)

type StartSessionRequest struct {
	Agent      string   `json:"agent"`
	AutoDetect bool     `json:"auto_detect"`
	Title      string   `json:"title"`
	Goals      []string `json:"goals"`
}

func handleStartSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartSessionRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if req.Agent == "" {
			req.Agent = deps.actor(r)
		}
		s, err := deps.Sessions.Start(r.Context(), session.StartOptions{
			Agent:      req.Agent,
			AutoDetect: req.AutoDetect,
			Title:      req.Title,
			Goals:      req.Goals,
		})
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := deps.Sessions.List(r.Context(), q.Get("agent"), entity.SessionStatus(q.Get("status")))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if list == nil {
			list = []*entity.Session{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleSessionStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Sessions.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleEndSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Sessions.End(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}
