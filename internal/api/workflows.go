package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/storage"
	"github.com/engram-cli/engram/internal/workflow"
)

// handleCreateWorkflow accepts a definition as YAML or JSON.
func handleCreateWorkflow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readBody(w, r)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		wf, err := workflow.ParseDefinition(data)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if wf.Agent == "" {
			wf.Agent = deps.actor(r)
		}
		id, err := deps.Workflows.CreateWorkflow(storage.WithActor(r.Context(), deps.actor(r)), wf)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleGetWorkflow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := deps.Workflows.Workflow(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

type StartInstanceRequest struct {
	Agent      string      `json:"agent"`
	EntityID   string      `json:"entity_id"`
	EntityType entity.Kind `json:"entity_type"`
}

func handleStartInstance(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartInstanceRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if req.Agent == "" {
			req.Agent = deps.actor(r)
		}
		inst, err := deps.Workflows.Start(r.Context(), chi.URLParam(r, "id"), req.Agent, req.EntityID, req.EntityType)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	}
}

func handleListInstances(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := deps.Workflows.Instances(r.Context(), workflow.InstanceFilter{
			WorkflowID: q.Get("workflow_id"),
			EntityID:   q.Get("entity_id"),
			Status:     entity.InstanceStatus(q.Get("status")),
			Agent:      q.Get("agent"),
		})
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if list == nil {
			list = []*entity.WorkflowInstance{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleInstanceStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := deps.Workflows.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

func handleNextStates(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := deps.Workflows.NextStates(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if states == nil {
			states = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"states": states})
	}
}

type TransitionRequest struct {
	To    string `json:"to"`
	Agent string `json:"agent"`
	Note  string `json:"note"`
}

func handleTransition(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TransitionRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if req.Agent == "" {
			req.Agent = deps.actor(r)
		}
		inst, err := deps.Workflows.Transition(r.Context(), chi.URLParam(r, "id"), req.To, workflow.TransitionOptions{
			Agent: req.Agent,
			Note:  req.Note,
		})
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

type BlockRequest struct {
	Blocked bool   `json:"blocked"`
	Agent   string `json:"agent"`
	Note    string `json:"note"`
}

func handleBlock(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BlockRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if req.Agent == "" {
			req.Agent = deps.actor(r)
		}
		inst, err := deps.Workflows.SetBlocked(r.Context(), chi.URLParam(r, "id"), req.Blocked, workflow.TransitionOptions{
			Agent: req.Agent,
			Note:  req.Note,
		})
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

type PromptRequest struct {
	Vars map[string]string `json:"vars"`
}

func handleRenderPrompt(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PromptRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		p, err := deps.Workflows.RenderPrompt(r.Context(), chi.URLParam(r, "id"), req.Vars)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}
