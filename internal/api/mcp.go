package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/engram-cli/engram/internal/content"
	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/graph"
	"github.com/engram-cli/engram/internal/query"
	"github.com/engram-cli/engram/internal/session"
	"github.com/engram-cli/engram/internal/storage"
	"github.com/engram-cli/engram/internal/workflow"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Graph     *graph.Graph
	Workflows *workflow.Engine
	Index     *query.Index
	Sessions  *session.Tracker
	// DefaultAgent attributes writes from tools that were not given an agent.
	DefaultAgent string
	Version      string
}

// NewMCPServer creates an MCP server with all engram tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"engram",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("engram: durable tasks, context, reasoning and workflows shared between agents."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("create_entity",
			mcp.WithDescription("Create an entity of the given kind from a JSON payload and return its id."),
			mcp.WithString("kind", mcp.Description("Entity kind: task, context, reasoning, knowledge, workflow, relationship, compliance, adr, rule or standard"), mcp.Required()),
			mcp.WithString("payload", mcp.Description("JSON object with the entity fields"), mcp.Required()),
		),
		mcpCreateEntity(deps),
	)

	s.AddTool(
		mcp.NewTool("add_context",
			mcp.WithDescription("Store reference material as a context entity. Give either content or a file path."),
			mcp.WithString("title", mcp.Description("Title for the context entry"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The text content to store")),
			mcp.WithString("file", mcp.Description("Path of a text, HTML or PDF file to read the content from")),
			mcp.WithString("relevance", mcp.Description("low, medium, high or critical")),
			mcp.WithArray("tags", mcp.Description("Optional tags for categorization")),
			mcp.WithString("agent", mcp.Description("Agent recording the context")),
		),
		mcpAddContext(deps),
	)

	s.AddTool(
		mcp.NewTool("read_entity",
			mcp.WithDescription("Read the current value of an entity."),
			mcp.WithString("kind", mcp.Description("Entity kind")),
			mcp.WithString("id", mcp.Description("Entity id"), mcp.Required()),
		),
		mcpReadEntity(deps),
	)

	s.AddTool(
		mcp.NewTool("update_entity",
			mcp.WithDescription("Apply a partial JSON update to an entity. Only fields the kind allows to change may differ."),
			mcp.WithString("kind", mcp.Description("Entity kind"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Entity id"), mcp.Required()),
			mcp.WithString("patch", mcp.Description("JSON object with the fields to change"), mcp.Required()),
			mcp.WithString("agent", mcp.Description("Agent making the change")),
		),
		mcpUpdateEntity(deps),
	)

	s.AddTool(
		mcp.NewTool("list_entities",
			mcp.WithDescription("List entities by kind, agent and status using the synchronous index."),
			mcp.WithString("kind", mcp.Description("Entity kind")),
			mcp.WithString("agent", mcp.Description("Only entities of this agent")),
			mcp.WithString("status", mcp.Description("Only entities in this status")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListEntities(deps),
	)

	s.AddTool(
		mcp.NewTool("link",
			mcp.WithDescription("Create a typed relationship between two stored entities. Linking the same pair and type again returns the existing relationship."),
			mcp.WithString("source_id", mcp.Required()),
			mcp.WithString("target_id", mcp.Required()),
			mcp.WithString("type", mcp.Description("Relationship type, e.g. depends_on or references"), mcp.Required()),
			mcp.WithString("strength", mcp.Description("weak, medium, strong or critical")),
			mcp.WithString("description"),
			mcp.WithString("agent"),
		),
		mcpLink(deps),
	)

	s.AddTool(
		mcp.NewTool("connected",
			mcp.WithDescription("List relationships touching an entity."),
			mcp.WithString("id", mcp.Required()),
			mcp.WithString("direction", mcp.Description("outbound, inbound or both (default)")),
			mcp.WithString("type", mcp.Description("Only relationships of this type")),
		),
		mcpConnected(deps),
	)

	s.AddTool(
		mcp.NewTool("start_workflow",
			mcp.WithDescription("Start a workflow instance governing an entity."),
			mcp.WithString("workflow_id", mcp.Required()),
			mcp.WithString("entity_id", mcp.Required()),
			mcp.WithString("entity_type", mcp.Description("Kind of the governed entity; inferred when omitted")),
			mcp.WithString("agent"),
		),
		mcpStartWorkflow(deps),
	)

	s.AddTool(
		mcp.NewTool("transition",
			mcp.WithDescription("Move a workflow instance to another state."),
			mcp.WithString("instance_id", mcp.Required()),
			mcp.WithString("to", mcp.Required()),
			mcp.WithString("agent"),
			mcp.WithString("note"),
		),
		mcpTransition(deps),
	)

	s.AddTool(
		mcp.NewTool("workflow_status",
			mcp.WithDescription("Show a workflow instance with its history and legal next states."),
			mcp.WithString("instance_id", mcp.Required()),
		),
		mcpWorkflowStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("render_prompt",
			mcp.WithDescription("Render the prompts of an instance's current state."),
			mcp.WithString("instance_id", mcp.Required()),
			mcp.WithString("vars", mcp.Description("JSON object of placeholder values, e.g. {\"TASK_ID\":\"...\"}")),
		),
		mcpRenderPrompt(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a natural-language question about stored work."),
			mcp.WithString("question", mcp.Required()),
			mcp.WithString("agent", mcp.Description("Scope to this agent when the question names none")),
			mcp.WithBoolean("force_refresh", mcp.Description("Bring the search index fully up to date first")),
			mcp.WithNumber("limit"),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("session_start",
			mcp.WithDescription("Open a work session for an agent."),
			mcp.WithString("agent"),
			mcp.WithString("title"),
			mcp.WithBoolean("auto_detect", mcp.Description("Focus the session on the agent's in-progress tasks")),
			mcp.WithArray("goals"),
		),
		mcpSessionStart(deps),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Show a session with metrics recomputed from stored data."),
			mcp.WithString("session_id", mcp.Required()),
		),
		mcpSessionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("session_end",
			mcp.WithDescription("End a session and store its metrics."),
			mcp.WithString("session_id", mcp.Required()),
		),
		mcpSessionEnd(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"engram://stats",
			"Store Statistics",
			mcp.WithResourceDescription("Entity counts per kind and relationship counts per type"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func (d MCPDeps) agent(req mcp.CallToolRequest) string {
	if a := req.GetString("agent", ""); a != "" {
		return a
	}
	return d.DefaultAgent
}

func mcpCreateEntity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kindName, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}
		payload, err := req.RequireString("payload")
		if err != nil {
			return mcpError("payload is required"), nil
		}
		kind, err := entity.ParseKind(kindName)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if managedKind(kind) != "" {
			return mcpError(fmt.Sprintf("%s entities are created with their own tools", kind)), nil
		}
		e, err := entity.Decode(kind, []byte(payload))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if e.Base().Agent == "" {
			e.Base().Agent = deps.DefaultAgent
		}
		if rel, ok := e.(*entity.Relationship); ok {
			out, err := deps.Graph.Link(ctx, rel.SourceID, rel.TargetID, rel.RelationshipType, graph.LinkOptions{
				Agent:       rel.Agent,
				Strength:    rel.Strength,
				Description: rel.Description,
			})
			if err != nil {
				return mcpError(fmt.Sprintf("link failed: %v", err)), nil
			}
			return mcpText(out.ID), nil
		}
		id, err := deps.Store.Create(ctx, e)
		if err != nil {
			return mcpError(fmt.Sprintf("create failed: %v", err)), nil
		}
		return mcpText(id), nil
	}
}

func mcpAddContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		res, err := content.Resolve(content.Source{
			Text: req.GetString("content", ""),
			File: req.GetString("file", ""),
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		c := &entity.Context{
			Meta:      entity.Meta{Agent: deps.agent(req)},
			Title:     title,
			Content:   res.Text,
			Relevance: entity.Relevance(req.GetString("relevance", "")),
			Source:    res.Path,
			Origin:    res.Origin,
			Tags:      req.GetStringSlice("tags", nil),
		}
		id, err := deps.Store.Create(ctx, c)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored context %s", id)), nil
	}
}

func mcpReadEntity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		var e entity.Entity
		if k := req.GetString("kind", ""); k == "" {
			e, err = deps.Store.ReadAny(ctx, id)
		} else {
			var kind entity.Kind
			if kind, err = entity.ParseKind(k); err != nil {
				return mcpError(err.Error()), nil
			}
			e, err = deps.Store.Read(ctx, kind, id)
		}
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(e)
	}
}

func mcpUpdateEntity(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kindName, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		patch, err := req.RequireString("patch")
		if err != nil {
			return mcpError("patch is required"), nil
		}
		kind, err := entity.ParseKind(kindName)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if managedKind(kind) != "" {
			return mcpError(fmt.Sprintf("%s entities are changed with their own tools", kind)), nil
		}
		e, err := deps.Store.Update(storage.WithActor(ctx, deps.agent(req)), kind, id, func(e entity.Entity) error {
			return entity.Patch(e, []byte(patch))
		})
		if err != nil {
			return mcpError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return mcpJSON(e)
	}
}

func mcpListEntities(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}
		f := storage.Filter{
			Agent:  req.GetString("agent", ""),
			Status: req.GetString("status", ""),
			Limit:  limit,
		}
		if k := req.GetString("kind", ""); k != "" {
			kind, err := entity.ParseKind(k)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			f.Kind = kind
		}
		entries, err := deps.Index.Filter(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}
		if entries == nil {
			entries = []storage.IndexEntry{}
		}
		return mcpJSON(entries)
	}
}

func mcpLink(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		src, err := req.RequireString("source_id")
		if err != nil {
			return mcpError("source_id is required"), nil
		}
		tgt, err := req.RequireString("target_id")
		if err != nil {
			return mcpError("target_id is required"), nil
		}
		relType, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		agent := deps.agent(req)
		rel, err := deps.Graph.Link(storage.WithActor(ctx, agent), src, tgt, relType, graph.LinkOptions{
			Agent:       agent,
			Strength:    entity.Strength(req.GetString("strength", "")),
			Description: req.GetString("description", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("link failed: %v", err)), nil
		}
		return mcpJSON(rel)
	}
}

func mcpConnected(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		dir, err := storage.ParseDirection(req.GetString("direction", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		rels, err := deps.Graph.Connected(ctx, id, dir, req.GetString("type", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if rels == nil {
			rels = []*entity.Relationship{}
		}
		return mcpJSON(rels)
	}
}

func mcpStartWorkflow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		wfID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcpError("workflow_id is required"), nil
		}
		entityID, err := req.RequireString("entity_id")
		if err != nil {
			return mcpError("entity_id is required"), nil
		}
		kind := entity.Kind(req.GetString("entity_type", ""))
		inst, err := deps.Workflows.Start(ctx, wfID, deps.agent(req), entityID, kind)
		if err != nil {
			return mcpError(fmt.Sprintf("start failed: %v", err)), nil
		}
		return mcpJSON(inst)
	}
}

func mcpTransition(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("instance_id")
		if err != nil {
			return mcpError("instance_id is required"), nil
		}
		to, err := req.RequireString("to")
		if err != nil {
			return mcpError("to is required"), nil
		}
		inst, err := deps.Workflows.Transition(ctx, id, to, workflow.TransitionOptions{
			Agent: deps.agent(req),
			Note:  req.GetString("note", ""),
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(inst)
	}
}

func mcpWorkflowStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("instance_id")
		if err != nil {
			return mcpError("instance_id is required"), nil
		}
		inst, err := deps.Workflows.Status(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		next, err := deps.Workflows.NextStates(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(map[string]any{"instance": inst, "next_states": next})
	}
}

func mcpRenderPrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("instance_id")
		if err != nil {
			return mcpError("instance_id is required"), nil
		}
		var vars map[string]string
		if raw := req.GetString("vars", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &vars); err != nil {
				return mcpError(fmt.Sprintf("invalid vars JSON: %v", err)), nil
			}
		}
		p, err := deps.Workflows.RenderPrompt(ctx, id, vars)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(p)
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		ans, err := deps.Index.Ask(ctx, q, query.AskOptions{
			ForceRefresh: req.GetBool("force_refresh", false),
			Agent:        req.GetString("agent", ""),
			Limit:        min(req.GetInt("limit", 0), 100),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpJSON(ans)
	}
}

func mcpSessionStart(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, err := deps.Sessions.Start(ctx, session.StartOptions{
			Agent:      deps.agent(req),
			AutoDetect: req.GetBool("auto_detect", false),
			Title:      req.GetString("title", ""),
			Goals:      req.GetStringSlice("goals", nil),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("session start failed: %v", err)), nil
		}
		return mcpJSON(s)
	}
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		st, err := deps.Sessions.Status(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(st)
	}
}

func mcpSessionEnd(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		s, err := deps.Sessions.End(ctx, id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(s)
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		kinds, err := deps.Store.KindCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count entities: %w", err)
		}
		rels, err := deps.Graph.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count relationships: %w", err)
		}

		b, err := json.Marshal(map[string]any{"entities": kinds, "relationships": rels})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
