package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/engram-cli/engram/internal/api"
	"github.com/engram-cli/engram/internal/config"
	"github.com/engram-cli/engram/internal/content"
	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/query"
	"github.com/engram-cli/engram/internal/session"
	"github.com/engram-cli/engram/internal/workflow"
)

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	tags := strings.Split(s, ",")
	out := tags[:0]
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

type createdID struct {
	ID string `json:"id"`
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, list and update tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task",
	Long: `Create a task.

Examples:
  engram task create "Add retry to uploader" --priority high --tags backend,io
  engram task create "Split parser" --parent 0b4c...`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		priority, _ := cmd.Flags().GetString("priority")
		tags, _ := cmd.Flags().GetString("tags")
		parent, _ := cmd.Flags().GetString("parent")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		task := entity.Task{
			Meta:        entity.Meta{Agent: client.agent},
			Title:       strings.Join(args, " "),
			Description: description,
			Priority:    entity.Priority(priority),
			Tags:        splitTags(tags),
			ParentID:    parent,
		}
		resp, err := client.post(cmd.Context(), "/v1/entities/task", task)
		if err != nil {
			return err
		}
		var out createdID
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.ID)
		printSuccess("Created task %s", out.ID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		agent, _ := cmd.Flags().GetString("for")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		q.Set("kind", string(entity.KindTask))
		q.Set("limit", strconv.Itoa(limit))
		if status != "" {
			q.Set("status", status)
		}
		if agent != "" {
			q.Set("agent", agent)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/query?"+q.Encode())
		if err != nil {
			return err
		}
		var entries []struct {
			ID     string `json:"id"`
			Agent  string `json:"agent"`
			Status string `json:"status"`
			Title  string `json:"title"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-10s %s\n",
				colorize(colorCyan, shortID(e.ID)), e.Status, e.Agent, truncate(e.Title, 80))
		}
		return nil
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a task's status or outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := map[string]any{}
		if cmd.Flags().Changed("status") {
			s, _ := cmd.Flags().GetString("status")
			patch["status"] = s
		}
		if cmd.Flags().Changed("outcome") {
			o, _ := cmd.Flags().GetString("outcome")
			patch["outcome"] = o
		}
		if len(patch) == 0 {
			return fmt.Errorf("one of --status or --outcome is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/v1/entities/task/"+url.PathEscape(args[0]), patch)
		if err != nil {
			return err
		}
		var task entity.Task
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}
		printSuccess("Task %s is %s (version %d)", shortID(task.ID), task.Status, task.Version)
		return nil
	},
}

func init() {
	taskCreateCmd.Flags().String("description", "", "task description")
	taskCreateCmd.Flags().String("priority", "", "low, medium, high or critical (default medium)")
	taskCreateCmd.Flags().String("tags", "", "comma-separated tags")
	taskCreateCmd.Flags().String("parent", "", "parent task id")
	taskListCmd.Flags().String("status", "", "only tasks in this status")
	taskListCmd.Flags().String("for", "", "only tasks owned by this agent")
	taskListCmd.Flags().Int("limit", 20, "maximum number of tasks to list")
	taskUpdateCmd.Flags().String("status", "", "new status")
	taskUpdateCmd.Flags().String("outcome", "", "outcome note")
	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskUpdateCmd)
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Attach reference material",
}

var contextAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a context entity from text, stdin or a file",
	Long: `Add a context entity. Exactly one of --text, --stdin or --file is required.
PDF and HTML files are reduced to their text.

Examples:
  engram context add --title "Design notes" --file ./notes.md
  git diff | engram context add --title "Pending diff" --stdin --relevance high`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		useStdin, _ := cmd.Flags().GetBool("stdin")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		relevance, _ := cmd.Flags().GetString("relevance")
		tags, _ := cmd.Flags().GetString("tags")

		src := content.Source{Text: text, File: file}
		if useStdin {
			src.Stdin = cmd.InOrStdin()
		}
		res, err := content.Resolve(src)
		if err != nil {
			return err
		}
		if title == "" && res.Path != "" {
			title = filepath.Base(res.Path)
		}
		if title == "" {
			return fmt.Errorf("--title is required unless --file is given")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		c := entity.Context{
			Meta:      entity.Meta{Agent: client.agent},
			Title:     title,
			Content:   res.Text,
			Relevance: entity.Relevance(relevance),
			Source:    res.Path,
			Origin:    res.Origin,
			Tags:      splitTags(tags),
		}
		resp, err := client.post(cmd.Context(), "/v1/entities/context", c)
		if err != nil {
			return err
		}
		var out createdID
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.ID)
		printSuccess("Added context %s (%d bytes, %s)", out.ID, len(res.Text), res.Origin)
		return nil
	},
}

func init() {
	contextAddCmd.Flags().String("text", "", "literal content")
	contextAddCmd.Flags().Bool("stdin", false, "read content from stdin")
	contextAddCmd.Flags().String("file", "", "read content from a file")
	contextAddCmd.Flags().String("title", "", "title (defaults to the file name)")
	contextAddCmd.Flags().String("relevance", "", "low, medium or high (default medium)")
	contextAddCmd.Flags().String("tags", "", "comma-separated tags")
	contextCmd.AddCommand(contextAddCmd)
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <kind> <id>",
	Short: "Print an entity, its history, or an earlier version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := entity.ParseKind(args[0])
		if err != nil {
			return err
		}
		history, _ := cmd.Flags().GetBool("history")
		version, _ := cmd.Flags().GetInt64("version")

		path := fmt.Sprintf("/v1/entities/%s/%s", kind, url.PathEscape(args[1]))
		switch {
		case history:
			path += "/history"
		case version > 0:
			path += fmt.Sprintf("/versions/%d", version)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var out any
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	showCmd.Flags().Bool("history", false, "list every recorded version")
	showCmd.Flags().Int64("version", 0, "show this version instead of the latest")
}

// --- link ---

var linkCmd = &cobra.Command{
	Use:   "link <source-id> <target-id>",
	Short: "Record a typed relationship between two entities",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		relType, _ := cmd.Flags().GetString("type")
		strength, _ := cmd.Flags().GetString("strength")
		description, _ := cmd.Flags().GetString("description")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/relationships", api.LinkRequest{
			SourceID:    args[0],
			TargetID:    args[1],
			Type:        relType,
			Strength:    entity.Strength(strength),
			Description: description,
		})
		if err != nil {
			return err
		}
		var rel entity.Relationship
		if err := decodeJSON(resp, &rel); err != nil {
			return err
		}
		printSuccess("%s -[%s]-> %s (%s)", shortID(rel.SourceID), rel.RelationshipType, shortID(rel.TargetID), rel.ID)
		return nil
	},
}

func init() {
	linkCmd.Flags().String("type", "relates_to", "relationship type")
	linkCmd.Flags().String("strength", "", "weak, medium, strong or critical (default medium)")
	linkCmd.Flags().String("description", "", "free-form description")
}

// --- workflow ---

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Define workflows and drive instances through them",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create <definition.yaml>",
	Short: "Register a workflow definition from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Parse locally first so definition errors point at the file.
		if _, err := workflow.LoadDefinition(args[0]); err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading definition: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.postRaw(cmd.Context(), "/v1/workflows", "application/yaml", data)
		if err != nil {
			return err
		}
		var out createdID
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.ID)
		printSuccess("Registered workflow %s", out.ID)
		return nil
	},
}

var workflowStartCmd = &cobra.Command{
	Use:   "start <workflow-id> <entity-id>",
	Short: "Start a workflow instance for an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("entity-type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/workflows/"+url.PathEscape(args[0])+"/instances", api.StartInstanceRequest{
			Agent:      client.agent,
			EntityID:   args[1],
			EntityType: entity.Kind(kind),
		})
		if err != nil {
			return err
		}
		var inst entity.WorkflowInstance
		if err := decodeJSON(resp, &inst); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), inst.ID)
		printSuccess("Instance %s started in %s", inst.ID, inst.CurrentState)
		return nil
	},
}

var workflowTransitionCmd = &cobra.Command{
	Use:   "transition <instance-id> <state>",
	Short: "Move an instance to another state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/instances/"+url.PathEscape(args[0])+"/transition", api.TransitionRequest{
			To:    args[1],
			Agent: client.agent,
			Note:  note,
		})
		if err != nil {
			return err
		}
		var inst entity.WorkflowInstance
		if err := decodeJSON(resp, &inst); err != nil {
			return err
		}
		printSuccess("Instance %s is now in %s (%s)", shortID(inst.ID), inst.CurrentState, inst.Status)
		return nil
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Show an instance and the states it may move to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		base := "/v1/instances/" + url.PathEscape(args[0])
		resp, err := client.get(cmd.Context(), base)
		if err != nil {
			return err
		}
		var inst entity.WorkflowInstance
		if err := decodeJSON(resp, &inst); err != nil {
			return err
		}
		next, err := fetchNextStates(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}

		printStatus("Instance", "%s", inst.ID)
		printStatus("Workflow", "%s", inst.WorkflowID)
		printStatus("Entity", "%s %s", inst.EntityType, inst.EntityID)
		printStatus("State", "%s (%s)", inst.CurrentState, inst.Status)
		if len(next) > 0 {
			printStatus("Next", "%s", strings.Join(next, ", "))
		}
		for _, h := range inst.History {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s -> %s  %s\n",
				h.At.Format("2006-01-02 15:04"), h.From, h.To, h.Agent)
		}
		return nil
	},
}

func fetchNextStates(ctx context.Context, client *apiClient, instanceID string) ([]string, error) {
	resp, err := client.get(ctx, "/v1/instances/"+url.PathEscape(instanceID)+"/next")
	if err != nil {
		return nil, err
	}
	var out struct {
		States []string `json:"states"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.States, nil
}

var workflowPromptCmd = &cobra.Command{
	Use:   "prompt <instance-id>",
	Short: "Render the prompts of an instance's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("var")
		vars, err := parseVars(pairs)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/instances/"+url.PathEscape(args[0])+"/prompt", api.PromptRequest{Vars: vars})
		if err != nil {
			return err
		}
		var p workflow.Prompt
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		if len(p.Missing) > 0 {
			printWarning("unbound placeholders: %s", strings.Join(p.Missing, ", "))
		}
		out := cmd.OutOrStdout()
		if p.System != "" {
			fmt.Fprintf(out, "%s\n%s\n\n", colorize(colorBold, "# system"), p.System)
		}
		fmt.Fprintf(out, "%s\n%s\n", colorize(colorBold, "# user"), p.User)
		return nil
	},
}

// parseVars turns repeated key=value flags into a map.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

func init() {
	workflowStartCmd.Flags().String("entity-type", "", "kind of the governed entity (inferred when omitted)")
	workflowTransitionCmd.Flags().String("note", "", "note recorded in the instance history")
	workflowPromptCmd.Flags().StringArray("var", nil, "template variable as key=value (repeatable)")
	workflowCmd.AddCommand(workflowCreateCmd, workflowStartCmd, workflowTransitionCmd, workflowStatusCmd, workflowPromptCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a natural-language question about the store",
	Long: `Ask a natural-language question about the store.

Examples:
  engram ask "what tasks are in progress"
  engram ask "show urgent tasks for claude" --force-refresh`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force-refresh")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/ask", api.AskRequest{
			Question:     strings.Join(args, " "),
			Agent:        agentFlag,
			Limit:        limit,
			ForceRefresh: force,
		})
		if err != nil {
			return err
		}
		var ans askAnswer
		if err := decodeJSON(resp, &ans); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), ans)
		}
		printAnswer(cmd, ans)
		return nil
	},
}

// askAnswer mirrors query.Answer with the entity left undecoded, since its
// concrete type depends on the intent.
type askAnswer struct {
	Question      string                 `json:"question"`
	Intent        query.Intent           `json:"intent"`
	Hits          []query.Hit            `json:"hits"`
	Entity        map[string]any         `json:"entity,omitempty"`
	Relationships []*entity.Relationship `json:"relationships,omitempty"`
	States        map[string]int         `json:"states,omitempty"`
	Suggestion    string                 `json:"suggestion,omitempty"`
	Generation    int64                  `json:"generation"`
}

func printAnswer(cmd *cobra.Command, ans askAnswer) {
	out := cmd.OutOrStdout()
	printStatus("Intent", "%s", ans.Intent)
	if ans.Entity != nil {
		printJSON(out, ans.Entity)
	}
	for _, r := range ans.Relationships {
		fmt.Fprintf(out, "%s -[%s]-> %s\n", shortID(r.SourceID), r.RelationshipType, shortID(r.TargetID))
	}
	for state, n := range ans.States {
		fmt.Fprintf(out, "%-16s %d\n", state, n)
	}
	for _, h := range ans.Hits {
		fmt.Fprintf(out, "%s  %-9s %-12s %s\n", colorize(colorCyan, shortID(h.ID)), h.Kind, h.Status, truncate(h.Title, 70))
		if h.Snippet != "" {
			fmt.Fprintf(out, "    %s\n", truncate(h.Snippet, 120))
		}
	}
	if ans.Suggestion != "" {
		printWarning("%s", ans.Suggestion)
	}
}

func init() {
	askCmd.Flags().Bool("force-refresh", false, "catch the index up with every write before answering")
	askCmd.Flags().Int("limit", 0, "maximum number of hits (default query.default_limit)")
	askCmd.Flags().Bool("json", false, "print the raw answer")
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Track agent working sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session for the current agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		goals, _ := cmd.Flags().GetStringArray("goal")
		auto, _ := cmd.Flags().GetBool("auto-detect")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if client.agent == "" {
			return fmt.Errorf("no agent: pass --agent or set agent.default")
		}
		resp, err := client.post(cmd.Context(), "/v1/sessions", api.StartSessionRequest{
			Agent:      client.agent,
			AutoDetect: auto,
			Title:      title,
			Goals:      goals,
		})
		if err != nil {
			return err
		}
		var s entity.Session
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s.ID)
		printSuccess("Session %s started for %s", s.ID, s.Agent)
		if len(s.FocusTaskIDs) > 0 {
			printStatus("Focus", "%d in-progress task(s)", len(s.FocusTaskIDs))
		}
		return nil
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's metrics so far",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRequest(cmd, "GET", "/v1/sessions/"+url.PathEscape(args[0]))
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session and record its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRequest(cmd, "POST", "/v1/sessions/"+url.PathEscape(args[0])+"/end")
	},
}

func sessionRequest(cmd *cobra.Command, method, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.do(cmd.Context(), method, path, nil)
	if err != nil {
		return err
	}

	var st session.Status
	if method == "POST" {
		var s entity.Session
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		st = session.Status{Session: &s, Metrics: s.Summary}
		if s.EndTime != nil {
			st.AsOf = *s.EndTime
			st.Elapsed = s.EndTime.Sub(s.StartTime)
		}
	} else if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printSession(st)
	return nil
}

func printSession(st session.Status) {
	s := st.Session
	printStatus("Session", "%s (%s)", s.ID, s.Status)
	printStatus("Agent", "%s", s.Agent)
	if s.Title != "" {
		printStatus("Title", "%s", s.Title)
	}
	printStatus("Elapsed", "%s", st.Elapsed.Round(time.Second))
	m := st.Metrics
	if m == nil {
		return
	}
	printStatus("Entities", "%d created, %d modified", m.EntitiesCreated, m.EntitiesChanged)
	printStatus("Tasks done", "%d (lead time %s)", m.TasksCompleted, m.LeadTime.Round(time.Minute))
	printStatus("Throughput", "%.2f/h", m.Throughput)
	printStatus("Efficiency", "%.0f", m.Efficiency)
	printStatus("SPACE", "S%.0f P%.0f A%.0f C%.0f E%.0f",
		m.Space.Satisfaction, m.Space.Performance, m.Space.Activity, m.Space.Communication, m.Space.Efficiency)
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if client.agent != "" {
			q.Set("agent", client.agent)
		}
		if status != "" {
			q.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/v1/sessions?"+q.Encode())
		if err != nil {
			return err
		}
		var list []entity.Session
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}
		for _, s := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s %s  %s\n",
				colorize(colorCyan, shortID(s.ID)), s.Status, s.StartTime.Format("2006-01-02 15:04"), s.Title)
		}
		return nil
	},
}

func init() {
	sessionStartCmd.Flags().String("title", "", "session title")
	sessionStartCmd.Flags().StringArray("goal", nil, "session goal (repeatable)")
	sessionStartCmd.Flags().Bool("auto-detect", false, "focus on the agent's in-progress tasks")
	sessionListCmd.Flags().String("status", "", "active or completed")
	sessionCmd.AddCommand(sessionStartCmd, sessionStatusCmd, sessionEndCmd, sessionListCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
