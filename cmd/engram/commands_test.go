package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/engram-cli/engram/internal/api"
	"github.com/engram-cli/engram/internal/config"
	"github.com/engram-cli/engram/internal/entity"
	"github.com/engram-cli/engram/internal/query"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	Agent  string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			Agent:  r.Header.Get(agentHeader),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		agent:      "alice",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAPIClientHeaders(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	client.token = ""
	client.agent = ""
	resp, err = client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer test-token" || ts.requests[0].Agent != "alice" {
		t.Errorf("first request headers = %+v", ts.requests[0])
	}
	if ts.requests[1].Auth != "" || ts.requests[1].Agent != "" {
		t.Errorf("empty token and agent still sent: %+v", ts.requests[1])
	}
}

func TestPostRawKeepsBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/workflows": `{"id":"wf-1"}`,
	})

	resp, err := ts.client().postRaw(ctx, "/v1/workflows", "application/yaml", []byte("title: x\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out createdID
	if err := decodeJSON(resp, &out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if out.ID != "wf-1" {
		t.Errorf("id = %q, want wf-1", out.ID)
	}
	if ts.requests[0].Body != "title: x\n" {
		t.Errorf("body = %q", ts.requests[0].Body)
	}
}

func TestFetchNextStates(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/instances/i-1/next": `{"states":["review","done"]}`,
	})

	next, err := fetchNextStates(ctx, ts.client(), "i-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next) != 2 || next[0] != "review" || next[1] != "done" {
		t.Errorf("next = %v", next)
	}
}

func TestServerNotReachable(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"instance is completed","type":"invalid_transition"}}`))
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	for _, want := range []string{"instance is completed", "invalid_transition", "409"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to contain %q", err, want)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "test message"); got != "test message" {
		t.Errorf("colorize with noColor=true = %q", got)
	}

	noColor = false
	if got := colorize(colorGreen, "test message"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"TASK_ID=42", "NOTE=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if vars["TASK_ID"] != "42" || vars["NOTE"] != "a=b" {
		t.Errorf("vars = %v", vars)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseVars([]string{bad}); err == nil {
			t.Errorf("parseVars(%q) accepted", bad)
		}
	}
}

func TestSplitTags(t *testing.T) {
	got := splitTags(" go, ,backend ,")
	if len(got) != 2 || got[0] != "go" || got[1] != "backend" {
		t.Errorf("splitTags = %q", got)
	}
	if splitTags("") != nil {
		t.Error("empty tags should be nil")
	}
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   false,
		"10.1.2.3":  false,
		"example":   false,
	}
	for host, want := range tests {
		if got := isLoopback(host); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestBuildComponentsRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Compression = "brotli"
	if _, err := buildComponents(cfg, ":memory:", discardLogger()); err == nil {
		t.Error("unknown compression accepted")
	}
	cfg = testConfig()
	cfg.Workflow.TransitionPolicy = "strict"
	if _, err := buildComponents(cfg, ":memory:", discardLogger()); err == nil {
		t.Error("unknown policy accepted")
	}
}

func TestContextAddRequiresOneSource(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"context", "add", "--title", "x"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing content source")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 4100
	cfg.Storage.Compression = "zstd"
	cfg.Query.DefaultLimit = 20
	cfg.Workflow.TransitionPolicy = "open"
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startLocal serves the real API over an in-memory store and points the
// CLI at it.
func startLocal(t *testing.T) {
	t.Helper()
	c, err := buildComponents(testConfig(), ":memory:", discardLogger())
	if err != nil {
		t.Fatalf("buildComponents: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	srv := httptest.NewServer(api.NewAppHandler(api.AppDeps{
		Store:     c.store,
		Graph:     c.graph,
		Workflows: c.workflows,
		Index:     c.index,
		Sessions:  c.sessions,
		Metrics:   c.metrics,
		Token:     "test-token",
		Logger:    discardLogger(),
	}))
	t.Cleanup(srv.Close)

	old := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: srv.URL, token: "test-token", agent: agentFlag, httpClient: srv.Client()}, nil
	}
	t.Cleanup(func() { newAPIClient = old })

	oldColor := noColor
	noColor = true
	t.Cleanup(func() { noColor = oldColor })
}

// run executes one CLI invocation and returns what it wrote to stdout.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("engram %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

func TestCLIEndToEnd(t *testing.T) {
	startLocal(t)

	taskID := firstLine(run(t, "--agent", "alice", "task", "create", "Ship", "the", "uploader", "--priority", "high"))
	if taskID == "" {
		t.Fatal("task create printed no id")
	}

	notes := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(notes, []byte("uploader retries use exponential backoff"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctxID := firstLine(run(t, "--agent", "alice", "context", "add", "--file", notes))
	run(t, "--agent", "alice", "link", ctxID, taskID, "--type", "informs")

	shown := run(t, "show", "task", taskID)
	var task entity.Task
	if err := json.Unmarshal([]byte(shown), &task); err != nil {
		t.Fatalf("show output is not a task: %v\n%s", err, shown)
	}
	if task.Title != "Ship the uploader" || task.Priority != entity.PriorityHigh || task.Agent != "alice" {
		t.Errorf("task = %+v", task)
	}

	list := run(t, "task", "list", "--for", "alice")
	if !strings.Contains(list, shortID(taskID)) {
		t.Errorf("task list missing %s:\n%s", taskID, list)
	}

	def := filepath.Join(t.TempDir(), "review.yaml")
	if err := os.WriteFile(def, []byte(`
title: review
entity_types: [task]
states:
  - name: draft
    prompts:
      user: "Draft {{TASK_ID}} for {{AUDIENCE}}."
  - name: review
  - name: done
    is_final: true
`), 0o644); err != nil {
		t.Fatal(err)
	}
	wfID := firstLine(run(t, "--agent", "alice", "workflow", "create", def))
	instID := firstLine(run(t, "--agent", "alice", "workflow", "start", wfID, taskID))

	prompt := run(t, "workflow", "prompt", instID, "--var", "TASK_ID="+taskID, "--var", "AUDIENCE=reviewers")
	if !strings.Contains(prompt, "Draft "+taskID+" for reviewers.") {
		t.Errorf("prompt = %q", prompt)
	}

	run(t, "--agent", "alice", "workflow", "transition", instID, "review", "--note", "ready")
	status := run(t, "workflow", "status", instID)
	if !strings.Contains(status, "draft -> review") {
		t.Errorf("workflow status history missing transition:\n%s", status)
	}

	var ans askAnswer
	raw := run(t, "--agent", "alice", "ask", "list high priority tasks", "--json", "--force-refresh")
	if err := json.Unmarshal([]byte(raw), &ans); err != nil {
		t.Fatalf("ask --json: %v\n%s", err, raw)
	}
	if ans.Intent != query.IntentListTasks {
		t.Errorf("intent = %s", ans.Intent)
	}
	found := false
	for _, h := range ans.Hits {
		found = found || h.ID == taskID
	}
	if !found {
		t.Errorf("ask hits %+v do not include %s", ans.Hits, taskID)
	}

	sessID := firstLine(run(t, "--agent", "alice", "session", "start", "--title", "morning"))
	run(t, "session", "status", sessID)
	run(t, "session", "end", sessID)

	sessions := run(t, "--agent", "alice", "session", "list", "--status", "completed")
	if !strings.Contains(sessions, shortID(sessID)) {
		t.Errorf("completed sessions missing %s:\n%s", sessID, sessions)
	}
}
