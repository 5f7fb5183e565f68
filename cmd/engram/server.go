package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/engram-cli/engram/internal/api"
	"github.com/engram-cli/engram/internal/config"
	"github.com/engram-cli/engram/internal/graph"
	"github.com/engram-cli/engram/internal/query"
	"github.com/engram-cli/engram/internal/session"
	"github.com/engram-cli/engram/internal/storage"
	"github.com/engram-cli/engram/internal/telemetry"
	"github.com/engram-cli/engram/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engram HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running engram server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engram server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "engram.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func serverAddr(cfg config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

// components is everything serve wires together.
type components struct {
	store     *storage.Store
	graph     *graph.Graph
	workflows *workflow.Engine
	index     *query.Index
	sessions  *session.Tracker
	metrics   *telemetry.Metrics
}

func (c *components) Close() error {
	return errors.Join(c.index.Close(), c.store.Close())
}

func buildComponents(cfg config.Config, dataDir string, logger *slog.Logger) (*components, error) {
	compression, err := storage.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, fmt.Errorf("invalid config: storage.compression: %w", err)
	}
	policy, err := workflow.ParsePolicy(cfg.Workflow.TransitionPolicy)
	if err != nil {
		return nil, fmt.Errorf("invalid config: workflow.transition_policy: %w", err)
	}

	metrics := telemetry.New()
	store, err := storage.Open(dataDir,
		storage.WithCompression(compression),
		storage.WithLogger(logger),
		storage.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	g := graph.New(store, logger)
	idx, err := query.New(store,
		query.WithMaxStaleness(cfg.Query.NLQMaxStaleness),
		query.WithDefaultLimit(cfg.Query.DefaultLimit),
		query.WithLogger(logger),
		query.WithMetrics(metrics),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building query index: %w", err)
	}

	return &components{
		store: store,
		graph: g,
		workflows: workflow.NewEngine(store, g,
			workflow.WithPolicy(policy),
			workflow.WithLogger(logger),
			workflow.WithMetrics(metrics),
		),
		index:    idx,
		sessions: session.NewTracker(store, session.WithLogger(logger), session.WithMetrics(metrics)),
		metrics:  metrics,
	}, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	if cfg.Server.APIToken == "" {
		if !isLoopback(cfg.Server.Host) {
			return fmt.Errorf("refusing to listen on %s without ENGRAM_API_TOKEN", cfg.Server.Host)
		}
		slog.Warn("ENGRAM_API_TOKEN not set; /v1 is unauthenticated on loopback")
	}

	addr := serverAddr(cfg)
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("engram is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("engram is already running on %s", addr)
		return fmt.Errorf("server already running on %s", addr)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(cfg, cfg.Storage.DataDir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// With a zero bound every ask refreshes on demand; a background loop
	// only helps when some staleness is tolerated.
	if d := cfg.Query.NLQMaxStaleness; d > 0 {
		go c.index.Run(ctx, d)
	}

	handler := api.NewAppHandler(api.AppDeps{
		Store:        c.store,
		Graph:        c.graph,
		Workflows:    c.workflows,
		Index:        c.index,
		Sessions:     c.sessions,
		Metrics:      c.metrics,
		Token:        cfg.Server.APIToken,
		DefaultAgent: cfg.Agent.Default,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:        c.store,
			Graph:        c.graph,
			Workflows:    c.workflows,
			Index:        c.index,
			Sessions:     c.sessions,
			DefaultAgent: cfg.Agent.Default,
			Version:      version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "engram listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("engram is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop engram (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to engram (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := clientFor(cfg)
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	running := false
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on %s", serverAddr(cfg))
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	if running {
		if resp, err := client.get(ctx, "/v1/graph/stats"); err == nil {
			var stats graph.Stats
			if decodeJSON(resp, &stats) == nil {
				printStatus("Relationships", "%d", stats.Total)
			}
		}
		if resp, err := client.get(ctx, "/v1/sessions?status=active"); err == nil {
			var active []map[string]any
			if decodeJSON(resp, &active) == nil {
				printStatus("Active sessions", "%d", len(active))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Compression", "%s", cfg.Storage.Compression)
	printStatus("Transition policy", "%s", cfg.Workflow.TransitionPolicy)
	printStatus("NLQ staleness", "%s", cfg.Query.NLQMaxStaleness)
	return nil
}
