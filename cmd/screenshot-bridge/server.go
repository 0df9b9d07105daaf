package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
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
	"golang.org/x/sync/errgroup"

	"github.com/ianhi/screenshot-bridge/internal/api"
	"github.com/ianhi/screenshot-bridge/internal/bridge"
	"github.com/ianhi/screenshot-bridge/internal/config"
	"github.com/ianhi/screenshot-bridge/internal/gitinfo"
	"github.com/ianhi/screenshot-bridge/internal/normalize"
	"github.com/ianhi/screenshot-bridge/internal/session"
	"github.com/ianhi/screenshot-bridge/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		return runServer(project)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running bridge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().String("project", store.DefaultProject, "project the MCP tools operate on")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "screenshot-bridge.pid")
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

func runServer(project string) error {
	fmt.Fprintf(os.Stderr, "screenshot-bridge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging. Stdout is reserved for the MCP stdio
	// transport, so everything human-readable goes to stderr.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if a server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("screenshot-bridge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("screenshot-bridge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Display surfaces connect to the hub; the store mirrors every change
	// back out to them as events.
	hub := bridge.NewHub()
	st, err := store.Open(cfg.Storage.DataDir, func(ev store.Event) {
		if err := hub.Broadcast(ev); err != nil {
			slog.Debug("broadcasting store event", "type", ev.Type, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	slog.Info("store opened", "data_dir", cfg.Storage.DataDir, "projects", len(st.ListProjects()))

	gateway := bridge.NewGateway(hub)
	hub.Handle("result", gateway.HandleResponse)

	sessions := session.NewRegistry()
	normalizer := normalize.New(normalize.Config{
		MaxDimension:   cfg.Image.MaxDimension,
		MaxBase64Bytes: cfg.Image.MaxBase64KB * 1024,
		StartQuality:   cfg.Image.StartQuality,
		MinQuality:     cfg.Image.MinQuality,
		QualityStep:    cfg.Image.QualityStep,
	})

	// Screenshots get tagged with the branch and commit of the directory the
	// server was started from, when it is a git worktree.
	workdir, _ := os.Getwd()
	contextProvider := func() *store.SourceContext {
		info, ok := gitinfo.Detect(workdir)
		if !ok {
			return nil
		}
		return &store.SourceContext{Branch: info.Branch, Commit: info.Commit}
	}

	renderTimeout := time.Duration(cfg.Render.TimeoutMS) * time.Millisecond
	deps := api.AppDeps{
		Store:         st,
		Normalizer:    normalizer,
		Gateway:       gateway,
		Hub:           hub,
		Sessions:      sessions,
		Context:       contextProvider,
		RenderTimeout: renderTimeout,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(deps),
	}

	// MCP server over stdio, so a coding agent can drive the bridge directly.
	// The agent is a session too, bound to its project for the process lifetime.
	agentSession := sessions.Open(project)
	defer sessions.Close(agentSession)
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:         st,
		Normalizer:    normalizer,
		Gateway:       gateway,
		Hub:           hub,
		Project:       project,
		RenderTimeout: renderTimeout,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)", "project", project)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
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
		printError("screenshot-bridge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop screenshot-bridge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to screenshot-bridge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		if projResp, err := client.Get(serverURL + "/api/projects"); err == nil {
			var projects struct {
				Projects []string `json:"projects"`
			}
			if json.NewDecoder(projResp.Body).Decode(&projects) == nil {
				printStatus("Projects", "%d", len(projects.Projects))
				for _, p := range projects.Projects {
					pending := projectPendingCount(client, serverURL, p)
					printStatus("  "+p, "%d pending", pending)
				}
			}
			projResp.Body.Close()
		}
		if sessResp, err := client.Get(serverURL + "/api/sessions"); err == nil {
			var sessions struct {
				Sessions map[string]int `json:"sessions"`
			}
			if json.NewDecoder(sessResp.Body).Decode(&sessions) == nil {
				total := 0
				for _, n := range sessions.Sessions {
					total += n
				}
				printStatus("Surfaces", "%d connected", total)
			}
			sessResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.Path())
	return nil
}

func projectPendingCount(client *http.Client, serverURL, project string) int {
	resp, err := client.Get(serverURL + "/api/screenshots?project=" + project + "&status=pending&limit=1")
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	var envelope struct {
		Total int `json:"total"`
	}
	if json.NewDecoder(resp.Body).Decode(&envelope) != nil {
		return 0
	}
	return envelope.Total
}
