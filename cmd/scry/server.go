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

	"github.com/mbrichman/scry/internal/api"
	"github.com/mbrichman/scry/internal/config"
	"github.com/mbrichman/scry/internal/embed"
	"github.com/mbrichman/scry/internal/expand"
	"github.com/mbrichman/scry/internal/importer"
	"github.com/mbrichman/scry/internal/search"
	"github.com/mbrichman/scry/internal/storage"
	"github.com/mbrichman/scry/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scry server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scry server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scry system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "scry.pid")
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

func parseDurationOr(value string, fallback time.Duration, logger *slog.Logger, key string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", fallback)
		return fallback
	}
	return d
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "scry version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse a second instance. The health check catches a live server even
	// when a stale PID file survived a crash.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("scry is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("scry is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder := embed.NewOllama(cfg.Embedding.BaseURL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if embedder.IsRunning(ctx) {
		logger.Info("embedding model server reachable", "base_url", cfg.Embedding.BaseURL, "model", cfg.Embedding.Model)
	} else {
		printWarning("Ollama not reachable at %s; search degrades to lexical until it comes up", cfg.Embedding.BaseURL)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	store.SetMaxJobAttempts(cfg.Queue.MaxAttempts)

	expander := expand.New()
	engine, err := search.NewEngine(store, embedder, expander, search.Options{
		SemanticWeight: cfg.Search.SemanticWeight,
		LexicalWeight:  cfg.Search.LexicalWeight,
		CacheSize:      cfg.Search.CacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("building search engine: %w", err)
	}
	imp := importer.New(store, logger)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Engine:   engine,
		Importer: imp,
		Expander: expander,
		Model:    cfg.Embedding.Model,
		Token:    cfg.API.Token,
		Logger:   logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Background embedding workers and the freshness sweeper.
	pollInterval := parseDurationOr(cfg.Queue.PollInterval, 500*time.Millisecond, logger, "queue.poll_interval")
	go worker.RunPool(ctx, store, embedder, cfg.Queue.Workers, pollInterval, logger)

	sweeper := worker.NewSweeper(store, cfg.Embedding.Model, worker.SweeperOptions{
		Interval:  parseDurationOr(cfg.Queue.SweepInterval, time.Minute, logger, "queue.sweep_interval"),
		Liveness:  parseDurationOr(cfg.Queue.LivenessTimeout, 5*time.Minute, logger, "queue.liveness_timeout"),
		Retention: parseDurationOr(cfg.Queue.Retention, 7*24*time.Hour, logger, "queue.retention"),
	}, logger)
	go sweeper.Run(ctx)

	// MCP server on stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Searcher: engine,
		Expander: expander,
		Model:    cfg.Embedding.Model,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "scry listening on %s\n", addr)
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
		printError("scry is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop scry (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to scry (PID %d)", pid)
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

	ollamaResp, err := client.Get(cfg.Embedding.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Embedding.BaseURL)
	}

	printStatus("Embed model", "%s", cfg.Embedding.Model)

	if running {
		if covResp, err := apiGet(client, serverURL+"/ops/coverage", cfg.API.Token); err == nil {
			var cov struct {
				Coverage float64 `json:"coverage"`
				Messages int     `json:"messages"`
			}
			if json.NewDecoder(covResp.Body).Decode(&cov) == nil {
				printStatus("Messages", "%d", cov.Messages)
				printStatus("Coverage", "%.1f%%", cov.Coverage*100)
			}
			covResp.Body.Close()
		}
		if jobsResp, err := apiGet(client, serverURL+"/ops/jobs", cfg.API.Token); err == nil {
			var jobs struct {
				Pending int `json:"pending"`
				Running int `json:"running"`
				Failed  int `json:"failed"`
			}
			if json.NewDecoder(jobsResp.Body).Decode(&jobs) == nil {
				printStatus("Jobs", "%d pending, %d running, %d failed", jobs.Pending, jobs.Running, jobs.Failed)
			}
			jobsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}
