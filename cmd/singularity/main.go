// Command singularity runs the long-running orchestration supervisor: it
// admits tasks from an external task store, drives each through its agent
// pipeline, and exposes a control socket and HTTP surface for steering it
// from outside.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/omssupervisor/singularity/pkg/api"
	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/control"
	"github.com/omssupervisor/singularity/pkg/lifecycle"
	"github.com/omssupervisor/singularity/pkg/mergequeue"
	"github.com/omssupervisor/singularity/pkg/pipeline"
	"github.com/omssupervisor/singularity/pkg/redact"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/replica"
	"github.com/omssupervisor/singularity/pkg/spawner"
	"github.com/omssupervisor/singularity/pkg/steering"
	"github.com/omssupervisor/singularity/pkg/supervisor"
	"github.com/omssupervisor/singularity/pkg/taskstore"
	"github.com/omssupervisor/singularity/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	projectRoot := flag.String("project-root",
		getEnv("PROJECT_ROOT", "."),
		"Root of the project whose working tree agents replicate")
	agentCommand := flag.String("agent-command",
		getEnv("AGENT_COMMAND", "singularity-agent"),
		"Path to the child agent CLI binary spawned for every task")
	tasksFile := flag.String("tasks-file",
		getEnv("TASKS_FILE", ""),
		"Optional JSON file of tasks to seed the in-memory task store from")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpAddr := getEnv("HTTP_ADDR", ":8080")
	ginMode := getEnv("GIN_MODE", "debug")
	sockPath := getEnv("OMS_SINGULARITY_SOCK", filepath.Join(os.TempDir(), "singularity.sock"))

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting singularity", "version", version.Full(), "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		logger.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	store := taskstore.NewMemory(loadSeedTasks(logger, *tasksFile)...)

	reg := registry.New(store, logger)
	repl := replica.New(cfg.Replica, *projectRoot, logger)

	sp := spawner.New(spawner.Deps{
		Config:     cfg,
		Registry:   reg,
		Replica:    repl,
		Store:      store,
		Redactor:   redact.New(),
		Log:        logger,
		Command:    *agentCommand,
		SocketPath: sockPath,
	})

	steerMgr := steering.New(reg, sp, cfg.Steering, logger)
	lc := lifecycle.NewStore(logger, func() int64 { return time.Now().UnixMilli() })
	pl := pipeline.New(reg, sp, steerMgr, store, lc, cfg.Retry, logger)
	queue := mergequeue.New()

	sup := supervisor.New(reg, repl, sp, steerMgr, pl, queue, store, cfg.Scheduler, cfg.Timeouts, logger)
	sup.Start(ctx)
	defer sup.Stop(context.Background())

	ctrl := control.New(sockPath, sup, logger)
	if err := ctrl.Start(ctx); err != nil {
		logger.Error("failed to start control socket", "error", err)
		os.Exit(1)
	}
	defer ctrl.Stop()

	srv := api.NewServer(sup, reg, queue, ginMode, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := srv.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
}

// loadSeedTasks reads a JSON array of taskstore.Task from path, if given.
// The real task store is an external system (spec.md §1's explicit
// out-of-scope boundary); this is a convenience seed for running the
// supervisor against the in-memory Client standalone.
func loadSeedTasks(logger *slog.Logger, path string) []*taskstore.Task {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("could not read tasks file, starting with an empty task store", "path", path, "error", err)
		return nil
	}
	var tasks []*taskstore.Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		logger.Warn("could not parse tasks file, starting with an empty task store", "path", path, "error", err)
		return nil
	}
	logger.Info("seeded task store", "count", len(tasks))
	return tasks
}
