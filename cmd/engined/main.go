// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command engined runs the workflow engine daemon: it serves the HTTP
// API, ticks the timer wheel against the configured store, and drains
// the worker pool until signalled to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/conductor/internal/engine/httpapi"
	"github.com/tombee/conductor/internal/engine/metrics"
	"github.com/tombee/conductor/internal/engine/timerwheel"
	"github.com/tombee/conductor/internal/engine/workpool"
	"github.com/tombee/conductor/internal/engineconfig"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/store/sqlitestore"
	"github.com/tombee/conductor/pkg/httpclient"
	"github.com/tombee/conductor/pkg/workflow"
)

// Version information (injected via ldflags at build time).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to engined config file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("engined %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := engineconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runDaemon(ctx, cfg, logger)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("error during shutdown", "error", err)
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("engined exited with error", "error", err)
			os.Exit(1)
		}
	}
}

// runDaemon wires the store, event bus, timer wheel, worker pool,
// dispatcher, and HTTP surface together and serves until ctx is
// cancelled.
func runDaemon(ctx context.Context, cfg *engineconfig.Config, logger *slog.Logger) error {
	store, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("building store: %w", err)
	}

	bus := workflow.NewEventBus()
	workflows := workflow.NewWorkflowRepository()

	recorder := metrics.NewRecorder(bus)
	defer recorder.Close()

	httpClient, err := httpclient.New(httpclient.Config{
		Timeout:       cfg.WebhookRequestTimeout,
		RetryAttempts: cfg.Retry.MaxRetries,
		RetryBackoff:  cfg.Retry.BaseDelay,
		MaxBackoff:    cfg.Retry.MaxDelay,
		UserAgent:     "engined/" + version,
	})
	if err != nil {
		return fmt.Errorf("building http client: %w", err)
	}

	batch := workflow.NewBatchCoordinator(store, bus)
	dispatcher := workflow.NewDispatcher(store, bus, batch, workflows.Get, httpClient, logger)
	tasks := workflow.NewTaskService(store, bus, dispatcher, workflows.Get)
	runs := workflow.NewRunRegistry(store, bus, dispatcher, workflows)
	callbacks := workflow.NewCallbackIngress(store, bus, dispatcher, batch, workflows.Get)

	pool := workpool.New(ctx, cfg.WorkerPoolSize, logger)
	defer pool.Close()

	dispatch := func(f func()) {
		_ = pool.Submit(&workpool.Job{Run: func(context.Context) { f() }})
	}

	wheel := timerwheel.New(store, cfg.TimerTick, dispatch, logger)
	wheel.OnKind(workflow.TimerKindJoinDeadline, dispatcher.HandleJoinDeadline)
	wheel.OnKind(workflow.TimerKindExternalTimeout, dispatcher.HandleExternalTimeout)
	wheel.OnKind(workflow.TimerKindWebhookRetry, dispatcher.HandleWebhookRetry)
	wheel.Start(ctx)
	defer wheel.Stop()

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Version:   version,
		AuthMode:  cfg.Auth.Mode,
		AuthToken: cfg.Auth.Token,
	}, logger)

	httpapi.NewRunsHandler(runs, tasks).RegisterRoutes(router.Mux())
	httpapi.NewCallbackHandler(callbacks).RegisterRoutes(router.Mux())
	httpapi.NewEventsHandler(bus, cfg.SSEHeartbeat).RegisterRoutes(router.Mux())

	server := &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: router,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("engined listening", "addr", cfg.Listen.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildStore(cfg *engineconfig.Config) (workflow.Store, error) {
	switch cfg.Backend.Type {
	case "memory":
		return workflow.NewMemoryStore(), nil
	case "sqlite":
		return sqlitestore.New(sqlitestore.Config{Path: cfg.Backend.SQLitePath, WAL: true})
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Backend.Type)
	}
}
