// Command orchestrall runs the cluster orchestration control plane:
// the HTTP API surface, the background orchestration worker pool, and
// the schema migration step, grounded on cmd/ollama-distributed's
// cobra-based command tree.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/orchestrall/internal/agentclient"
	"github.com/khryptorgraphics/orchestrall/internal/api"
	"github.com/khryptorgraphics/orchestrall/internal/auth"
	"github.com/khryptorgraphics/orchestrall/internal/config"
	"github.com/khryptorgraphics/orchestrall/internal/events/redisstream"
	"github.com/khryptorgraphics/orchestrall/internal/lease/redislease"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions/handlers"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/platformclient"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
	"github.com/khryptorgraphics/orchestrall/internal/store/postgres"
	"github.com/khryptorgraphics/orchestrall/internal/tasks/redisqueue"
	"github.com/khryptorgraphics/orchestrall/internal/telemetry"
)

var (
	version    = "0.1.0-dev"
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:     "orchestrall",
		Short:   "Cluster orchestration control plane",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")

	root.AddCommand(serveCmd(), workerCmd(), migrateCmd(), orchestrateOnceCmd(), checkCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// serveCmd runs the HTTP API surface: Apply, action triggers, reports.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Apply / action-triggers / reports HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := postgres.Open(cfg.Postgres, log)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			queue, err := redisqueue.Open(cfg.Tasks, log)
			if err != nil {
				return fmt.Errorf("open task queue: %w", err)
			}
			defer queue.Close()

			events, err := redisstream.Open(cfg.Events, log)
			if err != nil {
				return fmt.Errorf("open event sink: %w", err)
			}
			defer events.Close()

			jwtSvc, err := auth.NewJWTService(cfg.Auth)
			if err != nil {
				return fmt.Errorf("init jwt service: %w", err)
			}
			mw := auth.NewMiddleware(jwtSvc, auth.NewRBAC())

			apiCfg := api.Config{Listen: cfg.Server.Listen, TLSCert: cfg.Server.TLSCert, TLSKey: cfg.Server.TLSKey, CORSOrigins: cfg.Server.CorsOrigins}
			srv := api.NewServer(apiCfg, store, events, queue, mw, log)

			return runUntilSignal(log, srv.Start, srv.Stop)
		},
	}
}

// workerCmd runs the background orchestration task-pool worker.
func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the orchestration task worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			runner, counters, cleanup, err := buildRunner(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			queue, err := redisqueue.Open(cfg.Tasks, log)
			if err != nil {
				return fmt.Errorf("open task queue: %w", err)
			}
			defer queue.Close()

			stop := make(chan struct{})
			counters.LogEvery(log, cfg.TelemetryInterval, stop)

			worker := orchestrator.NewWorker(queue, runner, log, cfg.WorkerConcurrency)

			return runUntilSignal(log,
				func(ctx context.Context) error { worker.Start(ctx); <-ctx.Done(); return nil },
				func(ctx context.Context) error { close(stop); worker.Stop(); return nil },
			)
		},
	}
}

// migrateCmd applies the store's schema migrations and exits.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := postgres.Open(cfg.Postgres, log)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()
			return postgres.RunMigrations(cmd.Context(), store.DB(), log)
		},
	}
}

// orchestrateOnceCmd drives a single orchestration cycle synchronously,
// bypassing the task queue. Useful for operator debugging; production
// cycles always come through the worker pool.
func orchestrateOnceCmd() *cobra.Command {
	var nsID, clusterID string
	cmd := &cobra.Command{
		Use:   "orchestrate-once",
		Short: "Run one orchestration cycle for a cluster and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if nsID == "" || clusterID == "" {
				return fmt.Errorf("--namespace and --cluster are required")
			}

			runner, _, cleanup, err := buildRunner(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			report, outcome, err := runner.RunOnce(cmd.Context(), nsID, clusterID)
			if err != nil {
				log.Error("orchestration cycle failed", "error", err)
			}
			log.Info("orchestration cycle finished",
				"ack_outcome", outcome,
				"success", report.Outcome.Success,
				"nodes_synced", report.NodesSynced,
				"nodes_failed", report.NodesFailed,
				"node_actions_scheduled", report.NodeActionsScheduled,
			)
			return err
		},
	}
	cmd.Flags().StringVar(&nsID, "namespace", "", "namespace ID")
	cmd.Flags().StringVar(&clusterID, "cluster", "", "cluster spec name")
	return cmd
}

// versionCmd prints build information.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrall %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
		},
	}
}

// checkCmd groups the operational backend checks: each subcommand
// connects to one collaborator, verifies it answers, and exits non-zero
// otherwise, so a deployment pipeline can gate on them.
func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the configured backends are reachable",
	}
	cmd.AddCommand(checkStreamsCmd(), checkTasksCmd(), checkLeaseCmd())
	return cmd
}

// checkStreamsCmd verifies the event stream backend answers.
func checkStreamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "Verify the event stream backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			events, err := redisstream.Open(cfg.Events, log)
			if err != nil {
				return fmt.Errorf("event stream check failed: %w", err)
			}
			defer events.Close()
			log.Info("event stream backend reachable")
			return nil
		},
	}
}

// checkTasksCmd verifies the task queue backend answers.
func checkTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "Verify the task queue backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			queue, err := redisqueue.Open(cfg.Tasks, log)
			if err != nil {
				return fmt.Errorf("task queue check failed: %w", err)
			}
			defer queue.Close()
			log.Info("task queue backend reachable")
			return nil
		},
	}
}

// checkLeaseCmd reports who currently holds a cluster's orchestration
// lease, the operator-side answer to a "cluster busy" report note.
func checkLeaseCmd() *cobra.Command {
	var nsID, clusterID string
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Report the current holder of a cluster's orchestration lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if nsID == "" || clusterID == "" {
				return fmt.Errorf("--namespace and --cluster are required")
			}
			svc, err := redislease.Open(cfg.Lease, log)
			if err != nil {
				return fmt.Errorf("lease service check failed: %w", err)
			}
			defer svc.Close()

			name := ports.OrchestrateLeaseName(nsID, clusterID)
			owner, remaining, held, err := svc.Holder(cmd.Context(), name)
			if err != nil {
				return err
			}
			if !held {
				log.Info("lease not held", "lease", name)
				return nil
			}
			log.Info("lease held", "lease", name, "owner", owner, "ttl_remaining", remaining)
			return nil
		},
	}
	cmd.Flags().StringVar(&nsID, "namespace", "", "namespace ID")
	cmd.Flags().StringVar(&clusterID, "cluster", "", "cluster spec name")
	return cmd
}

// buildRunner wires every collaborator adapter and the frozen OAction
// registry into an orchestrator.Runner, the shared construction path
// worker and orchestrate-once both use (serve opens only the store, task
// queue and event sink it needs). cleanup closes every opened
// connection; callers must defer it.
func buildRunner(cfg *config.Config, log *slog.Logger) (*orchestrator.Runner, *telemetry.CycleCounters, func(), error) {
	store, err := postgres.Open(cfg.Postgres, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	events, err := redisstream.Open(cfg.Events, log)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("open event sink: %w", err)
	}
	lock, err := redislease.Open(cfg.Lease, log)
	if err != nil {
		store.Close()
		events.Close()
		return nil, nil, nil, fmt.Errorf("open lease service: %w", err)
	}
	platform, err := platformclient.New(cfg.Platform)
	if err != nil {
		store.Close()
		events.Close()
		lock.Close()
		return nil, nil, nil, fmt.Errorf("build platform client: %w", err)
	}
	clients := agentclient.NewFactory(cfg.Agent)

	registry, err := buildRegistry(platform)
	if err != nil {
		store.Close()
		events.Close()
		lock.Close()
		return nil, nil, nil, err
	}

	runner := orchestrator.NewRunner(store, events, lock, clients, registry, log, cfg.Owner)
	counters := &telemetry.CycleCounters{}
	runner.Counters = counters

	cleanup := func() {
		store.Close()
		events.Close()
		lock.Close()
	}
	return runner, counters, cleanup, nil
}

// buildRegistry installs every OAction handler kind into the
// process-global registry exactly once, building
// it fresh per process since actions.Init refuses a second call and
// tests use their own scoped registries instead of this one.
func buildRegistry(platform ports.PlatformClient) (*actions.Registry, error) {
	if err := actions.Init(
		actions.Registration{
			Kind:           handlers.PlatformNodeProvisionKind,
			Handler:        &handlers.PlatformNodeProvision{Platform: platform},
			ScheduleMode:   orchtypes.ScheduleModeExclusive,
			DefaultTimeout: 0,
			Summary:        "provision new nodes in a node group via the platform",
		},
	); err != nil {
		return nil, fmt.Errorf("init action registry: %w", err)
	}
	return actions.Global(), nil
}

func runUntilSignal(log *slog.Logger, start func(context.Context) error, stop func(context.Context) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		return stop(context.Background())
	case err := <-errCh:
		return err
	}
}

