package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mescon/Pollarr/internal/api"
	"github.com/mescon/Pollarr/internal/auth"
	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/db"
	"github.com/mescon/Pollarr/internal/eventbus"
	"github.com/mescon/Pollarr/internal/logger"
	"github.com/mescon/Pollarr/internal/metrics"
	"github.com/mescon/Pollarr/internal/notifier"
	"github.com/mescon/Pollarr/internal/services"
	"github.com/mescon/Pollarr/internal/tracing"
)

func serveCmd() *cobra.Command {
	var (
		port            string
		logLevel        string
		dataDir         string
		databasePath    string
		servicesFile    string
		pollErrorPolicy string
		retentionDays   int
		otlpEndpoint    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reactor and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Load()
			config.ApplyFlags(config.FlagOverrides{
				Port:            &port,
				LogLevel:        &logLevel,
				DataDir:         &dataDir,
				DatabasePath:    &databasePath,
				ServicesFile:    &servicesFile,
				PollErrorPolicy: &pollErrorPolicy,
				RetentionDays:   &retentionDays,
				OTLPEndpoint:    &otlpEndpoint,
			})
			cfg := config.Get()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	// Flags override the POLLARR_* environment variables.
	f := cmd.Flags()
	f.StringVar(&port, "port", "", "HTTP server port (env: POLLARR_PORT, default: 3095)")
	f.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (env: POLLARR_LOG_LEVEL)")
	f.StringVar(&dataDir, "data-dir", "", "Data directory (env: POLLARR_DATA_DIR, default: ./data)")
	f.StringVar(&databasePath, "database-path", "", "Database file (env: POLLARR_DATABASE_PATH)")
	f.StringVar(&servicesFile, "services", "", "YAML file of services to register at startup (env: POLLARR_SERVICES_FILE)")
	f.StringVar(&pollErrorPolicy, "poll-error-policy", "", "continue or halt (env: POLLARR_POLL_ERROR_POLICY, default: continue)")
	f.IntVar(&retentionDays, "retention-days", -1, "Days to keep poll events, 0 disables pruning (env: POLLARR_RETENTION_DAYS, default: 30)")
	f.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP trace endpoint URL (env: POLLARR_OTLP_ENDPOINT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.LogDir); err != nil {
		fmt.Fprintln(os.Stderr, warnMsg("file logging disabled: %v", err))
	}
	defer func() { _ = logger.Close() }()
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting Pollarr %s...", config.Version)
	logger.Infof("========================================")
	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Services File: %s", valueOr(cfg.ServicesFile, "(none)"))
	logger.Infof("  Poll Error Policy: %s", cfg.PollErrorPolicy)
	logger.Infof("  Failure Threshold: %d", cfg.FailureThreshold)
	if cfg.RetentionDays > 0 {
		logger.Infof("  Data Retention: %d days", cfg.RetentionDays)
	} else {
		logger.Infof("  Data Retention: disabled (no automatic pruning)")
	}

	// Load the services file first so a typo fails before anything starts.
	var fileSpecs []config.ServiceSpec
	if cfg.ServicesFile != "" {
		specs, err := config.LoadServices(cfg.ServicesFile)
		if err != nil {
			return err
		}
		fileSpecs = specs
	}
	if cfg.BackupSchedule != "" {
		if err := services.ValidateSchedule(cfg.BackupSchedule); err != nil {
			return fmt.Errorf("backup schedule: %w", err)
		}
	}

	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.GracefulClose(); err != nil {
			logger.Errorf("Failed to close database: %v", err)
		}
	}()
	logger.Infof("✓ Database initialized")

	eb := eventbus.NewEventBus(repo)
	defer eb.Shutdown()

	metricsService := metrics.NewMetricsService(eb)
	metricsService.Start()

	notifierService, err := notifier.NewNotifier(eb, cfg.NotificationURLs, cfg.NotifyThrottle, nil)
	if err != nil {
		return err
	}
	notifierService.Start()
	defer notifierService.Stop()

	traces, err := tracing.Setup(ctx, cfg.OTLPEndpoint, config.Version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traces.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Trace flush failed: %v", err)
		}
	}()

	manager := services.NewManager(services.ManagerOptions{
		EventBus:        eb,
		Store:           repo,
		Health:          services.NewHealthTracker(eb, cfg.FailureThreshold, nil),
		Tracer:          traces.Tracer(),
		HaltOnPollError: cfg.HaltOnPollError(),
	})
	if err := manager.RegisterBuiltin(services.NewMaintenanceService(repo, cfg.MaintenanceInterval, cfg.RetentionDays, nil)); err != nil {
		return err
	}
	if n, err := manager.RegisterAll(fileSpecs); err != nil {
		logger.Errorf("Some services from %s were not registered: %v", cfg.ServicesFile, err)
	} else if n > 0 {
		logger.Infof("✓ Registered %d services from %s", n, cfg.ServicesFile)
	}
	if n, err := manager.LoadStored(); err != nil {
		logger.Errorf("Some stored services were not registered: %v", err)
	} else if n > 0 {
		logger.Infof("✓ Registered %d stored services", n)
	}

	scheduler := services.NewSchedulerService(repo, eb, cfg.BackupSchedule, cfg.BackupDir(), cfg.BackupKeep)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	hash, generated, err := auth.EnsureAPIKey(repo, cfg.APIKey)
	if err != nil {
		return err
	}
	if generated != "" {
		// Printed once; only the hash is stored.
		fmt.Println(infoMsg("Generated API key: %s", generated))
		fmt.Println(muted("  Store it now, it will not be shown again. Rotate with POST /api/auth/rotate."))
	}

	apiServer := api.NewRESTServer(api.ServerDeps{
		Registry: manager,
		Store:    repo,
		Keys:     auth.NewKeyChecker(hash),
		Backups:  scheduler,
		Metrics:  metricsService.Handler(),
		Events:   eb,
	})
	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("API server shutdown error: %v", err)
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- manager.Run(runCtx) }()

	logger.Infof("========================================")
	logger.Infof("✓ Pollarr %s started, listening on port %s", config.Version, cfg.Port)
	logger.Infof("========================================")

	var result error
	select {
	case <-ctx.Done():
		logger.Infof("Received shutdown signal, stopping...")
		cancelRun()
		<-runErr
	case err := <-runErr:
		// Only the halt policy ends the loop on its own.
		logger.Errorf("Reactor halted: %v", err)
		result = err
	case err := <-serverErr:
		logger.Errorf("API server failed: %v", err)
		result = err
		cancelRun()
		<-runErr
	}

	// Deferred calls run in reverse: API, scheduler, tracing, notifier,
	// event bus, database.
	manager.Shutdown()
	logger.Infof("✓ Pollarr shutdown complete")
	return result
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
