package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/config"
	adminhttp "github.com/fyrsmithlabs/txcore/internal/http"
	"github.com/fyrsmithlabs/txcore/internal/journal"
	"github.com/fyrsmithlabs/txcore/internal/logging"
	"github.com/fyrsmithlabs/txcore/internal/management"
	"github.com/fyrsmithlabs/txcore/internal/services"
	"github.com/fyrsmithlabs/txcore/internal/telemetry"
)

const httpShutdownTimeout = 5 * time.Second

// runDaemon starts the runtime and blocks until ctx is cancelled or a
// termination signal arrives, then shuts everything down in reverse order:
//  1. admin API
//  2. transaction manager (waits for in-flight transactions)
//  3. telemetry
func runDaemon(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx = logging.WithServerID(ctx, cfg.Node.ServerID)

	tel := telemetry.New(ctx, &cfg.Telemetry, version, logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry, _ := newRuntime(cfg, logger, promRegistry)
	cfg = registry.Configuration()

	logger.Info(ctx, "starting txcored",
		zap.String("version", version),
		zap.String("journal", cfg.Journal.Kind),
		zap.Bool("async_2pc", cfg.TwoPC.Asynchronous),
		zap.Bool("management", !cfg.Management.Disabled))

	tm := registry.TransactionManager()
	if err := tm.Start(ctx); err != nil {
		return multierr.Append(fmt.Errorf("failed to start transaction manager: %w", err), tel.Shutdown(context.Background()))
	}

	var server *adminhttp.Server
	serverErr := make(chan error, 1)
	if !cfg.Management.Disabled {
		server, err = adminhttp.NewServer(registry, promRegistry, logger, &adminhttp.Config{
			Host:    cfg.Management.HTTPHost,
			Port:    cfg.Management.HTTPPort,
			Version: version,
		})
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to create admin server: %w", err), tm.Shutdown(context.Background()))
		}
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown requested")
	case runErr = <-serverErr:
		logger.Error(context.Background(), "admin server failed", zap.Error(runErr))
	}

	return multierr.Append(runErr, shutdown(server, registry, tel, cfg))
}

// newRuntime builds the service registry and its management registrar. The
// registrar's disabled check reads the registry's configuration snapshot, the
// one every other service is built from.
func newRuntime(cfg *config.Config, logger *logging.Logger, promRegistry *prometheus.Registry) (*services.Registry, *management.Registrar) {
	var registry *services.Registry
	registrar := management.NewRegistrar(
		func() bool { return registry.Configuration().Management.Disabled },
		management.NewPrometheusBackend(promRegistry),
		logger,
	)
	registry = services.New(
		services.WithConfiguration(cfg),
		services.WithLogger(logger),
		services.WithRegistrar(registrar),
		services.WithJournal(journal.NATSKey, journal.NATSFactory),
	)
	return registry, registrar
}

func shutdown(server *adminhttp.Server, registry *services.Registry, tel *telemetry.Telemetry, cfg *config.Config) error {
	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		err = multierr.Append(err, server.Shutdown(ctx))
		cancel()
	}

	if registry.IsTransactionManagerRunning() {
		grace := cfg.Timer.GracefulShutdownInterval.Duration()
		ctx, cancel := context.WithTimeout(context.Background(), grace+httpShutdownTimeout)
		err = multierr.Append(err, registry.TransactionManager().Shutdown(ctx))
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	return multierr.Append(err, tel.Shutdown(ctx))
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromConfig(cfg.Log)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg, nil)
}

// runHealth queries the admin API of a running daemon.
func runHealth(ctx context.Context, out io.Writer, baseURL string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	var health adminhttp.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "Server Status:       %s\n", health.Status)
	fmt.Fprintf(out, "Transaction Manager: %t\n", health.TransactionManager)
	fmt.Fprintf(out, "Task Scheduler:      %t\n", health.TaskScheduler)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}
