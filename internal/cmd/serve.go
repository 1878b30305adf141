package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcdash/internal/config"
	"github.com/3leaps/hpcdash/internal/observability"
	"github.com/3leaps/hpcdash/internal/server"
	"github.com/3leaps/hpcdash/internal/server/handlers"
	"github.com/3leaps/hpcdash/internal/server/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard HTTP server",
	Long: `Run the dashboard HTTP server.

Startup refreshes run in the background; the server accepts requests
immediately and serves cached data (possibly stale) until they finish.

Examples:
  hpcdash serve
  hpcdash serve --port 5000
  hpcdash serve --config /etc/hpcdash/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host")
	serveCmd.Flags().Int("port", 0, "Listen port")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	bindFlag("host", "server.host")
	bindFlag("port", "server.port")
	bindFlag("log-level", "logging.level")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(filepath.Dir(cfg.Cache.Dir), logFile)
	}
	logger, err := observability.NewLogger(observability.LoggerConfig{
		Name:       appIdentity.BinaryName,
		Level:      cfg.Logging.Level,
		Profile:    cfg.Logging.Profile,
		File:       logFile,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open log file", err)
	}
	defer func() { _ = logger.Sync() }()
	middleware.SetLogger(logger.Named("http"))
	handlers.SetHTTPErrorResponder(middleware.WriteError)
	defer handlers.ResetHTTPErrorResponder()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.InitTelemetry(appIdentity.BinaryName)
	}

	d, err := openDashboard(cfg, logger, metrics)
	if err != nil {
		return err
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signals", signalHealthChecker{})
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})
	health.RegisterChecker("cache", handlers.DirChecker{Dir: cfg.Cache.Dir})
	health.RegisterChecker("locks", handlers.DirChecker{Dir: cfg.Cache.LockDir})
	health.RegisterChecker("binaries", handlers.ToolChecker{Tools: binaryChecks(cfg)})
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(handlers.NewAPI(d, logger.Named("api"))),
		server.WithMetrics(metrics),
		server.WithLogger(logger),
		server.WithPprof(cfg.Debug.Enabled && cfg.Debug.PprofEnabled),
		server.WithTimeouts(server.Timeouts{
			Read: cfg.Server.ReadTimeout,
			// Module streams stay open for the whole scan.
			Write: 0,
			Idle:  cfg.Server.IdleTimeout,
		}),
	)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()

	var metricsSrv *http.Server
	if metrics != nil && cfg.Metrics.Port != cfg.Server.Port {
		metricsSrv = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Metrics listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	outcomes := d.Start(ctx)
	logger.Info("Dashboard started",
		zap.String("addr", srv.Addr()),
		zap.String("cache_dir", cfg.Cache.Dir),
		zap.Int("startup_refreshes", len(outcomes)))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
	}

	return shutdown(logger, cfg, srv, metricsSrv, d.Wait)
}

// shutdown drains HTTP traffic, then waits for background refreshes up to
// the configured timeout. Refreshes still running are abandoned; their
// locks expire after the lock ceiling.
func shutdown(logger *zap.Logger, cfg *config.Config, srv *server.Server, metricsSrv *http.Server, wait func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Background refreshes finished")
	case <-ctx.Done():
		logger.Warn("Abandoning background refreshes still running at shutdown")
	}
	return nil
}

// signalHealthChecker is healthy while the process serves requests.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.Telemetry == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity: missing env prefix")
	case c.configName == "":
		return errors.New("app identity: missing config name")
	}
	return nil
}
