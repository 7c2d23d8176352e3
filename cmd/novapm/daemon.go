package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/novapm/novapm/internal/auth"
	"github.com/novapm/novapm/internal/config"
	"github.com/novapm/novapm/internal/cron"
	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/health"
	"github.com/novapm/novapm/internal/history"
	historyfactory "github.com/novapm/novapm/internal/history/factory"
	"github.com/novapm/novapm/internal/ipc"
	"github.com/novapm/novapm/internal/logaggregator"
	"github.com/novapm/novapm/internal/metrics"
	iserver "github.com/novapm/novapm/internal/server"
	storefactory "github.com/novapm/novapm/internal/store/factory"
	"github.com/novapm/novapm/internal/supervisor"
)

func newDaemonCmd() *cobra.Command {
	var (
		configPath  string
		httpListen  string
		basePath    string
		authEnabled bool
		daemonize   bool
		pidFile     string
		logFile     string
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the novapm daemon: supervisor, HTTP/WebSocket API, and control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonize {
				return runDaemonized(pidFile, logFile)
			}
			return runDaemon(configPath, httpListen, basePath, authEnabled)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a declarative configuration file")
	cmd.Flags().StringVar(&httpListen, "http", ":8282", "address for the HTTP/WebSocket API")
	cmd.Flags().StringVar(&basePath, "base-path", "", "base path prefix for the HTTP API")
	cmd.Flags().BoolVar(&authEnabled, "auth", false, "require authentication on the HTTP API")
	cmd.Flags().BoolVar(&daemonize, "daemonize", false, "fork into the background")
	cmd.Flags().StringVar(&pidFile, "pidfile", "", "PID file to write when --daemonize is set")
	cmd.Flags().StringVar(&logFile, "logfile", "", "log file to redirect output to when --daemonize is set")
	return cmd
}

func runDaemon(configPath, httpListen, basePath string, authEnabled bool) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	bus := eventbus.New(log)
	logs := logaggregator.New(bus, log)

	opts := []supervisor.Option{
		supervisor.WithLogOpener(logs),
		supervisor.WithLogger(log),
	}
	if cfg.Store != nil && cfg.Store.Enabled {
		st, err := storefactory.NewFromDSN(cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer func() { _ = st.Close() }()
		if err := st.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrating store: %w", err)
		}
		opts = append(opts, supervisor.WithStore(st))
	}
	sup := supervisor.New(bus, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Store != nil && cfg.Store.Enabled {
		if err := sup.RestoreFromPersistence(ctx); err != nil {
			log.Warn("restoring persisted processes", "err", err)
		}
	}

	if cfg.History != nil && cfg.History.Enabled {
		for _, dsn := range historyDSNs(cfg.History) {
			sink, err := historyfactory.NewSinkFromDSN(dsn)
			if err != nil {
				log.Warn("configuring history sink", "dsn", dsn, "err", err)
				continue
			}
			history.Subscribe(bus, sink)
		}
	}

	for _, spec := range cfg.Specs {
		if err := sup.Start(spec); err != nil {
			log.Error("starting configured process", "name", spec.Name, "err", err)
		}
	}

	healthMon := health.New(bus, sup, log)
	for _, spec := range cfg.Specs {
		if spec.HealthCheck == nil {
			continue
		}
		name := spec.Name
		healthMon.Register(name, *spec.HealthCheck, func() bool {
			for _, st := range sup.List() {
				if st.Name == name && st.PID > 0 {
					return true
				}
			}
			return false
		})
	}

	restartSched := cron.NewRestartScheduler(sup, log)
	restartSched.Sync(cfg.Specs)
	restartSched.Start()
	defer restartSched.Stop()

	cronSched := cron.NewScheduler(sup)
	for _, job := range cfg.CronJobs {
		if err := cronSched.Add(job); err != nil {
			log.Error("adding cron job", "name", job.Name, "err", err)
		}
	}
	if err := cronSched.Start(); err != nil {
		log.Error("starting cron scheduler", "err", err)
	}
	defer cronSched.Stop()

	var metricsColl *metrics.ProcessMetricsCollector
	if cfg.Metrics == nil || cfg.Metrics.Enabled {
		metricsColl = metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		}).WithEventBus(bus)
		if err := metricsColl.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("registering prometheus metrics", "err", err)
		}
		if err := metricsColl.Start(ctx, func() map[string]int32 {
			procs := make(map[string]int32)
			for _, st := range sup.List() {
				if st.PID > 0 {
					procs[fmt.Sprintf("%s-%d", st.Name, st.InstanceIdx)] = int32(st.PID)
				}
			}
			return procs
		}); err != nil {
			log.Warn("starting metrics collector", "err", err)
		}
		defer metricsColl.Stop()
	}

	ipcSrv := ipc.NewServer(ipc.Deps{
		Supervisor:       sup,
		Groups:           cfg.GroupSpecs,
		Logs:             logs,
		MetricsCollector: metricsColl,
		Logger:           log,
	})
	if err := ipcSrv.Listen(ipcSocketPath(cfg)); err != nil {
		return fmt.Errorf("starting control socket: %w", err)
	}
	defer func() { _ = ipcSrv.Close() }()
	go func() {
		if err := ipcSrv.Serve(); err != nil {
			log.Error("control socket server exited", "err", err)
		}
	}()

	var authSvc *auth.AuthService
	var authMW *auth.Middleware
	if authEnabled {
		svc := auth.NewAuthServiceWithStore(mustMemoryAuthStore())
		authSvc = svc
		authMW = auth.NewMiddleware(svc, true)
	}

	deps := iserver.Deps{
		Supervisor:       sup,
		Bus:              bus,
		MetricsCollector: metricsColl,
		Logs:             logs,
		Groups:           cfg.GroupSpecs,
		AuthMiddleware:   authMW,
		AuthService:      authSvc,
	}

	var httpSrv interface{ Close() error }
	if cfg.Server != nil && cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		serverCfg := *cfg.Server
		if serverCfg.Listen == "" {
			serverCfg.Listen = httpListen
		}
		if serverCfg.BasePath == "" {
			serverCfg.BasePath = basePath
		}
		srv, err := iserver.NewTLSServer(serverCfg, deps)
		if err != nil {
			return fmt.Errorf("starting TLS HTTP server: %w", err)
		}
		httpSrv = srv
	} else {
		srv, err := iserver.NewServer(httpListen, deps, basePath)
		if err != nil {
			return fmt.Errorf("starting HTTP server: %w", err)
		}
		httpSrv = srv
	}
	defer func() { _ = httpSrv.Close() }()

	log.Info("novapm daemon ready", "http", httpListen, "socket", ipcSocketPath(cfg))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}

// historyDSNs assembles one DSN per configured history sink, in the
// exact form internal/history/factory.NewSinkFromDSN expects.
func historyDSNs(h *config.HistoryConfig) []string {
	var dsns []string
	if h.OpenSearchURL != "" {
		index := h.OpenSearchIndex
		if index == "" {
			index = "novapm-events"
		}
		dsns = append(dsns, fmt.Sprintf("opensearch://%s/%s", strings.TrimPrefix(h.OpenSearchURL, "http://"), index))
	}
	if h.ClickHouseURL != "" {
		table := h.ClickHouseTable
		if table == "" {
			table = "novapm_events"
		}
		dsns = append(dsns, fmt.Sprintf("clickhouse://%s?table=%s", strings.TrimPrefix(h.ClickHouseURL, "http://"), table))
	}
	if h.SQLiteDSN != "" {
		dsns = append(dsns, h.SQLiteDSN)
	}
	if h.PostgresDSN != "" {
		dsns = append(dsns, h.PostgresDSN)
	}
	return dsns
}

func ipcSocketPath(cfg *config.Config) string {
	if cfg.IPC != nil && cfg.IPC.SocketPath != "" {
		return cfg.IPC.SocketPath
	}
	return defaultSocketPath()
}

func mustMemoryAuthStore() auth.Store {
	st, err := auth.NewStore(auth.StoreConfig{Type: "memory"})
	if err != nil {
		// in-memory store construction cannot fail; a failure here means
		// the auth package's memory backend itself is broken.
		panic(err)
	}
	return st
}
