// Package novapm is a thin embeddable facade over the daemon's internal
// packages: start it, manage processes and groups, and wire in metrics,
// history export, and cron restarts without touching the wire-level HTTP
// or IPC surfaces.
package novapm

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/novapm/novapm/internal/container"
	cfg "github.com/novapm/novapm/internal/config"
	"github.com/novapm/novapm/internal/cron"
	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/history"
	historyfactory "github.com/novapm/novapm/internal/history/factory"
	"github.com/novapm/novapm/internal/logaggregator"
	"github.com/novapm/novapm/internal/metrics"
	pg "github.com/novapm/novapm/internal/procgroup"
	"github.com/novapm/novapm/internal/procspec"
	iserver "github.com/novapm/novapm/internal/server"
	storefactory "github.com/novapm/novapm/internal/store/factory"
	"github.com/novapm/novapm/internal/supervisor"
)

// Re-export core types for external consumers, zero-cost aliases over the
// internal packages so embedders never need to import internal/... directly.
type (
	Spec       = procspec.Spec
	Status     = container.Status
	GroupSpec  = pg.GroupSpec
	HistorySink = history.Sink
)

// Daemon is a thin facade over internal/supervisor.Supervisor, wiring in
// an event bus, the log aggregator, and (optionally) a persistence store.
type Daemon struct {
	bus  *eventbus.Bus
	sup  *supervisor.Supervisor
	logs *logaggregator.Aggregator
}

// New builds a Daemon with its own event bus and log aggregator, ready to
// accept Start/Stop calls. Call SetStoreFromDSN before starting processes
// if persistence is desired; restored state is loaded on demand, not here.
func New() *Daemon {
	bus := eventbus.New(nil)
	logs := logaggregator.New(bus, nil)
	sup := supervisor.New(bus, supervisor.WithLogOpener(logs))
	return &Daemon{bus: bus, sup: sup, logs: logs}
}

func (d *Daemon) Bus() *eventbus.Bus                 { return d.bus }
func (d *Daemon) Logs() *logaggregator.Aggregator    { return d.logs }
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// SetStoreFromDSN attaches a persistence store selected by DSN scheme
// (sqlite path or bare filepath, or a postgres:// URL).
func (d *Daemon) SetStoreFromDSN(dsn string) error {
	st, err := storefactory.NewFromDSN(dsn)
	if err != nil {
		return err
	}
	if err := st.Migrate(context.Background()); err != nil {
		return err
	}
	d.sup = supervisor.New(d.bus, supervisor.WithLogOpener(d.logs), supervisor.WithStore(st))
	return d.sup.RestoreFromPersistence(context.Background())
}

// SetHistorySinks fans every bus event out to each sink, in addition to
// whatever persistence store is configured.
func (d *Daemon) SetHistorySinks(sinks ...HistorySink) {
	for _, s := range sinks {
		history.Subscribe(d.bus, s)
	}
}

func (d *Daemon) Start(s Spec) error  { return d.sup.Start(s) }
func (d *Daemon) Stop(name string, force bool, wait time.Duration) error {
	return d.sup.Stop(name, force, wait)
}
func (d *Daemon) Restart(name string, force bool, wait time.Duration) error {
	return d.sup.Restart(name, force, wait)
}
func (d *Daemon) Delete(name string) error            { return d.sup.Delete(name) }
func (d *Daemon) Scale(name, instances string) error  { return d.sup.Scale(name, instances) }
func (d *Daemon) Info(name string) ([]Status, error)  { return d.sup.Info(name) }
func (d *Daemon) List() []Status                      { return d.sup.List() }

// Group is a thin facade over internal/procgroup.Group.
type Group struct{ inner *pg.Group }

func NewGroup(d *Daemon) *Group { return &Group{inner: pg.New(d.sup)} }

func (g *Group) Start(gs GroupSpec) error                       { return g.inner.Start(gs) }
func (g *Group) Stop(gs GroupSpec, wait time.Duration) error    { return g.inner.Stop(gs, wait) }
func (g *Group) Restart(gs GroupSpec, wait time.Duration) error { return g.inner.Restart(gs, wait) }
func (g *Group) Status(gs GroupSpec) (map[string][]Status, error) {
	return g.inner.Status(gs)
}

// CronScheduler is a thin facade over internal/cron.Scheduler.
type CronScheduler struct{ inner *cron.Scheduler }

type CronJob = cron.Job

func NewCronScheduler(d *Daemon) *CronScheduler {
	return &CronScheduler{inner: cron.NewScheduler(d.sup)}
}

func (s *CronScheduler) Add(j *CronJob) error { return s.inner.Add(j) }
func (s *CronScheduler) Start() error         { return s.inner.Start() }
func (s *CronScheduler) Stop()                { s.inner.Stop() }

// LoadConfig parses a declarative configuration file into resolved specs,
// groups, and cron jobs.
func LoadConfig(path string) (*cfg.Config, error) { return cfg.LoadConfig(path) }

// NewHTTPServer starts an HTTP server exposing the daemon's REST/WebSocket
// API, using the given daemon's supervisor, bus, and log aggregator.
func NewHTTPServer(addr, basePath string, d *Daemon) (*http.Server, error) {
	return iserver.NewServer(addr, iserver.Deps{
		Supervisor: d.sup,
		Bus:        d.bus,
		Logs:       d.logs,
	}, basePath)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts a blocking HTTP server on addr exposing /metrics
// using the default Prometheus registry.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

func NewOpenSearchHistorySink(baseURL, index string) HistorySink {
	sink, _ := historyfactory.NewSinkFromDSN("opensearch://" + baseURL + "/" + index)
	return sink
}

func NewClickHouseHistorySink(baseURL, table string) HistorySink {
	sink, _ := historyfactory.NewSinkFromDSN("clickhouse://" + baseURL + "?table=" + table)
	return sink
}
