package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/novapm/novapm/internal/apierr"
	"github.com/novapm/novapm/internal/auth"
	"github.com/novapm/novapm/internal/config"
	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/logaggregator"
	"github.com/novapm/novapm/internal/metrics"
	"github.com/novapm/novapm/internal/procgroup"
	"github.com/novapm/novapm/internal/procspec"
	"github.com/novapm/novapm/internal/supervisor"
	tlsutil "github.com/novapm/novapm/internal/tls"
)

// Router provides the daemon's HTTP/WebSocket API: process CRUD and
// lifecycle operations, metrics, health, log tailing, and the
// /ws/metrics and /ws/logs streaming endpoints, all backed by the
// supervisor/event bus core instead of a direct process handle.
// Endpoints (mounted under basePath + "/api/v1"):
//
//	GET    /processes            list every managed process
//	POST   /processes            start a process from a Spec JSON body
//	GET    /processes/:name      info for one process (all instances)
//	DELETE /processes/:name      stop (if running) and forget a process's bookkeeping
//	POST   /processes/:name/stop
//	POST   /processes/:name/restart
//	POST   /processes/:name/scale     body: {"instances": "N" | "max" | "auto"}
//	GET    /groups/:name         group-scoped status
//	POST   /groups/:name/start
//	POST   /groups/:name/stop
//	GET    /metrics              metrics for every process
//	GET    /metrics/:name        metrics for one process
//	GET    /health               daemon liveness/readiness summary
//	GET    /logs/:name           recent captured output lines
//
// Plus, mounted under basePath directly:
//
//	GET /ws/metrics   streams eventbus.TypeMetric events
//	GET /ws/logs      streams eventbus.TypeLog events (optional ?name= filter)
type Router struct {
	sup         *supervisor.Supervisor
	bus         *eventbus.Bus
	metricsColl *metrics.ProcessMetricsCollector
	logs        *logaggregator.Aggregator
	groups      map[string]procgroup.GroupSpec
	basePath    string
	authMW      *auth.Middleware
	authSvc     *auth.AuthService
}

// Deps bundles the core collaborators a Router wires into its handlers.
type Deps struct {
	Supervisor       *supervisor.Supervisor
	Bus              *eventbus.Bus
	MetricsCollector *metrics.ProcessMetricsCollector // may be nil: metrics endpoints then report disabled
	Logs             *logaggregator.Aggregator        // may be nil: log endpoints then report disabled (503)
	Groups           []procgroup.GroupSpec
	AuthMiddleware   *auth.Middleware    // may be nil: no auth gating
	AuthService      *auth.AuthService   // may be nil: /auth/* endpoints then unmounted
}

// NewRouter constructs a Router with configurable basePath.
func NewRouter(deps Deps, basePath string) *Router {
	groups := make(map[string]procgroup.GroupSpec, len(deps.Groups))
	for _, g := range deps.Groups {
		groups[g.Name] = g
	}
	return &Router{
		sup:         deps.Supervisor,
		bus:         deps.Bus,
		metricsColl: deps.MetricsCollector,
		logs:        deps.Logs,
		groups:      groups,
		basePath:    sanitizeBase(basePath),
		authMW:      deps.AuthMiddleware,
		authSvc:     deps.AuthService,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	if r.authMW != nil {
		g.GET(r.basePath+"/ws/metrics", r.authMW.GinAuth(), r.handleWSMetrics)
		g.GET(r.basePath+"/ws/logs", r.authMW.GinAuth(), r.handleWSLogs)
	} else {
		g.GET(r.basePath+"/ws/metrics", r.handleWSMetrics)
		g.GET(r.basePath+"/ws/logs", r.handleWSLogs)
	}

	api := g.Group(r.basePath + "/api/v1")
	if r.authMW != nil {
		api.Use(r.authMW.GinAuth())
	}

	api.GET("/processes", r.handleList)
	api.POST("/processes", r.handleCreate)
	api.GET("/processes/:name", r.handleInfo)
	api.DELETE("/processes/:name", r.handleDelete)
	api.POST("/processes/:name/stop", r.handleStop)
	api.POST("/processes/:name/restart", r.handleRestart)
	api.POST("/processes/:name/scale", r.handleScale)

	api.GET("/groups/:name", r.handleGroupStatus)
	api.POST("/groups/:name/start", r.handleGroupStart)
	api.POST("/groups/:name/stop", r.handleGroupStop)

	api.GET("/metrics", r.handleMetrics)
	api.GET("/metrics/:name", r.handleMetricsOne)
	api.GET("/health", r.handleHealth)
	api.GET("/logs/:name", r.handleLogs)

	if r.authSvc != nil {
		authAPI := NewAuthAPI(r.authSvc)
		authAPI.RegisterAuthEndpoints(api)
	}

	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, deps Deps, basePath string) (*http.Server, error) {
	r := NewRouter(deps, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(100 * time.Millisecond):
	}

	return server, nil
}

// NewTLSServer starts a standalone HTTPS server using the TLS settings
// from serverConfig.
func NewTLSServer(serverConfig config.ServerConfig, deps Deps) (*http.Server, error) {
	r := NewRouter(deps, serverConfig.BasePath)

	tlsConfig, err := tlsutil.SetupTLS(serverConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to setup TLS: %w", err)
	}

	server := &http.Server{
		Addr:              serverConfig.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(100 * time.Millisecond):
	}

	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// writeAPIErr maps an apierr.Error's Kind to an HTTP status code.
func writeAPIErr(c *gin.Context, err error) {
	var status int
	switch apierr.KindOf(err) {
	case apierr.KindProcessNotFound, apierr.KindDaemonNotRunning:
		status = http.StatusNotFound
	case apierr.KindProcessExists, apierr.KindDaemonAlreadyRunning:
		status = http.StatusConflict
	case apierr.KindConfigValidation:
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(c, status, errorResp{Error: err.Error()})
}

func writeJSONAny(c *gin.Context, code int, v any) {
	writeJSON(c, code, v)
}

func (r *Router) handleList(c *gin.Context) {
	writeJSONAny(c, http.StatusOK, r.sup.List())
}

func (r *Router) handleCreate(c *gin.Context) {
	var spec procspec.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(spec.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if err := r.sup.Start(spec); err != nil {
		writeAPIErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, okResp{OK: true})
}

func (r *Router) handleInfo(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	sts, err := r.sup.Info(name)
	if err != nil {
		writeAPIErr(c, err)
		return
	}
	writeJSONAny(c, http.StatusOK, sts)
}

func (r *Router) handleDelete(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	if err := r.sup.Delete(name); err != nil {
		writeAPIErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func parseWait(c *gin.Context, def time.Duration) time.Duration {
	if s := c.Query("wait"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	force := c.Query("force") == "true"
	if err := r.sup.Stop(name, force, parseWait(c, 2*time.Second)); err != nil {
		writeAPIErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	force := c.Query("force") == "true"
	if err := r.sup.Restart(name, force, parseWait(c, 2*time.Second)); err != nil {
		writeAPIErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleScale(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	var body struct {
		Instances string `json:"instances"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.sup.Scale(name, body.Instances); err != nil {
		writeAPIErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGroupStatus(c *gin.Context) {
	gs, ok := r.groups[c.Param("name")]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown group"})
		return
	}
	grp := procgroup.New(r.sup)
	status, err := grp.Status(gs)
	if err != nil {
		writeAPIErr(c, err)
		return
	}
	writeJSONAny(c, http.StatusOK, status)
}

func (r *Router) handleGroupStart(c *gin.Context) {
	gs, ok := r.groups[c.Param("name")]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown group"})
		return
	}
	if err := procgroup.New(r.sup).Start(gs); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGroupStop(c *gin.Context) {
	gs, ok := r.groups[c.Param("name")]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown group"})
		return
	}
	if err := procgroup.New(r.sup).Stop(gs, parseWait(c, 3*time.Second)); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleMetrics(c *gin.Context) {
	if r.metricsColl == nil || !r.metricsColl.IsEnabled() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "metrics collection is disabled"})
		return
	}
	writeJSONAny(c, http.StatusOK, r.metricsColl.GetAllProcessMetrics())
}

func (r *Router) handleMetricsOne(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	if r.metricsColl == nil || !r.metricsColl.IsEnabled() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "metrics collection is disabled"})
		return
	}
	m, found := r.metricsColl.GetProcessMetrics(name)
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "process not found or metrics not available"})
		return
	}
	writeJSONAny(c, http.StatusOK, m)
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSONAny(c, http.StatusOK, gin.H{
		"status":    "ok",
		"processes": len(r.sup.List()),
	})
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	if r.logs == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "log aggregation is disabled"})
		return
	}
	n := 100
	if s := c.Query("lines"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			n = v
		}
	}
	lines, err := r.logs.Recent(name, n)
	if err != nil {
		writeAPIErr(c, err)
		return
	}
	writeJSONAny(c, http.StatusOK, lines)
}

// upgrader accepts connections from every origin (no Origin check);
// the daemon is not meant to be exposed directly to the public internet.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (r *Router) handleWSMetrics(c *gin.Context) {
	r.streamEvents(c, eventbus.TypeMetric, "")
}

func (r *Router) handleWSLogs(c *gin.Context) {
	r.streamEvents(c, eventbus.TypeLog, c.Query("name"))
}

// streamEvents upgrades the connection and forwards every bus event on
// topic (optionally filtered to a single process name) as a JSON frame,
// until the client disconnects.
func (r *Router) streamEvents(c *gin.Context, topic eventbus.Type, nameFilter string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub := r.bus.Subscribe(topic, func(ev eventbus.Event) {
		if nameFilter != "" && ev.ProcessName != nameFilter {
			return
		}
		_ = conn.WriteJSON(ev)
	})
	defer r.bus.Unsubscribe(sub)

	<-done
}
