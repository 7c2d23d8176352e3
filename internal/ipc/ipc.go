// Package ipc is the daemon's local control channel: newline-delimited
// JSON request/response pairs over a Unix-domain socket, used by the CLI
// for fast same-host control without going through the HTTP API (and
// without needing the HTTP API's auth configured at all for local use).
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/novapm/novapm/internal/apierr"
	"github.com/novapm/novapm/internal/logaggregator"
	"github.com/novapm/novapm/internal/metrics"
	"github.com/novapm/novapm/internal/procgroup"
	"github.com/novapm/novapm/internal/procspec"
	"github.com/novapm/novapm/internal/supervisor"
)

// Request is one NDJSON line sent by a client. Params is left as raw JSON
// so each method can decode into its own argument shape.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one NDJSON line sent back by the server, echoing Request.ID.
// Exactly one of Result/Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

const (
	MethodPing           = "daemon.ping"
	MethodProcessStart   = "process.start"
	MethodProcessStop    = "process.stop"
	MethodProcessRestart = "process.restart"
	MethodProcessDelete  = "process.delete"
	MethodProcessList    = "process.list"
	MethodProcessInfo    = "process.info"
	MethodProcessScale   = "process.scale"
	MethodGroupStart     = "group.start"
	MethodGroupStop      = "group.stop"
	MethodLogsRecent     = "logs.recent"
	MethodMetricsAll     = "metrics.all"
)

// Server accepts Unix-socket connections and dispatches NDJSON requests
// against a Supervisor and its supporting collaborators.
type Server struct {
	sup         *supervisor.Supervisor
	groups      map[string]procgroup.GroupSpec
	logs        *logaggregator.Aggregator
	metricsColl *metrics.ProcessMetricsCollector
	log         *slog.Logger

	socketPath string
	listener   net.Listener

	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   bool
}

// Deps bundles the Server's core collaborators.
type Deps struct {
	Supervisor       *supervisor.Supervisor
	Groups           []procgroup.GroupSpec
	Logs             *logaggregator.Aggregator
	MetricsCollector *metrics.ProcessMetricsCollector
	Logger           *slog.Logger
}

// NewServer constructs a Server bound to deps, not yet listening.
func NewServer(deps Deps) *Server {
	groups := make(map[string]procgroup.GroupSpec, len(deps.Groups))
	for _, g := range deps.Groups {
		groups[g.Name] = g
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		sup:         deps.Supervisor,
		groups:      groups,
		logs:        deps.Logs,
		metricsColl: deps.MetricsCollector,
		log:         log,
	}
}

// Listen removes any stale socket file at socketPath and binds a new
// Unix-domain listener there. Callers run Serve in a goroutine.
func (s *Server) Listen(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: removing stale socket: %w", err)
	}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", socketPath, err)
	}
	s.socketPath = socketPath
	s.listener = l
	return nil
}

// Serve accepts connections until Close is called, handling each on its
// own goroutine. It returns nil on a clean shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting connections, waits for in-flight requests to
// finish, and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	if s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			s.log.Warn("ipc: writing response", "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.log.Warn("ipc: reading request", "err", err)
	}
}

func (s *Server) dispatch(req Request) Response {
	result, err := s.call(req.Method, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, Error: fmt.Sprintf("marshaling result: %v", err)}
	}
	return Response{ID: req.ID, Result: raw}
}

func (s *Server) call(method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodPing:
		return map[string]string{"status": "ok"}, nil

	case MethodProcessStart:
		var spec procspec.Spec
		if err := json.Unmarshal(params, &spec); err != nil {
			return nil, apierr.New(apierr.KindConfigValidation, "invalid params: %v", err)
		}
		if err := s.sup.Start(spec); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case MethodProcessStop:
		var p targetParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apierr.New(apierr.KindConfigValidation, "invalid params: %v", err)
		}
		if err := s.sup.Stop(p.Name, p.Force, p.waitOr(2*time.Second)); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case MethodProcessRestart:
		var p targetParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apierr.New(apierr.KindConfigValidation, "invalid params: %v", err)
		}
		if err := s.sup.Restart(p.Name, p.Force, p.waitOr(2*time.Second)); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case MethodProcessDelete:
		var p targetParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apierr.New(apierr.KindConfigValidation, "invalid params: %v", err)
		}
		if err := s.sup.Delete(p.Name); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case MethodProcessList:
		return s.sup.List(), nil

	case MethodProcessInfo:
		var p targetParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apierr.New(apierr.KindConfigValidation, "invalid params: %v", err)
		}
		return s.sup.Info(p.Name)

	case MethodProcessScale:
		var p scaleParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apierr.New(apierr.KindConfigValidation, "invalid params: %v", err)
		}
		if err := s.sup.Scale(p.Name, p.Instances); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case MethodGroupStart:
		var p groupParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apierr.New(apierr.KindConfigValidation, "invalid params: %v", err)
		}
		gs, ok := s.groups[p.Name]
		if !ok {
			return nil, apierr.New(apierr.KindProcessNotFound, "unknown group "+p.Name)
		}
		if err := procgroup.New(s.sup).Start(gs); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case MethodGroupStop:
		var p groupParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apierr.New(apierr.KindConfigValidation, "invalid params: %v", err)
		}
		gs, ok := s.groups[p.Name]
		if !ok {
			return nil, apierr.New(apierr.KindProcessNotFound, "unknown group "+p.Name)
		}
		if err := procgroup.New(s.sup).Stop(gs, p.waitOr(3*time.Second)); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case MethodLogsRecent:
		var p logsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apierr.New(apierr.KindConfigValidation, "invalid params: %v", err)
		}
		if s.logs == nil {
			return nil, apierr.New(apierr.KindConfigValidation, "log aggregation is disabled")
		}
		n := p.Lines
		if n <= 0 {
			n = 100
		}
		return s.logs.Recent(p.Name, n)

	case MethodMetricsAll:
		if s.metricsColl == nil || !s.metricsColl.IsEnabled() {
			return nil, apierr.New(apierr.KindConfigValidation, "metrics collection is disabled")
		}
		return s.metricsColl.GetAllProcessMetrics(), nil

	default:
		return nil, apierr.New(apierr.KindConfigValidation, "unknown method "+method)
	}
}

type targetParams struct {
	Name  string        `json:"name"`
	Force bool          `json:"force,omitempty"`
	Wait  time.Duration `json:"wait,omitempty"`
}

func (p targetParams) waitOr(def time.Duration) time.Duration {
	if p.Wait <= 0 {
		return def
	}
	return p.Wait
}

type scaleParams struct {
	Name      string `json:"name"`
	Instances string `json:"instances"`
}

type groupParams struct {
	Name string        `json:"name"`
	Wait time.Duration `json:"wait,omitempty"`
}

func (p groupParams) waitOr(def time.Duration) time.Duration {
	if p.Wait <= 0 {
		return def
	}
	return p.Wait
}

type logsParams struct {
	Name  string `json:"name"`
	Lines int    `json:"lines,omitempty"`
}
