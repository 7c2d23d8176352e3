// Package supervisor owns every managed child process: it is the
// command-style API ("start", "stop", "restart", "scale", ...) that the
// IPC and HTTP adapters call into, grounded on the teacher's
// internal/manager entry/Manager pattern generalized to cluster groups,
// restart streak/backoff, memory- and cron-triggered restarts.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/novapm/novapm/internal/apierr"
	"github.com/novapm/novapm/internal/container"
	"github.com/novapm/novapm/internal/env"
	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/metrics"
	"github.com/novapm/novapm/internal/procspec"
	"github.com/novapm/novapm/internal/store"
)

const defaultMaxBackoffDelay = 60 * time.Second

// LogOpener opens the stdout/stderr writers a container's output should be
// teed into. The Log Aggregator implements this; tests may stub it.
type LogOpener interface {
	OpenWriters(processName string, instanceIdx int, spec procspec.LogSpec) (stdout, stderr io.WriteCloser, err error)
}

// group is one declared process and its live containers (one per instance;
// a non-cluster process is a group of size 1).
type group struct {
	spec       procspec.Spec
	containers []*container.Container
	timers     map[int]*time.Timer // pending restart timers, keyed by instance index
}

// Supervisor is the Process Supervisor. The zero value is not usable; use New.
type Supervisor struct {
	mu     sync.Mutex
	groups map[string]*group
	envM   *env.Env
	st     store.Store
	bus    *eventbus.Bus
	logs   LogOpener
	log    *slog.Logger
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

func WithStore(st store.Store) Option { return func(s *Supervisor) { s.st = st } }
func WithLogOpener(o LogOpener) Option { return func(s *Supervisor) { s.logs = o } }
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// New constructs a Supervisor around an Event Bus; bus must not be nil.
func New(bus *eventbus.Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		groups: make(map[string]*group),
		envM:   env.New(),
		bus:    bus,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) emit(typ eventbus.Type, processName string, instanceIdx int, reason string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:        typ,
		ProcessName: qualifiedName(processName, instanceIdx),
		Reason:      reason,
		Data:        data,
	})
	if s.st != nil {
		dataJSON, _ := json.Marshal(data)
		_ = s.st.AppendEvent(context.Background(), store.EventRecord{
			ProcessName: qualifiedName(processName, instanceIdx),
			Type:        string(typ),
			Reason:      reason,
			DataJSON:    string(dataJSON),
			Timestamp:   time.Now().UTC(),
		})
	}
}

func qualifiedName(base string, instanceIdx int) string {
	if instanceIdx <= 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, instanceIdx)
}

// Start validates spec, persists it, and spawns every declared instance.
// Calling Start again on an existing name updates the spec for future
// spawns/restarts without touching already-running containers.
func (s *Supervisor) Start(spec procspec.Spec) error {
	if spec.Name == "" {
		return apierr.AddField(nil, "name", "process name is required")
	}
	n := spec.ResolveInstances()

	s.mu.Lock()
	g, exists := s.groups[spec.Name]
	if !exists {
		g = &group{spec: spec, timers: make(map[int]*time.Timer)}
		s.groups[spec.Name] = g
	} else {
		g.spec = spec
	}
	s.mu.Unlock()

	if s.st != nil {
		specJSON, _ := json.Marshal(spec)
		mode := "fork"
		if spec.IsCluster() {
			mode = "cluster"
		}
		if _, err := s.st.UpsertProcess(context.Background(), store.ProcessRecord{
			Name: spec.Name, SpecJSON: string(specJSON), ExecMode: mode, Instances: n,
		}); err != nil {
			return apierr.Wrap(apierr.KindPersistence, err, "persist process record %s", spec.Name)
		}
	}

	for i := 1; i <= n; i++ {
		if err := s.spawnInstance(g, i); err != nil {
			return err
		}
	}
	return nil
}

// spawnInstance creates (if needed) and launches the container at instanceIdx.
func (s *Supervisor) spawnInstance(g *group, instanceIdx int) error {
	idx := instanceIdx
	if !g.spec.IsCluster() {
		idx = 0
	}

	s.mu.Lock()
	var c *container.Container
	for _, existing := range g.containers {
		if instanceSlot(existing) == idx {
			c = existing
			break
		}
	}
	if c == nil {
		c = container.New(g.spec, idx)
		g.containers = append(g.containers, c)
	} else {
		c.UpdateSpec(g.spec)
	}
	spec := g.spec
	s.mu.Unlock()

	s.emit(eventbus.TypeStart, spec.Name, idx, "", nil)

	mergedEnv := s.mergedEnvFor(spec, idx)
	var outW, errW io.WriteCloser
	if s.logs != nil {
		var err error
		outW, errW, err = s.logs.OpenWriters(spec.Name, idx, spec.Log)
		if err != nil {
			s.log.Warn("log aggregator unavailable, output discarded", "process", spec.Name, "err", err)
		}
	}
	cmd := c.ConfigureCmd(mergedEnv, outW, errW)
	if err := c.TryStart(cmd); err != nil {
		c.MarkErrored()
		s.emit(eventbus.TypeError, spec.Name, idx, "spawn-failed", err.Error())
		metrics.RecordStateTransition(spec.Name, "launching", "errored")
		return s.scheduleRestart(g, c, idx)
	}
	metrics.IncStart(spec.Name)

	if c.MonitoringStartIfNeeded() {
		go s.monitor(g, c, idx)
	}
	if err := c.EnforceStartDuration(spec.StartDuration); err != nil {
		c.RemovePIDFile()
		c.MarkExited(err)
		s.emit(eventbus.TypeCrash, spec.Name, idx, "failed-before-start-duration", err.Error())
		return s.scheduleRestart(g, c, idx)
	}
	c.MarkOnline()
	if spec.StartDuration > 0 {
		metrics.ObserveStartDuration(spec.Name, spec.StartDuration.Seconds())
	}
	metrics.RecordStateTransition(spec.Name, "launching", "online")
	metrics.SetCurrentState(spec.Name, "online", true)
	s.emit(eventbus.TypeOnline, spec.Name, idx, "", nil)
	return nil
}

// instanceSlot recovers a container's instance index from its Name(), since
// the index itself is private to the container package.
func instanceSlot(c *container.Container) int {
	name := c.Name()
	if i := strings.LastIndexByte(name, '-'); i >= 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil {
			return n
		}
	}
	return 0
}

func (s *Supervisor) mergedEnvFor(spec procspec.Spec, idx int) []string {
	perProc := append([]string(nil), spec.Env...)
	perProc = append(perProc,
		fmt.Sprintf("INSTANCE_INDEX=%d", idx),
		fmt.Sprintf("INSTANCE_COUNT=%d", spec.ResolveInstances()),
	)
	return s.envM.Merge(perProc)
}

// monitor waits for a container's process to exit and applies restart policy.
func (s *Supervisor) monitor(g *group, c *container.Container, idx int) {
	for {
		cmd := c.CopyCmd()
		if cmd == nil {
			c.MonitoringStop()
			return
		}
		err := cmd.Wait()
		c.CloseWaitDone()
		c.MarkExited(err)
		snap := c.Snapshot()

		switch {
		case snap.ExitCause == container.ExitCauseRequested:
			s.emit(eventbus.TypeStop, g.spec.Name, idx, "", nil)
			c.MonitoringStop()
			return
		case snap.ExitCause == container.ExitCauseExit:
			s.emit(eventbus.TypeExit, g.spec.Name, idx, "", nil)
		default:
			s.emit(eventbus.TypeCrash, g.spec.Name, idx, "", nil)
		}

		if !g.spec.AutoRestart {
			c.MonitoringStop()
			return
		}
		if err := s.scheduleRestart(g, c, idx); err != nil {
			s.log.Error("restart scheduling failed", "process", g.spec.Name, "instance", idx, "err", err)
		}
		c.MonitoringStop()
		return
	}
}

// scheduleRestart arms the backoff timer for a container, or marks it
// errored if the restart budget within the current streak is exhausted.
func (s *Supervisor) scheduleRestart(g *group, c *container.Container, idx int) error {
	c.IncRestarts() // lifetime counter, surfaced via Info/List; not the budget gate
	metrics.IncRestart(g.spec.Name)
	streak := c.RestartStreak()
	if g.spec.MaxRestarts > 0 && streak > g.spec.MaxRestarts {
		c.MarkErrored()
		s.emit(eventbus.TypeError, g.spec.Name, idx, "max-restarts-exceeded", nil)
		metrics.RecordStateTransition(g.spec.Name, "waiting-restart", "errored")
		return nil
	}

	delay := g.spec.RestartInterval
	if g.spec.ExpBackoffRestartDelay > 0 {
		backoff := g.spec.ExpBackoffRestartDelay * time.Duration(1<<uint(streak-1))
		ceiling := g.spec.MaxBackoffDelay
		if ceiling <= 0 {
			ceiling = defaultMaxBackoffDelay
		}
		if backoff > ceiling {
			backoff = ceiling
		}
		if backoff > delay {
			delay = backoff
		}
	}
	if delay <= 0 {
		delay = time.Second
	}

	c.MarkWaitingRestart()
	s.mu.Lock()
	if t, ok := g.timers[idx]; ok {
		t.Stop()
	}
	g.timers[idx] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(g.timers, idx)
		s.mu.Unlock()
		if c.StopRequested() {
			return
		}
		_ = s.spawnInstance(g, idx)
	})
	s.mu.Unlock()
	return nil
}

// Stop stops every container in the named process (or "all"). With force,
// it skips straight to SIGKILL instead of the SIGINT/KillTimeout escalation.
func (s *Supervisor) Stop(target string, force bool, wait time.Duration) error {
	groups := s.resolveTargets(target)
	if len(groups) == 0 {
		return apierr.New(apierr.KindProcessNotFound, "unknown process: %s", target)
	}
	var firstErr error
	var wg sync.WaitGroup
	for _, g := range groups {
		g := g
		s.mu.Lock()
		containers := append([]*container.Container(nil), g.containers...)
		for _, t := range g.timers {
			t.Stop()
		}
		g.timers = make(map[int]*time.Timer)
		s.mu.Unlock()
		for _, c := range containers {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.SetStopRequested(true)
				var err error
				if force {
					err = c.Kill()
				} else {
					err = c.Stop(wait)
				}
				idx := instanceSlot(c)
				s.emit(eventbus.TypeStop, g.spec.Name, idx, "", nil)
				metrics.IncStop(g.spec.Name)
				metrics.SetCurrentState(g.spec.Name, "online", false)
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}()
		}
	}
	wg.Wait()
	return firstErr
}

// StopAll stops every managed process, concurrently.
func (s *Supervisor) StopAll(wait time.Duration) error {
	return s.Stop("all", false, wait)
}

// Restart stops then starts target. Cluster groups are restarted one
// instance at a time (zero-downtime) unless force is set.
func (s *Supervisor) Restart(target string, force bool, wait time.Duration) error {
	groups := s.resolveTargets(target)
	if len(groups) == 0 {
		return apierr.New(apierr.KindProcessNotFound, "unknown process: %s", target)
	}
	for _, g := range groups {
		s.emit(eventbus.TypeRestart, g.spec.Name, 0, "", nil)
		if force || !g.spec.IsCluster() {
			if err := s.Stop(g.spec.Name, force, wait); err != nil {
				return err
			}
			if err := s.Start(g.spec); err != nil {
				return err
			}
			continue
		}
		s.mu.Lock()
		containers := append([]*container.Container(nil), g.containers...)
		s.mu.Unlock()
		for _, c := range containers {
			idx := instanceSlot(c)
			c.SetStopRequested(true)
			_ = c.Stop(wait)
			s.emit(eventbus.TypeStop, g.spec.Name, idx, "", nil)
			if err := s.spawnInstance(g, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete stops target and removes it from management and persistence.
func (s *Supervisor) Delete(target string) error {
	groups := s.resolveTargets(target)
	if len(groups) == 0 {
		return apierr.New(apierr.KindProcessNotFound, "unknown process: %s", target)
	}
	for _, g := range groups {
		_ = s.Stop(g.spec.Name, false, 5*time.Second)
		s.mu.Lock()
		delete(s.groups, g.spec.Name)
		s.mu.Unlock()
		if s.st != nil {
			if err := s.st.DeleteProcess(context.Background(), g.spec.Name); err != nil {
				return apierr.Wrap(apierr.KindPersistence, err, "delete process record %s", g.spec.Name)
			}
		}
	}
	return nil
}

// Scale resolves n ("3", "+2", "-1", "max" = NumCPU, "auto" = unchanged)
// against the current instance count, then spawns or gracefully stops
// containers to match.
func (s *Supervisor) Scale(target string, n string) error {
	s.mu.Lock()
	g, ok := s.groups[target]
	s.mu.Unlock()
	if !ok {
		return apierr.New(apierr.KindProcessNotFound, "unknown process: %s", target)
	}

	s.mu.Lock()
	current := len(g.containers)
	s.mu.Unlock()

	targetN, err := resolveScale(n, current)
	if err != nil {
		return apierr.AddField(nil, "instances", err.Error())
	}
	if targetN < 0 {
		targetN = 0
	}

	g.spec.Instances = targetN
	if targetN > current {
		for i := current + 1; i <= targetN; i++ {
			if err := s.spawnInstance(g, i); err != nil {
				return err
			}
		}
	} else if targetN < current {
		s.mu.Lock()
		toStop := append([]*container.Container(nil), g.containers[targetN:current]...)
		g.containers = g.containers[:targetN]
		s.mu.Unlock()
		for _, c := range toStop {
			c.SetStopRequested(true)
			_ = c.Stop(5 * time.Second)
		}
	}
	if s.st != nil {
		specJSON, _ := json.Marshal(g.spec)
		mode := "fork"
		if g.spec.IsCluster() {
			mode = "cluster"
		}
		_, _ = s.st.UpsertProcess(context.Background(), store.ProcessRecord{
			Name: g.spec.Name, SpecJSON: string(specJSON), ExecMode: mode, Instances: targetN,
		})
	}
	metrics.SetRunningInstances(target, targetN)
	s.emit(eventbus.TypeScaling, target, 0, "", targetN)
	return nil
}

func resolveScale(n string, current int) (int, error) {
	n = strings.TrimSpace(n)
	switch {
	case n == "auto":
		return current, nil
	case n == "max":
		return runtime.NumCPU(), nil
	case strings.HasPrefix(n, "+"):
		d, err := strconv.Atoi(n[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid scale delta %q", n)
		}
		return current + d, nil
	case strings.HasPrefix(n, "-"):
		d, err := strconv.Atoi(n[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid scale delta %q", n)
		}
		return current - d, nil
	default:
		v, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("invalid scale target %q", n)
		}
		return v, nil
	}
}

// Specs returns the declared spec of every registered group, for
// collaborators (the cron restart scheduler, the config reloader) that need
// to reconcile against the live process set without reaching into groups
// directly.
func (s *Supervisor) Specs() []procspec.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]procspec.Spec, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.spec)
	}
	return out
}

// List returns a snapshot of every container's status across all groups.
func (s *Supervisor) List() []container.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []container.Status
	for _, g := range s.groups {
		for _, c := range g.containers {
			out = append(out, c.Snapshot())
		}
	}
	return out
}

// Info returns status for every container belonging to target.
func (s *Supervisor) Info(target string) ([]container.Status, error) {
	groups := s.resolveTargets(target)
	if len(groups) == 0 {
		return nil, apierr.New(apierr.KindProcessNotFound, "unknown process: %s", target)
	}
	var out []container.Status
	s.mu.Lock()
	for _, g := range groups {
		for _, c := range g.containers {
			out = append(out, c.Snapshot())
		}
	}
	s.mu.Unlock()
	return out, nil
}

// Reset clears the errored/restart-budget state of every container in
// target, allowing auto-restart to resume.
func (s *Supervisor) Reset(target string) error {
	groups := s.resolveTargets(target)
	if len(groups) == 0 {
		return apierr.New(apierr.KindProcessNotFound, "unknown process: %s", target)
	}
	s.mu.Lock()
	for _, g := range groups {
		for _, c := range g.containers {
			c.Reset()
		}
	}
	s.mu.Unlock()
	return nil
}

// RestoreFromPersistence reads the process table and starts every record
// with autorestart set, without assigning new ids.
func (s *Supervisor) RestoreFromPersistence(ctx context.Context) error {
	if s.st == nil {
		return nil
	}
	records, err := s.st.ListProcesses(ctx)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, err, "list processes")
	}
	for _, rec := range records {
		var spec procspec.Spec
		if err := json.Unmarshal([]byte(rec.SpecJSON), &spec); err != nil {
			s.log.Warn("skipping unrestorable process record", "name", rec.Name, "err", err)
			continue
		}
		if !spec.AutoRestart {
			continue
		}
		if err := s.Start(spec); err != nil {
			s.log.Error("failed to restore process", "name", rec.Name, "err", err)
		}
	}
	return nil
}

// NotifyMemorySample is called by the Metrics Collector with the latest RSS
// sample for a container; it triggers a memory-threshold restart when the
// sample exceeds the spec's configured ceiling.
func (s *Supervisor) NotifyMemorySample(processName string, rssBytes uint64) {
	base, idx := splitInstanceName(processName)
	s.mu.Lock()
	g, ok := s.groups[base]
	s.mu.Unlock()
	if !ok || g.spec.MaxMemoryRestart == 0 || int64(rssBytes) <= g.spec.MaxMemoryRestart {
		return
	}
	s.emit(eventbus.TypeRestart, base, idx, "memory-threshold", rssBytes)
	_ = s.Restart(base, false, g.killTimeoutOrDefault())
}

func (g *group) killTimeoutOrDefault() time.Duration {
	if g.spec.KillTimeout > 0 {
		return g.spec.KillTimeout
	}
	return 5 * time.Second
}

// TriggerCronRestart is called by internal/cron at each cronRestart firing.
func (s *Supervisor) TriggerCronRestart(processName string) {
	s.emit(eventbus.TypeRestart, processName, 0, "cron", nil)
	_ = s.Restart(processName, false, 5*time.Second)
}

// RequestHealthRestart is called by the Health Monitor when a container's
// consecutive probe failures reach the configured retry count.
func (s *Supervisor) RequestHealthRestart(processName string) {
	s.emit(eventbus.TypeHealthCheckFail, processName, 0, "unhealthy", nil)
	_ = s.Restart(processName, false, 5*time.Second)
}

func splitInstanceName(name string) (base string, idx int) {
	if i := strings.LastIndexByte(name, '-'); i >= 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil {
			return name[:i], n
		}
	}
	return name, 0
}

// resolveTargets resolves "all", an exact process name, or a cluster base
// name into the matching groups.
func (s *Supervisor) resolveTargets(target string) []*group {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target == "all" {
		out := make([]*group, 0, len(s.groups))
		for _, g := range s.groups {
			out = append(out, g)
		}
		return out
	}
	if g, ok := s.groups[target]; ok {
		return []*group{g}
	}
	return nil
}
