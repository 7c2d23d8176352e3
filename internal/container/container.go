// Package container implements the Container: one running instance of a
// process record, holding the OS child, its stdio writers, and the
// restart/backoff bookkeeping the Supervisor drives.
package container

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/novapm/novapm/internal/detector"
	"github.com/novapm/novapm/internal/procspec"
)

// Phase is the lifecycle state of a Container, per the supervisor's state
// machine (launching -> online -> stopping/waiting-restart ->
// stopped/errored).
type Phase string

const (
	PhaseLaunching     Phase = "launching"
	PhaseOnline        Phase = "online"
	PhaseStopping      Phase = "stopping"
	PhaseWaitingRestart Phase = "waiting-restart"
	PhaseStopped       Phase = "stopped"
	PhaseErrored       Phase = "errored"
)

// ExitCause classifies why a container last stopped running, so the
// Supervisor and Event Bus can tell a requested stop from a crash.
type ExitCause string

const (
	ExitCauseNone      ExitCause = ""
	ExitCauseRequested ExitCause = "stop"
	ExitCauseExit      ExitCause = "exit"  // exited on its own with status zero
	ExitCauseCrash     ExitCause = "crash" // non-zero exit, killed by a signal, or wait failed
)

// Status is a point-in-time snapshot of a Container, safe to copy and
// hand to callers outside the container's lock.
type Status struct {
	Name        string
	InstanceIdx int
	Phase       Phase
	PID         int
	StartedAt   time.Time
	StoppedAt   time.Time
	ExitErr     error
	ExitCause   ExitCause
	DetectedBy  string
	Restarts    int
	RestartStreak int
}

// Container is one running (or stopped) instance of a procspec.Spec. A
// cluster group holds one Container per instance index sharing the same
// Spec name.
type Container struct {
	spec        procspec.Spec
	instanceIdx int

	mu            sync.Mutex
	cmd           *exec.Cmd
	status        Status
	stopping      bool
	restarts      int
	restartStreak int // consecutive failures since the last clean online period, feeds backoff

	outCloser  io.WriteCloser
	errCloser  io.WriteCloser
	waitDone   chan struct{}
	monitoring bool
}

// New constructs a Container for instanceIdx (0 for a non-cluster spec).
func New(spec procspec.Spec, instanceIdx int) *Container {
	return &Container{spec: spec, instanceIdx: instanceIdx}
}

// Name returns the container's display name: the spec name for a single
// instance, or "name-N" for cluster instance N.
func (c *Container) Name() string {
	if c.spec.IsCluster() {
		return c.spec.Name + "-" + strconv.Itoa(c.instanceIdx)
	}
	return c.spec.Name
}

// UpdateSpec swaps the spec under lock, used when a record is edited
// in place without tearing the container down.
func (c *Container) UpdateSpec(s procspec.Spec) {
	c.mu.Lock()
	c.spec = s
	c.mu.Unlock()
}

// ConfigureCmd builds the *exec.Cmd for this container's next start,
// wiring workdir, merged environment, process-group attributes, and the
// given stdout/stderr writers (falling back to /dev/null for a stream
// with no writer).
func (c *Container) ConfigureCmd(mergedEnv []string, outW, errW io.WriteCloser) *exec.Cmd {
	c.mu.Lock()
	spec := c.spec
	c.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if outW != nil || errW != nil {
		c.EnsureLogClosers(outW, errW)
		ow, ew := c.OutErrClosers()
		if ow != nil {
			cmd.Stdout = ow
		} else {
			cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
		if ew != nil {
			cmd.Stderr = ew
		} else {
			cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	return cmd
}

func (c *Container) CopyCmd() *exec.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd
}

// SetStarted records a freshly started cmd and transitions the container
// into the launching phase; the Supervisor promotes it to online once
// StartDuration has elapsed without exit.
func (c *Container) SetStarted(cmd *exec.Cmd) {
	c.mu.Lock()
	c.cmd = cmd
	c.waitDone = make(chan struct{})
	c.status.Name = c.Name()
	c.status.InstanceIdx = c.instanceIdx
	c.status.Phase = PhaseLaunching
	c.status.PID = cmd.Process.Pid
	c.status.StartedAt = time.Now()
	c.status.Restarts = c.restarts
	c.status.RestartStreak = c.restartStreak
	c.status.ExitCause = ExitCauseNone
	c.stopping = false
	c.mu.Unlock()
}

// TryStart atomically starts cmd, records state, and writes the PID file.
func (c *Container) TryStart(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	c.SetStarted(cmd)
	c.WritePIDFile()
	return nil
}

// MarkOnline transitions a launching container to online once it has
// survived its StartDuration window.
func (c *Container) MarkOnline() {
	c.mu.Lock()
	if c.status.Phase == PhaseLaunching {
		c.status.Phase = PhaseOnline
	}
	c.restartStreak = 0
	c.status.RestartStreak = 0
	c.mu.Unlock()
}

func (c *Container) CloseWaitDone() {
	c.mu.Lock()
	if c.waitDone != nil {
		close(c.waitDone)
		c.waitDone = nil
	}
	c.mu.Unlock()
}

func (c *Container) WaitDoneChan() chan struct{} {
	c.mu.Lock()
	wd := c.waitDone
	c.mu.Unlock()
	return wd
}

// MarkExited records the container as stopped, classifying the exit as
// a requested stop, a clean/unclean exit, or a crash.
func (c *Container) MarkExited(err error) {
	c.mu.Lock()
	c.status.Phase = PhaseStopped
	c.status.StoppedAt = time.Now()
	c.status.ExitErr = err
	switch {
	case c.stopping:
		c.status.ExitCause = ExitCauseRequested
	case err != nil:
		c.status.ExitCause = ExitCauseCrash
		c.restartStreak++
		c.status.RestartStreak = c.restartStreak
	default:
		c.status.ExitCause = ExitCauseExit
		c.restartStreak++
		c.status.RestartStreak = c.restartStreak
	}
	c.mu.Unlock()
}

// MarkErrored moves the container into the terminal errored phase once
// MaxRestarts has been exhausted; only an explicit reset clears it.
func (c *Container) MarkErrored() {
	c.mu.Lock()
	c.status.Phase = PhaseErrored
	c.mu.Unlock()
}

// MarkWaitingRestart reflects the backoff window between a crash and the
// next restart attempt.
func (c *Container) MarkWaitingRestart() {
	c.mu.Lock()
	c.status.Phase = PhaseWaitingRestart
	c.mu.Unlock()
}

// Reset clears restart bookkeeping and the errored phase, per the
// supervisor's explicit reset operation.
func (c *Container) Reset() {
	c.mu.Lock()
	c.restarts = 0
	c.restartStreak = 0
	c.status.Restarts = 0
	c.status.RestartStreak = 0
	if c.status.Phase == PhaseErrored {
		c.status.Phase = PhaseStopped
	}
	c.mu.Unlock()
}

func (c *Container) SetStopRequested(v bool) {
	c.mu.Lock()
	c.stopping = v
	if v {
		c.status.Phase = PhaseStopping
	}
	c.mu.Unlock()
}

func (c *Container) StopRequested() bool {
	c.mu.Lock()
	v := c.stopping
	c.mu.Unlock()
	return v
}

// IncRestarts increments and returns the all-time restart counter (as
// opposed to RestartStreak, which resets on every clean online period).
func (c *Container) IncRestarts() int {
	c.mu.Lock()
	c.restarts++
	v := c.restarts
	c.status.Restarts = v
	c.mu.Unlock()
	return v
}

func (c *Container) RestartStreak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartStreak
}

func (c *Container) MonitoringStartIfNeeded() bool {
	c.mu.Lock()
	if c.monitoring {
		c.mu.Unlock()
		return false
	}
	c.monitoring = true
	c.mu.Unlock()
	return true
}

func (c *Container) MonitoringStop() {
	c.mu.Lock()
	c.monitoring = false
	c.mu.Unlock()
}

// IsMonitoring reports whether a monitor goroutine owns the cmd.Wait
// call. When true, Stop/Kill must not call cmd.Wait themselves; they
// wait on waitDone instead, to avoid a double-wait race.
func (c *Container) IsMonitoring() bool {
	c.mu.Lock()
	v := c.monitoring
	c.mu.Unlock()
	return v
}

func (c *Container) OutErrClosers() (io.WriteCloser, io.WriteCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outCloser, c.errCloser
}

func (c *Container) EnsureLogClosers(stdout, stderr io.WriteCloser) {
	c.mu.Lock()
	if c.outCloser == nil && stdout != nil {
		c.outCloser = stdout
	}
	if c.errCloser == nil && stderr != nil {
		c.errCloser = stderr
	}
	c.mu.Unlock()
}

func (c *Container) CloseWriters() {
	c.mu.Lock()
	if c.outCloser != nil {
		_ = c.outCloser.Close()
		c.outCloser = nil
	}
	if c.errCloser != nil {
		_ = c.errCloser.Close()
		c.errCloser = nil
	}
	c.mu.Unlock()
}

func (c *Container) pidFilePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spec.PIDFile == "" {
		return ""
	}
	if c.spec.IsCluster() {
		return c.spec.PIDFile + "." + strconv.Itoa(c.instanceIdx)
	}
	return c.spec.PIDFile
}

func (c *Container) WritePIDFile() {
	pidFile := c.pidFilePath()
	c.mu.Lock()
	pid := 0
	if c.cmd != nil && c.cmd.Process != nil {
		pid = c.cmd.Process.Pid
	}
	c.mu.Unlock()
	if pidFile == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(pidFile), 0o750)
	_ = os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o600)
}

func (c *Container) RemovePIDFile() {
	pidFile := c.pidFilePath()
	if pidFile == "" {
		return
	}
	_ = os.Remove(pidFile)
}

// Snapshot returns a copy of the container's current status.
func (c *Container) Snapshot() Status {
	c.mu.Lock()
	s := c.status
	c.mu.Unlock()
	return s
}

// DetectAlive probes liveness via the PID (with zombie detection on
// Linux) and falls back to the PID-file detector when spec.PIDFile is
// set. No command-based detector is consulted.
func (c *Container) DetectAlive() (bool, string) {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		if runtime.GOOS == "linux" {
			if isZombieLinux(pid) {
				return false, ""
			}
			if syscall.Kill(pid, 0) == nil {
				return true, "exec:pid"
			}
		} else {
			if syscall.Kill(-pid, 0) == nil {
				return true, "exec:pid"
			}
		}
	}

	for _, d := range c.detectors() {
		if ok, _ := d.Alive(); ok {
			return true, d.Describe()
		}
	}
	return false, ""
}

func (c *Container) detectors() []detector.Detector {
	c.mu.Lock()
	defer c.mu.Unlock()
	pidFile := c.spec.PIDFile
	dets := make([]detector.Detector, 0, 1)
	if pidFile != "" {
		dets = append(dets, detector.PIDFileDetector{PIDFile: pidFile})
	}
	return dets
}

func isZombieLinux(pid int) bool {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// EnforceStartDuration waits d, confirming the container stays alive; it
// returns an error if the process exits before the window elapses.
func (c *Container) EnforceStartDuration(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return errBeforeStart(d)
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if alive, _ := c.DetectAlive(); !alive {
			return errBeforeStart(d)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Stop sends SIGINT to the container's process group and waits up to
// wait before escalating to SIGKILL, matching the stop protocol's
// graceful-then-forceful contract.
func (c *Container) Stop(wait time.Duration) error {
	alive, _ := c.DetectAlive()
	if !alive {
		return nil
	}
	c.SetStopRequested(true)
	cmd := c.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGINT)
	c.waitOrKill(cmd, pid, wait)
	return c.Snapshot().ExitErr
}

// Kill sends SIGKILL immediately and attempts to reap promptly.
func (c *Container) Kill() error {
	cmd := c.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	c.waitOrKill(cmd, pid, 0)
	return c.Snapshot().ExitErr
}

// waitOrKill waits for the process to be reaped (by an active monitor,
// or by claiming the wait itself), escalating to SIGKILL after wait
// elapses (wait == 0 skips straight to a short best-effort wait, used by
// Kill which has already sent SIGKILL).
func (c *Container) waitOrKill(cmd *exec.Cmd, pid int, wait time.Duration) {
	if c.IsMonitoring() {
		wd := c.WaitDoneChan()
		if wd == nil {
			if wait > 0 {
				time.Sleep(wait)
			}
			return
		}
		if wait <= 0 {
			select {
			case <-wd:
			case <-time.After(200 * time.Millisecond):
			}
			return
		}
		select {
		case <-wd:
		case <-time.After(wait):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-wd:
			case <-time.After(200 * time.Millisecond):
			}
		}
		return
	}

	if c.MonitoringStartIfNeeded() {
		ch := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			c.CloseWaitDone()
			c.MarkExited(err)
			ch <- err
		}()
		if wait <= 0 {
			select {
			case <-ch:
			case <-time.After(200 * time.Millisecond):
			}
		} else {
			select {
			case <-ch:
			case <-time.After(wait):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
				}
			}
		}
		c.CloseWriters()
		c.MonitoringStop()
		return
	}

	wd := c.WaitDoneChan()
	if wd == nil {
		if wait > 0 {
			time.Sleep(wait)
		}
		return
	}
	if wait <= 0 {
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
		}
		return
	}
	select {
	case <-wd:
	case <-time.After(wait):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
		}
	}
}
