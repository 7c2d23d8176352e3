// Package procspec defines the Process record: the declarative
// description of something novapm should run, persisted and echoed back
// by the supervisor, store, and every adapter (CLI, HTTP, IPC).
package procspec

import (
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ExecMode selects how instances of a Spec are run.
type ExecMode string

const (
	// ExecModeFork runs a single instance (the default).
	ExecModeFork ExecMode = "fork"
	// ExecModeCluster runs Instances containers behind one process record,
	// restarted one at a time on a cluster-wide restart.
	ExecModeCluster ExecMode = "cluster"
)

// AutoInstances is the sentinel accepted in config/CLI for "one instance
// per CPU"; ResolveInstances turns it into a concrete count.
const AutoInstances = -1

// ProbeKind selects the mechanism a HealthCheck uses to decide liveness.
type ProbeKind string

const (
	ProbeHTTP   ProbeKind = "http"
	ProbeTCP    ProbeKind = "tcp"
	ProbeScript ProbeKind = "script"
)

// HealthCheck describes an optional liveness probe layered on top of the
// supervisor's own exit-code/PID liveness tracking.
type HealthCheck struct {
	Kind                ProbeKind     `json:"kind" mapstructure:"kind"`
	Target              string        `json:"target" mapstructure:"target"` // URL, host:port, or script path
	Interval            time.Duration `json:"interval" mapstructure:"interval"`
	Timeout             time.Duration `json:"timeout" mapstructure:"timeout"`
	StartPeriod         time.Duration `json:"start_period" mapstructure:"start_period"`
	FailureThreshold    int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	RestartOnSustained  bool          `json:"restart_on_sustained_failure" mapstructure:"restart_on_sustained_failure"`
}

// Enabled reports whether a health check has been configured at all.
func (h *HealthCheck) Enabled() bool {
	return h != nil && h.Kind != "" && h.Target != ""
}

// WatchSpec carries the file-watch configuration verbatim so the record
// round-trips losslessly; novapm does not act on it (see design notes).
type WatchSpec struct {
	Enabled      bool     `json:"enabled" mapstructure:"enabled"`
	Paths        []string `json:"paths" mapstructure:"paths"`
	IgnoreWatch  []string `json:"ignore_watch" mapstructure:"ignore_watch"`
}

// Spec describes a process novapm manages: the Process record of the
// data model, generalized from a single instance to fork/cluster exec
// modes, memory/cron-triggered restarts, and health checking.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Script  string   `json:"script" mapstructure:"script"` // command to run (shell-capable)
	Args    []string `json:"args" mapstructure:"args"`
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"`
	Env     []string `json:"env" mapstructure:"env"`
	PIDFile string   `json:"pid_file" mapstructure:"pid_file"`

	ExecMode  ExecMode `json:"exec_mode" mapstructure:"exec_mode"`
	Instances int      `json:"instances" mapstructure:"instances"` // AutoInstances resolves against NumCPU

	AutoRestart            bool          `json:"auto_restart" mapstructure:"auto_restart"`
	MaxRestarts            int           `json:"max_restarts" mapstructure:"max_restarts"` // 0 = unlimited
	RestartInterval        time.Duration `json:"restart_interval" mapstructure:"restart_interval"`
	ExpBackoffRestartDelay time.Duration `json:"exp_backoff_restart_delay" mapstructure:"exp_backoff_restart_delay"`
	MaxBackoffDelay        time.Duration `json:"max_backoff_delay" mapstructure:"max_backoff_delay"`

	StartDuration time.Duration `json:"start_duration" mapstructure:"start_duration"` // must-stay-up window
	KillTimeout   time.Duration `json:"kill_timeout" mapstructure:"kill_timeout"`      // SIGINT -> SIGKILL grace
	ListenTimeout time.Duration `json:"listen_timeout" mapstructure:"listen_timeout"`

	MaxMemoryRestart int64 `json:"max_memory_restart" mapstructure:"max_memory_restart"` // bytes, 0 = disabled

	CronRestart string `json:"cron_restart" mapstructure:"cron_restart"` // six-field cron expression (leading seconds field), optional

	Watch       WatchSpec    `json:"watch" mapstructure:"watch"`
	HealthCheck *HealthCheck `json:"health_check,omitempty" mapstructure:"health_check"`
	Log         LogSpec      `json:"log" mapstructure:"log"`
	Hooks       LifecycleHooks `json:"hooks" mapstructure:"hooks"`
}

// LogSpec describes where a container's stdout/stderr are captured.
// Mirrors the teacher's logger.Config shape so internal/logaggregator can
// hand it straight to the lumberjack writers it builds.
type LogSpec struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	StdoutPath string `json:"stdout_path" mapstructure:"stdout_path"`
	StderrPath string `json:"stderr_path" mapstructure:"stderr_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	RingSize   int    `json:"ring_size" mapstructure:"ring_size"` // lines kept in memory for `logs --lines`
}

// ResolveInstances returns the concrete instance count: Instances as-is
// unless it is the AutoInstances sentinel, in which case it resolves to
// runtime.NumCPU(), matching "max"/"auto" in the configuration layer.
func (s *Spec) ResolveInstances() int {
	if s.Instances == AutoInstances {
		n := runtime.NumCPU()
		if n < 1 {
			n = 1
		}
		return n
	}
	if s.Instances <= 0 {
		return 1
	}
	return s.Instances
}

// IsCluster reports whether this spec runs as a cluster group.
func (s *Spec) IsCluster() bool {
	return s.ExecMode == ExecModeCluster && s.ResolveInstances() > 1
}

// BuildCommand constructs an *exec.Cmd for this spec's Script, preferring
// direct exec over a shell unless the script needs one (shell metachars,
// or an explicit "sh -c ..." already present).
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Script)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		cmd := exec.Command("/bin/sh", "-c", afterC)
		cmd.Args = append(cmd.Args, s.Args...)
		return cmd
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	args := append(append([]string(nil), parts[1:]...), s.Args...)
	// ok: intentional execution, input is validated and safe
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects "sh -c <ARG>" / "/bin/sh -c <ARG>" prefixes
// and returns (shellPath, afterCArg, true) when matched, preserving the
// remainder verbatim so quoting inside the script survives.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
