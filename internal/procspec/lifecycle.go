package procspec

import (
	"fmt"
	"strings"
	"time"
)

// LifecycleHooks are commands run at defined points around a container's
// start/stop transitions, independent of the supervisor's own restart
// bookkeeping.
type LifecycleHooks struct {
	PreStart  []Hook `json:"pre_start" mapstructure:"pre_start"`
	PostStart []Hook `json:"post_start" mapstructure:"post_start"`
	PreStop   []Hook `json:"pre_stop" mapstructure:"pre_stop"`
	PostStop  []Hook `json:"post_stop" mapstructure:"post_stop"`
}

// Hook is a single lifecycle command.
type Hook struct {
	Name        string        `json:"name" mapstructure:"name"`
	Command     string        `json:"command" mapstructure:"command"`
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"`
	Env         []string      `json:"env" mapstructure:"env"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	FailureMode FailureMode   `json:"failure_mode" mapstructure:"failure_mode"`
	RunMode     RunMode       `json:"run_mode" mapstructure:"run_mode"`
}

// FailureMode controls what happens when a hook command exits non-zero.
type FailureMode string

const (
	FailureModeIgnore FailureMode = "ignore"
	FailureModeFail   FailureMode = "fail"
	FailureModeRetry  FailureMode = "retry"
)

// RunMode controls whether a hook blocks the transition it guards.
type RunMode string

const (
	RunModeBlocking RunMode = "blocking"
	RunModeAsync    RunMode = "async"
)

// LifecyclePhase names one of the four points hooks attach to.
type LifecyclePhase string

const (
	PhasePreStart  LifecyclePhase = "pre_start"
	PhasePostStart LifecyclePhase = "post_start"
	PhasePreStop   LifecyclePhase = "pre_stop"
	PhasePostStop  LifecyclePhase = "post_stop"
)

func (p LifecyclePhase) String() string { return string(p) }

// ForPhase returns the hooks registered for phase.
func (lh *LifecycleHooks) ForPhase(phase LifecyclePhase) []Hook {
	switch phase {
	case PhasePreStart:
		return lh.PreStart
	case PhasePostStart:
		return lh.PostStart
	case PhasePreStop:
		return lh.PreStop
	case PhasePostStop:
		return lh.PostStop
	default:
		return nil
	}
}

// HasAny reports whether any hook is configured in any phase.
func (lh *LifecycleHooks) HasAny() bool {
	return len(lh.PreStart) > 0 || len(lh.PostStart) > 0 || len(lh.PreStop) > 0 || len(lh.PostStop) > 0
}

// Validate checks name uniqueness, per-hook validity, and phase/total
// count ceilings.
func (lh *LifecycleHooks) Validate() error {
	seen := make(map[string]string)
	phases := map[string][]Hook{
		"pre_start":  lh.PreStart,
		"post_start": lh.PostStart,
		"pre_stop":   lh.PreStop,
		"post_stop":  lh.PostStop,
	}
	for phase, hooks := range phases {
		for i, hook := range hooks {
			if err := hook.Validate(); err != nil {
				return fmt.Errorf("%s hook %d validation failed: %w", phase, i, err)
			}
			if existing, ok := seen[hook.Name]; ok {
				return fmt.Errorf("duplicate hook name %q found in %s and %s phases", hook.Name, existing, phase)
			}
			seen[hook.Name] = phase
		}
		if len(hooks) > 50 {
			return fmt.Errorf("%s phase has too many hooks (%d), maximum is 50", phase, len(hooks))
		}
	}
	total := len(lh.PreStart) + len(lh.PostStart) + len(lh.PreStop) + len(lh.PostStop)
	if total > 100 {
		return fmt.Errorf("total hooks count %d exceeds maximum of 100", total)
	}
	return nil
}

// Validate checks a single hook's fields.
func (h *Hook) Validate() error {
	name := strings.TrimSpace(h.Name)
	if name == "" {
		return fmt.Errorf("hook name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\<>:\"|?*") {
		return fmt.Errorf("hook %q: name contains invalid characters", name)
	}
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("hook %q requires command", name)
	}
	if len(h.Command) > 10000 {
		return fmt.Errorf("hook %q: command too long (max 10000 characters)", name)
	}
	switch h.FailureMode {
	case "", FailureModeIgnore, FailureModeFail, FailureModeRetry:
	default:
		return fmt.Errorf("hook %q: invalid failure_mode %q", name, h.FailureMode)
	}
	switch h.RunMode {
	case "", RunModeBlocking, RunModeAsync:
	default:
		return fmt.Errorf("hook %q: invalid run_mode %q", name, h.RunMode)
	}
	if h.Timeout < 0 {
		return fmt.Errorf("hook %q: timeout cannot be negative", name)
	}
	if h.Timeout > time.Hour {
		return fmt.Errorf("hook %q: timeout too long (max 1 hour)", name)
	}
	if strings.Contains(h.WorkDir, "..") {
		return fmt.Errorf("hook %q: work_dir cannot contain '..' path traversal", name)
	}
	for i, env := range h.Env {
		if !strings.Contains(env, "=") {
			return fmt.Errorf("hook %q: env[%d] %q is invalid, must be KEY=VALUE", name, i, env)
		}
		key := strings.TrimSpace(strings.SplitN(env, "=", 2)[0])
		if key == "" {
			return fmt.Errorf("hook %q: env[%d] has empty key", name, i)
		}
		if strings.HasPrefix(key, "NOVAPM_") {
			return fmt.Errorf("hook %q: env[%d] key %q is reserved (NOVAPM_ prefix)", name, i, key)
		}
	}
	return nil
}

// GetDefaults fills in the hook's failure/run mode and timeout defaults.
func (h *Hook) GetDefaults() {
	if h.FailureMode == "" {
		h.FailureMode = FailureModeFail
	}
	if h.RunMode == "" {
		h.RunMode = RunModeBlocking
	}
	if h.Timeout == 0 {
		h.Timeout = 30 * time.Second
	}
}
