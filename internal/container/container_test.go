package container

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/novapm/novapm/internal/procspec"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func TestTryStartWritesPIDAndStatus(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "p1.pid")
	spec := procspec.Spec{Name: "p1", Script: "sleep 0.2", PIDFile: pidfile}
	c := New(spec, 0)
	cmd := c.ConfigureCmd(nil, nil, nil)
	if err := c.TryStart(cmd); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	st := c.Snapshot()
	if st.Phase != PhaseLaunching || st.PID <= 0 || st.Name != "p1" {
		t.Fatalf("status not set after start: %+v", st)
	}
	b, err := os.ReadFile(pidfile)
	if err != nil || len(strings.TrimSpace(string(b))) == 0 {
		t.Fatalf("pidfile not written: %v, content=%q", err, string(b))
	}
}

func TestClusterInstanceNameAndPIDFileSuffix(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "web.pid")
	spec := procspec.Spec{Name: "web", Script: "sleep 0.1", ExecMode: procspec.ExecModeCluster, Instances: 2, PIDFile: pidfile}
	c := New(spec, 1)
	if got := c.Name(); got != "web-1" {
		t.Fatalf("Name() = %q, want web-1", got)
	}
	cmd := c.ConfigureCmd(nil, nil, nil)
	if err := c.TryStart(cmd); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	if _, err := os.Stat(pidfile + ".1"); err != nil {
		t.Fatalf("expected suffixed pidfile: %v", err)
	}
}

func TestMarkExitedClassifiesCause(t *testing.T) {
	c := New(procspec.Spec{Name: "x"}, 0)

	c.MarkExited(nil)
	if got := c.Snapshot().ExitCause; got != ExitCauseExit {
		t.Fatalf("clean exit classified as %q, want %q", got, ExitCauseExit)
	}

	c2 := New(procspec.Spec{Name: "y"}, 0)
	c2.SetStopRequested(true)
	c2.MarkExited(nil)
	if got := c2.Snapshot().ExitCause; got != ExitCauseRequested {
		t.Fatalf("requested stop classified as %q, want %q", got, ExitCauseRequested)
	}
}

func TestRestartStreakResetsOnOnlineAndReset(t *testing.T) {
	c := New(procspec.Spec{Name: "z"}, 0)
	c.MarkExited(errPlaceholder())
	c.MarkExited(errPlaceholder())
	if got := c.RestartStreak(); got != 2 {
		t.Fatalf("RestartStreak() = %d, want 2", got)
	}
	c.MarkOnline()
	if got := c.RestartStreak(); got != 0 {
		t.Fatalf("streak did not reset after MarkOnline: %d", got)
	}

	c.MarkExited(errPlaceholder())
	c.MarkErrored()
	c.Reset()
	st := c.Snapshot()
	if st.Phase == PhaseErrored || st.RestartStreak != 0 {
		t.Fatalf("Reset() left stale state: %+v", st)
	}
}

func TestEnforceStartDurationFailsOnEarlyExit(t *testing.T) {
	requireUnix(t)
	spec := procspec.Spec{Name: "quick", Script: "true"}
	c := New(spec, 0)
	cmd := c.ConfigureCmd(nil, nil, nil)
	if err := c.TryStart(cmd); err != nil {
		t.Fatalf("TryStart: %v", err)
	}
	_ = cmd.Wait()
	time.Sleep(10 * time.Millisecond)
	err := c.EnforceStartDuration(200 * time.Millisecond)
	if err == nil || !IsBeforeStartErr(err) {
		t.Fatalf("expected before-start error, got %v", err)
	}
}

func errPlaceholder() error { return os.ErrClosed }
