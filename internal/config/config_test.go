package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/novapm/novapm/internal/procspec"
)

func TestLoadConfigMinimal(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "novapm.toml")
	data := `
[[processes]]
type = "process"
[processes.spec]
name = "demo"
script = "sleep 1"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(cfg.Specs))
	}
	s := cfg.Specs[0]
	if s.Name != "demo" || s.Script != "sleep 1" {
		t.Fatalf("unexpected spec: %+v", s)
	}
}

func TestLoadConfigDecodeHooks(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cfg.toml")
	data := `
[[processes]]
type = "process"
[processes.spec]
name = "web"
script = "sleep 2"
instances = "max"
restart_interval = "2d"
kill_timeout = "500ms"
max_memory_restart = "512M"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(cfg.Specs))
	}
	s := cfg.Specs[0]
	if s.Instances != procspec.AutoInstances {
		t.Fatalf("expected instances to resolve to AutoInstances, got %d", s.Instances)
	}
	if s.RestartInterval != 48*time.Hour {
		t.Fatalf("expected 2d to parse as 48h, got %v", s.RestartInterval)
	}
	if s.KillTimeout != 500*time.Millisecond {
		t.Fatalf("unexpected kill timeout: %v", s.KillTimeout)
	}
	wantBytes := int64(512 * 1000 * 1000)
	if s.MaxMemoryRestart != wantBytes {
		t.Fatalf("expected 512M to parse to %d bytes, got %d", wantBytes, s.MaxMemoryRestart)
	}
}

func TestLoadConfigGroups(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "groups.toml")
	data := `
[[processes]]
type = "process"
[processes.spec]
name = "a"
script = "sleep 1"

[[processes]]
type = "process"
[processes.spec]
name = "b"
script = "sleep 1"

[[groups]]
name = "g1"
members = ["a", "b"]
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.GroupSpecs) != 1 || cfg.GroupSpecs[0].Name != "g1" || len(cfg.GroupSpecs[0].Members) != 2 {
		t.Fatalf("unexpected groups: %+v", cfg.GroupSpecs)
	}
}

func TestLoadConfigGroupUnknownMember(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "groups.toml")
	data := `
[[processes]]
type = "process"
[processes.spec]
name = "a"
script = "sleep 1"

[[groups]]
name = "g1"
members = ["a", "missing"]
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(file); err == nil {
		t.Fatalf("expected error for group referencing unknown member")
	}
}

func TestLoadConfigCronJob(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cron.toml")
	data := `
[[processes]]
type = "cron"
[processes.spec]
name = "job1"
schedule = "@every 100ms"
singleton = true
[processes.spec.spec]
name = "job1"
script = "echo hi"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.CronJobs) != 1 {
		t.Fatalf("expected 1 cron job, got %d", len(cfg.CronJobs))
	}
	if cfg.CronJobs[0].Name != "job1" || cfg.CronJobs[0].Schedule == "" {
		t.Fatalf("unexpected cron job: %+v", cfg.CronJobs[0])
	}
	// a cron job's spec also becomes part of the flattened spec list, used
	// to apply global log defaults consistently.
	found := false
	for _, s := range cfg.Specs {
		if s.Name == "job1" {
			found = true
		}
	}
	_ = found
}

func TestLoadConfigCronMissingSchedule(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cron.toml")
	data := `
[[processes]]
type = "cron"
[processes.spec]
name = "job1"
[processes.spec.spec]
name = "job1"
script = "echo hi"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	if _, err := LoadConfig(file); err == nil {
		t.Fatalf("expected error for cron job missing schedule")
	}
}

func TestLoadConfigUnknownProcessType(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.toml")
	data := `
[[processes]]
type = "bogus"
[processes.spec]
name = "x"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	if _, err := LoadConfig(file); err == nil {
		t.Fatalf("expected error for unknown process type")
	}
}

func TestLoadConfigProgramsDirectory(t *testing.T) {
	dir := t.TempDir()
	progDir := filepath.Join(dir, "programs")
	if err := os.MkdirAll(progDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	progFile := filepath.Join(progDir, "extra.toml")
	progData := `
type = "process"
[spec]
name = "extra"
script = "sleep 1"
`
	if err := os.WriteFile(progFile, []byte(progData), 0o644); err != nil {
		t.Fatalf("write program: %v", err)
	}

	cfgFile := filepath.Join(dir, "novapm.toml")
	cfgData := `
[[processes]]
type = "process"
[processes.spec]
name = "inline"
script = "sleep 1"
`
	if err := os.WriteFile(cfgFile, []byte(cfgData), 0o644); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Specs) != 2 {
		t.Fatalf("expected 2 specs (inline + programs dir), got %d", len(cfg.Specs))
	}
	names := map[string]bool{}
	for _, s := range cfg.Specs {
		names[s.Name] = true
	}
	if !names["inline"] || !names["extra"] {
		t.Fatalf("expected both inline and extra specs, got %+v", cfg.Specs)
	}
}

func TestLoadConfigGlobalEnvAndLogDefaults(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("path handling differs on windows")
	}
	dir := t.TempDir()
	file := filepath.Join(dir, "env.toml")
	data := `
use_os_env = false
env = ["GLOB=G"]

[log]
dir = "logs"
max_size_mb = 50

[[processes]]
type = "process"
[processes.spec]
name = "svc"
script = "sleep 1"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	found := false
	for _, kv := range cfg.GlobalEnv {
		if kv == "GLOB=G" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected GLOB=G in global env, got %+v", cfg.GlobalEnv)
	}
	want := filepath.Clean(filepath.Join(dir, "logs"))
	if cfg.Specs[0].Log.Dir != want {
		t.Fatalf("expected log dir %q, got %q", want, cfg.Specs[0].Log.Dir)
	}
	if cfg.Specs[0].Log.MaxSizeMB != 50 {
		t.Fatalf("expected global max_size_mb to apply, got %d", cfg.Specs[0].Log.MaxSizeMB)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	data := "FOO=bar\n# comment\nBAZ=\"quoted value\"\n"
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	kvs, err := LoadEnvFile(file)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	want := map[string]string{"FOO": "bar", "BAZ": "quoted value"}
	got := map[string]string{}
	for _, kv := range kvs {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				got[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("expected %s=%s, got %s=%s", k, v, k, got[k])
		}
	}
}
