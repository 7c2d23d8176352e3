package main

import (
	"runtime"
	"testing"

	"github.com/novapm/novapm/internal/config"
)

func TestHistoryDSNs(t *testing.T) {
	h := &config.HistoryConfig{
		Enabled:       true,
		OpenSearchURL: "http://search.local:9200",
		ClickHouseURL: "ch.local:9000",
		SQLiteDSN:     "sqlite:///var/novapm/events.db",
		PostgresDSN:   "postgres://user@host/db",
	}
	dsns := historyDSNs(h)
	want := []string{
		"opensearch://search.local:9200/novapm-events",
		"clickhouse://ch.local:9000?table=novapm_events",
		"sqlite:///var/novapm/events.db",
		"postgres://user@host/db",
	}
	if len(dsns) != len(want) {
		t.Fatalf("expected %d dsns, got %d: %+v", len(want), len(dsns), dsns)
	}
	for i, w := range want {
		if dsns[i] != w {
			t.Fatalf("dsn[%d] = %q, want %q", i, dsns[i], w)
		}
	}
}

func TestHistoryDSNsCustomIndexAndTable(t *testing.T) {
	h := &config.HistoryConfig{
		OpenSearchURL:   "http://search.local:9200",
		OpenSearchIndex: "custom-idx",
		ClickHouseURL:   "ch.local:9000",
		ClickHouseTable: "custom_tbl",
	}
	dsns := historyDSNs(h)
	if len(dsns) != 2 {
		t.Fatalf("expected 2 dsns, got %d: %+v", len(dsns), dsns)
	}
	if dsns[0] != "opensearch://search.local:9200/custom-idx" {
		t.Fatalf("unexpected opensearch dsn: %q", dsns[0])
	}
	if dsns[1] != "clickhouse://ch.local:9000?table=custom_tbl" {
		t.Fatalf("unexpected clickhouse dsn: %q", dsns[1])
	}
}

func TestHistoryDSNsEmpty(t *testing.T) {
	if dsns := historyDSNs(&config.HistoryConfig{}); len(dsns) != 0 {
		t.Fatalf("expected no dsns for an empty history config, got %+v", dsns)
	}
}

func TestIPCSocketPathDefault(t *testing.T) {
	got := ipcSocketPath(&config.Config{})
	if got != defaultSocketPath() {
		t.Fatalf("expected default socket path, got %q", got)
	}
}

func TestIPCSocketPathFromConfig(t *testing.T) {
	cfg := &config.Config{IPC: &config.IPCConfig{Enabled: true, SocketPath: "/tmp/custom.sock"}}
	if got := ipcSocketPath(cfg); got != "/tmp/custom.sock" {
		t.Fatalf("expected configured socket path, got %q", got)
	}
}

func TestMustMemoryAuthStore(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("auth store is platform-independent but unexercised here")
	}
	st := mustMemoryAuthStore()
	if st == nil {
		t.Fatalf("expected a non-nil in-memory auth store")
	}
}
