package client

import (
	"context"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/procspec"
	"github.com/novapm/novapm/internal/server"
	"github.com/novapm/novapm/internal/supervisor"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh/sleep on Unix-like systems")
	}
}

func newTestDaemon(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := supervisor.New(eventbus.New(nil))
	r := server.NewRouter(server.Deps{Supervisor: sup, Bus: eventbus.New(nil)}, "")
	ts := httptest.NewServer(r.Handler())
	cfg := DefaultConfig()
	cfg.BaseURL = ts.URL + "/api/v1"
	return ts, New(cfg)
}

func TestIsReachable(t *testing.T) {
	ts, c := newTestDaemon(t)
	defer ts.Close()

	if !c.IsReachable(context.Background()) {
		t.Fatalf("expected daemon to be reachable")
	}
}

func TestStartListInfoDelete(t *testing.T) {
	requireUnix(t)
	ts, c := newTestDaemon(t)
	defer ts.Close()
	ctx := context.Background()

	spec := procspec.Spec{Name: "svc", Script: "sleep 1"}
	if err := c.StartProcess(ctx, spec); err != nil {
		t.Fatalf("start: %v", err)
	}

	list, err := c.ListProcesses(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "svc" {
		t.Fatalf("unexpected list: %+v", list)
	}

	info, err := c.ProcessInfo(ctx, "svc")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(info))
	}

	if err := c.StopProcess(ctx, "svc", true, 2*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.DeleteProcess(ctx, "svc"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	list2, err := c.ListProcesses(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list2) != 0 {
		t.Fatalf("expected empty list after delete, got %+v", list2)
	}
}

func TestProcessInfoNotFound(t *testing.T) {
	ts, c := newTestDaemon(t)
	defer ts.Close()

	if _, err := c.ProcessInfo(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown process")
	}
}

func TestScaleProcess(t *testing.T) {
	requireUnix(t)
	ts, c := newTestDaemon(t)
	defer ts.Close()
	ctx := context.Background()

	spec := procspec.Spec{Name: "demo", Script: "sleep 1", Instances: 2, ExecMode: procspec.ExecModeCluster}
	if err := c.StartProcess(ctx, spec); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := c.ScaleProcess(ctx, "demo", "1"); err != nil {
		t.Fatalf("scale: %v", err)
	}
}
