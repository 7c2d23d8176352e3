package ipc

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/novapm/novapm/internal/container"
	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/procgroup"
	"github.com/novapm/novapm/internal/procspec"
	"github.com/novapm/novapm/internal/supervisor"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix-domain sockets require a unix-like system")
	}
}

func startTestServer(t *testing.T, groups []procgroup.GroupSpec) (*Client, func()) {
	t.Helper()
	sup := supervisor.New(eventbus.New(nil))
	srv := NewServer(Deps{Supervisor: sup, Groups: groups})
	sockPath := filepath.Join(t.TempDir(), "novapm.sock")
	if err := srv.Listen(sockPath); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve() }()

	client, err := Dial(sockPath, 2*time.Second)
	if err != nil {
		_ = srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return client, func() {
		_ = client.Close()
		_ = srv.Close()
	}
}

func TestPing(t *testing.T) {
	requireUnix(t)
	client, cleanup := startTestServer(t, nil)
	defer cleanup()

	var out map[string]string
	if err := client.Call(MethodPing, nil, &out); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected ping response: %+v", out)
	}
}

func TestProcessLifecycleRoundTrip(t *testing.T) {
	requireUnix(t)
	client, cleanup := startTestServer(t, nil)
	defer cleanup()

	spec := procspec.Spec{Name: "svc", Script: "sleep 1"}
	if err := client.Call(MethodProcessStart, spec, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	var list []container.Status
	if err := client.Call(MethodProcessList, nil, &list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "svc" {
		t.Fatalf("unexpected list: %+v", list)
	}

	var info []container.Status
	if err := client.Call(MethodProcessInfo, targetParams{Name: "svc"}, &info); err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(info))
	}

	if err := client.Call(MethodProcessStop, targetParams{Name: "svc", Force: true}, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := client.Call(MethodProcessDelete, targetParams{Name: "svc"}, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var list2 []container.Status
	if err := client.Call(MethodProcessList, nil, &list2); err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(list2) != 0 {
		t.Fatalf("expected empty list after delete, got %+v", list2)
	}
}

func TestProcessInfoUnknown(t *testing.T) {
	requireUnix(t)
	client, cleanup := startTestServer(t, nil)
	defer cleanup()

	err := client.Call(MethodProcessInfo, targetParams{Name: "missing"}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown process")
	}
}

func TestGroupLifecycle(t *testing.T) {
	requireUnix(t)
	gs := procgroup.GroupSpec{
		Name: "g1",
		Members: []procspec.Spec{
			{Name: "g1-a", Script: "sleep 1"},
			{Name: "g1-b", Script: "sleep 1"},
		},
	}
	client, cleanup := startTestServer(t, []procgroup.GroupSpec{gs})
	defer cleanup()

	if err := client.Call(MethodGroupStart, groupParams{Name: "g1"}, nil); err != nil {
		t.Fatalf("group start: %v", err)
	}

	var list []container.Status
	if err := client.Call(MethodProcessList, nil, &list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 processes from group, got %d", len(list))
	}

	if err := client.Call(MethodGroupStop, groupParams{Name: "g1"}, nil); err != nil {
		t.Fatalf("group stop: %v", err)
	}
}

func TestGroupUnknown(t *testing.T) {
	requireUnix(t)
	client, cleanup := startTestServer(t, nil)
	defer cleanup()

	if err := client.Call(MethodGroupStart, groupParams{Name: "nope"}, nil); err == nil {
		t.Fatalf("expected error for unknown group")
	}
}

func TestUnknownMethod(t *testing.T) {
	requireUnix(t)
	client, cleanup := startTestServer(t, nil)
	defer cleanup()

	if err := client.Call("bogus.method", nil, nil); err == nil {
		t.Fatalf("expected error for unknown method")
	}
}

func TestMetricsDisabledByDefault(t *testing.T) {
	requireUnix(t)
	client, cleanup := startTestServer(t, nil)
	defer cleanup()

	if err := client.Call(MethodMetricsAll, nil, nil); err == nil {
		t.Fatalf("expected error: metrics collector not wired")
	}
}
