package cron

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/procspec"
	"github.com/novapm/novapm/internal/supervisor"
)

func waitForCron(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRestartSchedulerFiresOnCronExpression(t *testing.T) {
	requireUnix(t)
	bus := eventbus.New(nil)
	var restarts int32
	bus.Subscribe(eventbus.TypeRestart, func(ev eventbus.Event) {
		if ev.ProcessName == "web" && ev.Reason == "cron" {
			atomic.AddInt32(&restarts, 1)
		}
	})
	sup := supervisor.New(bus)
	if err := sup.Start(procspec.Spec{Name: "web", Script: "sleep 5"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = sup.StopAll(time.Second) }()

	rs := NewRestartScheduler(sup, nil)
	rs.Sync([]procspec.Spec{{Name: "web", CronRestart: "* * * * * *"}}) // every second
	rs.Start()
	defer rs.Stop()

	waitForCron(t, 3*time.Second, func() bool { return atomic.LoadInt32(&restarts) > 0 })
}

func TestRestartSchedulerSyncRemovesStaleEntries(t *testing.T) {
	sup := supervisor.New(eventbus.New(nil))
	rs := NewRestartScheduler(sup, nil)

	rs.Sync([]procspec.Spec{{Name: "a", CronRestart: "* * * * * *"}})
	if len(rs.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(rs.entries))
	}

	rs.Sync(nil)
	if len(rs.entries) != 0 {
		t.Fatalf("expected entries cleared, got %d", len(rs.entries))
	}
}

func TestRestartSchedulerSyncIgnoresUnchangedExpression(t *testing.T) {
	sup := supervisor.New(eventbus.New(nil))
	rs := NewRestartScheduler(sup, nil)

	specs := []procspec.Spec{{Name: "a", CronRestart: "* * * * * *"}}
	rs.Sync(specs)
	first := rs.entries["a"]
	rs.Sync(specs)
	if rs.entries["a"] != first {
		t.Fatalf("expected unchanged expression to keep the same entry")
	}
}

func TestRestartSchedulerSyncSkipsInvalidExpression(t *testing.T) {
	sup := supervisor.New(eventbus.New(nil))
	rs := NewRestartScheduler(sup, nil)
	rs.Sync([]procspec.Spec{{Name: "bad", CronRestart: "not a cron expr"}})
	if len(rs.entries) != 0 {
		t.Fatalf("expected invalid expression to be skipped")
	}
}
