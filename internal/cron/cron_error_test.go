package cron

import (
	"testing"
	"time"

	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/procspec"
	"github.com/novapm/novapm/internal/supervisor"
)

func TestParseEveryInvalid(t *testing.T) {
	if _, err := parseEvery("every 1s"); err == nil { // missing '@'
		t.Fatalf("expected error for bad format")
	}
	if _, err := parseEvery("@every -1s"); err == nil { // non-positive
		t.Fatalf("expected error for non-positive duration")
	}
}

func TestSchedulerAddValidation(t *testing.T) {
	sup := supervisor.New(eventbus.New(nil))
	s := NewScheduler(sup)

	// empty name
	j := &Job{Name: "", Spec: procspec.Spec{Script: "true"}, Schedule: "@every 1s"}
	if err := s.Add(j); err == nil {
		t.Fatalf("expected error for empty job name")
	}
	// empty schedule
	j = &Job{Name: "a", Spec: procspec.Spec{Script: "true"}, Schedule: ""}
	if err := s.Add(j); err == nil {
		t.Fatalf("expected error for empty schedule")
	}
	// instances > 1
	j = &Job{Name: "b", Spec: procspec.Spec{Script: "true", Instances: 2}, Schedule: "@every 1s"}
	if err := s.Add(j); err == nil {
		t.Fatalf("expected error for instances>1")
	}
	// autorestart true
	j = &Job{Name: "c", Spec: procspec.Spec{Script: "true", AutoRestart: true}, Schedule: "@every 1s"}
	if err := s.Add(j); err == nil {
		t.Fatalf("expected error for autorestart true")
	}

	// valid job; Singleton defaults to true when false is passed
	j = &Job{Name: "ok", Spec: procspec.Spec{Script: "true"}, Schedule: "@every 1s", Singleton: false}
	if err := s.Add(j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.jobs[len(s.jobs)-1].Singleton {
		t.Fatalf("expected Singleton defaulted to true")
	}

	// Start/Stop with invalid schedule string on run: ensure Start returns error when parse fails
	ss := NewScheduler(sup)
	bad := &Job{Name: "bad", Spec: procspec.Spec{Script: "true"}, Schedule: "not@every"}
	_ = ss.Add(bad)
	if err := ss.Start(); err == nil {
		t.Fatalf("expected error on Start for invalid schedule")
	}

	// start valid and stop (no running jobs, just ensure no panic)
	sv := NewScheduler(sup)
	good := &Job{Name: "good", Spec: procspec.Spec{Name: "g", Script: "sleep 0.01", StartDuration: 0}, Schedule: "@every 10ms"}
	if err := sv.Add(good); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := sv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	sv.Stop()
}
