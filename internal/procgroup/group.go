// Package procgroup manages named sets of process specs started, stopped,
// and queried together, generalizing the "all" wildcard target to groups
// the operator names explicitly in configuration.
package procgroup

import (
	"fmt"
	"time"

	"github.com/novapm/novapm/internal/container"
	"github.com/novapm/novapm/internal/procspec"
	"github.com/novapm/novapm/internal/supervisor"
)

// GroupSpec defines a group of processes managed together. Each member is
// a full procspec.Spec; Name is a logical group identifier used for
// diagnostics and the group-scoped CLI/HTTP endpoints only — the
// supervisor itself has no notion of groups, just individually named
// process specs.
type GroupSpec struct {
	Name    string
	Members []procspec.Spec
}

// Group provides start/stop/status operations over a set of processes
// using an underlying supervisor.Supervisor.
type Group struct {
	sup *supervisor.Supervisor
}

func New(sup *supervisor.Supervisor) *Group { return &Group{sup: sup} }

// Start starts every member. If any member fails to start, members already
// started in this call are rolled back and the error is returned.
func (g *Group) Start(gs GroupSpec) error {
	started := make([]procspec.Spec, 0, len(gs.Members))
	for _, m := range gs.Members {
		if err := g.sup.Start(m); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = g.sup.Stop(started[i].Name, true, 2*time.Second)
			}
			return fmt.Errorf("group %s start failed on %s: %w", gs.Name, m.Name, err)
		}
		started = append(started, m)
	}
	return nil
}

// Stop stops every member regardless of its state, best-effort, returning
// the first error encountered.
func (g *Group) Stop(gs GroupSpec, wait time.Duration) error {
	var firstErr error
	for _, m := range gs.Members {
		if err := g.sup.Stop(m.Name, true, wait); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Restart restarts every member in member order, returning the first error.
func (g *Group) Restart(gs GroupSpec, wait time.Duration) error {
	var firstErr error
	for _, m := range gs.Members {
		if err := g.sup.Restart(m.Name, true, wait); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status returns a map of member name to its instance statuses.
func (g *Group) Status(gs GroupSpec) (map[string][]container.Status, error) {
	res := make(map[string][]container.Status, len(gs.Members))
	for _, m := range gs.Members {
		sts, err := g.sup.Info(m.Name)
		if err != nil {
			return nil, err
		}
		res[m.Name] = sts
	}
	return res, nil
}
