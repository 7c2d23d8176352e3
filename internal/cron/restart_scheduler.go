package cron

import (
	"log/slog"
	"sync"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/novapm/novapm/internal/procspec"
	"github.com/novapm/novapm/internal/supervisor"
)

// RestartScheduler parses each declared process's CronRestart field as a
// six-field cron expression with a required leading seconds field (e.g.
// "0 0 3 * * *"), or a descriptor such as "@daily", and, at each firing, asks the
// Supervisor to restart that process. It is distinct from Scheduler/Job
// above: a standalone job's Schedule only accepts "@every <duration>" and
// starts a process that may not otherwise be running, while CronRestart
// restarts a process the Supervisor already manages and uses the cron
// grammar an operator expects from a "restart at 3am daily" declaration.
type RestartScheduler struct {
	sup *supervisor.Supervisor
	log *slog.Logger

	mu      sync.Mutex
	c       *robfigcron.Cron
	entries map[string]robfigcron.EntryID // process name -> active entry
	exprs   map[string]string             // process name -> expression currently scheduled
}

// NewRestartScheduler builds a RestartScheduler around sup. log may be nil.
func NewRestartScheduler(sup *supervisor.Supervisor, log *slog.Logger) *RestartScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &RestartScheduler{
		sup:     sup,
		log:     log,
		c:       robfigcron.New(robfigcron.WithSeconds()),
		entries: make(map[string]robfigcron.EntryID),
		exprs:   make(map[string]string),
	}
}

// Start begins the underlying cron dispatcher. Sync must be called (at
// least once) to populate entries; Start may be called before or after the
// first Sync.
func (r *RestartScheduler) Start() {
	r.c.Start()
}

// Stop halts the dispatcher and waits for any in-flight job to finish.
func (r *RestartScheduler) Stop() {
	<-r.c.Stop().Done()
}

// Sync reconciles the scheduler's entries against specs: specs with a
// non-empty CronRestart gain (or keep) an entry; processes that lost their
// CronRestart field, or were removed, have their entry torn down. Call this
// whenever the declared process set changes (after Start, Restart, Delete,
// or a config reload).
func (r *RestartScheduler) Sync(specs []procspec.Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]string, len(specs)) // name -> expression
	for _, spec := range specs {
		if spec.CronRestart != "" {
			wanted[spec.Name] = spec.CronRestart
		}
	}

	for name, id := range r.entries {
		if wanted[name] == "" {
			r.c.Remove(id)
			delete(r.entries, name)
			delete(r.exprs, name)
		}
	}

	for name, expr := range wanted {
		if r.exprs[name] == expr {
			continue // already scheduled with this exact expression
		}
		if id, ok := r.entries[name]; ok {
			r.c.Remove(id)
		}
		processName := name
		id, err := r.c.AddFunc(expr, func() {
			r.sup.TriggerCronRestart(processName)
		})
		if err != nil {
			r.log.Error("cron restart: invalid expression", "process", name, "expr", expr, "error", err)
			delete(r.entries, name)
			delete(r.exprs, name)
			continue
		}
		r.entries[name] = id
		r.exprs[name] = expr
	}
}
