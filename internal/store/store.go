// Package store is the Persistence Layer: durable state for process
// records, metric samples, and the event log, behind a single Store
// interface with pluggable SQL drivers (sqlite, postgres).
package store

import (
	"context"
	"time"
)

// ProcessRecord is the persisted form of a procspec.Spec plus the
// supervisor's bookkeeping, keyed by the process name (unique).
type ProcessRecord struct {
	ID        int64
	Name      string
	SpecJSON  string // serialized procspec.Spec, opaque to the store
	ExecMode  string
	Instances int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MetricSample is one observation of a container's resource usage, or
// (when Aggregated is true) a bucket-sized rollup of SampleCount
// observations (see DownsampleMetrics).
type MetricSample struct {
	ID          int64
	ProcessName string
	Timestamp   time.Time
	CPUPercent  float64
	RSSBytes    uint64
	Aggregated  bool
	SampleCount int
}

// EventRecord is an append-only entry mirroring an eventbus.Event,
// persisted for history/audit and for `novapm logs`-style replay.
type EventRecord struct {
	ID          int64
	ProcessName string
	Type        string
	Reason      string
	DataJSON    string
	Timestamp   time.Time
}

// Store is the persistence interface the Supervisor, Metrics Collector,
// and Event Bus subscribers write through. Implementations must be safe
// for concurrent use.
type Store interface {
	// Migrate applies any pending schema migrations transactionally, in
	// monotonic order, recording the applied version.
	Migrate(ctx context.Context) error

	// UpsertProcess inserts or updates the record for name (unique index
	// on name), returning its row ID.
	UpsertProcess(ctx context.Context, rec ProcessRecord) (int64, error)
	GetProcess(ctx context.Context, name string) (ProcessRecord, error)
	ListProcesses(ctx context.Context) ([]ProcessRecord, error)
	// DeleteProcess removes the named process record and cascades to its
	// metric samples and events.
	DeleteProcess(ctx context.Context, name string) error

	InsertMetricSamples(ctx context.Context, samples []MetricSample) error
	QueryMetrics(ctx context.Context, processName string, start, end time.Time) ([]MetricSample, error)
	// DownsampleMetrics folds raw samples older than olderThan into
	// bucket-sized aggregates, in one transaction per driver
	// (select + delete-source + insert-aggregate).
	DownsampleMetrics(ctx context.Context, olderThan time.Time, bucket time.Duration) (int64, error)

	AppendEvent(ctx context.Context, ev EventRecord) error
	ListEvents(ctx context.Context, processName string, limit int) ([]EventRecord, error)

	Close() error
}
