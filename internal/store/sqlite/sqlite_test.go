package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/novapm/novapm/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil { // idempotent
		t.Fatalf("migrate 2: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertAndGetProcess(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := store.ProcessRecord{Name: "web", SpecJSON: `{"script":"node app.js"}`, ExecMode: "cluster", Instances: 2}
	id, err := db.UpsertProcess(ctx, rec)
	if err != nil || id == 0 {
		t.Fatalf("upsert: id=%d err=%v", id, err)
	}

	got, err := db.GetProcess(ctx, "web")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Instances != 2 || got.ExecMode != "cluster" {
		t.Fatalf("unexpected record: %+v", got)
	}

	rec.Instances = 4
	if _, err := db.UpsertProcess(ctx, rec); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got2, _ := db.GetProcess(ctx, "web")
	if got2.Instances != 4 {
		t.Fatalf("expected upsert to update instances, got %d", got2.Instances)
	}

	list, err := db.ListProcesses(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: err=%v len=%d", err, len(list))
	}
}

func TestDeleteProcessCascadesMetricsAndEvents(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertProcess(ctx, store.ProcessRecord{Name: "api", ExecMode: "fork", Instances: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	now := time.Now().UTC()
	if err := db.InsertMetricSamples(ctx, []store.MetricSample{{ProcessName: "api", Timestamp: now, CPUPercent: 1.5, RSSBytes: 1024}}); err != nil {
		t.Fatalf("insert metric: %v", err)
	}
	if err := db.AppendEvent(ctx, store.EventRecord{ProcessName: "api", Type: "start", Timestamp: now}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	if err := db.DeleteProcess(ctx, "api"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	samples, err := db.QueryMetrics(ctx, "api", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("query metrics: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("expected metrics to cascade-delete, got %d rows", len(samples))
	}
	events, err := db.ListEvents(ctx, "api", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events to cascade-delete, got %d rows", len(events))
	}
}

func TestMetricsRangeQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.UpsertProcess(ctx, store.ProcessRecord{Name: "svc", ExecMode: "fork", Instances: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	base := time.Now().Add(-time.Hour).UTC()
	samples := []store.MetricSample{
		{ProcessName: "svc", Timestamp: base, CPUPercent: 1, RSSBytes: 100},
		{ProcessName: "svc", Timestamp: base.Add(10 * time.Minute), CPUPercent: 2, RSSBytes: 200},
		{ProcessName: "svc", Timestamp: base.Add(50 * time.Minute), CPUPercent: 3, RSSBytes: 300},
	}
	if err := db.InsertMetricSamples(ctx, samples); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := db.QueryMetrics(ctx, "svc", base, base.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 samples in range, got %d", len(got))
	}
}

func TestDownsampleMetricsFoldsOldSamplesIntoOneBucket(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.UpsertProcess(ctx, store.ProcessRecord{Name: "svc", ExecMode: "fork", Instances: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	old := time.Now().Add(-3 * time.Hour).UTC().Truncate(time.Hour)
	samples := []store.MetricSample{
		{ProcessName: "svc", Timestamp: old.Add(time.Minute), CPUPercent: 10, RSSBytes: 1000},
		{ProcessName: "svc", Timestamp: old.Add(2 * time.Minute), CPUPercent: 20, RSSBytes: 2000},
	}
	if err := db.InsertMetricSamples(ctx, samples); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deleted, err := db.DownsampleMetrics(ctx, time.Now().Add(-time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("downsample: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 raw rows deleted, got %d", deleted)
	}

	got, err := db.QueryMetrics(ctx, "svc", old.Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("query after downsample: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one aggregated bucket, got %d", len(got))
	}
	if !got[0].Aggregated || got[0].SampleCount != 2 {
		t.Fatalf("unexpected aggregate row: %+v", got[0])
	}
	if got[0].CPUPercent != 15 {
		t.Fatalf("expected averaged CPU 15, got %v", got[0].CPUPercent)
	}
}

func TestEventsListedNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.UpsertProcess(ctx, store.ProcessRecord{Name: "svc", ExecMode: "fork", Instances: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	base := time.Now().Add(-time.Minute).UTC()
	if err := db.AppendEvent(ctx, store.EventRecord{ProcessName: "svc", Type: "start", Timestamp: base}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.AppendEvent(ctx, store.EventRecord{ProcessName: "svc", Type: "online", Timestamp: base.Add(5 * time.Second)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := db.ListEvents(ctx, "svc", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Type != "online" {
		t.Fatalf("expected newest-first ordering, got %+v", events)
	}
}
