// Package postgres implements store.Store on PostgreSQL (jackc/pgx/v5
// stdlib driver), for deployments sharing one Persistence Layer across
// multiple hosts/dashboards.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/novapm/novapm/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) Close() error { return p.db.Close() }

var migrations = []struct {
	version int
	stmts   []string
}{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`,
			`CREATE TABLE IF NOT EXISTS processes(
				id BIGSERIAL PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				spec_json TEXT NOT NULL,
				exec_mode TEXT NOT NULL,
				instances INTEGER NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS metrics(
				id BIGSERIAL PRIMARY KEY,
				process_name TEXT NOT NULL REFERENCES processes(name) ON DELETE CASCADE,
				ts TIMESTAMPTZ NOT NULL,
				cpu_percent DOUBLE PRECISION NOT NULL,
				rss_bytes BIGINT NOT NULL,
				aggregated BOOLEAN NOT NULL DEFAULT FALSE,
				sample_count INTEGER NOT NULL DEFAULT 1
			);`,
			`CREATE INDEX IF NOT EXISTS idx_metrics_process_ts ON metrics(process_name, ts);`,
			`CREATE TABLE IF NOT EXISTS events(
				id BIGSERIAL PRIMARY KEY,
				process_name TEXT NOT NULL REFERENCES processes(name) ON DELETE CASCADE,
				type TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				data_json TEXT NOT NULL DEFAULT '',
				ts TIMESTAMPTZ NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_events_process_ts ON events(process_name, ts);`,
		},
	},
}

func (p *DB) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return err
	}
	var current int
	row := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version;`)
	if err := row.Scan(&current); err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES($1);`, m.version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) UpsertProcess(ctx context.Context, rec store.ProcessRecord) (int64, error) {
	if rec.Name == "" {
		return 0, errors.New("empty process name")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO processes(name, spec_json, exec_mode, instances, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT(name) DO UPDATE SET
			spec_json=EXCLUDED.spec_json,
			exec_mode=EXCLUDED.exec_mode,
			instances=EXCLUDED.instances,
			updated_at=EXCLUDED.updated_at
		RETURNING id;`,
		rec.Name, rec.SpecJSON, rec.ExecMode, rec.Instances, rec.CreatedAt, rec.UpdatedAt)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (p *DB) GetProcess(ctx context.Context, name string) (store.ProcessRecord, error) {
	var r store.ProcessRecord
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, spec_json, exec_mode, instances, created_at, updated_at FROM processes WHERE name=$1;`, name)
	err := row.Scan(&r.ID, &r.Name, &r.SpecJSON, &r.ExecMode, &r.Instances, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return store.ProcessRecord{}, err
	}
	return r, nil
}

func (p *DB) ListProcesses(ctx context.Context) ([]store.ProcessRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, spec_json, exec_mode, instances, created_at, updated_at FROM processes ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ProcessRecord
	for rows.Next() {
		var r store.ProcessRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.SpecJSON, &r.ExecMode, &r.Instances, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *DB) DeleteProcess(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("empty process name")
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM processes WHERE name=$1;`, name)
	return err
}

func (p *DB) InsertMetricSamples(ctx context.Context, samples []store.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics(process_name, ts, cpu_percent, rss_bytes, aggregated, sample_count)
		VALUES($1,$2,$3,$4,$5,$6);`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, sm := range samples {
		count := sm.SampleCount
		if count == 0 {
			count = 1
		}
		if _, err := stmt.ExecContext(ctx, sm.ProcessName, sm.Timestamp.UTC(), sm.CPUPercent, int64(sm.RSSBytes), sm.Aggregated, count); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (p *DB) QueryMetrics(ctx context.Context, processName string, start, end time.Time) ([]store.MetricSample, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, process_name, ts, cpu_percent, rss_bytes, aggregated, sample_count
		FROM metrics WHERE process_name=$1 AND ts>=$2 AND ts<=$3 ORDER BY ts;`,
		processName, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.MetricSample
	for rows.Next() {
		var sm store.MetricSample
		var rss int64
		if err := rows.Scan(&sm.ID, &sm.ProcessName, &sm.Timestamp, &sm.CPUPercent, &rss, &sm.Aggregated, &sm.SampleCount); err != nil {
			return nil, err
		}
		sm.RSSBytes = uint64(rss)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// DownsampleMetrics folds every raw sample older than olderThan into one
// aggregated row per process per bucket, in a single transaction: select
// the bucket averages, delete the sources, insert the aggregates.
func (p *DB) DownsampleMetrics(ctx context.Context, olderThan time.Time, bucket time.Duration) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	bucketSeconds := int64(bucket.Seconds())
	if bucketSeconds <= 0 {
		bucketSeconds = 3600
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT process_name,
		       (EXTRACT(EPOCH FROM ts)::BIGINT / $1) * $1 AS bucket_unix,
		       AVG(cpu_percent), AVG(rss_bytes), SUM(sample_count)
		FROM metrics
		WHERE aggregated = FALSE AND ts < $2
		GROUP BY process_name, bucket_unix;`,
		bucketSeconds, olderThan.UTC())
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	type bucketRow struct {
		name       string
		bucketUnix int64
		avgCPU     float64
		avgRSS     float64
		count      int
	}
	var aggregates []bucketRow
	for rows.Next() {
		var b bucketRow
		if err := rows.Scan(&b.name, &b.bucketUnix, &b.avgCPU, &b.avgRSS, &b.count); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return 0, err
		}
		aggregates = append(aggregates, b)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		_ = tx.Rollback()
		return 0, err
	}
	_ = rows.Close()

	res, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE aggregated = FALSE AND ts < $1;`, olderThan.UTC())
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	deleted, _ := res.RowsAffected()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics(process_name, ts, cpu_percent, rss_bytes, aggregated, sample_count)
		VALUES($1,$2,$3,$4,TRUE,$5);`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer insertStmt.Close()
	for _, b := range aggregates {
		ts := time.Unix(b.bucketUnix, 0).UTC()
		if _, err := insertStmt.ExecContext(ctx, b.name, ts, b.avgCPU, int64(b.avgRSS), b.count); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	return deleted, tx.Commit()
}

func (p *DB) AppendEvent(ctx context.Context, ev store.EventRecord) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO events(process_name, type, reason, data_json, ts)
		VALUES($1,$2,$3,$4,$5);`,
		ev.ProcessName, ev.Type, ev.Reason, ev.DataJSON, ev.Timestamp)
	return err
}

func (p *DB) ListEvents(ctx context.Context, processName string, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, process_name, type, reason, data_json, ts FROM events
		WHERE process_name=$1 ORDER BY ts DESC LIMIT $2;`, processName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.EventRecord
	for rows.Next() {
		var e store.EventRecord
		if err := rows.Scan(&e.ID, &e.ProcessName, &e.Type, &e.Reason, &e.DataJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
