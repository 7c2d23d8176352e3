// Package sqlite implements store.Store on SQLite (modernc.org/sqlite,
// CGO-free), the default embedded persistence driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/novapm/novapm/internal/store"
)

// DB implements store.Store for SQLite. path is a filesystem path to the
// database file; use ":memory:" for an in-memory database.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// For in-memory databases, keep a single connection so schema and data
	// stay visible across all operations; separate connections would each
	// see their own isolated :memory: database.
	if p == ":memory:" {
		d.SetMaxOpenConns(1)
	}
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA foreign_keys=ON;")
	return &DB{db: d}, nil
}

func (s *DB) Close() error { return s.db.Close() }

var migrations = []struct {
	version int
	stmts   []string
}{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`,
			`CREATE TABLE IF NOT EXISTS processes(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				spec_json TEXT NOT NULL,
				exec_mode TEXT NOT NULL,
				instances INTEGER NOT NULL,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS metrics(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				process_name TEXT NOT NULL REFERENCES processes(name) ON DELETE CASCADE,
				ts TIMESTAMP NOT NULL,
				cpu_percent REAL NOT NULL,
				rss_bytes INTEGER NOT NULL,
				aggregated INTEGER NOT NULL DEFAULT 0,
				sample_count INTEGER NOT NULL DEFAULT 1
			);`,
			`CREATE INDEX IF NOT EXISTS idx_metrics_process_ts ON metrics(process_name, ts);`,
			`CREATE TABLE IF NOT EXISTS events(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				process_name TEXT NOT NULL REFERENCES processes(name) ON DELETE CASCADE,
				type TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				data_json TEXT NOT NULL DEFAULT '',
				ts TIMESTAMP NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_events_process_ts ON events(process_name, ts);`,
		},
	},
}

// Migrate applies every migration whose version exceeds the highest
// applied version, each inside its own transaction.
func (s *DB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return err
	}
	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version;`)
	if err := row.Scan(&current); err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES(?);`, m.version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) UpsertProcess(ctx context.Context, rec store.ProcessRecord) (int64, error) {
	if strings.TrimSpace(rec.Name) == "" {
		return 0, errors.New("empty process name")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes(name, spec_json, exec_mode, instances, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			spec_json=excluded.spec_json,
			exec_mode=excluded.exec_mode,
			instances=excluded.instances,
			updated_at=excluded.updated_at;`,
		rec.Name, rec.SpecJSON, rec.ExecMode, rec.Instances, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return 0, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT id FROM processes WHERE name=?;`, rec.Name)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *DB) GetProcess(ctx context.Context, name string) (store.ProcessRecord, error) {
	var r store.ProcessRecord
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, spec_json, exec_mode, instances, created_at, updated_at FROM processes WHERE name=?;`, name)
	err := row.Scan(&r.ID, &r.Name, &r.SpecJSON, &r.ExecMode, &r.Instances, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return store.ProcessRecord{}, err
	}
	return r, nil
}

func (s *DB) ListProcesses(ctx context.Context) ([]store.ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
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

// DeleteProcess relies on the metrics/events foreign keys' ON DELETE
// CASCADE (foreign_keys pragma is enabled in New) to remove dependents.
func (s *DB) DeleteProcess(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("empty process name")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE name=?;`, name)
	return err
}

func (s *DB) InsertMetricSamples(ctx context.Context, samples []store.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics(process_name, ts, cpu_percent, rss_bytes, aggregated, sample_count)
		VALUES(?, ?, ?, ?, ?, ?);`)
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
		if _, err := stmt.ExecContext(ctx, sm.ProcessName, sm.Timestamp.UTC(), sm.CPUPercent, sm.RSSBytes, boolToInt(sm.Aggregated), count); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *DB) QueryMetrics(ctx context.Context, processName string, start, end time.Time) ([]store.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, process_name, ts, cpu_percent, rss_bytes, aggregated, sample_count
		FROM metrics WHERE process_name=? AND ts>=? AND ts<=? ORDER BY ts;`,
		processName, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.MetricSample
	for rows.Next() {
		var sm store.MetricSample
		var agg int
		if err := rows.Scan(&sm.ID, &sm.ProcessName, &sm.Timestamp, &sm.CPUPercent, &sm.RSSBytes, &agg, &sm.SampleCount); err != nil {
			return nil, err
		}
		sm.Aggregated = agg != 0
		out = append(out, sm)
	}
	return out, rows.Err()
}

// DownsampleMetrics folds every raw sample older than olderThan into one
// aggregated row per process per bucket, in a single transaction:
// select the bucket averages, delete the sources, insert the aggregates.
func (s *DB) DownsampleMetrics(ctx context.Context, olderThan time.Time, bucket time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	bucketSeconds := int64(bucket.Seconds())
	if bucketSeconds <= 0 {
		bucketSeconds = 3600
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT process_name,
		       (CAST(strftime('%s', ts) AS INTEGER) / ?) * ?,
		       AVG(cpu_percent), AVG(rss_bytes), SUM(sample_count)
		FROM metrics
		WHERE aggregated = 0 AND ts < ?
		GROUP BY process_name, (CAST(strftime('%s', ts) AS INTEGER) / ?);`,
		bucketSeconds, bucketSeconds, olderThan.UTC(), bucketSeconds)
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

	res, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE aggregated = 0 AND ts < ?;`, olderThan.UTC())
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	deleted, _ := res.RowsAffected()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metrics(process_name, ts, cpu_percent, rss_bytes, aggregated, sample_count)
		VALUES(?, ?, ?, ?, 1, ?);`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer insertStmt.Close()
	for _, b := range aggregates {
		ts := time.Unix(b.bucketUnix, 0).UTC()
		if _, err := insertStmt.ExecContext(ctx, b.name, ts, b.avgCPU, uint64(b.avgRSS), b.count); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	return deleted, tx.Commit()
}

func (s *DB) AppendEvent(ctx context.Context, ev store.EventRecord) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events(process_name, type, reason, data_json, ts)
		VALUES(?, ?, ?, ?, ?);`,
		ev.ProcessName, ev.Type, ev.Reason, ev.DataJSON, ev.Timestamp)
	return err
}

func (s *DB) ListEvents(ctx context.Context, processName string, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, process_name, type, reason, data_json, ts FROM events
		WHERE process_name=? ORDER BY ts DESC LIMIT ?;`, processName, limit)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
