// Package store persists benchmark results so runs can be compared over
// time. SQLite is the default; DuckDB suits ad-hoc analytics over many runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"Mokpell/internal/inferbench"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverDuckDB = "duckdb"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("store: run not found")

// Run is one stored benchmark row.
type Run struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Model     string            `json:"model"`
	Device    string            `json:"device"`
	Params    inferbench.Params `json:"params"`
	PPMean    float64           `json:"pp_mean_tps"`
	PPStd     float64           `json:"pp_std_tps"`
	TGMean    float64           `json:"tg_mean_tps"`
	TGStd     float64           `json:"tg_std_tps"`
	// Result is the full report as saved.
	Result inferbench.Result `json:"result"`
}

// History wraps a database holding bench_runs.
type History struct {
	db     *sql.DB
	driver string
}

// Open opens (and initializes) the history database at path.
func Open(driver, path string) (*History, error) {
	if path == "" {
		return nil, errors.New("store: empty database path")
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: failed to ensure directory: %w", err)
		}
	}

	var dsn string
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	case DriverDuckDB:
		dsn = path
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s database: %w", driver, err)
	}
	h := &History{db: db, driver: driver}
	if err := h.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) bootstrap() error {
	if _, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS bench_runs (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			model TEXT NOT NULL,
			device TEXT NOT NULL,
			pp INTEGER NOT NULL,
			tg INTEGER NOT NULL,
			pl INTEGER NOT NULL,
			nr INTEGER NOT NULL,
			pp_mean DOUBLE NOT NULL,
			pp_std DOUBLE NOT NULL,
			tg_mean DOUBLE NOT NULL,
			tg_std DOUBLE NOT NULL,
			report TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: failed to create bench_runs table: %w", err)
	}
	return nil
}

// Driver names the database driver in use.
func (h *History) Driver() string { return h.driver }

// Save stores res. Results without an id or timestamp are rejected.
func (h *History) Save(ctx context.Context, res inferbench.Result) error {
	if res.ID == "" {
		return errors.New("store: result has no id")
	}
	if res.Timestamp.IsZero() {
		return errors.New("store: result has no timestamp")
	}
	report, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("store: encode report: %w", err)
	}
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO bench_runs (id, created_at, model, device, pp, tg, pl, nr, pp_mean, pp_std, tg_mean, tg_std, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.Timestamp.UnixNano(), res.Model.Description, res.Model.Device,
		res.Params.PP, res.Params.TG, res.Params.PL, res.Params.NR,
		res.PP.Mean, res.PP.Std, res.TG.Mean, res.TG.Std, string(report),
	)
	if err != nil {
		return fmt.Errorf("store: insert run %s: %w", res.ID, err)
	}
	return nil
}

const selectRuns = `SELECT id, created_at, model, device, pp, tg, pl, nr, pp_mean, pp_std, tg_mean, tg_std, report FROM bench_runs`

// Recent returns up to limit runs, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, errors.New("store: limit must be greater than zero")
	}
	rows, err := h.db.QueryContext(ctx, selectRuns+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate runs: %w", err)
	}
	return runs, nil
}

// Get returns the run with the given id.
func (h *History) Get(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(h.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r       Run
		created int64
		report  string
	)
	err := s.Scan(&r.ID, &created, &r.Model, &r.Device,
		&r.Params.PP, &r.Params.TG, &r.Params.PL, &r.Params.NR,
		&r.PPMean, &r.PPStd, &r.TGMean, &r.TGStd, &report)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("store: scan run: %w", err)
	}
	r.CreatedAt = time.Unix(0, created)
	if err := json.Unmarshal([]byte(report), &r.Result); err != nil {
		return Run{}, fmt.Errorf("store: decode report %s: %w", r.ID, err)
	}
	return r, nil
}

// Close closes the database.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
