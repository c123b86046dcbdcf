// Package runs keeps the bookkeeping rows of acquisition and merge runs.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/util"
	"github.com/OFFIS-RIT/kinfetch/pkg/graph"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Kind string

const (
	KindAcquire Kind = "acquire"
	KindMerge   Kind = "merge"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var ErrNotFound = errors.New("run not found")

const (
	idAlphabet      = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength        = 16
	errorTextLimit  = 4096
	typicalRunCount = 20
)

// Run is one row of the runs table.
type Run struct {
	ID           string          `db:"id" json:"id"`
	Kind         Kind            `db:"kind" json:"kind"`
	Status       Status          `db:"status" json:"status"`
	OwnerID      int64           `db:"owner_id" json:"-"`
	Params       json.RawMessage `db:"params" json:"params"`
	Stage        string          `db:"stage" json:"stage,omitempty"`
	Generation   int             `db:"generation" json:"generation,omitempty"`
	Individuals  int             `db:"individuals" json:"individuals"`
	Families     int             `db:"families" json:"families"`
	Sources      int             `db:"sources" json:"sources"`
	Notes        int             `db:"notes" json:"notes"`
	Requests     int64           `db:"requests" json:"requests"`
	ExportKey    *string         `db:"export_key" json:"-"`
	ErrorMessage *string         `db:"error_message" json:"error,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	StartedAt    *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// Stats returns the entity counts recorded for the run.
func (r *Run) Stats() graph.Stats {
	return graph.Stats{
		Individuals: r.Individuals,
		Families:    r.Families,
		Sources:     r.Sources,
		Notes:       r.Notes,
	}
}

// Exported reports whether the run produced a GEDCOM file. A failed
// acquisition may carry the part of the tree it downloaded before failing.
func (r *Run) Exported() bool {
	if r.Status != StatusCompleted && r.Status != StatusFailed {
		return false
	}
	return r.ExportKey != nil && *r.ExportKey != ""
}

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db dbConn
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// NewID returns a fresh run id.
func NewID() (string, error) {
	return gonanoid.Generate(idAlphabet, idLength)
}

// Create inserts a pending run owned by ownerID. params is stored as JSON
// and is the job message the run was queued with.
func (s *Store) Create(ctx context.Context, id string, kind Kind, ownerID int64, params any) (*Run, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run params: %w", err)
	}
	rows, err := s.db.Query(ctx, createSQL, id, kind, ownerID, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return collectRun(rows)
}

// Get returns the run with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	rows, err := s.db.Query(ctx, getSQL, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return collectRun(rows)
}

// Start moves a pending or failed run to running. A run that is already
// running is restarted, which happens when its message is redelivered.
func (s *Store) Start(ctx context.Context, id string) error {
	return s.exec(ctx, startSQL, id)
}

// Progress records the stage and counts reported by a running run.
func (s *Store) Progress(ctx context.Context, id string, p graph.Progress, requests int64) error {
	return s.exec(ctx, progressSQL, id, string(p.Stage), p.Generation,
		p.Individuals, p.Families, p.Sources, p.Notes, requests)
}

// Complete marks the run finished with its export written to exportKey.
func (s *Store) Complete(ctx context.Context, id, exportKey string, stats graph.Stats, requests int64) error {
	return s.exec(ctx, completeSQL, id, exportKey,
		stats.Individuals, stats.Families, stats.Sources, stats.Notes, requests)
}

// Partial records the export of a tree that a still running run could only
// download in part. The run is expected to fail right after.
func (s *Store) Partial(ctx context.Context, id, exportKey string, stats graph.Stats, requests int64) error {
	return s.exec(ctx, partialSQL, id, exportKey,
		stats.Individuals, stats.Families, stats.Sources, stats.Notes, requests)
}

// Fail marks the run failed with the message of cause.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	return s.exec(ctx, failSQL, id, util.ErrorText(cause, errorTextLimit))
}

// Stale returns running runs that have not reported progress since before.
func (s *Store) Stale(ctx context.Context, before time.Time) ([]*Run, error) {
	rows, err := s.db.Query(ctx, staleSQL, before)
	if err != nil {
		return nil, fmt.Errorf("failed to load stale runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Run])
	if err != nil {
		return nil, fmt.Errorf("failed to read stale runs: %w", err)
	}
	return runs, nil
}

// TypicalDuration is the mean duration of the latest completed runs of kind.
// It is zero when no run of that kind has completed yet.
func (s *Store) TypicalDuration(ctx context.Context, kind Kind) (time.Duration, error) {
	var ms float64
	if err := s.db.QueryRow(ctx, typicalDurationSQL, kind, typicalRunCount).Scan(&ms); err != nil {
		return 0, fmt.Errorf("failed to compute typical duration: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRun(rows pgx.Rows) (*Run, error) {
	run, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Run])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	return run, nil
}

const runColumns = `id, kind, status, owner_id, params, stage, generation,
individuals, families, sources, notes, requests, export_key, error_message,
created_at, updated_at, started_at, finished_at`

const createSQL = `
INSERT INTO runs (id, kind, owner_id, params)
VALUES ($1, $2, $3, $4)
RETURNING ` + runColumns

const getSQL = `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

const startSQL = `
UPDATE runs
SET status = 'running', error_message = NULL, export_key = NULL, stage = '', generation = 0,
    started_at = now(), finished_at = NULL, updated_at = now()
WHERE id = $1 AND status <> 'completed'`

const progressSQL = `
UPDATE runs
SET stage = $2, generation = $3, individuals = $4, families = $5,
    sources = $6, notes = $7, requests = $8, updated_at = now()
WHERE id = $1 AND status = 'running'`

const completeSQL = `
UPDATE runs
SET status = 'completed', stage = 'done', export_key = $2, individuals = $3,
    families = $4, sources = $5, notes = $6, requests = $7,
    finished_at = now(), updated_at = now()
WHERE id = $1`

const partialSQL = `
UPDATE runs
SET stage = 'partial', export_key = $2, individuals = $3, families = $4,
    sources = $5, notes = $6, requests = $7, updated_at = now()
WHERE id = $1 AND status = 'running'`

const failSQL = `
UPDATE runs
SET status = 'failed', error_message = $2, finished_at = now(), updated_at = now()
WHERE id = $1 AND status <> 'completed'`

const staleSQL = `SELECT ` + runColumns + `
FROM runs
WHERE status = 'running' AND updated_at < $1
ORDER BY updated_at`

const typicalDurationSQL = `
SELECT COALESCE(AVG(EXTRACT(EPOCH FROM finished_at - started_at) * 1000), 0)::float8
FROM (
    SELECT started_at, finished_at
    FROM runs
    WHERE kind = $1 AND status = 'completed' AND started_at IS NOT NULL
    ORDER BY finished_at DESC
    LIMIT $2
) latest`
