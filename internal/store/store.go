// Package store persists run history to a sqlite database: one row per
// run plus one row per major iteration, so convergence trajectories can
// be compared across parameter sweeps.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps the run-history database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the run-history database at path and
// applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrations fs: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// RunRecord is one persisted run.
type RunRecord struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      time.Time
	Physics         []string
	Ranks           int
	NumCells        int
	Converged       bool
	Diverged        bool
	ResidualNorm    float64
	MajorIterations int
	MinorIterations int
}

// IterationRecord is one persisted major iteration.
type IterationRecord struct {
	RunID             string
	Major             int
	MinorIterations   int
	ResidualNorm      float64
	CrossGradientNorm float64
}

// BeginRun inserts a new run row and returns its generated identifier.
func (s *Store) BeginRun(physics []string, ranks, numCells int) (string, error) {
	id := uuid.NewString()
	_, err := s.Exec(
		`INSERT INTO runs (run_id, physics, ranks, num_cells) VALUES (?, ?, ?, ?)`,
		id, strings.Join(physics, ","), ranks, numCells,
	)
	if err != nil {
		return "", fmt.Errorf("store: begin run: %w", err)
	}
	return id, nil
}

// RecordIteration appends one major iteration's statistics to a run.
func (s *Store) RecordIteration(it IterationRecord) error {
	_, err := s.Exec(
		`INSERT INTO iterations (run_id, major, minor_iterations, residual_norm, cross_gradient_norm)
		 VALUES (?, ?, ?, ?, ?)`,
		it.RunID, it.Major, it.MinorIterations, it.ResidualNorm, it.CrossGradientNorm,
	)
	if err != nil {
		return fmt.Errorf("store: record iteration %d of run %s: %w", it.Major, it.RunID, err)
	}
	return nil
}

// FinishRun stamps the run's outcome.
func (s *Store) FinishRun(id string, converged, diverged bool, residualNorm float64, majors, minors int) error {
	res, err := s.Exec(
		`UPDATE runs SET finished_at = CURRENT_TIMESTAMP, converged = ?, diverged = ?,
		        residual_norm = ?, major_iterations = ?, minor_iterations = ?
		 WHERE run_id = ?`,
		boolInt(converged), boolInt(diverged), residualNorm, majors, minors, id,
	)
	if err != nil {
		return fmt.Errorf("store: finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("store: finish run %s: no such run", id)
	}
	return nil
}

// Run fetches one run row.
func (s *Store) Run(id string) (*RunRecord, error) {
	row := s.QueryRow(
		`SELECT run_id, started_at, COALESCE(finished_at, started_at), physics, ranks, num_cells,
		        converged, diverged, COALESCE(residual_norm, 0),
		        COALESCE(major_iterations, 0), COALESCE(minor_iterations, 0)
		 FROM runs WHERE run_id = ?`, id)
	var r RunRecord
	var physics string
	var converged, diverged int
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &physics, &r.Ranks, &r.NumCells,
		&converged, &diverged, &r.ResidualNorm, &r.MajorIterations, &r.MinorIterations)
	if err != nil {
		return nil, fmt.Errorf("store: run %s: %w", id, err)
	}
	if physics != "" {
		r.Physics = strings.Split(physics, ",")
	}
	r.Converged = converged != 0
	r.Diverged = diverged != 0
	return &r, nil
}

// Iterations fetches a run's major-iteration trajectory ordered by major.
func (s *Store) Iterations(runID string) ([]IterationRecord, error) {
	rows, err := s.Query(
		`SELECT run_id, major, minor_iterations, residual_norm, cross_gradient_norm
		 FROM iterations WHERE run_id = ? ORDER BY major`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: iterations of run %s: %w", runID, err)
	}
	defer rows.Close()
	var out []IterationRecord
	for rows.Next() {
		var it IterationRecord
		if err := rows.Scan(&it.RunID, &it.Major, &it.MinorIterations, &it.ResidualNorm, &it.CrossGradientNorm); err != nil {
			return nil, fmt.Errorf("store: scan iteration: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
