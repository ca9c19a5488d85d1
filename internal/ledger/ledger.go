// Package ledger keeps the durable, append-only record of a run: every
// stage invocation and every convergence verdict, queryable after the fact
// by `scfrun status`.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

// Ledger wraps the run database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database and applies
// migrations.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) migrate() error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for version < schemaVersion {
		version++
		switch version {
		case 1:
			if err := applySchemaV1(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func applySchemaV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS stage_runs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			iteration   INTEGER NOT NULL,
			stage       TEXT NOT NULL,
			args        TEXT NOT NULL,
			exit_code   INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			started_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_stage_runs_iteration ON stage_runs(iteration);

		CREATE TABLE IF NOT EXISTS verdicts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			iteration  INTEGER NOT NULL,
			criterion  TEXT NOT NULL,
			converged  INTEGER NOT NULL,
			deltas     TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_verdicts_iteration ON verdicts(iteration);

		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			iteration  INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			detail     TEXT,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// RecordStage appends one stage invocation. Satisfies stage.Recorder.
func (l *Ledger) RecordStage(iteration int, stageName string, args []string, exitCode int, duration time.Duration) error {
	_, err := l.db.Exec(`
		INSERT INTO stage_runs (iteration, stage, args, exit_code, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		iteration, stageName, strings.Join(args, " "), exitCode,
		duration.Milliseconds(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record stage run: %w", err)
	}
	return nil
}

// RecordVerdict appends one convergence verdict with its reported deltas.
func (l *Ledger) RecordVerdict(iteration int, criterion string, converged bool, deltas []float64) error {
	var deltasJSON []byte
	if deltas != nil {
		var err error
		deltasJSON, err = json.Marshal(deltas)
		if err != nil {
			return fmt.Errorf("failed to marshal deltas: %w", err)
		}
	}
	_, err := l.db.Exec(`
		INSERT INTO verdicts (iteration, criterion, converged, deltas, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		iteration, criterion, converged, deltasJSON, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record verdict: %w", err)
	}
	return nil
}

// RecordEvent appends a controller event (restart purge, demotion, signal,
// termination) for the audit trail.
func (l *Ledger) RecordEvent(iteration int, kind, detail string) error {
	_, err := l.db.Exec(`
		INSERT INTO events (iteration, kind, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		iteration, kind, detail, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Verdict is one recorded convergence verdict.
type Verdict struct {
	Iteration int
	Criterion string
	Converged bool
	Deltas    []float64
	CreatedAt time.Time
}

// LastIteration returns the highest iteration with any recorded stage run,
// zero when the ledger is empty.
func (l *Ledger) LastIteration() (int, error) {
	var n sql.NullInt64
	if err := l.db.QueryRow("SELECT MAX(iteration) FROM stage_runs").Scan(&n); err != nil {
		return 0, err
	}
	if !n.Valid {
		return 0, nil
	}
	return int(n.Int64), nil
}

// LatestVerdicts returns the most recent verdict per criterion.
func (l *Ledger) LatestVerdicts() ([]Verdict, error) {
	rows, err := l.db.Query(`
		SELECT v.iteration, v.criterion, v.converged, v.deltas, v.created_at
		FROM verdicts v
		JOIN (SELECT criterion, MAX(id) AS max_id FROM verdicts GROUP BY criterion) last
		  ON v.id = last.max_id
		ORDER BY v.criterion`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Verdict
	for rows.Next() {
		var v Verdict
		var deltasJSON []byte
		var createdAt int64
		if err := rows.Scan(&v.Iteration, &v.Criterion, &v.Converged, &deltasJSON, &createdAt); err != nil {
			return nil, err
		}
		if len(deltasJSON) > 0 {
			if err := json.Unmarshal(deltasJSON, &v.Deltas); err != nil {
				return nil, fmt.Errorf("failed to unmarshal deltas: %w", err)
			}
		}
		v.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Events returns the recorded controller events in order.
func (l *Ledger) Events() ([]string, error) {
	rows, err := l.db.Query("SELECT iteration, kind, detail FROM events ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var iteration int
		var kind, detail string
		if err := rows.Scan(&iteration, &kind, &detail); err != nil {
			return nil, err
		}
		if detail != "" {
			out = append(out, fmt.Sprintf("cycle %d: %s (%s)", iteration, kind, detail))
		} else {
			out = append(out, fmt.Sprintf("cycle %d: %s", iteration, kind))
		}
	}
	return out, rows.Err()
}
