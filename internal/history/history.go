// Package history keeps a durable ledger of session executions in SQLite.
// Snapshots on disk capture only the latest session state; the ledger is
// where past builds and runs remain queryable after the session is gone.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase names the lifecycle step an entry records.
type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseRun   Phase = "run"
)

// Entry is one recorded execution.
type Entry struct {
	ID          string
	SessionID   string
	SystemName  string
	Phase       Phase
	State       string
	ExitMessage string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// Ledger records executions to the execution_log table.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Begin inserts a new in-flight entry and returns its id.
func (l *Ledger) Begin(ctx context.Context, sessionID, systemName string, phase Phase) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO execution_log (id, session_id, system_name, phase, state, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, systemName, string(phase), "running", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("record execution start: %w", err)
	}
	return id, nil
}

// Finish marks an entry with its terminal state and exit message.
func (l *Ledger) Finish(ctx context.Context, id, state, exitMessage string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE execution_log SET state = ?, exit_message = ?, finished_at = ? WHERE id = ?`,
		state, exitMessage, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record execution finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("execution %q not found", id)
	}
	return nil
}

// ForSession returns all entries for one session, oldest first.
func (l *Ledger) ForSession(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, system_name, phase, state, COALESCE(exit_message, ''), started_at, finished_at
		 FROM execution_log WHERE session_id = ? ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query execution log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the latest entries across all sessions, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, system_name, phase, state, COALESCE(exit_message, ''), started_at, finished_at
		 FROM execution_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var started string
		var finished sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SystemName, (*string)(&e.Phase), &e.State, &e.ExitMessage, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan execution entry: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		e.StartedAt = t
		if finished.Valid {
			ft, err := time.Parse(time.RFC3339Nano, finished.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at: %w", err)
			}
			e.FinishedAt = &ft
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
