// Package dashboard implements the Dashboard Publisher: a chi-based HTTP
// server exposing live SSE events, a statistics snapshot, and a paginated
// history query backed by an embedded WAL-mode SQLite database.
package dashboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/pori-dev/pori/internal/events"
)

// HistoryEntry is a persisted, queryable copy of one DashboardEvent.
type HistoryEntry struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
}

// HistoryStore is a WAL-mode SQLite-backed append log of DashboardEvent
// values. It implements app.HistorySink so it can be handed directly to
// app.NewDashboardBus.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (or creates) the SQLite database at path, enables
// WAL journal mode, and applies the schema. path may be ":memory:" for
// tests, though an in-memory database loses all history on Close.
func NewHistoryStore(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dashboard: open %q: %w", path, err)
	}

	// A single writer connection avoids "database is locked" errors when
	// Record is called from the bus's dispatch goroutine while GET /history
	// reads concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dashboard: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dashboard: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dashboard: apply schema: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS dashboard_history (
    sequence  INTEGER PRIMARY KEY AUTOINCREMENT,
    ts        TEXT    NOT NULL,
    kind      TEXT    NOT NULL,
    payload   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dashboard_history_ts ON dashboard_history (ts);
`

// Record persists e. It implements app.HistorySink. A marshal or write
// failure is swallowed (logged by the caller's discretion is not possible
// here since HistorySink.Record has no error return); history is
// best-effort and must never back-pressure the dashboard-out stream.
func (h *HistoryStore) Record(e events.DashboardEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = h.db.Exec(
		`INSERT INTO dashboard_history (ts, kind, payload) VALUES (?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Kind),
		string(payload),
	)
}

// Query is a paginated, time-windowed lookup over the history log, ordered
// oldest-first. limit is clamped to 1000; a zero limit defaults to 100.
func (h *HistoryStore) Query(ctx context.Context, from, to time.Time, limit, offset int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT sequence, ts, kind, payload
		   FROM dashboard_history
		  WHERE ts >= ? AND ts <= ?
		  ORDER BY sequence
		  LIMIT ? OFFSET ?`,
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("dashboard: query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e     HistoryEntry
			tsStr string
		)
		if err := rows.Scan(&e.Sequence, &tsStr, &e.Kind, &e.Payload); err != nil {
			return nil, fmt.Errorf("dashboard: scan history row: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dashboard: history rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}
