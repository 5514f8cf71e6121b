package metrics

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Archive records per-request model usage rows in SQLite for offline
// analysis. Writes are best-effort; the collector logs and continues on
// failure.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates the archive database and applies the schema.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS usage_events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        recorded_at TEXT NOT NULL,
        connector_id TEXT NOT NULL,
        category TEXT NOT NULL,
        response_ms REAL NOT NULL,
        success INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_usage_events_recorded_at ON usage_events (recorded_at);
    CREATE INDEX IF NOT EXISTS idx_usage_events_connector ON usage_events (connector_id);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Archive{db: db}, nil
}

// Insert appends one usage row.
func (a *Archive) Insert(at time.Time, e ModelUsageEvent) error {
	success := 0
	if e.Success {
		success = 1
	}
	_, err := a.db.Exec(
		`INSERT INTO usage_events (recorded_at, connector_id, category, response_ms, success)
         VALUES (?, ?, ?, ?, ?)`,
		at.UTC().Format(time.RFC3339Nano),
		e.ConnectorID,
		e.Category,
		e.ResponseMS,
		success,
	)
	return err
}

// CountSince returns the number of usage rows recorded at or after the
// given instant.
func (a *Archive) CountSince(since time.Time) (int64, error) {
	var n int64
	err := a.db.QueryRow(
		`SELECT COUNT(*) FROM usage_events WHERE recorded_at >= ?`,
		since.UTC().Format(time.RFC3339Nano),
	).Scan(&n)
	return n, err
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
