// Package diag implements the malformed-frame diagnostics recorder: a
// best-effort SQLite log of frames the connection manager could not parse,
// used to investigate upstream feed drift without a circuit breaker. A
// write failure disables the recorder for the rest of the process instead
// of blocking or crashing ingestion.
package diag

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the diagnostics recorder.
type Config struct {
	DBPath          string
	MaxSnippetBytes int
}

// Recorder appends malformed-frame snippets to a local SQLite database.
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	db       *sql.DB
	disabled bool
}

// New opens (creating if needed) the diagnostics database in WAL mode and
// ensures its schema exists.
func New(cfg Config, logger *slog.Logger) (*Recorder, error) {
	if cfg.MaxSnippetBytes <= 0 {
		cfg.MaxSnippetBytes = 512
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("diag: open %s: %w", cfg.DBPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS parse_errors (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at INTEGER NOT NULL,
			reason     TEXT NOT NULL,
			snippet    TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("diag: schema: %w", err)
	}

	return &Recorder{cfg: cfg, logger: logger, db: db}, nil
}

// DB returns the underlying handle, for health-check pings.
func (r *Recorder) DB() *sql.DB { return r.db }

// Record appends one malformed-frame entry. Once a write fails, Record
// disables the recorder permanently and every subsequent call is a no-op —
// diagnostics must never become a reason ingestion stalls.
func (r *Recorder) Record(raw []byte, parseErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled {
		return
	}

	snippet := raw
	if len(snippet) > r.cfg.MaxSnippetBytes {
		snippet = snippet[:r.cfg.MaxSnippetBytes]
	}

	_, err := r.db.Exec(
		`INSERT INTO parse_errors (recorded_at, reason, snippet) VALUES (?, ?, ?)`,
		time.Now().UTC().Unix(), parseErr.Error(), string(snippet),
	)
	if err != nil {
		r.disabled = true
		r.logger.Warn("diagnostics recorder disabled after write failure", "err", err)
	}
}

// Close releases the underlying database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}
