// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// ONE DATABASE PER SHARD:
// Each *DB is one partition of the sharded record store. A ShardSet (shardset.go)
// groups them and answers "which shards hold this address?". Nothing in this
// package routes across shards on its own; callers loop over ShardSet.Shards().
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo (calls C code from Go), which means you need a C compiler
// installed and cross-compilation becomes painful. modernc.org/sqlite is a pure Go
// translation of the SQLite C code: no C compiler needed, works everywhere Go works.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"

	// The sqlite package's init() registers itself with database/sql as a
	// driver named "sqlite".
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool for one shard and implements every
// per-shard repository interface.
type DB struct {
	conn    *sql.DB
	shardID string
}

var (
	_ repository.Shard = (*DB)(nil)
)

// New opens the SQLite database for shardID at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/shard1.db"  → file-based database (persistent)
//   - ":memory:"        → in-memory database (great for tests, lost on close)
//
// SINGLE CONNECTION:
// SQLite allows one writer at a time anyway, and every ":memory:" connection
// is its own empty database. Capping the pool at one connection keeps an
// in-memory shard coherent and makes our read-then-write transactions
// (bounce batches, job claiming) serialize instead of failing with SQLITE_BUSY.
func New(dbPath, shardID string) (*DB, error) {
	if shardID == "" {
		return nil, fmt.Errorf("sqlite: shard id must not be empty")
	}
	if strings.Contains(shardID, "~") {
		return nil, fmt.Errorf("sqlite: shard id %q must not contain '~'", shardID)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers continue while a write is in progress. In-memory
	// databases ignore it and stay in "memory" journal mode.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn, shardID: shardID}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// ID returns the shard identifier this database was opened as.
func (db *DB) ID() string { return db.shardID }

func (db *DB) Channels() repository.ChannelRepository       { return db }
func (db *DB) Users() repository.UserRepository             { return db }
func (db *DB) Credentials() repository.CredentialRepository { return db }

// Jobs exposes the delivery queue stored in this shard's database.
func (db *DB) Jobs() repository.JobRepository { return db }

// migrate runs all database migrations.
//
// CREATE ... IF NOT EXISTS is safe to run on every start.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL DEFAULT '',
			otp_channel_id       TEXT,
			has_bouncing_channel INTEGER NOT NULL DEFAULT 0,
			created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL REFERENCES users(id),
			login          TEXT NOT NULL,
			password_hash  TEXT NOT NULL DEFAULT '',
			workflow_state TEXT NOT NULL DEFAULT 'active',
			created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_login ON credentials(LOWER(login));
		CREATE INDEX IF NOT EXISTS idx_credentials_user_id ON credentials(user_id);
	`)
	if err != nil {
		return fmt.Errorf("creating credentials table: %w", err)
	}

	// The partial unique index is the backstop for path uniqueness: the
	// service checks PathInUse first, but two racing creates both pass that
	// check and only one survives the commit.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS communication_channels (
			id                            TEXT PRIMARY KEY,
			user_id                       TEXT NOT NULL REFERENCES users(id),
			path                          TEXT NOT NULL,
			path_type                     TEXT NOT NULL,
			workflow_state                TEXT NOT NULL DEFAULT 'unconfirmed',
			position                      INTEGER NOT NULL DEFAULT 0,
			confirmation_code             TEXT NOT NULL DEFAULT '',
			confirmation_code_expires_at  DATETIME,
			confirmation_sent_count       INTEGER NOT NULL DEFAULT 0,
			bounce_count                  INTEGER NOT NULL DEFAULT 0,
			last_bounce_at                DATETIME,
			last_bounce_details           TEXT,
			last_transient_bounce_at      DATETIME,
			last_transient_bounce_details TEXT,
			last_suppression_bounce_at    DATETIME,
			created_at                    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at                    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_channels_user_id ON communication_channels(user_id, position);
		CREATE INDEX IF NOT EXISTS idx_channels_path ON communication_channels(LOWER(path));
		CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_unique_path ON communication_channels(
			user_id,
			(CASE path_type WHEN 'personal_email' THEN 'email' ELSE path_type END),
			LOWER(path)
		) WHERE workflow_state IN ('unconfirmed', 'active');
	`)
	if err != nil {
		return fmt.Errorf("creating communication_channels table: %w", err)
	}

	// run_at is stored as unix milliseconds so "due" comparisons are numeric.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS notification_jobs (
			id          TEXT PRIMARY KEY,
			dedupe_key  TEXT NOT NULL UNIQUE,
			kind        TEXT NOT NULL,
			channel_id  TEXT NOT NULL,
			path_type   TEXT NOT NULL,
			address     TEXT NOT NULL,
			payload     TEXT NOT NULL DEFAULT '{}',
			priority    INTEGER NOT NULL DEFAULT 0,
			state       TEXT NOT NULL DEFAULT 'pending',
			attempts    INTEGER NOT NULL DEFAULT 0,
			run_at_ms   INTEGER NOT NULL,
			last_error  TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_due ON notification_jobs(state, priority DESC, run_at_ms);
	`)
	if err != nil {
		return fmt.Errorf("creating notification_jobs table: %w", err)
	}

	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, so inserts can run
// standalone or as part of a larger transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- small conversion helpers shared by the repositories ---

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func encodeDetails(d model.BounceDetails) (any, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding bounce details: %w", err)
	}
	return string(b), nil
}

func decodeDetails(ns sql.NullString) (model.BounceDetails, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var d model.BounceDetails
	if err := json.Unmarshal([]byte(ns.String), &d); err != nil {
		return nil, fmt.Errorf("decoding bounce details: %w", err)
	}
	return d, nil
}

// isUniqueViolation reports whether err came from a UNIQUE constraint or index.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func typeStrings(types []model.PathType) []any {
	out := make([]any, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func stateStrings(states []model.WorkflowState) []any {
	out := make([]any, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
