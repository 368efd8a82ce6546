package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// Open the database
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Single connection while pragmas and migrations run so that
	// connection-scoped pragmas apply to the connection doing the work.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	// Configure SQLite for optimal performance and security
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	// Run migrations
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Widen the pool for normal operation
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	// Set file permissions (0600 for security)
	if err := os.Chmod(dbPath, 0600); err != nil {
		// File might not exist yet in WAL mode
		_ = err
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// trackedEventsSchema is the current shape of the tracked_events table. It is
// the target of the rebuild pass that widens the status constraint; the plain
// CREATE in the migration list below intentionally carries the original
// shape so that fresh and upgraded databases converge through the same path.
const trackedEventsSchema = `CREATE TABLE tracked_events (
	id TEXT PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	mailbox_message_id TEXT,
	source_account_id TEXT,
	source_folder TEXT,
	summary TEXT,
	organizer TEXT,
	"start" DATETIME,
	"end" DATETIME,
	status TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'updated', 'cancelled', 'synced', 'failed')),
	response_status TEXT NOT NULL DEFAULT 'none',
	cancelled_by_organizer INTEGER,
	payload TEXT,
	last_synced DATETIME,
	history TEXT NOT NULL DEFAULT '[]',
	caldav_etag TEXT,
	local_version INTEGER NOT NULL DEFAULT 0,
	synced_version INTEGER NOT NULL DEFAULT 0,
	remote_last_modified DATETIME,
	local_last_modified DATETIME,
	last_modified_source TEXT,
	sync_conflict INTEGER NOT NULL DEFAULT 0,
	sync_conflict_reason TEXT,
	sync_conflict_snapshot TEXT,
	tracking_disabled INTEGER NOT NULL DEFAULT 0,
	mail_error TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (source_account_id) REFERENCES accounts(id) ON DELETE SET NULL
)`

// trackedEventsColumns lists every column of the current shape, used for the
// copy-through insert during the rebuild.
const trackedEventsColumns = `id, uid, mailbox_message_id, source_account_id, source_folder,
	summary, organizer, "start", "end", status, response_status, cancelled_by_organizer,
	payload, last_synced, history, caldav_etag, local_version, synced_version,
	remote_last_modified, local_last_modified, last_modified_source,
	sync_conflict, sync_conflict_reason, sync_conflict_snapshot,
	tracking_disabled, mail_error, created_at, updated_at`

// migrate creates the database schema and applies upgrades in place.
func (db *DB) migrate() error {
	migrations := []string{
		// Accounts table
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			type TEXT NOT NULL CHECK (type IN ('imap', 'caldav')),
			settings TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Folders scanned for an IMAP account
		`CREATE TABLE IF NOT EXISTS imap_folders (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			include_subfolders INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_imap_folders_account_id ON imap_folders(account_id)`,

		// Mailbox folder to calendar pairings
		`CREATE TABLE IF NOT EXISTS sync_mappings (
			id TEXT PRIMARY KEY,
			imap_account_id TEXT NOT NULL,
			imap_folder TEXT NOT NULL,
			caldav_account_id TEXT NOT NULL,
			calendar_url TEXT NOT NULL,
			calendar_name TEXT,
			FOREIGN KEY (imap_account_id) REFERENCES accounts(id),
			FOREIGN KEY (caldav_account_id) REFERENCES accounts(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_mappings_imap ON sync_mappings(imap_account_id, imap_folder)`,

		// Tracked events, original shape. Later revisions are applied below
		// as idempotent column additions plus the status rebuild.
		`CREATE TABLE IF NOT EXISTS tracked_events (
			id TEXT PRIMARY KEY,
			uid TEXT NOT NULL UNIQUE,
			mailbox_message_id TEXT,
			source_account_id TEXT,
			source_folder TEXT,
			summary TEXT,
			organizer TEXT,
			"start" DATETIME,
			"end" DATETIME,
			status TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'updated', 'cancelled', 'synced')),
			payload TEXT,
			last_synced DATETIME,
			history TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (source_account_id) REFERENCES accounts(id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tracked_events_source ON tracked_events(source_account_id, source_folder)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_events_status ON tracked_events(status)`,

		// Migration: participation responses
		`ALTER TABLE tracked_events ADD COLUMN response_status TEXT NOT NULL DEFAULT 'none'`,

		// Migration: cancellation attribution (NULL for legacy rows)
		`ALTER TABLE tracked_events ADD COLUMN cancelled_by_organizer INTEGER`,

		// Migration: reconciliation metadata
		`ALTER TABLE tracked_events ADD COLUMN caldav_etag TEXT`,
		`ALTER TABLE tracked_events ADD COLUMN local_version INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tracked_events ADD COLUMN synced_version INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tracked_events ADD COLUMN remote_last_modified DATETIME`,
		`ALTER TABLE tracked_events ADD COLUMN local_last_modified DATETIME`,
		`ALTER TABLE tracked_events ADD COLUMN last_modified_source TEXT`,

		// Migration: conflict capture
		`ALTER TABLE tracked_events ADD COLUMN sync_conflict INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tracked_events ADD COLUMN sync_conflict_reason TEXT`,
		`ALTER TABLE tracked_events ADD COLUMN sync_conflict_snapshot TEXT`,

		// Migration: tracking opt-out and scan error capture
		`ALTER TABLE tracked_events ADD COLUMN tracking_disabled INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tracked_events ADD COLUMN mail_error TEXT`,

		// Mail imports that must not re-mutate an event
		`CREATE TABLE IF NOT EXISTS ignored_mail_imports (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			account_id TEXT,
			folder TEXT,
			message_id TEXT NOT NULL,
			max_uid INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (event_id) REFERENCES tracked_events(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_ignored_mail_imports_event_id ON ignored_mail_imports(event_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	if err := db.rebuildTrackedEventsIfNeeded(); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseInit, err)
	}

	return nil
}

// rebuildTrackedEventsIfNeeded widens the status constraint of the
// tracked_events table. SQLite cannot alter a CHECK in place, so when the
// existing table does not yet allow the 'failed' status the table is rebuilt
// via rename, create, copy-through insert and drop. Existing rows are
// preserved; a second startup is a no-op.
func (db *DB) rebuildTrackedEventsIfNeeded() error {
	var ddl string
	err := db.conn.QueryRow(
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'tracked_events'`,
	).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect tracked_events schema: %w", err)
	}

	if strings.Contains(ddl, "'failed'") {
		return nil
	}

	// Foreign key enforcement must be off while the table is swapped out,
	// otherwise the RENAME rewrites the REFERENCES clauses of dependent
	// tables to point at the doomed copy. The pragma is connection-scoped
	// and a no-op inside a transaction, so it brackets the transaction.
	if _, err := db.conn.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		return fmt.Errorf("failed to disable foreign keys for rebuild: %w", err)
	}
	defer func() {
		_, _ = db.conn.Exec("PRAGMA foreign_keys=ON")
	}()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	steps := []string{
		`ALTER TABLE tracked_events RENAME TO tracked_events_old`,
		trackedEventsSchema,
		`INSERT INTO tracked_events (` + trackedEventsColumns + `)
			SELECT ` + trackedEventsColumns + ` FROM tracked_events_old`,
		`DROP TABLE tracked_events_old`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_events_source ON tracked_events(source_account_id, source_folder)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_events_status ON tracked_events(status)`,
	}

	for _, step := range steps {
		if _, err := tx.Exec(step); err != nil {
			return fmt.Errorf("tracked_events rebuild failed: %w", err)
		}
	}

	return tx.Commit()
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}
