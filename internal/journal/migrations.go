package journal

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Batches and anomalies",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Dropped postures",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS batches (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ns           INTEGER NOT NULL,
    seq             INTEGER NOT NULL,
    gesture         TEXT NOT NULL,
    actions         TEXT NOT NULL,
    requested       INTEGER NOT NULL,
    delivered       INTEGER NOT NULL,
    latency_us      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_at ON batches(at_ns);

CREATE TABLE IF NOT EXISTS anomalies (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ns           INTEGER NOT NULL,
    seq             INTEGER NOT NULL,
    kind            TEXT NOT NULL,
    gesture         TEXT NOT NULL,
    previous        TEXT,
    detail          TEXT
);

CREATE INDEX IF NOT EXISTS idx_anomalies_at ON anomalies(at_ns);
CREATE INDEX IF NOT EXISTS idx_anomalies_kind ON anomalies(kind, at_ns);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_anomalies_kind;
DROP INDEX IF EXISTS idx_anomalies_at;
DROP TABLE IF EXISTS anomalies;
DROP INDEX IF EXISTS idx_batches_at;
DROP TABLE IF EXISTS batches;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS dropped (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ns           INTEGER NOT NULL,
    gesture         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dropped_at ON dropped(at_ns);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_dropped_at;
DROP TABLE IF EXISTS dropped;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}
	if currentVersion > LatestVersion() {
		return fmt.Errorf("journal schema version %d is newer than supported version %d", currentVersion, LatestVersion())
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	return tx.Commit()
}

// LatestVersion is the schema version MigrateDB brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}
