// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Migration is one schema migration compiled into the binary. The core
// runs embedded on devices, so migrations ship with the library instead
// of living in a directory on disk.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is append-only. The SQL of a released version never changes;
// Up verifies checksums and refuses to run against a drifted schema
// history.
var migrations = []Migration{
	{Version: 1, Description: "initial_schema", SQL: schemaV1},
}

// AppliedMigration records one migration already applied to the database.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// AppliedMigrations returns all applied migrations in version order.
func (m *Migrator) AppliedMigrations() ([]AppliedMigration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&a.Version, &appliedAt, &a.Description, &a.Checksum); err != nil {
			return nil, err
		}
		a.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations. Already-applied versions are checked
// against the compiled SQL first; a checksum mismatch means the database
// was built by an incompatible release and is refused rather than patched.
func (m *Migrator) Up() error {
	applied, err := m.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedByVersion := make(map[int]AppliedMigration, len(applied))
	for _, a := range applied {
		appliedByVersion[a.Version] = a
	}

	pending := make([]Migration, 0, len(migrations))
	for _, mig := range migrations {
		if a, ok := appliedByVersion[mig.Version]; ok {
			if a.Checksum != checksumOf(mig.SQL) {
				return fmt.Errorf("migration V%d checksum mismatch: database schema history has drifted", mig.Version)
			}
			continue
		}
		pending = append(pending, mig)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Version < pending[j].Version
	})

	for _, mig := range pending {
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", mig.Version, err)
		}
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mig.Version, time.Now().Unix(), mig.Description, checksumOf(mig.SQL)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func checksumOf(sqlText string) string {
	hash := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(hash[:])
}
