package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/project/*.sql
var projectMigrations embed.FS

//go:embed migrations/registry/*.sql
var registryMigrations embed.FS

// MigrateProject applies the project schema migrations.
func MigrateProject(conn *sql.DB) error {
	return runMigrations(conn, projectMigrations, "migrations/project")
}

// MigrateRegistry applies the registry schema migrations.
func MigrateRegistry(conn *sql.DB) error {
	return runMigrations(conn, registryMigrations, "migrations/registry")
}

func runMigrations(conn *sql.DB, fsys embed.FS, path string) error {
	src, err := iofs.New(fsys, path)
	if err != nil {
		return fmt.Errorf("failed to load migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", &sqliteDriver{db: conn})
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// sqliteDriver adapts our sqlite connection to golang-migrate's database.Driver.
// The process owns the database exclusively, so Lock/Unlock rely on the
// connection's busy timeout rather than an advisory lock table.
type sqliteDriver struct {
	db *sql.DB
}

var _ database.Driver = (*sqliteDriver)(nil)

func (d *sqliteDriver) Open(string) (database.Driver, error) { return d, nil }
func (d *sqliteDriver) Close() error                         { return nil }
func (d *sqliteDriver) Lock() error                          { return nil }
func (d *sqliteDriver) Unlock() error                        { return nil }

func (d *sqliteDriver) Run(migration io.Reader) error {
	script, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("failed to read migration: %w", err)
	}
	if _, err := d.db.Exec(string(script)); err != nil {
		return database.Error{OrigErr: err, Err: "migration failed", Query: script}
	}
	return nil
}

func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	if err := d.ensureVersionTable(); err != nil {
		return err
	}
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		_ = tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *sqliteDriver) Version() (int, bool, error) {
	if err := d.ensureVersionTable(); err != nil {
		return database.NilVersion, false, err
	}
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return database.NilVersion, false, err
	}
	return version, dirty, nil
}

func (d *sqliteDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, table := range tables {
		if _, err := d.db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
			return err
		}
	}
	return nil
}

func (d *sqliteDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty INTEGER NOT NULL)`)
	return err
}
