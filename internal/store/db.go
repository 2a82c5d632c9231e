// Package store provides the embedded SQLite persistence layer: the
// process-wide registry database and the per-project database, their
// migrations, and one repository per aggregate.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded sqlite build

	"github.com/zjrosen/orchard/internal/log"
)

// OrchardDirName is the per-project metadata directory.
const OrchardDirName = ".orchard"

// ProjectDBName is the database file inside the project's orchard directory.
const ProjectDBName = "orchard.db"

// RegistryDBName is the process-wide registry database file under $HOME/.orchard.
const RegistryDBName = "registry.db"

// DB wraps a sql.DB handle plus its repositories.
type DB struct {
	conn *sql.DB
	path string
}

// Conn exposes the underlying connection for repositories and tests.
func (d *DB) Conn() *sql.DB { return d.conn }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

func open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// OpenProjectDB opens (and migrates) the project database under
// <projectPath>/.orchard/orchard.db.
func OpenProjectDB(projectPath string) (*DB, error) {
	path := filepath.Join(projectPath, OrchardDirName, ProjectDBName)
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateProject(db.conn); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("project schema migration failed: %w", err)
	}
	log.Debug(log.CatDB, "project database opened", "path", path)
	return db, nil
}

// OpenRegistryDB opens (and migrates) the process-wide registry database.
// An empty dir defaults to $HOME/.orchard.
func OpenRegistryDB(dir string) (*DB, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, OrchardDirName)
	}
	path := filepath.Join(dir, RegistryDBName)
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateRegistry(db.conn); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry schema migration failed: %w", err)
	}
	log.Debug(log.CatDB, "registry database opened", "path", path)
	return db, nil
}

// OpenMemory opens an in-memory project database with the full schema.
// Used by tests and by ephemeral tooling.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every pooled connection would get its own empty in-memory database;
	// pin the pool to one.
	conn.SetMaxOpenConns(1)
	if err := MigrateProject(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("in-memory schema migration failed: %w", err)
	}
	return &DB{conn: conn, path: ":memory:"}, nil
}
