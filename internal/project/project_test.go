package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orchard/internal/store"
)

func newRegistry(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenRegistryDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesConfigAndRegisters(t *testing.T) {
	registry := newRegistry(t)
	path := t.TempDir()

	project, db, err := Open(registry, path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.NotEmpty(t, project.ID)
	assert.Equal(t, filepath.Base(path), project.Name)

	// The self-description exists on disk.
	data, err := os.ReadFile(filepath.Join(path, ".orchard", "config.json"))
	require.NoError(t, err)
	var cfg configFile
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, project.ID, cfg.ID)

	// The project database was created and migrated.
	_, err = os.Stat(filepath.Join(path, ".orchard", "orchard.db"))
	require.NoError(t, err)
}

func TestOpenIsStableAcrossRestarts(t *testing.T) {
	registry := newRegistry(t)
	path := t.TempDir()

	first, db1, err := Open(registry, path)
	require.NoError(t, err)
	_ = db1.Close()

	second, db2, err := Open(registry, path)
	require.NoError(t, err)
	_ = db2.Close()

	assert.Equal(t, first.ID, second.ID, "the project id persists in config.json")

	projects, err := store.NewProjectRepo(registry).List()
	require.NoError(t, err)
	assert.Len(t, projects, 1, "re-opening does not duplicate the registration")
}

func TestOpenRejectsCorruptConfig(t *testing.T) {
	registry := newRegistry(t)
	path := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(path, ".orchard"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(path, ".orchard", "config.json"), []byte("{broken"), 0600))

	_, _, err := Open(registry, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt project config")
}
