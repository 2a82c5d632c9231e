// Package project handles project identity: the self-describing config file
// under <path>/.orchard and registration in the process-wide registry.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/orchard/internal/store"
)

// configFileName is the self-description inside the project's orchard dir.
const configFileName = "config.json"

// configFile mirrors the on-disk project description.
type configFile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RepoURL   string    `json:"repoUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Open resolves a project at path: reads (or creates) its config file,
// registers it in the registry database, and opens its project database.
func Open(registry *store.DB, path string) (store.Project, *store.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return store.Project{}, nil, fmt.Errorf("failed to resolve project path: %w", err)
	}

	cfg, err := loadOrCreateConfig(abs)
	if err != nil {
		return store.Project{}, nil, err
	}

	repo := store.NewProjectRepo(registry)
	project, err := repo.Register(store.Project{
		ID:        cfg.ID,
		Path:      abs,
		Name:      cfg.Name,
		RepoURL:   cfg.RepoURL,
		CreatedAt: cfg.CreatedAt,
	})
	if err != nil {
		return store.Project{}, nil, err
	}

	db, err := store.OpenProjectDB(abs)
	if err != nil {
		return store.Project{}, nil, err
	}
	return project, db, nil
}

func loadOrCreateConfig(projectPath string) (configFile, error) {
	dir := filepath.Join(projectPath, store.OrchardDirName)
	path := filepath.Join(dir, configFileName)

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is under the project root
	if err == nil {
		var cfg configFile
		if err := json.Unmarshal(data, &cfg); err != nil {
			return configFile{}, fmt.Errorf("corrupt project config at %s: %w", path, err)
		}
		if cfg.ID == "" {
			return configFile{}, fmt.Errorf("project config at %s has no id", path)
		}
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return configFile{}, fmt.Errorf("failed to read project config: %w", err)
	}

	cfg := configFile{
		ID:        uuid.NewString(),
		Name:      filepath.Base(projectPath),
		CreatedAt: time.Now(),
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return configFile{}, fmt.Errorf("failed to create orchard directory: %w", err)
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return configFile{}, err
	}
	if err := os.WriteFile(path, append(out, '\n'), 0600); err != nil {
		return configFile{}, fmt.Errorf("failed to write project config: %w", err)
	}
	return cfg, nil
}
