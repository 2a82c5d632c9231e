// Package conflict derives per-worktree modified-file sets and flags files
// touched by more than one worktree at once.
package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/orchard/internal/activity"
	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/store"
	"github.com/zjrosen/orchard/internal/worktree"
)

// debounceDelay coalesces filesystem event bursts into one rescan.
const debounceDelay = 500 * time.Millisecond

// FileLock is a derived claim: one worktree with local changes to a path.
type FileLock struct {
	FilePath     string    `json:"filePath"`
	WorktreeID   string    `json:"worktreeId"`
	Branch       string    `json:"branch"`
	Status       string    `json:"status"` // modified, staged, untracked
	LastModified time.Time `json:"lastModified"`
}

// Conflict is a path claimed by two or more worktrees.
type Conflict struct {
	FilePath  string   `json:"filePath"`
	Worktrees []string `json:"worktrees"`
}

// Tracker derives file locks from git status across a project's worktrees.
type Tracker struct {
	worktrees *store.WorktreeRepo
	git       worktree.GitExecutor
	activity  *activity.Service
	projectID string

	mu       sync.Mutex
	locks    map[string][]FileLock // path -> claims
	reported map[string]bool       // conflict paths already logged
}

// NewTracker creates a Tracker.
func NewTracker(worktrees *store.WorktreeRepo, git worktree.GitExecutor, act *activity.Service, projectID string) *Tracker {
	return &Tracker{
		worktrees: worktrees,
		git:       git,
		activity:  act,
		projectID: projectID,
		locks:     make(map[string][]FileLock),
		reported:  make(map[string]bool),
	}
}

// Rescan rebuilds the lock table from git status of every non-main,
// non-archived worktree and logs newly appeared conflicts.
func (t *Tracker) Rescan() error {
	worktrees, err := t.worktrees.ListForProject(t.projectID)
	if err != nil {
		return err
	}

	locks := make(map[string][]FileLock)
	now := time.Now()
	for _, w := range worktrees {
		if w.IsMain || w.Archived {
			continue
		}
		changes, err := t.git.ChangedFiles(w.Path)
		if err != nil {
			log.ErrorErr(log.CatConflict, "changed files failed", err, "worktree", w.ID)
			continue
		}
		for _, change := range changes {
			locks[change.Path] = append(locks[change.Path], FileLock{
				FilePath:     change.Path,
				WorktreeID:   w.ID,
				Branch:       w.Branch,
				Status:       change.Status,
				LastModified: now,
			})
		}
	}

	t.mu.Lock()
	t.locks = locks
	conflicts := t.conflictsLocked()
	var fresh []Conflict
	current := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		current[c.FilePath] = true
		if !t.reported[c.FilePath] {
			fresh = append(fresh, c)
			t.reported[c.FilePath] = true
		}
	}
	for path := range t.reported {
		if !current[path] {
			delete(t.reported, path)
		}
	}
	t.mu.Unlock()

	for _, c := range fresh {
		log.Warn(log.CatConflict, "file conflict detected", "path", c.FilePath, "worktrees", len(c.Worktrees))
		if t.activity != nil {
			_, _ = t.activity.Log(store.ActivityEvent, store.CategoryWorktree,
				"file modified in multiple worktrees: "+c.FilePath, c, "")
		}
	}
	return nil
}

// Locks returns the current lock table as a flat slice.
func (t *Tracker) Locks() []FileLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []FileLock
	for _, claims := range t.locks {
		out = append(out, claims...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// Conflicts returns paths claimed by two or more worktrees.
func (t *Tracker) Conflicts() []Conflict {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conflictsLocked()
}

func (t *Tracker) conflictsLocked() []Conflict {
	var out []Conflict
	for path, claims := range t.locks {
		if len(claims) < 2 {
			continue
		}
		seen := make(map[string]bool)
		var ids []string
		for _, claim := range claims {
			if !seen[claim.WorktreeID] {
				seen[claim.WorktreeID] = true
				ids = append(ids, claim.WorktreeID)
			}
		}
		if len(ids) >= 2 {
			sort.Strings(ids)
			out = append(out, Conflict{FilePath: path, Worktrees: ids})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// CheckForOverlaps returns the subset of newFiles already locked by another
// worktree, with the claiming worktrees per path.
func (t *Tracker) CheckForOverlaps(newFiles []string) ([]string, map[string][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var overlapping []string
	claimed := make(map[string][]string)
	for _, path := range newFiles {
		claims, ok := t.locks[path]
		if !ok || len(claims) == 0 {
			continue
		}
		overlapping = append(overlapping, path)
		for _, claim := range claims {
			claimed[path] = append(claimed[path], claim.WorktreeID)
		}
	}
	return overlapping, claimed
}

// Watch rescans on filesystem changes under the given worktree roots,
// debounced so event bursts collapse into one scan.
func (t *Tracker) Watch(ctx context.Context, roots []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err := watcher.Add(root); err != nil {
			log.Warn(log.CatConflict, "watch add failed", "path", root, "error", err.Error())
		}
	}

	log.SafeGo("conflict.watch", func() {
		defer func() { _ = watcher.Close() }()
		var timer *time.Timer
		rescan := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceDelay, func() {
					select {
					case rescan <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.ErrorErr(log.CatConflict, "watcher error", err)
			case <-rescan:
				if err := t.Rescan(); err != nil {
					log.ErrorErr(log.CatConflict, "rescan failed", err)
				}
			}
		}
	})
	return nil
}
