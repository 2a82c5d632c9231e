package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orchard/internal/activity"
	"github.com/zjrosen/orchard/internal/store"
	"github.com/zjrosen/orchard/internal/worktree"
)

func seedWorktrees(t *testing.T, db *store.DB) *store.WorktreeRepo {
	t.Helper()
	repo := store.NewWorktreeRepo(db)
	now := time.Now()
	for _, w := range []store.Worktree{
		{ID: "main", ProjectID: "p1", Path: "/proj", Branch: "main", IsMain: true, CreatedAt: now},
		{ID: "w1", ProjectID: "p1", Path: "/proj/.worktrees/a", Branch: "feature/a", CreatedAt: now},
		{ID: "w2", ProjectID: "p1", Path: "/proj/.worktrees/b", Branch: "feature/b", CreatedAt: now},
		{ID: "w3", ProjectID: "p1", Path: "/proj/.worktrees/c", Branch: "feature/c", Archived: true, CreatedAt: now},
	} {
		require.NoError(t, repo.Upsert(w))
	}
	return repo
}

func newTestTracker(t *testing.T, git worktree.GitExecutor) (*Tracker, *activity.Service) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := seedWorktrees(t, db)
	act := activity.NewService(store.NewActivityRepo(db), store.NewChatRepo(db), "p1")
	return NewTracker(repo, git, act, "p1"), act
}

func TestRescanDetectsOverlap(t *testing.T) {
	git := &worktree.MockExecutor{
		Changed: map[string][]worktree.FileChange{
			"/proj/.worktrees/a": {
				{Path: "internal/auth.go", Status: "modified"},
				{Path: "internal/only-a.go", Status: "untracked"},
			},
			"/proj/.worktrees/b": {
				{Path: "internal/auth.go", Status: "staged"},
			},
		},
	}
	tracker, act := newTestTracker(t, git)
	require.NoError(t, tracker.Rescan())

	conflicts := tracker.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "internal/auth.go", conflicts[0].FilePath)
	assert.Equal(t, []string{"w1", "w2"}, conflicts[0].Worktrees)

	entries, err := act.Recent(store.ActivityQuery{Type: store.ActivityEvent, Category: store.CategoryWorktree})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Summary, "internal/auth.go")
}

func TestRescanSkipsMainAndArchived(t *testing.T) {
	git := &worktree.MockExecutor{
		Changed: map[string][]worktree.FileChange{
			"/proj":               {{Path: "main-only.go", Status: "modified"}},
			"/proj/.worktrees/c": {{Path: "archived.go", Status: "modified"}},
		},
	}
	tracker, _ := newTestTracker(t, git)
	require.NoError(t, tracker.Rescan())
	assert.Empty(t, tracker.Locks())
}

func TestConflictLoggedOncePerAppearance(t *testing.T) {
	git := &worktree.MockExecutor{
		Changed: map[string][]worktree.FileChange{
			"/proj/.worktrees/a": {{Path: "shared.go", Status: "modified"}},
			"/proj/.worktrees/b": {{Path: "shared.go", Status: "modified"}},
		},
	}
	tracker, act := newTestTracker(t, git)

	require.NoError(t, tracker.Rescan())
	require.NoError(t, tracker.Rescan())

	entries, err := act.Recent(store.ActivityQuery{Type: store.ActivityEvent})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "an unchanged conflict is not re-logged")

	// The conflict clears, then reappears: it is logged again.
	git.Changed["/proj/.worktrees/b"] = nil
	require.NoError(t, tracker.Rescan())
	git.Changed["/proj/.worktrees/b"] = []worktree.FileChange{{Path: "shared.go", Status: "modified"}}
	require.NoError(t, tracker.Rescan())

	entries, err = act.Recent(store.ActivityQuery{Type: store.ActivityEvent})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCheckForOverlaps(t *testing.T) {
	git := &worktree.MockExecutor{
		Changed: map[string][]worktree.FileChange{
			"/proj/.worktrees/a": {{Path: "locked.go", Status: "modified"}},
		},
	}
	tracker, _ := newTestTracker(t, git)
	require.NoError(t, tracker.Rescan())

	overlapping, claimed := tracker.CheckForOverlaps([]string{"locked.go", "free.go"})
	assert.Equal(t, []string{"locked.go"}, overlapping)
	assert.Equal(t, []string{"w1"}, claimed["locked.go"])
}
