package mergequeue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orchard/internal/store"
	"github.com/zjrosen/orchard/internal/worktree"
)

func newTestService(t *testing.T, git worktree.GitExecutor) *Service {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	if git == nil {
		git = &worktree.MockExecutor{}
	}
	return NewService(store.NewMergeQueueRepo(db), git)
}

func TestPerformMergeChecksOutDefaultAndMerges(t *testing.T) {
	git := &worktree.MockExecutor{}
	svc := newTestService(t, git)
	project := store.Project{ID: "p1", Path: "/proj"}

	require.NoError(t, svc.Enqueue(store.MergeQueueEntry{WorktreeID: "w1", Branch: "feature/x", HasCommits: true}))
	require.NoError(t, svc.PerformMerge(project, "main", "w1"))

	assert.Equal(t, []string{"main"}, git.CheckedOut)
	assert.Equal(t, "feature/x", git.MergedBranch)

	// The entry is marked merged, so it leaves the FIFO.
	queue, err := svc.Queue()
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestPerformMergeTwiceReportsAlreadyMerged(t *testing.T) {
	svc := newTestService(t, nil)
	project := store.Project{ID: "p1", Path: "/proj"}

	require.NoError(t, svc.Enqueue(store.MergeQueueEntry{WorktreeID: "w1", Branch: "feature/x"}))
	require.NoError(t, svc.PerformMerge(project, "main", "w1"))
	assert.ErrorIs(t, svc.PerformMerge(project, "main", "w1"), ErrAlreadyMerged)
}

func TestPerformMergeSurfacesConflict(t *testing.T) {
	git := &worktree.MockExecutor{
		MergeFunc: func(path, branch, message string) error {
			return fmt.Errorf("%w: CONFLICT (content): a.go", worktree.ErrMergeConflict)
		},
	}
	svc := newTestService(t, git)
	project := store.Project{ID: "p1", Path: "/proj"}

	require.NoError(t, svc.Enqueue(store.MergeQueueEntry{WorktreeID: "w1", Branch: "feature/x"}))
	err := svc.PerformMerge(project, "main", "w1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, worktree.ErrMergeConflict))

	// A conflicted entry stays queued for retry after manual resolution.
	queue, err := svc.Queue()
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestHeadAndPopOrder(t *testing.T) {
	svc := newTestService(t, nil)

	base := time.Now()
	require.NoError(t, svc.Enqueue(store.MergeQueueEntry{WorktreeID: "w1", Branch: "feature/a", CompletedAt: base}))
	require.NoError(t, svc.Enqueue(store.MergeQueueEntry{WorktreeID: "w2", Branch: "feature/b", CompletedAt: base.Add(time.Second)}))

	head, err := svc.Head()
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "w1", head.WorktreeID)

	popped, err := svc.Pop()
	require.NoError(t, err)
	assert.Equal(t, "w1", popped.WorktreeID)

	popped, err = svc.Pop()
	require.NoError(t, err)
	assert.Equal(t, "w2", popped.WorktreeID)

	popped, err = svc.Pop()
	require.NoError(t, err)
	assert.Nil(t, popped)
}

func TestPerformMergeUnknownWorktree(t *testing.T) {
	svc := newTestService(t, nil)
	var nf *store.NotFoundError
	err := svc.PerformMerge(store.Project{Path: "/proj"}, "main", "nope")
	assert.ErrorAs(t, err, &nf)
}
