package printer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orchard/internal/mergequeue"
	"github.com/zjrosen/orchard/internal/store"
	"github.com/zjrosen/orchard/internal/worktree"
)

type executorFixture struct {
	executor *Executor
	sessions *store.PrintSessionRepo
	queue    *mergequeue.Service
	git      *worktree.MockExecutor
	wtID     string
	done     chan int
}

// scriptConfig runs the given shell script in place of the agent binary; the
// prompt still arrives as a trailing argument the script can ignore.
func scriptConfig(script string) Config {
	return Config{AgentCommand: "/bin/sh", AgentArgs: []string{"-c", script, "agent"}}
}

func newExecutorFixture(t *testing.T, cfg Config, git *worktree.MockExecutor) *executorFixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sessions := store.NewPrintSessionRepo(db)
	worktrees := store.NewWorktreeRepo(db)
	if git == nil {
		git = &worktree.MockExecutor{}
	}
	queue := mergequeue.NewService(store.NewMergeQueueRepo(db), git)

	wtPath := t.TempDir()
	wt := store.Worktree{
		ID: "w1", ProjectID: "p1", Path: wtPath, Branch: "feature/x", CreatedAt: time.Now(),
	}
	require.NoError(t, worktrees.Upsert(wt))

	fx := &executorFixture{
		sessions: sessions,
		queue:    queue,
		git:      git,
		wtID:     "w1",
		done:     make(chan int, 4),
	}
	fx.executor = NewExecutor(sessions, worktrees, queue, git, "p1", func() string { return "main" }, cfg)
	fx.executor.onDone = func(_ string, exitCode int) { fx.done <- exitCode }
	return fx
}

func (fx *executorFixture) waitDone(t *testing.T) int {
	t.Helper()
	select {
	case code := <-fx.done:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("print session did not finish")
		return 0
	}
}

func TestRunParsesStreamAndEnqueuesOnSuccess(t *testing.T) {
	script := `echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","id":"t1","input":{"command":"ls"}}]}}'
echo '{"type":"result","result":"a\nb\n"}'`
	git := &worktree.MockExecutor{HasCommitsFunc: func(string, string) (bool, error) { return true, nil }}
	fx := newExecutorFixture(t, scriptConfig(script), git)

	session, err := fx.executor.Run(context.Background(), fx.wtID, "list files")
	require.NoError(t, err)
	assert.Equal(t, 0, fx.waitDone(t))

	stored, err := fx.sessions.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PrintCompleted, stored.Status)
	require.NotNil(t, stored.ExitCode)
	assert.Equal(t, 0, *stored.ExitCode)

	full, err := fx.sessions.FullOutput(session.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full, "@@PROMPT@@\nlist files\n@@END@@\n"), "prompt marker leads the stream")
	assert.Contains(t, full, "@@TOOL:Bash@@\n@@CMD:ls@@\n")
	assert.Contains(t, full, "@@OUTPUT@@\na\nb\n\n@@END@@\n")

	queue, err := fx.queue.Queue()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "w1", queue[0].WorktreeID)
	assert.Equal(t, "feature/x", queue[0].Branch)
	assert.True(t, queue[0].HasCommits)

	_, stillRunning := fx.executor.Running(fx.wtID)
	assert.False(t, stillRunning)
}

func TestRunNoCommitsNotEnqueued(t *testing.T) {
	fx := newExecutorFixture(t, scriptConfig("exit 0"), nil)

	_, err := fx.executor.Run(context.Background(), fx.wtID, "noop")
	require.NoError(t, err)
	fx.waitDone(t)

	queue, err := fx.queue.Queue()
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestRunFailureMarksFailed(t *testing.T) {
	fx := newExecutorFixture(t, scriptConfig("echo '[boom]' 1>&2; exit 3"), nil)

	session, err := fx.executor.Run(context.Background(), fx.wtID, "break")
	require.NoError(t, err)
	assert.Equal(t, 3, fx.waitDone(t))

	stored, err := fx.sessions.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PrintFailed, stored.Status)
	require.NotNil(t, stored.ExitCode)
	assert.Equal(t, 3, *stored.ExitCode)

	full, err := fx.sessions.FullOutput(session.ID)
	require.NoError(t, err)
	assert.Contains(t, full, "[stderr] [boom]\n")
}

func TestRunRejectsConcurrentTaskOnSameWorktree(t *testing.T) {
	fx := newExecutorFixture(t, scriptConfig("sleep 2"), nil)

	first, err := fx.executor.Run(context.Background(), fx.wtID, "slow")
	require.NoError(t, err)

	_, err = fx.executor.Run(context.Background(), fx.wtID, "second")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.Existing.SessionID)
}

func TestRunUnknownWorktree(t *testing.T) {
	fx := newExecutorFixture(t, scriptConfig("exit 0"), nil)
	_, err := fx.executor.Run(context.Background(), "missing", "task")
	var nf *store.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRecoverInterruptedClassification(t *testing.T) {
	fx := newExecutorFixture(t, scriptConfig("exit 0"), nil)
	db := fx.sessions

	base := time.Now().Add(-time.Hour)
	// A run left in running state on the live worktree.
	require.NoError(t, db.Insert(store.PrintSession{
		ID: "stale", WorktreeID: "w1", ProjectID: "p1", Task: "t",
		Status: store.PrintRunning, StartedAt: base,
	}))

	candidates, err := fx.executor.RecoverInterrupted("")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "stale", candidates[0].ID)

	stored, err := db.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, store.PrintFailed, stored.Status)
	require.NotNil(t, stored.ExitCode)
	assert.Equal(t, store.ExitInterrupted, *stored.ExitCode)
}

func TestRecoverInterruptedHandledWhenSuperseded(t *testing.T) {
	fx := newExecutorFixture(t, scriptConfig("exit 0"), nil)
	db := fx.sessions

	base := time.Now().Add(-2 * time.Hour)
	require.NoError(t, db.Insert(store.PrintSession{
		ID: "old", WorktreeID: "w1", ProjectID: "p1", Task: "t",
		Status: store.PrintRunning, StartedAt: base,
	}))
	// A newer completed session on the main worktree supersedes it.
	require.NoError(t, db.Insert(store.PrintSession{
		ID: "newer", WorktreeID: "main-wt", ProjectID: "p1", Task: "t2",
		Status: store.PrintRunning, StartedAt: base.Add(time.Hour),
	}))
	require.NoError(t, db.Finish("newer", store.PrintCompleted, 0))

	candidates, err := fx.executor.RecoverInterrupted("main-wt")
	require.NoError(t, err)
	assert.Empty(t, candidates)

	stored, err := db.Get("old")
	require.NoError(t, err)
	require.NotNil(t, stored.ExitCode)
	assert.Equal(t, store.ExitInterruptedHandled, *stored.ExitCode)
}

func TestRecoverInterruptedOrphansArchivedWorktrees(t *testing.T) {
	fx := newExecutorFixture(t, scriptConfig("exit 0"), nil)
	db := fx.sessions

	// Archive the fixture worktree, then leave a running session on it.
	wtRepo := storeWorktreeRepo(t, fx)
	require.NoError(t, wtRepo.SetArchived("w1", true))
	require.NoError(t, db.Insert(store.PrintSession{
		ID: "orphan", WorktreeID: "w1", ProjectID: "p1", Task: "t",
		Status: store.PrintRunning, StartedAt: time.Now().Add(-time.Hour),
	}))

	candidates, err := fx.executor.RecoverInterrupted("")
	require.NoError(t, err)
	assert.Empty(t, candidates)

	stored, err := db.Get("orphan")
	require.NoError(t, err)
	assert.Equal(t, store.PrintFailed, stored.Status)
	require.NotNil(t, stored.ExitCode)
	assert.Equal(t, store.ExitOrphaned, *stored.ExitCode)
}

func storeWorktreeRepo(t *testing.T, fx *executorFixture) *store.WorktreeRepo {
	t.Helper()
	return fx.executor.worktrees
}
