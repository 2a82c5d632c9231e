package printer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/mergequeue"
	"github.com/zjrosen/orchard/internal/store"
	"github.com/zjrosen/orchard/internal/worktree"
)

// taskPreamble precedes every task prompt. It instructs the agent to commit
// incrementally and to signal completion through the tool server.
const taskPreamble = `You are working on a dedicated git worktree. Commit your work often with clear messages. When the task is finished, call the report_completion tool with a short summary. If you hit a blocker, call report_error instead of giving up silently.

Task:
`

// RunningTask is the in-memory record of an active print session per
// worktree.
type RunningTask struct {
	SessionID  string
	WorktreeID string
	StartedAt  time.Time
}

// ConflictError rejects a second concurrent task on one worktree, carrying
// the existing session for diagnostics.
type ConflictError struct {
	Existing RunningTask
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a task is already running on worktree %s (session %s, started %s)",
		e.Existing.WorktreeID, e.Existing.SessionID, e.Existing.StartedAt.Format(time.RFC3339))
}

// Config parameterises the agent invocation.
type Config struct {
	// AgentCommand is the agent binary (default "claude").
	AgentCommand string
	// AgentArgs precede the prompt argument.
	AgentArgs []string
}

// DefaultConfig returns the stock one-shot agent invocation.
func DefaultConfig() Config {
	return Config{
		AgentCommand: "claude",
		AgentArgs:    []string{"-p", "--output-format", "stream-json", "--verbose"},
	}
}

// Executor spawns one-shot agent tasks and persists their typed traces.
type Executor struct {
	sessions  *store.PrintSessionRepo
	worktrees *store.WorktreeRepo
	queue     *mergequeue.Service
	git       worktree.GitExecutor
	projectID string
	config    Config

	// defaultBranch is resolved lazily per run; injected for testability.
	defaultBranch func() string

	mu      sync.Mutex
	running map[string]RunningTask // worktreeID -> task

	// onDone is an optional test hook invoked after completion handling.
	onDone func(sessionID string, exitCode int)
}

// NewExecutor creates an Executor.
func NewExecutor(
	sessions *store.PrintSessionRepo,
	worktrees *store.WorktreeRepo,
	queue *mergequeue.Service,
	git worktree.GitExecutor,
	projectID string,
	defaultBranch func() string,
	config Config,
) *Executor {
	if config.AgentCommand == "" {
		config = DefaultConfig()
	}
	return &Executor{
		sessions:      sessions,
		worktrees:     worktrees,
		queue:         queue,
		git:           git,
		projectID:     projectID,
		defaultBranch: defaultBranch,
		config:        config,
		running:       make(map[string]RunningTask),
	}
}

// Running returns the in-flight task for a worktree, if any.
func (e *Executor) Running(worktreeID string) (RunningTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.running[worktreeID]
	return task, ok
}

// Run spawns a one-shot agent for the task on the worktree. At most one task
// runs per worktree; a second attempt returns a ConflictError carrying the
// running session.
func (e *Executor) Run(ctx context.Context, worktreeID, task string) (store.PrintSession, error) {
	e.mu.Lock()
	if existing, ok := e.running[worktreeID]; ok {
		e.mu.Unlock()
		return store.PrintSession{}, &ConflictError{Existing: existing}
	}
	// Reserve the slot before the slow spawn path.
	placeholder := RunningTask{WorktreeID: worktreeID, StartedAt: time.Now()}
	e.running[worktreeID] = placeholder
	e.mu.Unlock()

	session, err := e.start(ctx, worktreeID, task)
	if err != nil {
		e.clearRunning(worktreeID)
		return store.PrintSession{}, err
	}
	return session, nil
}

func (e *Executor) start(ctx context.Context, worktreeID, task string) (store.PrintSession, error) {
	wt, err := e.worktrees.Get(worktreeID)
	if err != nil {
		return store.PrintSession{}, err
	}

	// Refresh the tool-server manifest so tool calls carry this worktree id.
	if err := worktree.WriteAgentManifest(wt.Path, worktreeID); err != nil {
		return store.PrintSession{}, fmt.Errorf("failed to write tool-server manifest: %w", err)
	}

	session := store.PrintSession{
		ID:         uuid.NewString(),
		WorktreeID: worktreeID,
		ProjectID:  e.projectID,
		Task:       task,
		Status:     store.PrintRunning,
		StartedAt:  time.Now(),
	}
	if err := e.sessions.Insert(session); err != nil {
		return store.PrintSession{}, err
	}

	// The prompt marker lets the UI recover the task from the chunk stream.
	e.appendChunk(session.ID, markerPrompt+"\n"+task+"\n"+markerEnd+"\n")

	prompt := taskPreamble + task
	args := append(append([]string{}, e.config.AgentArgs...), prompt)
	cmd := exec.Command(e.config.AgentCommand, args...) //nolint:gosec // G204: command comes from configuration
	cmd.Dir = wt.Path
	cmd.Env = append(os.Environ(),
		"WORKTREE_ID="+worktreeID,
		"TERM=dumb",
		"NO_COLOR=1",
	)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return store.PrintSession{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return store.PrintSession{}, err
	}
	if err := cmd.Start(); err != nil {
		e.finish(session.ID, worktreeID, wt, 1)
		return store.PrintSession{}, fmt.Errorf("failed to spawn agent: %w", err)
	}

	e.mu.Lock()
	e.running[worktreeID] = RunningTask{SessionID: session.ID, WorktreeID: worktreeID, StartedAt: session.StartedAt}
	e.mu.Unlock()
	log.Info(log.CatPrinter, "print session started", "session", session.ID, "worktree", worktreeID)

	parser := NewParser(func(chunk string) { e.appendChunk(session.ID, chunk) })

	var wg sync.WaitGroup
	wg.Add(2)
	log.SafeGo("printer.stdout", func() {
		defer wg.Done()
		buf := make([]byte, 16*1024)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				parser.Feed(buf[:n])
			}
			if readErr != nil {
				return
			}
		}
	})
	log.SafeGo("printer.stderr", func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			e.appendChunk(session.ID, "[stderr] "+scanner.Text()+"\n")
		}
	})

	log.SafeGo("printer.wait", func() {
		wg.Wait()
		exitCode := 0
		if waitErr := cmd.Wait(); waitErr != nil {
			exitCode = 1
			if exitErr, ok := waitErr.(*exec.ExitError); ok { //nolint:errorlint // Wait returns the concrete type
				exitCode = exitErr.ExitCode()
			}
		}
		e.finish(session.ID, worktreeID, wt, exitCode)
	})

	return session, nil
}

// finish records the terminal state, enqueues completed-with-commits runs
// for merge, and always clears the running-task slot.
func (e *Executor) finish(sessionID, worktreeID string, wt store.Worktree, exitCode int) {
	defer e.clearRunning(worktreeID)

	if exitCode == 0 {
		if err := e.sessions.Finish(sessionID, store.PrintCompleted, 0); err != nil {
			log.ErrorErr(log.CatPrinter, "completion persist failed", err, "session", sessionID)
		}
		hasCommits, err := e.git.HasCommits(wt.Path, e.defaultBranch())
		if err != nil {
			log.ErrorErr(log.CatPrinter, "commit check failed", err, "worktree", worktreeID)
		}
		if hasCommits {
			if err := e.queue.Enqueue(store.MergeQueueEntry{
				WorktreeID: worktreeID,
				Branch:     wt.Branch,
				Summary:    "",
				HasCommits: true,
			}); err != nil {
				log.ErrorErr(log.CatPrinter, "merge enqueue failed", err, "worktree", worktreeID)
			}
		}
	} else {
		if err := e.sessions.Finish(sessionID, store.PrintFailed, exitCode); err != nil {
			log.ErrorErr(log.CatPrinter, "failure persist failed", err, "session", sessionID)
		}
	}
	log.Info(log.CatPrinter, "print session finished", "session", sessionID, "exitCode", exitCode)

	if e.onDone != nil {
		e.onDone(sessionID, exitCode)
	}
}

func (e *Executor) clearRunning(worktreeID string) {
	e.mu.Lock()
	delete(e.running, worktreeID)
	e.mu.Unlock()
}

func (e *Executor) appendChunk(sessionID, chunk string) {
	if err := e.sessions.AppendChunk(sessionID, chunk); err != nil {
		log.ErrorErr(log.CatPrinter, "chunk persist failed", err, "session", sessionID)
	}
}

// RecoverInterrupted classifies sessions left in running state by a previous
// process: runs on archived worktrees become orphaned (-3), the rest are
// marked interrupted (-1). Interrupted sessions superseded by a newer
// completed run on the main worktree are marked handled (-2); the remainder
// is returned as resume candidates.
func (e *Executor) RecoverInterrupted(mainWorktreeID string) ([]store.PrintSession, error) {
	stale, err := e.sessions.ListByStatus(store.PrintRunning)
	if err != nil {
		return nil, err
	}
	for _, s := range stale {
		wt, err := e.worktrees.Get(s.WorktreeID)
		if err == nil && wt.Archived {
			if err := e.sessions.SetExitCode(s.ID, store.ExitOrphaned, store.PrintFailed); err != nil {
				log.ErrorErr(log.CatPrinter, "orphan classification failed", err, "session", s.ID)
			}
			continue
		}
		if err := e.sessions.SetExitCode(s.ID, store.ExitInterrupted, store.PrintFailed); err != nil {
			log.ErrorErr(log.CatPrinter, "interrupt classification failed", err, "session", s.ID)
		}
	}

	interrupted, err := e.sessions.ListByExitCode(store.ExitInterrupted)
	if err != nil {
		return nil, err
	}
	if len(interrupted) == 0 {
		return nil, nil
	}

	var newestCompleted *store.PrintSession
	if mainWorktreeID != "" {
		newestCompleted, err = e.sessions.LatestCompletedForWorktree(mainWorktreeID)
		if err != nil {
			return nil, err
		}
	}

	var candidates []store.PrintSession
	for _, s := range interrupted {
		if newestCompleted != nil && newestCompleted.StartedAt.After(s.StartedAt) {
			if err := e.sessions.SetExitCode(s.ID, store.ExitInterruptedHandled, store.PrintFailed); err != nil {
				log.ErrorErr(log.CatPrinter, "handled classification failed", err, "session", s.ID)
			}
			continue
		}
		candidates = append(candidates, s)
	}
	return candidates, nil
}
