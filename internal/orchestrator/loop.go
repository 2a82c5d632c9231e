package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/orchard/internal/activity"
	"github.com/zjrosen/orchard/internal/agentsess"
	"github.com/zjrosen/orchard/internal/llm"
	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/mergequeue"
	"github.com/zjrosen/orchard/internal/printer"
	"github.com/zjrosen/orchard/internal/store"
	"github.com/zjrosen/orchard/internal/tracing"
	"github.com/zjrosen/orchard/internal/worktree"
)

// DefaultTickInterval paces the decision loop.
const DefaultTickInterval = 5 * time.Second

// systemPrompt frames every orchestrator call.
const systemPrompt = `You are the orchestrator of a fleet of coding agents, each working in its own git worktree of one repository. On every tick you receive a snapshot of pending user messages, agent sessions, worktrees, the merge queue head, and recent terminal signals. Decide what to do next using the available tools. Prefer small, safe steps: answer agent questions, merge completed branches one at a time, archive merged worktrees, and keep the user informed. Do nothing when nothing needs doing.`

// Config is the hot-reloadable loop configuration.
type Config struct {
	Model        string
	TickInterval time.Duration
	Enabled      bool
}

// TerminalWriter delivers keystrokes to a live agent session.
type TerminalWriter interface {
	SendInput(sessionID, data string) error
}

// Deps wires the loop to the services it drives.
type Deps struct {
	Project      store.Project
	Worktrees    *worktree.Manager
	WorktreeRepo *store.WorktreeRepo
	Sessions     *agentsess.Registry
	SessionRepo  *store.AgentSessionRepo
	Queue        *mergequeue.Service
	Printer      *printer.Executor
	Activity     *activity.Service
	Patterns     *store.PatternRepo
	Terminal     TerminalWriter
	LLM          llm.Client
	AgentCommand string
}

// Loop is the periodic orchestrator.
type Loop struct {
	deps Deps

	mu     sync.Mutex
	cfg    Config
	paused bool

	ticking  atomic.Bool
	inflight sync.WaitGroup
	reload   chan time.Duration
	corrID   string
}

// NewLoop creates a Loop.
func NewLoop(deps Deps, cfg Config) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Loop{deps: deps, cfg: cfg, reload: make(chan time.Duration, 1)}
}

// Start runs the tick loop until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	log.SafeGo("orchestrator.loop", func() {
		l.mu.Lock()
		interval := l.cfg.TickInterval
		l.mu.Unlock()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case interval = <-l.reload:
				ticker.Reset(interval)
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	})
}

// Stop waits for the in-flight tick, if any, to settle.
func (l *Loop) Stop() {
	l.inflight.Wait()
}

// Pause suspends ticks without losing configuration.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

// Resume re-enables ticks.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
}

// ConfigUpdate carries the hot-reloadable fields; nil means unchanged.
type ConfigUpdate struct {
	Model        *string
	TickInterval *time.Duration
	Enabled      *bool
}

// UpdateConfig applies a partial configuration change while running.
func (l *Loop) UpdateConfig(update ConfigUpdate) {
	l.mu.Lock()
	if update.Model != nil {
		l.cfg.Model = *update.Model
	}
	if update.Enabled != nil {
		l.cfg.Enabled = *update.Enabled
	}
	var newInterval time.Duration
	if update.TickInterval != nil && *update.TickInterval > 0 {
		l.cfg.TickInterval = *update.TickInterval
		newInterval = *update.TickInterval
	}
	l.mu.Unlock()

	if newInterval > 0 {
		select {
		case l.reload <- newInterval:
		default:
		}
	}
}

// Tick runs one decision cycle synchronously. Overlapping ticks are
// suppressed; no error escapes — failures become activity entries.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	cfg := l.cfg
	paused := l.paused
	l.mu.Unlock()
	if !cfg.Enabled || paused {
		return
	}
	if !l.ticking.CompareAndSwap(false, true) {
		return
	}
	l.inflight.Add(1)
	defer func() {
		l.ticking.Store(false)
		l.inflight.Done()
	}()

	ctx, span := tracing.Tracer().Start(ctx, "orchestrator.tick")
	defer span.End()

	l.corrID = uuid.NewString()
	_, _ = l.deps.Activity.Log(store.ActivityTick, store.CategorySystem, "tick", nil, l.corrID)

	snapshot, err := l.buildSnapshot()
	if err != nil {
		_, _ = l.deps.Activity.Log(store.ActivityError, store.CategorySystem,
			"snapshot failed: "+err.Error(), nil, l.corrID)
		return
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		_, _ = l.deps.Activity.Log(store.ActivityError, store.CategorySystem,
			"snapshot marshal failed: "+err.Error(), nil, l.corrID)
		return
	}

	_, _ = l.deps.Activity.Log(store.ActivityLLMRequest, store.CategoryOrchestrator,
		"orchestrator decision request", map[string]any{"model": cfg.Model}, l.corrID)

	resp, err := l.deps.LLM.Chat(ctx, llm.ChatRequest{
		Model:    cfg.Model,
		System:   systemPrompt,
		Messages: []llm.Message{{Role: "user", Content: string(payload)}},
		Tools:    toolSet(),
	})
	if err != nil {
		_, _ = l.deps.Activity.Log(store.ActivityError, store.CategoryOrchestrator,
			"llm call failed: "+err.Error(), nil, l.corrID)
		return
	}

	for _, call := range resp.ToolCalls {
		toolCtx, toolSpan := tracing.Tracer().Start(ctx, "orchestrator.tool."+call.Name)
		_, _ = l.deps.Activity.RunAction(l.corrID, call.Name, json.RawMessage(call.Input), func() (any, error) {
			return l.executeTool(toolCtx, call)
		})
		toolSpan.End()
	}

	_, _ = l.deps.Activity.Log(store.ActivityLLMResponse, store.CategoryOrchestrator,
		"orchestrator decision response", map[string]any{
			"stopReason":   resp.StopReason,
			"inputTokens":  resp.Usage.InputTokens,
			"outputTokens": resp.Usage.OutputTokens,
			"toolCalls":    len(resp.ToolCalls),
			"text":         resp.Text,
		}, l.corrID)
}

// ManualTick runs one tick synchronously; used by tests and debug surfaces.
func (l *Loop) ManualTick(ctx context.Context) {
	l.Tick(ctx)
}

// worktreeSummary is the lightweight listing sent to the model.
type worktreeSummary struct {
	ID       string `json:"id"`
	Branch   string `json:"branch"`
	IsMain   bool   `json:"isMain"`
	Merged   bool   `json:"merged"`
	Archived bool   `json:"archived"`
	Ahead    int    `json:"ahead"`
	Dirty    bool   `json:"dirty"`
}

// snapshot is the context document for one decision.
type snapshot struct {
	ProjectID       string                  `json:"projectId"`
	PendingMessages []store.ChatMessage     `json:"pendingMessages"`
	Sessions        []store.AgentSession    `json:"sessions"`
	Worktrees       []worktreeSummary       `json:"worktrees"`
	MergeQueueHead  *store.MergeQueueEntry  `json:"mergeQueueHead,omitempty"`
	RecentPatterns  []store.DetectedPattern `json:"recentPatterns"`
	RecentDecisions []string                `json:"recentDecisions"`
}

func (l *Loop) buildSnapshot() (snapshot, error) {
	snap := snapshot{ProjectID: l.deps.Project.ID}

	messages, err := l.deps.Activity.PendingUserMessages()
	if err != nil {
		return snap, err
	}
	snap.PendingMessages = messages

	sessions, err := l.deps.SessionRepo.List(l.deps.Project.ID,
		store.SessionActive, store.SessionDisconnected, store.SessionResumed)
	if err != nil {
		return snap, err
	}
	snap.Sessions = sessions

	worktrees, err := l.deps.WorktreeRepo.ListForProject(l.deps.Project.ID)
	if err != nil {
		return snap, err
	}
	for _, wt := range worktrees {
		snap.Worktrees = append(snap.Worktrees, worktreeSummary{
			ID:       wt.ID,
			Branch:   wt.Branch,
			IsMain:   wt.IsMain,
			Merged:   wt.Merged,
			Archived: wt.Archived,
			Ahead:    wt.Status.Ahead,
			Dirty:    !wt.Status.Clean(),
		})
	}

	head, err := l.deps.Queue.Head()
	if err != nil {
		return snap, err
	}
	snap.MergeQueueHead = head

	patterns, err := l.deps.Patterns.ListRecent(l.deps.Project.ID, true, 20)
	if err != nil {
		return snap, err
	}
	snap.RecentPatterns = patterns

	decisions, err := l.deps.Activity.Recent(store.ActivityQuery{Type: store.ActivityDecision, Limit: 5})
	if err != nil {
		return snap, err
	}
	for _, d := range decisions {
		snap.RecentDecisions = append(snap.RecentDecisions, d.Summary)
	}
	return snap, nil
}

func (l *Loop) defaultBranch() string {
	return l.deps.Worktrees.DefaultBranch(l.deps.Project)
}

func (l *Loop) agentCommand() string {
	if l.deps.AgentCommand != "" {
		return l.deps.AgentCommand
	}
	return "claude"
}

func (l *Loop) currentCorrelationID() string {
	return l.corrID
}

// sendToAgent types a message into the worktree's live agent terminal.
func (l *Loop) sendToAgent(worktreeID, message string) error {
	session, err := l.deps.SessionRepo.GetByWorktree(worktreeID)
	if err != nil {
		return err
	}
	return l.deps.Terminal.SendInput(session.ID, message+"\r")
}

// markQuestionsHandled flips unhandled question detections for a worktree
// once an answer was delivered.
func (l *Loop) markQuestionsHandled(worktreeID string) {
	patterns, err := l.deps.Patterns.ListRecent(l.deps.Project.ID, true, 0)
	if err != nil {
		log.ErrorErr(log.CatOrch, "pattern listing failed", err)
		return
	}
	for _, p := range patterns {
		if p.WorktreeID == worktreeID && p.Type == store.PatternQuestion {
			if err := l.deps.Patterns.MarkHandled(p.ID); err != nil {
				log.ErrorErr(log.CatOrch, "mark handled failed", err, "pattern", p.ID)
			}
		}
	}
}
