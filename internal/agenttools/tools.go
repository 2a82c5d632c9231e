package agenttools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/ptyd"
)

// The five agent-side tools.
const (
	ToolReportCompletion = "report_completion"
	ToolLogActivity      = "log_activity"
	ToolReportProgress   = "report_progress"
	ToolReportError      = "report_error"
	ToolAskQuestion      = "ask_question"
)

// Notifier forwards lifecycle events to the control plane.
type Notifier interface {
	Notify(event string) error
}

// DaemonNotifier dials the PTY daemon per event and posts an agent:event
// frame keyed by worktree id. The daemon resolves the owning session and
// fans the event to control-plane subscribers.
type DaemonNotifier struct {
	url        string
	worktreeID string
}

// NewDaemonNotifier creates a notifier for the daemon at addr
// (host:port) and the given worktree.
func NewDaemonNotifier(addr, worktreeID string) *DaemonNotifier {
	return &DaemonNotifier{url: "ws://" + addr + "/ws", worktreeID: worktreeID}
}

// Notify posts one agent event. Failures are returned but callers treat the
// notification as best-effort.
func (n *DaemonNotifier) Notify(event string) error {
	conn, _, err := websocket.DefaultDialer.Dial(n.url, nil)
	if err != nil {
		return fmt.Errorf("daemon dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	return conn.WriteJSON(ptyd.Frame{Type: ptyd.MsgAgentEvent, WorktreeID: n.worktreeID, Event: event})
}

func textArg(args json.RawMessage, keys ...string) string {
	var fields map[string]any
	_ = json.Unmarshal(args, &fields)
	for _, key := range keys {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// NewAgentToolServer builds the stdio server advertising the five agent
// tools. Completion reaches the daemon through the notifier; the rest are
// logged and acknowledged so the agent can keep going.
func NewAgentToolServer(version string, notifier Notifier) *Server {
	s := NewServer("orchard-agent-tools", version)

	textSchema := func(field, description string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				field: map[string]any{"type": "string", "description": description},
			},
			"required": []string{field},
		}
	}

	notify := func(event string) {
		if notifier == nil {
			return
		}
		if err := notifier.Notify(event); err != nil {
			log.Warn(log.CatSession, "agent event notify failed", "event", event, "error", err.Error())
		}
	}

	s.RegisterTool(ToolSpec{
		Name:        ToolReportCompletion,
		Description: "Report that the assigned task is complete. Call exactly once when done.",
		InputSchema: textSchema("summary", "One-paragraph summary of what was done"),
	}, func(_ context.Context, args json.RawMessage) (*ToolResult, error) {
		summary := textArg(args, "summary")
		log.Info(log.CatSession, "agent reported completion", "summary", summary)
		notify(ptyd.MsgAgentTaskComplete)
		return TextResult("Completion recorded."), nil
	})

	s.RegisterTool(ToolSpec{
		Name:        ToolLogActivity,
		Description: "Record a noteworthy action for the activity log.",
		InputSchema: textSchema("summary", "One-line description of the action"),
	}, func(_ context.Context, args json.RawMessage) (*ToolResult, error) {
		log.Info(log.CatSession, "agent activity", "summary", textArg(args, "summary"))
		return TextResult("Logged."), nil
	})

	s.RegisterTool(ToolSpec{
		Name:        ToolReportProgress,
		Description: "Report intermediate progress on the task.",
		InputSchema: textSchema("message", "Short progress note"),
	}, func(_ context.Context, args json.RawMessage) (*ToolResult, error) {
		log.Info(log.CatSession, "agent progress", "message", textArg(args, "message"))
		return TextResult("Progress noted."), nil
	})

	s.RegisterTool(ToolSpec{
		Name:        ToolReportError,
		Description: "Report a blocking error instead of silently giving up.",
		InputSchema: textSchema("message", "What failed and why"),
	}, func(_ context.Context, args json.RawMessage) (*ToolResult, error) {
		log.Warn(log.CatSession, "agent reported error", "message", textArg(args, "message"))
		return TextResult("Error recorded. Continue if you can, otherwise stop."), nil
	})

	s.RegisterTool(ToolSpec{
		Name:        ToolAskQuestion,
		Description: "Ask the orchestrator a question and wait for guidance in the terminal.",
		InputSchema: textSchema("question", "The question that blocks progress"),
	}, func(_ context.Context, args json.RawMessage) (*ToolResult, error) {
		question := textArg(args, "question")
		log.Info(log.CatSession, "agent asked question", "question", question)
		// The terminal monitor picks the question up from the echoed output;
		// the answer arrives as terminal input.
		return TextResult("Question relayed: " + question + "\nWait for the answer in your terminal."), nil
	})

	return s
}
