// Package orchestrator runs the periodic decision loop: it snapshots the
// project state, asks the model what to do with a fixed tool set, and
// dispatches the returned tool calls through the activity service.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zjrosen/orchard/internal/llm"
	"github.com/zjrosen/orchard/internal/store"
	"github.com/zjrosen/orchard/internal/worktree"
)

// Tool names dispatched by the loop.
const (
	ToolCreateWorktree     = "CREATE_WORKTREE"
	ToolSendTask           = "SEND_TASK"
	ToolMergeWorktree      = "MERGE_WORKTREE"
	ToolArchiveWorktree    = "ARCHIVE_WORKTREE"
	ToolSendMessage        = "SEND_MESSAGE"
	ToolNudgeAgent         = "NUDGE_AGENT"
	ToolCheckStatus        = "CHECK_STATUS"
	ToolRespondToQuestion  = "RESPOND_TO_QUESTION"
	ToolLogActivity        = "LOG_ACTIVITY"
	ToolGetPendingMessages = "GET_PENDING_MESSAGES"
)

// defaultNudge prompts an agent for a status report when NUDGE_AGENT carries
// no message.
const defaultNudge = "Please give a brief status update on your current task."

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

// toolSet is the fixed tool catalogue offered on every tick.
func toolSet() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolCreateWorktree,
			Description: "Create a new git worktree (branch feature/<name>) and optionally start an agent task in it.",
			InputSchema: objectSchema(map[string]any{
				"projectId":  stringProp("Project id"),
				"name":       stringProp("Short task name; becomes the branch slug"),
				"task":       stringProp("Optional task prompt to run immediately"),
				"startAgent": boolProp("Start an interactive agent session in the worktree"),
			}, "projectId", "name"),
		},
		{
			Name:        ToolSendTask,
			Description: "Send a task to a worktree: to its live agent session if one exists, otherwise as a one-shot print session.",
			InputSchema: objectSchema(map[string]any{
				"worktreeId": stringProp("Target worktree id"),
				"message":    stringProp("Task or instruction text"),
			}, "worktreeId", "message"),
		},
		{
			Name:        ToolMergeWorktree,
			Description: "Merge a queued worktree branch into the default branch.",
			InputSchema: objectSchema(map[string]any{
				"projectId":   stringProp("Project id"),
				"worktreeId":  stringProp("Worktree whose branch to merge"),
				"squash":      boolProp("Accepted but not applied; every merge creates a --no-ff merge commit"),
				"deleteAfter": boolProp("Delete the worktree after a clean merge"),
			}, "projectId", "worktreeId"),
		},
		{
			Name:        ToolArchiveWorktree,
			Description: "Archive a worktree (terminating its agent session) and optionally delete its files.",
			InputSchema: objectSchema(map[string]any{
				"worktreeId":  stringProp("Worktree to archive"),
				"deleteFiles": boolProp("Also remove the worktree directory"),
			}, "worktreeId"),
		},
		{
			Name:        ToolSendMessage,
			Description: "Send a chat message to the user.",
			InputSchema: objectSchema(map[string]any{
				"projectId": stringProp("Project id"),
				"message":   stringProp("Message text"),
				"replyTo":   stringProp("Chat message id being answered"),
			}, "projectId", "message"),
		},
		{
			Name:        ToolNudgeAgent,
			Description: "Nudge a worktree's agent; without a message it asks for a status update.",
			InputSchema: objectSchema(map[string]any{
				"worktreeId": stringProp("Target worktree id"),
				"message":    stringProp("Optional nudge text"),
			}, "worktreeId"),
		},
		{
			Name:        ToolCheckStatus,
			Description: "Report current worktree and session status for the project or one worktree.",
			InputSchema: objectSchema(map[string]any{
				"projectId":  stringProp("Project id"),
				"worktreeId": stringProp("Optional worktree to inspect"),
			}, "projectId"),
		},
		{
			Name:        ToolRespondToQuestion,
			Description: "Answer a question an agent asked in its terminal.",
			InputSchema: objectSchema(map[string]any{
				"worktreeId": stringProp("Worktree whose agent asked"),
				"response":   stringProp("Answer text typed into the agent terminal"),
			}, "worktreeId", "response"),
		},
		{
			Name:        ToolLogActivity,
			Description: "Record a decision or observation in the activity log.",
			InputSchema: objectSchema(map[string]any{
				"summary":  stringProp("One-line summary"),
				"category": stringProp("One of: system, orchestrator, agent, worktree, user"),
				"details":  map[string]any{"type": "object", "description": "Structured details"},
			}, "summary", "category"),
		},
		{
			Name:        ToolGetPendingMessages,
			Description: "Fetch unprocessed user chat messages.",
			InputSchema: objectSchema(map[string]any{}),
		},
	}
}

type createWorktreeParams struct {
	ProjectID  string `json:"projectId"`
	Name       string `json:"name"`
	Task       string `json:"task"`
	StartAgent bool   `json:"startAgent"`
}

type sendTaskParams struct {
	WorktreeID string `json:"worktreeId"`
	Message    string `json:"message"`
}

type mergeWorktreeParams struct {
	ProjectID   string `json:"projectId"`
	WorktreeID  string `json:"worktreeId"`
	Squash      bool   `json:"squash"`
	DeleteAfter bool   `json:"deleteAfter"`
}

type archiveWorktreeParams struct {
	WorktreeID  string `json:"worktreeId"`
	DeleteFiles bool   `json:"deleteFiles"`
}

type sendMessageParams struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message"`
	ReplyTo   string `json:"replyTo"`
}

type nudgeAgentParams struct {
	WorktreeID string `json:"worktreeId"`
	Message    string `json:"message"`
}

type checkStatusParams struct {
	ProjectID  string `json:"projectId"`
	WorktreeID string `json:"worktreeId"`
}

type respondToQuestionParams struct {
	WorktreeID string `json:"worktreeId"`
	Response   string `json:"response"`
}

type logActivityParams struct {
	Summary  string          `json:"summary"`
	Category string          `json:"category"`
	Details  json.RawMessage `json:"details"`
}

// executeTool runs one dispatched tool call and returns its result value.
func (l *Loop) executeTool(ctx context.Context, call llm.ToolCall) (any, error) {
	switch call.Name {
	case ToolCreateWorktree:
		var p createWorktreeParams
		if err := unmarshalParams(call.Input, &p, "name"); err != nil {
			return nil, err
		}
		branch := worktree.BranchNameFromTask(p.Name)
		wt, err := l.deps.Worktrees.CreateWorktree(l.deps.Project, branch, worktree.CreateOptions{
			NewBranch:  true,
			BaseBranch: l.defaultBranch(),
		})
		if err != nil {
			return nil, err
		}
		if p.StartAgent {
			if _, err := l.deps.Sessions.RegisterSession(ctx, wt.ID, l.agentCommand(), wt.Path); err != nil {
				return nil, err
			}
		}
		if p.Task != "" {
			if _, err := l.deps.Printer.Run(ctx, wt.ID, p.Task); err != nil {
				return nil, err
			}
		}
		return map[string]any{"worktreeId": wt.ID, "branch": wt.Branch, "path": wt.Path}, nil

	case ToolSendTask:
		var p sendTaskParams
		if err := unmarshalParams(call.Input, &p, "worktreeId", "message"); err != nil {
			return nil, err
		}
		if l.deps.Sessions.HasActiveSession(p.WorktreeID) {
			if err := l.sendToAgent(p.WorktreeID, p.Message); err != nil {
				return nil, err
			}
			return map[string]any{"delivery": "session"}, nil
		}
		session, err := l.deps.Printer.Run(ctx, p.WorktreeID, p.Message)
		if err != nil {
			return nil, err
		}
		return map[string]any{"delivery": "print", "sessionId": session.ID}, nil

	case ToolMergeWorktree:
		var p mergeWorktreeParams
		if err := unmarshalParams(call.Input, &p, "worktreeId"); err != nil {
			return nil, err
		}
		if err := l.deps.Queue.PerformMerge(l.deps.Project, l.defaultBranch(), p.WorktreeID); err != nil {
			return nil, err
		}
		if p.DeleteAfter {
			if err := l.deps.Worktrees.DeleteWorktree(l.deps.Project, p.WorktreeID, false); err != nil {
				return nil, err
			}
		}
		return map[string]any{"merged": true}, nil

	case ToolArchiveWorktree:
		var p archiveWorktreeParams
		if err := unmarshalParams(call.Input, &p, "worktreeId"); err != nil {
			return nil, err
		}
		// Archiving does not kill sessions by itself; that contract is ours.
		if err := l.deps.Sessions.UnregisterSession(ctx, p.WorktreeID); err != nil {
			var nf *store.NotFoundError
			if !errors.As(err, &nf) {
				return nil, err
			}
		}
		if err := l.deps.Worktrees.ArchiveWorktree(p.WorktreeID); err != nil {
			return nil, err
		}
		if err := l.deps.Queue.Remove(p.WorktreeID); err != nil {
			return nil, err
		}
		if p.DeleteFiles {
			if err := l.deps.Worktrees.DeleteWorktree(l.deps.Project, p.WorktreeID, true); err != nil {
				return nil, err
			}
		}
		return map[string]any{"archived": true}, nil

	case ToolSendMessage:
		var p sendMessageParams
		if err := unmarshalParams(call.Input, &p, "message"); err != nil {
			return nil, err
		}
		msg, err := l.deps.Activity.SendOrchestratorMessage(p.Message, p.ReplyTo)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messageId": msg.ID}, nil

	case ToolNudgeAgent:
		var p nudgeAgentParams
		if err := unmarshalParams(call.Input, &p, "worktreeId"); err != nil {
			return nil, err
		}
		message := p.Message
		if message == "" {
			message = defaultNudge
		}
		if err := l.sendToAgent(p.WorktreeID, message); err != nil {
			return nil, err
		}
		return map[string]any{"nudged": true}, nil

	case ToolCheckStatus:
		var p checkStatusParams
		if err := unmarshalParams(call.Input, &p); err != nil {
			return nil, err
		}
		worktrees, err := l.deps.WorktreeRepo.ListForProject(l.deps.Project.ID)
		if err != nil {
			return nil, err
		}
		if p.WorktreeID != "" {
			for _, wt := range worktrees {
				if wt.ID == p.WorktreeID {
					return wt, nil
				}
			}
			return nil, &store.NotFoundError{Kind: "worktree", ID: p.WorktreeID}
		}
		return worktrees, nil

	case ToolRespondToQuestion:
		var p respondToQuestionParams
		if err := unmarshalParams(call.Input, &p, "worktreeId", "response"); err != nil {
			return nil, err
		}
		if err := l.sendToAgent(p.WorktreeID, p.Response); err != nil {
			return nil, err
		}
		l.markQuestionsHandled(p.WorktreeID)
		return map[string]any{"responded": true}, nil

	case ToolLogActivity:
		var p logActivityParams
		if err := unmarshalParams(call.Input, &p, "summary"); err != nil {
			return nil, err
		}
		category := store.ActivityCategory(p.Category)
		if category == "" {
			category = store.CategoryOrchestrator
		}
		entry, err := l.deps.Activity.Log(store.ActivityDecision, category, p.Summary, p.Details, l.currentCorrelationID())
		if err != nil {
			return nil, err
		}
		return map[string]any{"entryId": entry.ID}, nil

	case ToolGetPendingMessages:
		messages, err := l.deps.Activity.PendingUserMessages()
		if err != nil {
			return nil, err
		}
		for _, m := range messages {
			if err := l.deps.Activity.MarkMessageProcessed(m.ID); err != nil {
				return nil, err
			}
		}
		return messages, nil

	default:
		return nil, fmt.Errorf("unknown tool: %s", call.Name)
	}
}

// unmarshalParams decodes a tool input and validates required string fields.
func unmarshalParams(input json.RawMessage, target any, required ...string) error {
	if len(input) > 0 {
		if err := json.Unmarshal(input, target); err != nil {
			return fmt.Errorf("invalid tool parameters: %w", err)
		}
	}
	if len(required) == 0 {
		return nil
	}
	var fields map[string]any
	_ = json.Unmarshal(input, &fields)
	for _, name := range required {
		v, ok := fields[name].(string)
		if !ok || v == "" {
			return fmt.Errorf("missing required parameter: %s", name)
		}
	}
	return nil
}
