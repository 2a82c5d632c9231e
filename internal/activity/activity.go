// Package activity provides the append-only activity log and the
// user/orchestrator chat exchange, plus the action wrapper that brackets
// every orchestrator tool execution with correlated log entries.
package activity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/pubsub"
	"github.com/zjrosen/orchard/internal/store"
)

// Service records activity and chat for one project.
type Service struct {
	logs      *store.ActivityRepo
	chat      *store.ChatRepo
	projectID string
	bus       *pubsub.Broker[store.ActivityEntry]
}

// NewService creates a Service.
func NewService(logs *store.ActivityRepo, chat *store.ChatRepo, projectID string) *Service {
	return &Service{
		logs:      logs,
		chat:      chat,
		projectID: projectID,
		bus:       pubsub.NewBroker[store.ActivityEntry](),
	}
}

// Bus publishes every appended activity entry.
func (s *Service) Bus() *pubsub.Broker[store.ActivityEntry] { return s.bus }

// Log appends one activity entry. Details may be any JSON-marshalable value.
func (s *Service) Log(typ store.ActivityType, category store.ActivityCategory, summary string, details any, correlationID string) (store.ActivityEntry, error) {
	var raw json.RawMessage
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			log.ErrorErr(log.CatActivity, "details marshal failed", err, "summary", summary)
		} else {
			raw = data
		}
	}
	entry, err := s.logs.Append(store.ActivityEntry{
		ProjectID:     s.projectID,
		Type:          typ,
		Category:      category,
		Summary:       summary,
		Details:       raw,
		CorrelationID: correlationID,
	})
	if err != nil {
		return store.ActivityEntry{}, err
	}
	s.bus.Publish(pubsub.CreatedEvent, entry)
	return entry, nil
}

// Recent returns recent entries matching the query.
func (s *Service) Recent(q store.ActivityQuery) ([]store.ActivityEntry, error) {
	return s.logs.List(s.projectID, q)
}

// RunAction wraps a tool execution in pre/post/error entries sharing the
// correlation id, capturing the duration and result. The action's error is
// returned unchanged.
func (s *Service) RunAction(correlationID, name string, params any, fn func() (any, error)) (any, error) {
	_, _ = s.Log(store.ActivityAction, store.CategoryOrchestrator, name+": start", params, correlationID)

	start := time.Now()
	result, err := fn()
	duration := time.Since(start)

	if err != nil {
		_, _ = s.Log(store.ActivityError, store.CategoryOrchestrator, name+": "+err.Error(),
			map[string]any{"durationMs": duration.Milliseconds()}, correlationID)
		return nil, err
	}
	_, _ = s.Log(store.ActivityAction, store.CategoryOrchestrator, name+": complete",
		map[string]any{"durationMs": duration.Milliseconds(), "result": result}, correlationID)
	return result, nil
}

// SendUserMessage appends an unread user chat message.
func (s *Service) SendUserMessage(text string) (store.ChatMessage, error) {
	msg := store.ChatMessage{
		ID:        uuid.NewString(),
		ProjectID: s.projectID,
		Sender:    store.SenderUser,
		Text:      text,
		Status:    store.ChatUnread,
	}
	if err := s.chat.Insert(msg); err != nil {
		return store.ChatMessage{}, err
	}
	return msg, nil
}

// SendOrchestratorMessage appends an orchestrator reply. When replyTo names
// a user message, that message advances to working.
func (s *Service) SendOrchestratorMessage(text, replyTo string) (store.ChatMessage, error) {
	msg := store.ChatMessage{
		ID:        uuid.NewString(),
		ProjectID: s.projectID,
		Sender:    store.SenderOrchestrator,
		Text:      text,
		ReplyTo:   replyTo,
		Processed: true,
		Status:    store.ChatRead,
	}
	if err := s.chat.Insert(msg); err != nil {
		return store.ChatMessage{}, err
	}
	if replyTo != "" {
		if err := s.chat.SetStatus(replyTo, store.ChatWorking); err != nil {
			log.Warn(log.CatActivity, "reply status advance failed", "message", replyTo, "error", err.Error())
		}
	}
	return msg, nil
}

// PendingUserMessages returns unprocessed user messages, oldest first.
func (s *Service) PendingUserMessages() ([]store.ChatMessage, error) {
	return s.chat.ListUnprocessed(s.projectID)
}

// MarkMessageProcessed idempotently flags a message consumed and advances it
// to read.
func (s *Service) MarkMessageProcessed(id string) error {
	if err := s.chat.MarkProcessed(id); err != nil {
		return err
	}
	if err := s.chat.SetStatus(id, store.ChatRead); err != nil {
		log.Warn(log.CatActivity, "read status advance failed", "message", id, "error", err.Error())
	}
	return nil
}

// ResolveMessage advances a message to resolved.
func (s *Service) ResolveMessage(id string) error {
	return s.chat.SetStatus(id, store.ChatResolved)
}
