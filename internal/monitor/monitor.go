// Package monitor detects lifecycle signals (task completion, questions,
// errors, rate limits, readiness) in PTY output streams, with per-session
// debouncing and persisted detections.
package monitor

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/orchard/internal/log"
	"github.com/zjrosen/orchard/internal/ptyd"
	"github.com/zjrosen/orchard/internal/pubsub"
	"github.com/zjrosen/orchard/internal/store"
)

const (
	// rollingBufferSize bounds the per-session text window rules run over.
	rollingBufferSize = 4096

	// cooldown suppresses duplicate detections per session and type.
	cooldown = 5 * time.Second

	// retention is how long persisted detections are kept.
	retention = 24 * time.Hour

	// contentLimit caps the stored detection content.
	contentLimit = 500
)

// EventPattern is published for every detection; EventPatternPrefix+type for
// type-specific subscriptions.
const (
	EventPattern       = "pattern"
	EventPatternPrefix = "pattern:"
)

// ansiRe strips CSI and OSC escape sequences before matching.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// rule is one entry of the ordered detection table.
type rule struct {
	typ store.PatternType
	re  *regexp.Regexp
}

// rules is the fixed, ordered rule table. The first matching entry wins per
// evaluation.
var rules = []rule{
	{store.PatternTaskComplete, regexp.MustCompile(`(?i)TASK[\s_-]*COMPLETE`)},
	{store.PatternTaskComplete, regexp.MustCompile(`Task completed successfully`)},
	{store.PatternTaskComplete, regexp.MustCompile(`All done!`)},
	{store.PatternTaskComplete, regexp.MustCompile(`Finished!`)},
	{store.PatternTaskComplete, regexp.MustCompile(`completed the task`)},

	{store.PatternQuestion, regexp.MustCompile(`(?m)\?\s*$`)},
	{store.PatternQuestion, regexp.MustCompile(`Would you like me to`)},
	{store.PatternQuestion, regexp.MustCompile(`Should I`)},
	{store.PatternQuestion, regexp.MustCompile(`Do you want`)},
	{store.PatternQuestion, regexp.MustCompile(`Please confirm`)},
	{store.PatternQuestion, regexp.MustCompile(`waiting for.*input`)},

	{store.PatternError, regexp.MustCompile(`error:`)},
	{store.PatternError, regexp.MustCompile(`Error:`)},
	{store.PatternError, regexp.MustCompile(`fatal:`)},
	{store.PatternError, regexp.MustCompile(`FAILED`)},
	{store.PatternError, regexp.MustCompile(`exception:`)},
	{store.PatternError, regexp.MustCompile(`panic:`)},
	{store.PatternError, regexp.MustCompile(`Traceback \(most recent call last\)`)},

	{store.PatternRateLimit, regexp.MustCompile(`(?i)rate.?limit`)},
	{store.PatternRateLimit, regexp.MustCompile(`(?i)too many requests`)},
	{store.PatternRateLimit, regexp.MustCompile(`429`)},
	{store.PatternRateLimit, regexp.MustCompile(`(?i)throttl`)},

	{store.PatternReady, regexp.MustCompile(`How can I help`)},
	{store.PatternReady, regexp.MustCompile(`What would you like`)},
	{store.PatternReady, regexp.MustCompile(`Ready for input`)},
	{store.PatternReady, regexp.MustCompile(`(?m)^>\s*$`)},
}

// monitored tracks one observed session's rolling text window.
type monitored struct {
	worktreeID string
	buffer     string
}

// Monitor consumes terminal:data frames for explicitly monitored sessions
// and emits debounced pattern detections.
type Monitor struct {
	repo      *store.PatternRepo
	projectID string
	bus       *pubsub.Broker[store.DetectedPattern]
	cooldowns *gocache.Cache

	mu       sync.Mutex
	sessions map[string]*monitored
}

// NewMonitor creates a Monitor persisting detections through repo.
func NewMonitor(repo *store.PatternRepo, projectID string) *Monitor {
	return &Monitor{
		repo:      repo,
		projectID: projectID,
		bus:       pubsub.NewBroker[store.DetectedPattern](),
		cooldowns: gocache.New(cooldown, time.Minute),
		sessions:  make(map[string]*monitored),
	}
}

// Bus exposes detection events: type "pattern" for all detections and
// "pattern:<type>" per pattern type.
func (m *Monitor) Bus() *pubsub.Broker[store.DetectedPattern] { return m.bus }

// StartMonitoring begins observing a session's output.
func (m *Monitor) StartMonitoring(sessionID, worktreeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.sessions[sessionID] = &monitored{worktreeID: worktreeID}
	}
}

// StopMonitoring stops observing a session and drops its buffer.
func (m *Monitor) StopMonitoring(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// HandleData feeds one output frame for a monitored session. Frames for
// unmonitored sessions are ignored.
func (m *Monitor) HandleData(sessionID, data string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	session.buffer += ansiRe.ReplaceAllString(data, "")
	if len(session.buffer) > rollingBufferSize {
		session.buffer = session.buffer[len(session.buffer)-rollingBufferSize:]
	}
	buffer := session.buffer
	worktreeID := session.worktreeID
	m.mu.Unlock()

	m.evaluate(sessionID, worktreeID, buffer)
}

// evaluate runs the rule table over the session window. The first matching
// rule wins; a per-session:type cooldown suppresses duplicates.
func (m *Monitor) evaluate(sessionID, worktreeID, buffer string) {
	for _, r := range rules {
		match := r.re.FindString(buffer)
		if match == "" {
			continue
		}

		key := sessionID + ":" + string(r.typ)
		if _, onCooldown := m.cooldowns.Get(key); onCooldown {
			return
		}
		m.cooldowns.Set(key, struct{}{}, cooldown)

		content := match
		if len(content) > contentLimit {
			content = content[:contentLimit]
		}
		detection := store.DetectedPattern{
			ID:         uuid.NewString(),
			Type:       r.typ,
			SessionID:  sessionID,
			WorktreeID: worktreeID,
			ProjectID:  m.projectID,
			Timestamp:  time.Now(),
			Content:    content,
		}
		if err := m.repo.Insert(detection); err != nil {
			log.ErrorErr(log.CatMonitor, "detection persist failed", err)
		}
		m.bus.Publish(pubsub.EventType(EventPattern), detection)
		m.bus.Publish(pubsub.EventType(EventPatternPrefix+string(r.typ)), detection)
		log.Debug(log.CatMonitor, "pattern detected", "session", sessionID, "type", string(r.typ))
		return
	}
}

// MarkHandled flips a detection's handled flag once the orchestrator acted
// on it.
func (m *Monitor) MarkHandled(detectionID string) error {
	return m.repo.MarkHandled(detectionID)
}

// PurgeExpired drops detections past the retention window.
func (m *Monitor) PurgeExpired() {
	if _, err := m.repo.PurgeBefore(time.Now().Add(-retention)); err != nil {
		log.ErrorErr(log.CatMonitor, "detection purge failed", err)
	}
}

// Watch consumes terminal:data frames from the daemon client bus.
func (m *Monitor) Watch(ctx context.Context, bus *pubsub.Broker[ptyd.Frame]) {
	ch := bus.Subscribe(ctx)
	log.SafeGo("monitor.watch", func() {
		for ev := range ch {
			if ev.Payload.Type == ptyd.MsgTerminalData {
				m.HandleData(ev.Payload.SessionID, ev.Payload.Data)
			}
		}
	})
}
