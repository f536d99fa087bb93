// Package sessions holds the durable per-session execution state: the
// running flag, the append-only event log, conversation history, the
// tool-invocation log, and timing. Sessions survive client disconnects;
// a consumer that missed events replays them from its last-seen index.
// Memory is bounded by a background sweep that evicts idle sessions.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/skillet-dev/skillet/pkg/logger"
	"github.com/skillet-dev/skillet/pkg/subtasks"
	llmtypes "github.com/skillet-dev/skillet/pkg/types/llm"
	tooltypes "github.com/skillet-dev/skillet/pkg/types/tools"
)

// EventKind tags an event record.
type EventKind string

const (
	EventUserMessage     EventKind = "user-message"
	EventModelCall       EventKind = "model-call"
	EventModelResponse   EventKind = "model-response"
	EventToolCall        EventKind = "tool-call"
	EventToolResult      EventKind = "tool-result"
	EventSkillActivation EventKind = "skill-activation"
	EventError           EventKind = "error"
	EventDone            EventKind = "done"
)

// Event is one timestamped entry in a session's append-only log. Index
// is monotonically increasing within a session, starting at 0.
type Event struct {
	Index     int            `json:"index"`
	Kind      EventKind      `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Elapsed   float64        `json:"elapsed"`
}

// Record is the copy-out view of a session exposed to the web layer.
type Record struct {
	ID          string                 `json:"id"`
	Running     bool                   `json:"running"`
	Events      []Event                `json:"events"`
	ChatHistory []llmtypes.Message     `json:"chatHistory"`
	ToolsCalled []tooltypes.Invocation `json:"toolsCalled"`
	StartTime   time.Time              `json:"startTime"`
	ElapsedTime float64                `json:"elapsedTime"`
	Completed   bool                   `json:"completed"`
}

// ErrNotFound indicates an unknown or already-evicted session id.
var ErrNotFound = errors.New("session not found")

// ErrAlreadyRunning indicates a second submission against a session with
// a run already in flight. The submission is rejected synchronously, not
// queued.
var ErrAlreadyRunning = errors.New("session already running")

type session struct {
	id           string
	running      bool
	completed    bool
	events       []Event
	chatHistory  []llmtypes.Message
	toolsCalled  []tooltypes.Invocation
	startTime    time.Time
	lastActivity time.Time
	ledger       *subtasks.Ledger
}

// DefaultTimeout is how long an untouched session survives before the
// sweep evicts it.
const DefaultTimeout = 30 * time.Minute

// Store is the process-wide session table. All mutation goes through the
// store mutex, serializing appends, creates, and sweeps against each
// other so a running orchestrator and a concurrent sweep cannot lose
// updates.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*session
	timeout     time.Duration
	maxSubtasks int
	now         func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTimeout sets the idle eviction timeout.
func WithTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.timeout = d }
}

// WithMaxSubtasks sets the per-session subtask limit.
func WithMaxSubtasks(n int) StoreOption {
	return func(s *Store) { s.maxSubtasks = n }
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty session store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*session),
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a session id. Creating an existing session returns
// the existing state untouched, so a reconnecting client reusing a
// cached id never erases its log.
func (s *Store) Create(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; exists {
		return
	}
	now := s.now()
	s.sessions[id] = &session{
		id:           id,
		startTime:    now,
		lastActivity: now,
		ledger:       subtasks.NewLedger(s.maxSubtasks),
	}
}

// Append adds an event to the session log and returns it with its
// assigned index. Appending to an evicted session fails with ErrNotFound;
// the orchestrator treats that as fatal for the run.
func (s *Store) Append(id string, kind EventKind, data map[string]any) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return Event{}, errors.Wrapf(ErrNotFound, "session %q", id)
	}

	now := s.now()
	ev := Event{
		Index:     len(sess.events),
		Kind:      kind,
		Data:      data,
		Timestamp: now,
		Elapsed:   now.Sub(sess.startTime).Seconds(),
	}
	sess.events = append(sess.events, ev)
	sess.lastActivity = now
	return ev, nil
}

// ReplayFrom returns, in append order, every event with index greater
// than lastIndex. A caller that is already up to date gets an empty
// slice, not an error. Unknown sessions fail with ErrNotFound.
func (s *Store) ReplayFrom(id string, lastIndex int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, errors.Wrapf(ErrNotFound, "session %q", id)
	}

	start := lastIndex + 1
	if start < 0 {
		start = 0
	}
	if start >= len(sess.events) {
		return []Event{}, nil
	}

	out := make([]Event, len(sess.events)-start)
	copy(out, sess.events[start:])
	return out, nil
}

// TryStartRun marks the session running. A session with a run already in
// flight rejects the second submission without mutating any state.
func (s *Store) TryStartRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return errors.Wrapf(ErrNotFound, "session %q", id)
	}
	if sess.running {
		return errors.Wrapf(ErrAlreadyRunning, "session %q", id)
	}
	sess.running = true
	sess.lastActivity = s.now()
	return nil
}

// FinishRun clears the running flag and records whether the run reached
// a terminal answer. A no-op if the session was evicted mid-run.
func (s *Store) FinishRun(id string, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return
	}
	sess.running = false
	sess.completed = completed
	sess.lastActivity = s.now()
}

// AppendChat appends a message to the session's conversation history.
func (s *Store) AppendChat(id string, msg llmtypes.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return errors.Wrapf(ErrNotFound, "session %q", id)
	}
	sess.chatHistory = append(sess.chatHistory, msg)
	sess.lastActivity = s.now()
	return nil
}

// RecordInvocation appends an entry to the session's tool-invocation
// log. Every invocation is recorded regardless of success or failure.
func (s *Store) RecordInvocation(id string, inv tooltypes.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return errors.Wrapf(ErrNotFound, "session %q", id)
	}
	sess.toolsCalled = append(sess.toolsCalled, inv)
	sess.lastActivity = s.now()
	return nil
}

// Ledger returns the session's subtask ledger. The ledger outlives
// individual runs, giving later runs on the same session access to prior
// planning state.
func (s *Store) Ledger(id string) (*subtasks.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, errors.Wrapf(ErrNotFound, "session %q", id)
	}
	return sess.ledger, nil
}

// Get returns a copy-out snapshot of the session.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return Record{}, errors.Wrapf(ErrNotFound, "session %q", id)
	}

	rec := Record{
		ID:          sess.id,
		Running:     sess.running,
		Events:      make([]Event, len(sess.events)),
		ChatHistory: make([]llmtypes.Message, len(sess.chatHistory)),
		ToolsCalled: make([]tooltypes.Invocation, len(sess.toolsCalled)),
		StartTime:   sess.startTime,
		ElapsedTime: sess.lastActivity.Sub(sess.startTime).Seconds(),
		Completed:   sess.completed,
	}
	copy(rec.Events, sess.events)
	copy(rec.ChatHistory, sess.chatHistory)
	copy(rec.ToolsCalled, sess.toolsCalled)
	return rec, nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep evicts every session idle past the timeout, running or not, and
// returns how many were removed. An in-flight run on an evicted session
// observes ErrNotFound on its next append and terminates.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastActivity) > s.timeout {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

// StartSweeper runs Sweep on a fixed interval, independent of request
// traffic, until the context is canceled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := s.Sweep(now); n > 0 {
					logger.G(ctx).WithField("evicted", n).Info("swept idle sessions")
				}
			}
		}
	}()
}
