// Package subtasks tracks the decomposed subtasks of a session. The
// planning skill creates them, worker skills complete them, and the
// answer skill reads the summary to decide whether enough information
// exists to finalize.
package subtasks

import (
	"sync"

	"github.com/pkg/errors"

	orchtypes "github.com/skillet-dev/skillet/pkg/types/orchestrator"
)

// Status of a subtask.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
)

// Subtask is one decomposed unit of work. Response stays empty until the
// subtask is completed.
type Subtask struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Status      Status `json:"status"`
	Response    string `json:"response"`
}

// Ledger is an ordered collection of subtasks owned by one session.
// Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	max      int
	subtasks []*Subtask
}

// DefaultMaxSubtasks bounds how many subtasks a single session may
// accumulate.
const DefaultMaxSubtasks = 32

// NewLedger creates a ledger holding at most max subtasks. A max of zero
// or less falls back to DefaultMaxSubtasks.
func NewLedger(max int) *Ledger {
	if max <= 0 {
		max = DefaultMaxSubtasks
	}
	return &Ledger{max: max}
}

// Create appends a new pending subtask and returns its id. Ids are
// sequential starting at 1. Exceeding the maximum is an invalid-arguments
// error surfaced to the model, not a crash.
func (l *Ledger) Create(description string) (int, error) {
	if description == "" {
		return 0, errors.Wrap(orchtypes.ErrInvalidArguments, "subtask description is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.subtasks) >= l.max {
		return 0, errors.Wrapf(orchtypes.ErrInvalidArguments, "subtask limit of %d reached", l.max)
	}

	id := len(l.subtasks) + 1
	l.subtasks = append(l.subtasks, &Subtask{
		ID:          id,
		Description: description,
		Status:      Pending,
	})
	return id, nil
}

// Start transitions a pending subtask to in-progress.
func (l *Ledger) Start(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.find(id)
	if st == nil {
		return errors.Wrapf(orchtypes.ErrInvalidArguments, "subtask %d not found", id)
	}
	if st.Status == Pending {
		st.Status = InProgress
	}
	return nil
}

// Complete transitions a subtask to completed with the given response.
// Completing an already-completed subtask overwrites the response; the
// model may legitimately revisit a subtask, so last write wins.
func (l *Ledger) Complete(id int, response string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.find(id)
	if st == nil {
		return errors.Wrapf(orchtypes.ErrInvalidArguments, "subtask %d not found", id)
	}
	st.Status = Completed
	st.Response = response
	return nil
}

// Summary returns a copy of every subtask in creation order.
func (l *Ledger) Summary() []Subtask {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Subtask, len(l.subtasks))
	for i, st := range l.subtasks {
		out[i] = *st
	}
	return out
}

// Len returns the number of subtasks.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subtasks)
}

// find must be called with mu held.
func (l *Ledger) find(id int) *Subtask {
	if id < 1 || id > len(l.subtasks) {
		return nil
	}
	return l.subtasks[id-1]
}
