package sessions

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmtypes "github.com/skillet-dev/skillet/pkg/types/llm"
	tooltypes "github.com/skillet-dev/skillet/pkg/types/tools"
)

func TestCreateIsIdempotent(t *testing.T) {
	store := NewStore()
	store.Create("s1")

	_, err := store.Append("s1", EventUserMessage, map[string]any{"text": "hello"})
	require.NoError(t, err)

	// Re-creating must not erase existing state
	store.Create("s1")

	events, err := store.ReplayFrom("s1", -1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventUserMessage, events[0].Kind)
}

func TestAppendAssignsMonotonicIndexes(t *testing.T) {
	store := NewStore()
	store.Create("s1")

	for i := 0; i < 5; i++ {
		ev, err := store.Append("s1", EventModelCall, nil)
		require.NoError(t, err)
		assert.Equal(t, i, ev.Index)
	}
}

func TestAppendUnknownSession(t *testing.T) {
	store := NewStore()

	_, err := store.Append("missing", EventError, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReplayFromSuffix(t *testing.T) {
	store := NewStore()
	store.Create("s1")

	for i := 0; i < 4; i++ {
		_, err := store.Append("s1", EventToolCall, map[string]any{"n": i})
		require.NoError(t, err)
	}

	tests := []struct {
		name      string
		lastIndex int
		wantLen   int
		wantFirst int
	}{
		{"from the beginning", -1, 4, 0},
		{"partial suffix", 1, 2, 2},
		{"caught up", 3, 0, 0},
		{"past the end", 10, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.ReplayFrom("s1", tt.lastIndex)
			require.NoError(t, err)
			require.Len(t, events, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.wantFirst, events[0].Index)
			}
			// Caught-up consumers get an empty slice, never an error
			assert.NotNil(t, events)
		})
	}
}

func TestReplayFromUnknownSession(t *testing.T) {
	store := NewStore()

	_, err := store.ReplayFrom("missing", -1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTryStartRunRejectsSecondSubmission(t *testing.T) {
	store := NewStore()
	store.Create("s1")

	require.NoError(t, store.TryStartRun("s1"))

	err := store.TryStartRun("s1")
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	// The rejection must not have touched the event log
	events, err := store.ReplayFrom("s1", -1)
	require.NoError(t, err)
	assert.Empty(t, events)

	store.FinishRun("s1", true)
	assert.NoError(t, store.TryStartRun("s1"))
}

func TestFinishRunRecordsCompletion(t *testing.T) {
	store := NewStore()
	store.Create("s1")

	require.NoError(t, store.TryStartRun("s1"))
	store.FinishRun("s1", true)

	rec, err := store.Get("s1")
	require.NoError(t, err)
	assert.False(t, rec.Running)
	assert.True(t, rec.Completed)

	require.NoError(t, store.TryStartRun("s1"))
	store.FinishRun("s1", false)

	rec, err = store.Get("s1")
	require.NoError(t, err)
	assert.False(t, rec.Completed)
}

func TestGetReturnsCopies(t *testing.T) {
	store := NewStore()
	store.Create("s1")

	_, err := store.Append("s1", EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, store.AppendChat("s1", llmtypes.Message{Role: llmtypes.RoleUser, Content: "hi"}))
	require.NoError(t, store.RecordInvocation("s1", tooltypes.Invocation{Tool: "say_hello"}))

	rec, err := store.Get("s1")
	require.NoError(t, err)

	// Mutating the snapshot must not affect the store
	rec.Events[0].Kind = EventError
	rec.ChatHistory[0].Content = "mutated"
	rec.ToolsCalled[0].Tool = "mutated"

	rec2, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, EventUserMessage, rec2.Events[0].Kind)
	assert.Equal(t, "hi", rec2.ChatHistory[0].Content)
	assert.Equal(t, "say_hello", rec2.ToolsCalled[0].Tool)
}

func TestElapsedAccounting(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store := NewStore(withClock(func() time.Time { return *clock }))

	store.Create("s1")

	now = now.Add(3 * time.Second)
	ev, err := store.Append("s1", EventModelCall, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, ev.Elapsed)

	now = now.Add(2 * time.Second)
	rec, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, rec.ElapsedTime)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store := NewStore(WithTimeout(10*time.Minute), withClock(func() time.Time { return *clock }))

	store.Create("idle")
	store.Create("active")

	now = now.Add(9 * time.Minute)
	_, err := store.Append("active", EventModelCall, nil)
	require.NoError(t, err)

	evicted := store.Sweep(now.Add(2 * time.Minute))
	assert.Equal(t, 1, evicted)

	_, err = store.Get("idle")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Get("active")
	assert.NoError(t, err)
}

func TestSweepEvictsRunningSessions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	store := NewStore(WithTimeout(time.Minute), withClock(func() time.Time { return *clock }))

	store.Create("s1")
	require.NoError(t, store.TryStartRun("s1"))

	// Eviction is unconditionally time-based, running or not
	evicted := store.Sweep(now.Add(2 * time.Minute))
	assert.Equal(t, 1, evicted)

	// The in-flight run observes the eviction on its next append
	_, err := store.Append("s1", EventToolResult, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLedgerSurvivesAcrossRuns(t *testing.T) {
	store := NewStore()
	store.Create("s1")

	ledger, err := store.Ledger("s1")
	require.NoError(t, err)
	id, err := ledger.Create("first question")
	require.NoError(t, err)

	require.NoError(t, store.TryStartRun("s1"))
	store.FinishRun("s1", true)

	// A later run on the same session sees the earlier subtask
	ledger2, err := store.Ledger("s1")
	require.NoError(t, err)
	summary := ledger2.Summary()
	require.Len(t, summary, 1)
	assert.Equal(t, id, summary[0].ID)
	assert.Equal(t, "first question", summary[0].Description)
}

func TestLen(t *testing.T) {
	store := NewStore()
	assert.Equal(t, 0, store.Len())

	store.Create("a")
	store.Create("b")
	assert.Equal(t, 2, store.Len())
}
