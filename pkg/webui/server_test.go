package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillet-dev/skillet/pkg/sessions"
	"github.com/skillet-dev/skillet/pkg/skills"
)

type fakeRunner struct {
	err      error
	sessions []string
}

func (f *fakeRunner) StartRun(ctx context.Context, sessionID, query string) error {
	if f.err != nil {
		return f.err
	}
	f.sessions = append(f.sessions, sessionID)
	return nil
}

func fixtureRegistry(t *testing.T) *skills.Registry {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "greet")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(`---
name: greet
description: Greets the user warmly.
---

# Greet
`), 0o644))

	registry, err := skills.NewRegistry(skills.WithSkillDirs(root))
	require.NoError(t, err)
	require.NoError(t, registry.Discover(context.Background()))
	return registry
}

func newTestServer(t *testing.T, store *sessions.Store, runner Runner) *Server {
	t.Helper()
	if store == nil {
		store = sessions.NewStore()
	}
	if runner == nil {
		runner = &fakeRunner{}
	}
	server, err := NewServer(&ServerConfig{Host: "localhost", Port: 8080}, store, fixtureRegistry(t), runner)
	require.NoError(t, err)
	return server
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerConfigValidate(t *testing.T) {
	assert.Error(t, (&ServerConfig{Host: "", Port: 8080}).Validate())
	assert.Error(t, (&ServerConfig{Host: "localhost", Port: 0}).Validate())
	assert.Error(t, (&ServerConfig{Host: "localhost", Port: 70000}).Validate())
	assert.NoError(t, (&ServerConfig{Host: "localhost", Port: 8080}).Validate())
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, nil, nil)

	rec := doRequest(t, server, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListSkills(t *testing.T) {
	server := newTestServer(t, nil, nil)

	rec := doRequest(t, server, "GET", "/api/skills", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Skills []skills.Summary `json:"skills"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Skills, 1)
	assert.Equal(t, "greet", body.Skills[0].Name)
}

func TestRunStartsSession(t *testing.T) {
	runner := &fakeRunner{}
	server := newTestServer(t, nil, runner)

	rec := doRequest(t, server, "POST", "/api/sessions/abc/run", `{"query":"hello"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body["session_id"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, []string{"abc"}, runner.sessions)
}

func TestRunRejectsAlreadyRunning(t *testing.T) {
	runner := &fakeRunner{err: sessions.ErrAlreadyRunning}
	server := newTestServer(t, nil, runner)

	rec := doRequest(t, server, "POST", "/api/sessions/abc/run", `{"query":"hello"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunValidation(t *testing.T) {
	server := newTestServer(t, nil, nil)

	rec := doRequest(t, server, "POST", "/api/sessions/abc/run", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, "POST", "/api/sessions/abc/run", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	longID := strings.Repeat("x", 200)
	rec = doRequest(t, server, "POST", "/api/sessions/"+longID+"/run", `{"query":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession(t *testing.T) {
	store := sessions.NewStore()
	store.Create("abc")
	_, err := store.Append("abc", sessions.EventUserMessage, map[string]any{"content": "hi"})
	require.NoError(t, err)

	server := newTestServer(t, store, nil)

	rec := doRequest(t, server, "GET", "/api/sessions/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var record sessions.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "abc", record.ID)
	assert.False(t, record.Running)
	require.Len(t, record.Events, 1)
	assert.Equal(t, sessions.EventUserMessage, record.Events[0].Kind)
}

func TestGetSessionNotFound(t *testing.T) {
	server := newTestServer(t, nil, nil)

	rec := doRequest(t, server, "GET", "/api/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsReplay(t *testing.T) {
	store := sessions.NewStore()
	store.Create("abc")
	for i := 0; i < 3; i++ {
		_, err := store.Append("abc", sessions.EventModelCall, map[string]any{"turn": i})
		require.NoError(t, err)
	}

	server := newTestServer(t, store, nil)

	// Full replay from the start
	rec := doRequest(t, server, "GET", "/api/sessions/abc/events", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var events []sessions.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 3)
	assert.Equal(t, 0, events[0].Index)

	// Reconnect having already seen two events
	rec = doRequest(t, server, "GET", "/api/sessions/abc/events?after=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Index)

	// Reconnect at the current length gets an empty array, not an error
	rec = doRequest(t, server, "GET", "/api/sessions/abc/events?after=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestEventsLastEventIDReconnect(t *testing.T) {
	store := sessions.NewStore()
	store.Create("abc")
	for i := 0; i < 3; i++ {
		_, err := store.Append("abc", sessions.EventModelCall, map[string]any{"turn": i})
		require.NoError(t, err)
	}

	server := newTestServer(t, store, nil)

	req := httptest.NewRequest("GET", "/api/sessions/abc/events", nil)
	req.Header.Set("Last-Event-ID", "0")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []sessions.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Index)
}

func TestEventsValidation(t *testing.T) {
	server := newTestServer(t, nil, nil)

	rec := doRequest(t, server, "GET", "/api/sessions/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store := sessions.NewStore()
	store.Create("abc")
	server = newTestServer(t, store, nil)

	rec = doRequest(t, server, "GET", "/api/sessions/abc/events?after=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, server, "GET", "/api/sessions/abc/events?after=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsStreamEndsWhenCaughtUp(t *testing.T) {
	store := sessions.NewStore()
	store.Create("abc")
	_, err := store.Append("abc", sessions.EventDone, map[string]any{"response": "bye"})
	require.NoError(t, err)

	server := newTestServer(t, store, nil)

	req := httptest.NewRequest("GET", "/api/sessions/abc/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	// The session is not running and the log is drained, so the stream
	// terminates after replaying the backlog.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"kind":"done"`)
}
