// Package orchestrator drives the turn loop at the heart of skillet: it
// sends the conversation to the LLM collaborator, interprets the reply
// as plain text, tool calls, or skill-switch directives, executes tools
// through the bridge, and appends every observable step to the session
// event log. Skill activation is strictly progressive: the model sees
// only name and description for every skill until it activates one, at
// which point the full instructions enter the conversation.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/skillet-dev/skillet/pkg/logger"
	"github.com/skillet-dev/skillet/pkg/sessions"
	"github.com/skillet-dev/skillet/pkg/skills"
	"github.com/skillet-dev/skillet/pkg/subtasks"
	"github.com/skillet-dev/skillet/pkg/telemetry"
	"github.com/skillet-dev/skillet/pkg/tools"
	llmtypes "github.com/skillet-dev/skillet/pkg/types/llm"
	orchtypes "github.com/skillet-dev/skillet/pkg/types/orchestrator"
	tooltypes "github.com/skillet-dev/skillet/pkg/types/tools"
)

var tracer = telemetry.Tracer("skillet.orchestrator")

// RunState is the orchestrator's position in its state machine.
type RunState string

const (
	StateIdle           RunState = "idle"
	StateAwaitingModel  RunState = "awaiting_model"
	StateExecutingTool  RunState = "executing_tool"
	StateSwitchingSkill RunState = "switching_skill"
	StateCompleted      RunState = "completed"
	StateFailed         RunState = "failed"
)

// RetryConfig bounds retries against the LLM collaborator.
type RetryConfig struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Config holds the orchestrator's tunables.
type Config struct {
	// MaxTurns bounds the turn loop; exhausting it fails the run with
	// a budget-exceeded error instead of looping forever.
	MaxTurns int
	// AnswerSkill names the skill whose plain-text replies terminate the
	// run as the final answer.
	AnswerSkill string
	// ModelTimeout bounds a single collaborator call.
	ModelTimeout time.Duration
	// Retry bounds transient-failure retries against the collaborator.
	Retry RetryConfig
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		MaxTurns:     20,
		AnswerSkill:  "answer",
		ModelTimeout: 2 * time.Minute,
		Retry: RetryConfig{
			Attempts:     3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
	}
}

// Orchestrator runs queries against the skill registry. One instance
// serves all sessions; per-session mutable state lives in the session
// store and in per-run structs, never in the Orchestrator itself.
type Orchestrator struct {
	registry *skills.Registry
	bridge   *tools.Bridge
	store    *sessions.Store
	chat     llmtypes.Chat
	config   Config
}

// New creates an orchestrator and verifies every discovered skill's tool
// names against the global control tools. A collision is a configuration
// error here, at registration time, never at call time.
func New(registry *skills.Registry, bridge *tools.Bridge, store *sessions.Store, chat llmtypes.Chat, config Config) (*Orchestrator, error) {
	for _, summary := range registry.List() {
		descs, err := registry.Descriptors(summary.Name)
		if err != nil {
			return nil, err
		}
		if err := bridge.ValidateDescriptors(descs); err != nil {
			return nil, errors.Wrapf(err, "skill %q", summary.Name)
		}
	}

	return &Orchestrator{
		registry: registry,
		bridge:   bridge,
		store:    store,
		chat:     chat,
		config:   config,
	}, nil
}

// run is the per-run mutable state. The active skill and the tool menu
// derived from it change only through explicit switch and deactivate
// transitions.
type run struct {
	o           *Orchestrator
	sessionID   string
	state       RunState
	messages    []llmtypes.Message
	activeSkill *skills.Skill
	activeTools []tooltypes.Descriptor
	ledger      *subtasks.Ledger
}

// Run executes one query against a session and returns the final
// answer. A second submission against a session with a run in flight is
// rejected synchronously without mutating its event log. Terminal state
// is preserved in the session for inspection; a later query on the same
// session starts a fresh run that still sees prior subtask state.
func (o *Orchestrator) Run(ctx context.Context, sessionID, query string) (string, error) {
	if err := o.begin(sessionID); err != nil {
		return "", err
	}
	return o.execute(ctx, sessionID, query)
}

// StartRun begins a run asynchronously, producing the session's event
// stream in the background. Rejection of an already-running session is
// still synchronous. The run is deliberately not tied to the caller's
// cancellation: an abandoned client does not cancel an in-flight run,
// which continues to completion and is later reclaimed by the sweep.
func (o *Orchestrator) StartRun(ctx context.Context, sessionID, query string) error {
	if err := o.begin(sessionID); err != nil {
		return err
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := o.execute(runCtx, sessionID, query); err != nil {
			logger.G(runCtx).WithError(err).WithField("session", sessionID).Debug("background run ended with error")
		}
	}()
	return nil
}

func (o *Orchestrator) begin(sessionID string) error {
	o.store.Create(sessionID)
	return o.store.TryStartRun(sessionID)
}

func (o *Orchestrator) execute(ctx context.Context, sessionID, query string) (string, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	ledger, err := o.store.Ledger(sessionID)
	if err != nil {
		o.store.FinishRun(sessionID, false)
		return "", o.mapStoreErr(err)
	}

	r := &run{
		o:         o,
		sessionID: sessionID,
		state:     StateIdle,
		ledger:    ledger,
	}

	answer, err := r.loop(ctx, query)
	o.store.FinishRun(sessionID, err == nil)
	return answer, err
}

func (r *run) loop(ctx context.Context, query string) (string, error) {
	r.messages = []llmtypes.Message{
		{Role: llmtypes.RoleSystem, Content: r.systemPrompt()},
		{Role: llmtypes.RoleUser, Content: query},
	}
	r.appendChat(ctx, r.messages[1])
	if err := r.appendEvent(sessions.EventUserMessage, map[string]any{"content": query}); err != nil {
		return "", r.fail(ctx, err)
	}

	for turn := 0; turn < r.o.config.MaxTurns; turn++ {
		r.state = StateAwaitingModel
		if err := r.appendEvent(sessions.EventModelCall, map[string]any{"turn": turn}); err != nil {
			return "", r.fail(ctx, err)
		}

		resp, err := r.sendModel(ctx)
		if err != nil {
			return "", r.fail(ctx, err)
		}

		if err := r.appendEvent(sessions.EventModelResponse, map[string]any{
			"content":    resp.Content,
			"tool_calls": toolCallNames(resp.ToolCalls),
		}); err != nil {
			return "", r.fail(ctx, err)
		}
		r.appendChat(ctx, llmtypes.Message{
			Role:      llmtypes.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		r.messages = append(r.messages, llmtypes.Message{
			Role:      llmtypes.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			// Plain text terminates the run only once no skill is active
			// or the answer skill holds the floor; otherwise it is a
			// narrative step and the loop continues.
			if r.activeSkill == nil || r.activeSkill.Name == r.o.config.AnswerSkill {
				r.state = StateCompleted
				if err := r.appendEvent(sessions.EventDone, map[string]any{"response": resp.Content}); err != nil {
					return "", r.fail(ctx, err)
				}
				return resp.Content, nil
			}
			continue
		}

		for _, call := range resp.ToolCalls {
			r.state = StateExecutingTool
			if err := r.appendEvent(sessions.EventToolCall, map[string]any{
				"tool":      call.Name,
				"arguments": call.Arguments,
			}); err != nil {
				return "", r.fail(ctx, err)
			}

			result, err := r.executeCall(ctx, call)
			if err != nil {
				return "", r.fail(ctx, err)
			}

			if err := r.appendEvent(sessions.EventToolResult, map[string]any{
				"tool":   call.Name,
				"result": result.Result,
				"error":  result.Error,
			}); err != nil {
				return "", r.fail(ctx, err)
			}

			toolMsg := llmtypes.Message{
				Role:       llmtypes.RoleTool,
				Content:    result.String(),
				ToolCallID: call.ID,
			}
			r.appendChat(ctx, toolMsg)
			r.messages = append(r.messages, toolMsg)
		}
	}

	return "", r.fail(ctx, errors.Wrapf(orchtypes.ErrBudgetExceeded, "no terminal answer after %d turns", r.o.config.MaxTurns))
}

// executeCall routes one tool call: global control tools and ledger
// tools are intercepted here, everything else goes through the bridge to
// the external runner. Recoverable errors come back as tool-result text;
// the returned error is non-nil only for terminal failures.
func (r *run) executeCall(ctx context.Context, call llmtypes.ToolCall) (tooltypes.Result, error) {
	if isGlobalTool(call.Name) || call.Name == toolCreateSubtask {
		result, err := r.executeControl(ctx, call)
		if err != nil {
			if orchtypes.Recoverable(err) {
				return tooltypes.Result{Error: err.Error()}, nil
			}
			return tooltypes.Result{}, err
		}
		return result, nil
	}

	return r.o.bridge.Invoke(ctx, r.sessionID, r.activeTools, call), nil
}

// sendModel calls the collaborator with bounded retries and backoff.
// Transient failures that exhaust their retries escalate to fatal.
func (r *run) sendModel(ctx context.Context) (llmtypes.Response, error) {
	var resp llmtypes.Response
	cfg := r.o.config.Retry

	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.o.config.ModelTimeout)
			defer cancel()

			var sendErr error
			resp, sendErr = r.o.chat.Send(callCtx, r.messages, r.toolMenu())
			if sendErr != nil && errors.Is(sendErr, context.DeadlineExceeded) {
				sendErr = errors.Wrap(orchtypes.ErrUpstreamTransient, "model call timed out")
			}
			return sendErr
		},
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, orchtypes.ErrUpstreamTransient)
		}),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying model call")
		}),
	)
	if err != nil {
		if errors.Is(err, orchtypes.ErrUpstreamTransient) {
			return resp, errors.Wrapf(orchtypes.ErrUpstreamFatal, "retries exhausted: %s", err.Error())
		}
		return resp, err
	}
	return resp, nil
}

// toolMenu is the union of the active skill's tools and the global
// control tools.
func (r *run) toolMenu() []llmtypes.ToolSchema {
	return r.o.bridge.DescribeForModel(r.activeTools, globalSchemas())
}

// fail records the terminal error event and leaves partial state in the
// session for inspection. Appending the error event can itself fail if
// the session was evicted; the original error still wins.
func (r *run) fail(ctx context.Context, err error) error {
	r.state = StateFailed
	if errors.Is(err, sessions.ErrNotFound) {
		err = errors.Wrap(orchtypes.ErrSessionExpired, err.Error())
	}
	logger.G(ctx).WithError(err).WithField("session", r.sessionID).Error("run failed")
	if appendErr := r.appendEvent(sessions.EventError, map[string]any{"reason": err.Error()}); appendErr != nil {
		logger.G(ctx).WithError(appendErr).Debug("could not record terminal error event")
	}
	return err
}

func (r *run) appendEvent(kind sessions.EventKind, data map[string]any) error {
	_, err := r.o.store.Append(r.sessionID, kind, data)
	return r.o.mapStoreErr(err)
}

func (r *run) appendChat(ctx context.Context, msg llmtypes.Message) {
	if err := r.o.store.AppendChat(r.sessionID, msg); err != nil {
		logger.G(ctx).WithError(err).Debug("could not append chat history")
	}
}

func (o *Orchestrator) mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sessions.ErrNotFound) {
		return errors.Wrap(orchtypes.ErrSessionExpired, err.Error())
	}
	return err
}

// systemPrompt builds the initial context: the orchestration contract
// plus the skill menu, names and descriptions only.
func (r *run) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(`You are an assistant that answers user queries by activating skills.

A skill is a bundle of instructions and tools. You see only each skill's name and one-line description until you activate it with the switch_skill tool, which loads its full instructions and exposes its tools. Use deactivate when a skill's work is done, list_skills to re-read the menu, complete_task to record a subtask's result, and check_subtask_responses to review progress before finalizing.

Only one skill is active at a time. When no skill is active, or the answer skill is active, your plain-text reply is treated as the final answer.

`)
	sb.WriteString(skillMenu(r.o.registry.List()))
	return sb.String()
}

func skillMenu(summaries []skills.Summary) string {
	var sb strings.Builder
	sb.WriteString("## Available skills\n\n")
	if len(summaries) == 0 {
		sb.WriteString("No skills are available.\n")
		return sb.String()
	}
	for _, s := range summaries {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", s.Name, s.Description))
	}
	return sb.String()
}

func toolCallNames(calls []llmtypes.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}
