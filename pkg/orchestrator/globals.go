package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/skillet-dev/skillet/pkg/sessions"
	"github.com/skillet-dev/skillet/pkg/tools"
	llmtypes "github.com/skillet-dev/skillet/pkg/types/llm"
	orchtypes "github.com/skillet-dev/skillet/pkg/types/orchestrator"
	tooltypes "github.com/skillet-dev/skillet/pkg/types/tools"
)

// Global control tools. These are intercepted by the orchestrator and
// never forwarded to the external runner, keeping skill switching and
// task bookkeeping uniform across all skills.
const (
	toolSwitchSkill   = "switch_skill"
	toolDeactivate    = "deactivate"
	toolListSkills    = "list_skills"
	toolCompleteTask  = "complete_task"
	toolCheckSubtasks = "check_subtask_responses"

	// toolCreateSubtask is a reserved ledger tool: skills declare it in
	// their menu (the planning skill does), but its implementation is
	// the in-process ledger, so the orchestrator intercepts it too.
	toolCreateSubtask = "create_subtask"
)

// GlobalToolNames returns the reserved control tool names; skill tools
// may not collide with them.
func GlobalToolNames() []string {
	return []string{
		toolSwitchSkill,
		toolDeactivate,
		toolListSkills,
		toolCompleteTask,
		toolCheckSubtasks,
	}
}

func isGlobalTool(name string) bool {
	switch name {
	case toolSwitchSkill, toolDeactivate, toolListSkills, toolCompleteTask, toolCheckSubtasks:
		return true
	}
	return false
}

// SwitchSkillInput selects the skill to activate.
type SwitchSkillInput struct {
	SkillName string `json:"skill_name" mapstructure:"skill_name" jsonschema:"description=The name of the skill to activate"`
}

// CompleteTaskInput records a subtask's accumulated response.
type CompleteTaskInput struct {
	ID       int    `json:"id" mapstructure:"id" jsonschema:"description=The id of the subtask to complete"`
	Response string `json:"response" mapstructure:"response" jsonschema:"description=The accumulated response for the subtask"`
}

// CreateSubtaskInput describes a new decomposed unit of work.
type CreateSubtaskInput struct {
	Description string `json:"description" mapstructure:"description" jsonschema:"description=The subtask description in 1-2 sentences"`
}

type emptyInput struct{}

func globalSchemas() []llmtypes.ToolSchema {
	return []llmtypes.ToolSchema{
		{
			Name:        toolSwitchSkill,
			Description: "Activate a skill by name. Loads its full instructions and exposes its tools. Any previously active skill is replaced.",
			Parameters:  tools.GenerateSchema[SwitchSkillInput](),
		},
		{
			Name:        toolDeactivate,
			Description: "Deactivate the current skill, reducing the tool menu to the global control tools.",
			Parameters:  tools.GenerateSchema[emptyInput](),
		},
		{
			Name:        toolListSkills,
			Description: "List every available skill with its one-line description.",
			Parameters:  tools.GenerateSchema[emptyInput](),
		},
		{
			Name:        toolCompleteTask,
			Description: "Mark a subtask completed and record its response. Completing an already-completed subtask overwrites the response.",
			Parameters:  tools.GenerateSchema[CompleteTaskInput](),
		},
		{
			Name:        toolCheckSubtasks,
			Description: "Review every subtask with its status and accumulated response.",
			Parameters:  tools.GenerateSchema[emptyInput](),
		},
	}
}

// executeControl handles the intercepted tools. Recoverable errors are
// returned as errors and converted to tool-result text by the caller.
func (r *run) executeControl(ctx context.Context, call llmtypes.ToolCall) (tooltypes.Result, error) {
	switch call.Name {
	case toolSwitchSkill:
		return r.switchSkill(ctx, call)
	case toolDeactivate:
		r.activeSkill = nil
		r.activeTools = nil
		return tooltypes.Result{Result: "Skill deactivated. Only the global control tools remain available."}, nil
	case toolListSkills:
		return tooltypes.Result{Result: skillMenu(r.o.registry.List())}, nil
	case toolCreateSubtask:
		return r.createSubtask(call)
	case toolCompleteTask:
		return r.completeTask(call)
	case toolCheckSubtasks:
		return r.checkSubtasks(), nil
	}
	return tooltypes.Result{}, errors.Wrapf(orchtypes.ErrUnknownTool, "tool %q", call.Name)
}

// switchSkill is the single point at which a skill's full instructions
// enter the conversation.
func (r *run) switchSkill(ctx context.Context, call llmtypes.ToolCall) (tooltypes.Result, error) {
	var input SwitchSkillInput
	if err := mapstructure.Decode(call.Arguments, &input); err != nil {
		return tooltypes.Result{}, errors.Wrap(orchtypes.ErrInvalidArguments, err.Error())
	}
	if input.SkillName == "" {
		return tooltypes.Result{}, errors.Wrap(orchtypes.ErrInvalidArguments, "skill_name is required")
	}

	r.state = StateSwitchingSkill
	skill, body, err := r.o.registry.Load(ctx, input.SkillName)
	if err != nil {
		// UnknownSkill is recoverable; the model can retry after
		// list_skills.
		return tooltypes.Result{}, err
	}

	r.activeSkill = skill
	r.activeTools = skill.Tools

	if err := r.appendEvent(sessions.EventSkillActivation, map[string]any{"skill": skill.Name}); err != nil {
		return tooltypes.Result{}, err
	}

	return tooltypes.Result{Result: fmt.Sprintf(`# Skill: %s

## Instructions

%s`, skill.Name, body)}, nil
}

func (r *run) createSubtask(call llmtypes.ToolCall) (tooltypes.Result, error) {
	// Only the active skill's menu can offer create_subtask.
	if !r.activeToolDeclared(toolCreateSubtask) {
		return tooltypes.Result{}, errors.Wrapf(orchtypes.ErrUnknownTool, "tool %q", toolCreateSubtask)
	}

	var input CreateSubtaskInput
	if err := mapstructure.Decode(call.Arguments, &input); err != nil {
		return tooltypes.Result{}, errors.Wrap(orchtypes.ErrInvalidArguments, err.Error())
	}

	id, err := r.ledger.Create(input.Description)
	if err != nil {
		return tooltypes.Result{}, err
	}
	return tooltypes.Result{Result: fmt.Sprintf("Created subtask %d: %s", id, input.Description)}, nil
}

func (r *run) completeTask(call llmtypes.ToolCall) (tooltypes.Result, error) {
	var input CompleteTaskInput
	if err := mapstructure.Decode(call.Arguments, &input); err != nil {
		return tooltypes.Result{}, errors.Wrap(orchtypes.ErrInvalidArguments, err.Error())
	}
	if input.ID < 1 {
		return tooltypes.Result{}, errors.Wrap(orchtypes.ErrInvalidArguments, "id is required")
	}
	if input.Response == "" {
		return tooltypes.Result{}, errors.Wrap(orchtypes.ErrInvalidArguments, "response is required")
	}

	if err := r.ledger.Complete(input.ID, input.Response); err != nil {
		return tooltypes.Result{}, err
	}
	return tooltypes.Result{Result: fmt.Sprintf("Subtask %d completed.", input.ID)}, nil
}

func (r *run) checkSubtasks() tooltypes.Result {
	summary := r.ledger.Summary()
	if len(summary) == 0 {
		return tooltypes.Result{Result: "No subtasks have been created."}
	}

	var sb strings.Builder
	for _, st := range summary {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s", st.ID, st.Status, st.Description))
		if st.Response != "" {
			sb.WriteString(fmt.Sprintf(": %s", st.Response))
		}
		sb.WriteString("\n")
	}
	return tooltypes.Result{Result: sb.String()}
}

func (r *run) activeToolDeclared(name string) bool {
	for _, d := range r.activeTools {
		if d.Name == name {
			return true
		}
	}
	return false
}
