package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchtypes "github.com/skillet-dev/skillet/pkg/types/orchestrator"
)

const greetSkill = `---
name: greet
description: Greets the user warmly.
tools:
  - name: say_hello
    description: Say hello to a person
    parameters:
      person_name:
        type: string
        description: Name of the person to greet
        required: true
---

# Greet

Use the say_hello tool to greet the user, then summarize the greeting.
`

const planningSkill = `---
name: planning
description: Decomposes a complex question into subtasks.
tools:
  - name: create_subtask
    description: Create a subtask for a subquestion
    parameters:
      description:
        type: string
        description: The subquestion to investigate
        required: true
---

# Planning

Break the user's question into independent subquestions and create a
subtask for each one.
`

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, skillFileName), []byte(content), 0o644))
}

func newTestRegistry(t *testing.T, root string, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithSkillDirs(root)}, opts...)
	registry, err := NewRegistry(opts...)
	require.NoError(t, err)
	require.NoError(t, registry.Discover(context.Background()))
	return registry
}

func TestDiscoverAndList(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", greetSkill)
	writeSkill(t, root, "planning", planningSkill)

	registry := newTestRegistry(t, root)

	summaries := registry.List()
	require.Len(t, summaries, 2)
	assert.Equal(t, "greet", summaries[0].Name)
	assert.Equal(t, "Greets the user warmly.", summaries[0].Description)
	assert.Equal(t, "planning", summaries[1].Name)
	assert.NoError(t, registry.Warnings())
}

func TestDiscoverNoReadableDirectory(t *testing.T) {
	registry, err := NewRegistry(WithSkillDirs(filepath.Join(t.TempDir(), "does-not-exist")))
	require.NoError(t, err)

	err = registry.Discover(context.Background())
	assert.Error(t, err)
}

func TestDiscoverSkipsMalformedSkill(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", greetSkill)
	writeSkill(t, root, "broken", "# No frontmatter here\n")
	writeSkill(t, root, "nameless", "---\ndescription: missing a name\n---\nbody\n")

	registry := newTestRegistry(t, root)

	summaries := registry.List()
	require.Len(t, summaries, 1)
	assert.Equal(t, "greet", summaries[0].Name)

	warn := registry.Warnings()
	require.Error(t, warn)
	assert.Contains(t, warn.Error(), "broken")
	assert.Contains(t, warn.Error(), "nameless")
}

func TestAllowlistGlobs(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", greetSkill)
	writeSkill(t, root, "planning", planningSkill)

	registry := newTestRegistry(t, root, WithAllowlist("plan*"))

	summaries := registry.List()
	require.Len(t, summaries, 1)
	assert.Equal(t, "planning", summaries[0].Name)
}

func TestLoadReturnsBody(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", greetSkill)

	registry := newTestRegistry(t, root)

	skill, body, err := registry.Load(context.Background(), "greet")
	require.NoError(t, err)
	assert.Equal(t, "greet", skill.Name)
	assert.Contains(t, body, "say_hello tool")
	assert.NotContains(t, body, "---")
	assert.NotContains(t, body, "description: Greets")
}

func TestLoadIsLazyAndCached(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", greetSkill)

	registry := newTestRegistry(t, root)

	_, body, err := registry.Load(context.Background(), "greet")
	require.NoError(t, err)

	// Once cached, the body survives removal of the backing file
	require.NoError(t, os.Remove(filepath.Join(root, "greet", skillFileName)))

	_, body2, err := registry.Load(context.Background(), "greet")
	require.NoError(t, err)
	assert.Equal(t, body, body2)
}

func TestLoadUnknownSkill(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", greetSkill)

	registry := newTestRegistry(t, root)

	_, _, err := registry.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, orchtypes.ErrUnknownSkill))
}

func TestDescriptors(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", greetSkill)

	registry := newTestRegistry(t, root)

	descriptors, err := registry.Descriptors("greet")
	require.NoError(t, err)
	require.Len(t, descriptors, 1)

	desc := descriptors[0]
	assert.Equal(t, "say_hello", desc.Name)
	require.Contains(t, desc.Parameters, "person_name")
	assert.Equal(t, "string", desc.Parameters["person_name"].Type)
	assert.True(t, desc.Parameters["person_name"].Required)

	_, err = registry.Descriptors("missing")
	assert.True(t, errors.Is(err, orchtypes.ErrUnknownSkill))
}

func TestResolveTool(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "greet", greetSkill)
	writeSkill(t, root, "planning", planningSkill)

	registry := newTestRegistry(t, root)

	dir, ok := registry.ResolveTool("create_subtask")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "planning"), dir)

	_, ok = registry.ResolveTool("unknown_tool")
	assert.False(t, ok)
}

func TestEarlierDirectoriesTakePrecedence(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeSkill(t, first, "greet", greetSkill)
	writeSkill(t, second, "greet", `---
name: greet
description: Shadowed duplicate.
---
body
`)

	registry, err := NewRegistry(WithSkillDirs(first, second))
	require.NoError(t, err)
	require.NoError(t, registry.Discover(context.Background()))

	summaries := registry.List()
	require.Len(t, summaries, 1)
	assert.Equal(t, "Greets the user warmly.", summaries[0].Description)
}

func TestExtractBodyContent(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			"with frontmatter",
			"---\nname: x\n---\n\n# Body\n",
			"# Body\n",
		},
		{
			"no frontmatter",
			"# Just a body\n",
			"# Just a body\n",
		},
		{
			"unterminated frontmatter",
			"---\nname: x\n",
			"---\nname: x\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractBodyContent(tt.content))
		})
	}
}
