// Package skills provides the skill registry: discovery of skill
// bundles, progressive loading of their instruction bodies, and the tool
// descriptors each skill exposes. Skills are packaged as directories
// containing a SKILL.md file whose YAML frontmatter carries the skill's
// name, selection description, and tool declarations; the markdown body
// holds the full instructions and enters the conversation only once the
// skill is activated.
package skills

import (
	"sync"

	tooltypes "github.com/skillet-dev/skillet/pkg/types/tools"
)

// Skill is one discovered skill. Name, Description, and Tools come from
// the frontmatter and are immutable after discovery. The body is read on
// first load and never mutated afterwards.
type Skill struct {
	Name        string
	Description string
	Directory   string
	Tools       []tooltypes.Descriptor

	mu     sync.Mutex
	body   string
	loaded bool
}

// Summary is the discovery-time view of a skill: just enough for the
// model to decide whether to activate it.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Metadata is the YAML frontmatter of a SKILL.md file.
type Metadata struct {
	Name        string                 `mapstructure:"name"`
	Description string                 `mapstructure:"description"`
	Tools       []tooltypes.Descriptor `mapstructure:"tools"`
}
