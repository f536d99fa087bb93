package skills

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"

	"github.com/skillet-dev/skillet/pkg/logger"
	orchtypes "github.com/skillet-dev/skillet/pkg/types/orchestrator"
	tooltypes "github.com/skillet-dev/skillet/pkg/types/tools"
)

const skillFileName = "SKILL.md"

// Registry holds every known skill. Discovery runs once at startup;
// after that the registry is read-mostly and safe for concurrent use.
type Registry struct {
	skillDirs []string
	allowlist []glob.Glob

	mu       sync.RWMutex
	skills   map[string]*Skill
	warnings error
}

// Option configures a Registry.
type Option func(*Registry) error

// WithSkillDirs sets the directories scanned for skills. Earlier
// directories take precedence on name clashes.
func WithSkillDirs(dirs ...string) Option {
	return func(r *Registry) error {
		r.skillDirs = dirs
		return nil
	}
}

// WithDefaultDirs scans the repo-local skills directory followed by the
// user-global one.
func WithDefaultDirs() Option {
	return func(r *Registry) error {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to get user home directory")
		}
		r.skillDirs = []string{
			"./.skillet/skills",
			filepath.Join(homeDir, ".skillet", "skills"),
		}
		return nil
	}
}

// WithAllowlist restricts discovery to skills whose names match one of
// the given glob patterns.
func WithAllowlist(patterns ...string) Option {
	return func(r *Registry) error {
		for _, p := range patterns {
			g, err := glob.Compile(p)
			if err != nil {
				return errors.Wrapf(err, "invalid allowlist pattern %q", p)
			}
			r.allowlist = append(r.allowlist, g)
		}
		return nil
	}
}

// NewRegistry creates a registry. Without options the default skill
// directories are used.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{skills: make(map[string]*Skill)}

	if len(opts) == 0 {
		opts = []Option{WithDefaultDirs()}
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Discover scans the skill directories once. A completely absent or
// unreadable skill source is an error (process-fatal at the caller);
// individually malformed skills are skipped with a warning so one bad
// skill cannot block the others.
func (r *Registry) Discover(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	var warnings *multierror.Error

	for _, dir := range r.skillDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		found = true

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dirPath := filepath.Join(dir, entry.Name())
			skill, err := parseSkillFile(filepath.Join(dirPath, skillFileName))
			if err != nil {
				logger.G(ctx).WithError(err).WithField("skill_dir", dirPath).Warn("skipping malformed skill")
				warnings = multierror.Append(warnings, errors.Wrapf(err, "skill %s", entry.Name()))
				continue
			}
			if !r.allowed(skill.Name) {
				continue
			}
			if _, exists := r.skills[skill.Name]; exists {
				continue
			}
			skill.Directory = dirPath
			r.skills[skill.Name] = skill
		}
	}

	if !found {
		return errors.Errorf("no readable skill directory among %v", r.skillDirs)
	}

	r.warnings = warnings.ErrorOrNil()
	logger.G(ctx).WithField("count", len(r.skills)).Debug("skill discovery complete")
	return nil
}

// Warnings returns the aggregated per-skill errors from the last
// discovery, or nil if every skill parsed cleanly.
func (r *Registry) Warnings() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.warnings
}

// List returns the name and selection description of every skill,
// ordered by name. This is all the model sees before activation.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]Summary, 0, len(r.skills))
	for _, s := range r.skills {
		summaries = append(summaries, Summary{Name: s.Name, Description: s.Description})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// Load returns the skill with its full instruction body. The body is
// read from disk on first load and cached; subsequent loads are served
// from the cache.
func (r *Registry) Load(ctx context.Context, name string) (*Skill, string, error) {
	r.mu.RLock()
	skill, exists := r.skills[name]
	r.mu.RUnlock()
	if !exists {
		return nil, "", errors.Wrapf(orchtypes.ErrUnknownSkill, "skill %q", name)
	}

	skill.mu.Lock()
	defer skill.mu.Unlock()
	if !skill.loaded {
		content, err := os.ReadFile(filepath.Join(skill.Directory, skillFileName))
		if err != nil {
			return nil, "", errors.Wrapf(err, "failed to read body of skill %q", name)
		}
		skill.body = extractBodyContent(string(content))
		skill.loaded = true
		logger.G(ctx).WithField("skill", name).Debug("loaded skill body")
	}

	return skill, skill.body, nil
}

// Descriptors returns the tool descriptors a skill declares. Descriptors
// come from the frontmatter, so they are available without loading the
// body.
func (r *Registry) Descriptors(name string) ([]tooltypes.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	skill, exists := r.skills[name]
	if !exists {
		return nil, errors.Wrapf(orchtypes.ErrUnknownSkill, "skill %q", name)
	}
	return skill.Tools, nil
}

// ResolveTool returns the directory of the skill declaring the named
// tool. Skills are consulted in name order so the result is stable when
// two skills declare the same tool name.
func (r *Registry) ResolveTool(tool string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, desc := range r.skills[name].Tools {
			if desc.Name == tool {
				return r.skills[name].Directory, true
			}
		}
	}
	return "", false
}

func (r *Registry) allowed(name string) bool {
	if len(r.allowlist) == 0 {
		return true
	}
	for _, g := range r.allowlist {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// parseSkillFile parses frontmatter only; the body is deferred until
// first activation.
func parseSkillFile(path string) (*Skill, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read skill file")
	}

	md := goldmark.New(goldmark.WithExtensions(meta.Meta))

	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrap(err, "failed to parse markdown")
	}

	metaData := meta.Get(pctx)
	if metaData == nil {
		return nil, errors.New("missing frontmatter")
	}

	var m Metadata
	if err := mapstructure.Decode(metaData, &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode frontmatter")
	}

	if m.Name == "" {
		return nil, errors.New("skill name is required in frontmatter")
	}
	if m.Description == "" {
		return nil, errors.New("skill description is required in frontmatter")
	}
	for i, desc := range m.Tools {
		if desc.Name == "" {
			return nil, errors.Errorf("tool %d is missing a name", i)
		}
	}

	return &Skill{
		Name:        m.Name,
		Description: m.Description,
		Tools:       m.Tools,
	}, nil
}

// extractBodyContent removes YAML frontmatter and returns the body.
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	frontmatterEnd := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}
	if frontmatterEnd == -1 {
		return content
	}

	return strings.TrimLeft(strings.Join(lines[frontmatterEnd+1:], "\n"), "\n")
}
