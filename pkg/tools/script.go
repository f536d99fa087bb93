package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	orchtypes "github.com/skillet-dev/skillet/pkg/types/orchestrator"
)

// ToolLocator resolves a tool name to the directory of the skill that
// declares it. It is satisfied by the skill registry.
type ToolLocator interface {
	ResolveTool(tool string) (string, bool)
}

// ScriptRunner executes skill tools as executables. A tool named
// "fetch_page" declared by a skill living in dir/ is expected at
// dir/tools/fetch_page; arguments are passed as a JSON object on stdin
// and the executable's combined output becomes the tool result.
type ScriptRunner struct {
	locator ToolLocator
}

// NewScriptRunner creates a runner that locates tool executables
// through the given locator.
func NewScriptRunner(locator ToolLocator) *ScriptRunner {
	return &ScriptRunner{locator: locator}
}

// Run executes the named tool and returns its output.
func (r *ScriptRunner) Run(ctx context.Context, tool string, args map[string]any) (string, error) {
	dir, ok := r.locator.ResolveTool(tool)
	if !ok {
		return "", errors.Wrapf(orchtypes.ErrUnknownTool, "tool %q", tool)
	}

	path := filepath.Join(dir, "tools", tool)
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(err, "tool executable %s", path)
	}

	input, err := json.Marshal(args)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode tool arguments")
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.Wrapf(err, "tool %s failed: %s", tool, strings.TrimSpace(string(output)))
	}

	return strings.TrimSpace(string(output)), nil
}
