package supervisor

import (
	"os/exec"

	"github.com/agent-device/agentdeviced/internal/apierr"
)

// LookPather abstracts exec.LookPath so tool-availability checks can be
// exercised against a fake PATH in tests without touching the real one.
type LookPather interface {
	LookPath(file string) (string, error)
}

type defaultLookPather struct{}

func (defaultLookPather) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// DefaultLookPather returns the standard LookPather backed by exec.LookPath.
func DefaultLookPather() LookPather {
	return defaultLookPather{}
}

// RequireTool reports a TOOL_MISSING apierr.Error when name isn't on PATH,
// so every backend surfaces the same error code and install hint instead
// of each one formatting its own "xcrun not found" string.
func RequireTool(name, installHint string) error {
	return RequireToolWith(DefaultLookPather(), name, installHint)
}

// RequireToolWith is RequireTool with an injected LookPather, for tests.
func RequireToolWith(lp LookPather, name, installHint string) error {
	if _, err := lp.LookPath(name); err != nil {
		return apierr.New(apierr.ToolMissing, name+" not found on PATH. "+installHint)
	}
	return nil
}
