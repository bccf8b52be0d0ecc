package dispatch

import (
	"fmt"

	"github.com/atotto/clipboard"

	"github.com/agent-device/agentdeviced/internal/apierr"
	"github.com/agent-device/agentdeviced/internal/device"
)

// RegisterClipboard wires the "clipboard" command to the host clipboard.
// It is a stand-in for a real simulator/device clipboard bridge: until a
// platform-specific backend (simctl pbcopy/pbpaste, adb's clipboard
// service) is registered for a given device class, this package's
// clipboard command reads/writes the daemon host's own clipboard, which is
// useful for local development against a desktop-paired simulator but not
// a substitute for per-device clipboard isolation.
func RegisterClipboard(t *Table) {
	t.Register("clipboard", func(_ ExecContext, _ device.Descriptor, _ string, positionals []string, flags map[string]any) (map[string]any, error) {
		if action, _ := flags["action"].(string); action == "set" {
			text := flagString(positionals, flags)
			if err := clipboard.WriteAll(text); err != nil {
				return nil, apierr.New(apierr.CommandFailed, fmt.Sprintf("writing clipboard: %s", err))
			}
			return map[string]any{"wrote": len(text)}, nil
		}
		text, err := clipboard.ReadAll()
		if err != nil {
			return nil, apierr.New(apierr.CommandFailed, fmt.Sprintf("reading clipboard: %s", err))
		}
		return map[string]any{"text": text}, nil
	})
}

func flagString(positionals []string, flags map[string]any) string {
	if v, ok := flags["text"].(string); ok {
		return v
	}
	if len(positionals) > 0 {
		return positionals[0]
	}
	return ""
}
