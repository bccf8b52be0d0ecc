package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/agent-device/agentdeviced/internal/apierr"
	"github.com/agent-device/agentdeviced/internal/device"
)

// ExecContext is what the pipeline hands to every backend operation.
type ExecContext struct {
	Context      context.Context
	DaemonLog    string
	Debug        bool
	Verbose      bool
	OutPath      string
	AppBundleID  string
	TraceLogPath string
	RequestID    string
}

// Backend performs one command against one device. command is the
// canonical command name; positionals are the request's positional
// arguments; flags is the typed flag map. The resolved `out` flag, if the
// command takes one, arrives as ec.OutPath.
type Backend func(ec ExecContext, d device.Descriptor, command string, positionals []string, flags map[string]any) (map[string]any, error)

// Table routes a command name to its backend. A command with no registered
// backend fails with UNSUPPORTED_OPERATION at dispatch time (distinct from
// the capability matrix, which rejects by device class before the table is
// even consulted).
type Table struct {
	backends map[string]Backend
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{backends: make(map[string]Backend)}
}

// Register binds command to backend, overwriting any previous binding —
// used both by production wiring and by tests that stub a single command.
func (t *Table) Register(command string, backend Backend) {
	t.backends[command] = backend
}

// Dispatch consults the capability matrix, then invokes the registered
// backend. Callers are expected to have already resolved the session's
// device; Dispatch itself does no session lookup.
func (t *Table) Dispatch(ec ExecContext, d device.Descriptor, command string, positionals []string, flags map[string]any) (map[string]any, error) {
	if !IsSupported(command, d) {
		return nil, apierr.New(apierr.UnsupportedOp, fmt.Sprintf("%q is not supported on %s/%s", command, d.Platform, d.Kind))
	}
	backend, ok := t.backends[command]
	if !ok {
		return nil, apierr.New(apierr.UnsupportedOp, fmt.Sprintf("no backend registered for %q", command))
	}
	return backend(ec, d, command, positionals, flags)
}

// ResolveDevice picks a device matching sel from the given pool of
// currently-known devices, in priority order: udid/serial exact match,
// then name (case-insensitive), then the first device matching
// platform+target+simulator-set+allowlist. It never falls back to
// host-global discovery outside candidates — an empty or non-matching
// pool is DEVICE_NOT_FOUND.
func ResolveDevice(sel device.Selector, candidates []device.Descriptor) (device.Descriptor, error) {
	if sel.UDID != "" {
		for _, d := range candidates {
			if d.ID == sel.UDID {
				return d, nil
			}
		}
		return device.Descriptor{}, deviceNotFound(sel)
	}
	if sel.Serial != "" {
		for _, d := range candidates {
			if d.ID == sel.Serial {
				return d, nil
			}
		}
		return device.Descriptor{}, deviceNotFound(sel)
	}
	if sel.Name != "" {
		for _, d := range candidates {
			if strings.EqualFold(d.Name, sel.Name) {
				return d, nil
			}
		}
		return device.Descriptor{}, deviceNotFound(sel)
	}
	for _, d := range candidates {
		if len(device.Compatible(sel, d)) == 0 {
			return d, nil
		}
	}
	return device.Descriptor{}, deviceNotFound(sel)
}

func deviceNotFound(sel device.Selector) error {
	return apierr.New(apierr.DeviceNotFound, "no device in the active scope matches the given selector").
		WithDetails(map[string]any{
			"platform": sel.Platform,
			"target":   sel.Target,
			"name":     sel.Name,
			"udid":     sel.UDID,
			"serial":   sel.Serial,
		})
}
