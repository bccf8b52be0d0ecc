package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agent-device/agentdeviced/internal/apierr"
	"github.com/agent-device/agentdeviced/internal/device"
	"github.com/agent-device/agentdeviced/internal/supervisor"
)

// RegisterApps wires "reinstall" and "apps" to simctl (iOS simulators) and
// adb (Android). iOS real devices need devicectl instead of simctl and
// aren't wired here yet; they fail UNSUPPORTED_OPERATION until that backend
// exists, same as any command with no registered path for a class.
func RegisterApps(t *Table) {
	t.Register("reinstall", func(ec ExecContext, d device.Descriptor, _ string, positionals []string, flags map[string]any) (map[string]any, error) {
		path := pathArg(positionals, flags)
		if path == "" {
			return nil, apierr.New(apierr.InvalidArgs, "reinstall requires a path to an installable app/apk")
		}
		switch d.Platform {
		case device.PlatformIOS:
			return reinstallIOS(ec.Context, d, path)
		case device.PlatformAndroid:
			return reinstallAndroid(ec.Context, d, path)
		default:
			return nil, apierr.New(apierr.UnsupportedPlatform, fmt.Sprintf("unknown platform %q", d.Platform))
		}
	})

	t.Register("apps", func(ec ExecContext, d device.Descriptor, _ string, _ []string, _ map[string]any) (map[string]any, error) {
		switch d.Platform {
		case device.PlatformIOS:
			return listAppsIOS(ec.Context, d)
		case device.PlatformAndroid:
			return listAppsAndroid(ec.Context, d)
		default:
			return nil, apierr.New(apierr.UnsupportedPlatform, fmt.Sprintf("unknown platform %q", d.Platform))
		}
	})
}

func pathArg(positionals []string, flags map[string]any) string {
	if v, ok := flags["path"].(string); ok {
		return v
	}
	if len(positionals) > 0 {
		return positionals[0]
	}
	return ""
}

func reinstallIOS(ctx context.Context, d device.Descriptor, path string) (map[string]any, error) {
	if d.Kind != device.KindSimulator {
		return nil, apierr.New(apierr.UnsupportedOp, "reinstall on a physical iOS device requires devicectl, not yet wired")
	}
	if err := supervisor.RequireTool("xcrun", "install the Xcode command line tools"); err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, "xcrun", "simctl", "install", d.ID, path).CombinedOutput()
	if err != nil {
		return nil, apierr.New(apierr.CommandFailed, fmt.Sprintf("simctl install: %s\n%s", err, out))
	}
	return map[string]any{"installed": path}, nil
}

func reinstallAndroid(ctx context.Context, d device.Descriptor, path string) (map[string]any, error) {
	if err := supervisor.RequireTool("adb", "install the Android platform-tools"); err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, "adb", "-s", d.ID, "install", "-r", path).CombinedOutput()
	if err != nil {
		return nil, apierr.New(apierr.CommandFailed, fmt.Sprintf("adb install: %s\n%s", err, out))
	}
	return map[string]any{"installed": path}, nil
}

func listAppsIOS(ctx context.Context, d device.Descriptor) (map[string]any, error) {
	if d.Kind != device.KindSimulator {
		return nil, apierr.New(apierr.UnsupportedOp, "listing apps on a physical iOS device requires devicectl")
	}
	if err := supervisor.RequireTool("xcrun", "install the Xcode command line tools"); err != nil {
		return nil, err
	}
	// simctl listapps prints a plist, not JSON; reporting the raw bundle
	// ids parsed out of it is enough for the common "is X installed"
	// check without pulling in a second plist-decoding path for one command.
	out, err := exec.CommandContext(ctx, "xcrun", "simctl", "listapps", d.ID).Output()
	if err != nil {
		return nil, apierr.New(apierr.CommandFailed, fmt.Sprintf("simctl listapps: %s", err))
	}
	return map[string]any{"bundleIDs": extractBundleIDs(string(out))}, nil
}

func listAppsAndroid(ctx context.Context, d device.Descriptor) (map[string]any, error) {
	if err := supervisor.RequireTool("adb", "install the Android platform-tools"); err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, "adb", "-s", d.ID, "shell", "pm", "list", "packages").Output()
	if err != nil {
		return nil, apierr.New(apierr.CommandFailed, fmt.Sprintf("adb shell pm list packages: %s", err))
	}
	var packages []string
	for _, line := range strings.Split(string(out), "\n") {
		if pkg, ok := strings.CutPrefix(strings.TrimSpace(line), "package:"); ok {
			packages = append(packages, pkg)
		}
	}
	return map[string]any{"bundleIDs": packages}, nil
}

// extractBundleIDs pulls dictionary keys out of simctl listapps' plist dump
// without a full plist decode: each installed app is keyed by its own
// bundle id, appearing as `"<id>" =  {`. Nesting depth is not tracked, so
// any quoted key that opens a dictionary is reported.
func extractBundleIDs(plistText string) []string {
	var ids []string
	for _, line := range strings.Split(plistText, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutSuffix(line, "{")
		if !ok || !strings.HasSuffix(strings.TrimSpace(rest), "=") {
			continue
		}
		if !strings.HasPrefix(line, "\"") {
			continue
		}
		end := strings.Index(line[1:], "\"")
		if end < 0 {
			continue
		}
		ids = append(ids, line[1:1+end])
	}
	return ids
}
