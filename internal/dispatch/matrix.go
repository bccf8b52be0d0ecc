// Package dispatch owns the capability matrix (which commands run on
// which device classes) and the routing table from a command name to a
// backend operation.
package dispatch

import "github.com/agent-device/agentdeviced/internal/device"

// classKey groups the capability matrix by platform + kind, since the
// spec folds tvOS into the iOS matrix by kind and Android TV into the
// Android matrix regardless of target.
type classKey struct {
	platform device.Platform
	kind     device.Kind
}

// matrix maps command name -> set of device classes it runs on. A command
// absent from this table entirely defaults to "supported everywhere",
// per the forward-compatibility rule; an explicit empty-but-present entry
// would mean "supported nowhere" (not currently used, kept possible for
// future restrictions).
var matrix = map[string][]classKey{
	"alert": {
		{device.PlatformIOS, device.KindSimulator},
	},
	"pinch": {
		{device.PlatformIOS, device.KindSimulator},
	},
	"settings": {
		{device.PlatformIOS, device.KindSimulator},
		{device.PlatformAndroid, device.KindEmulator},
		{device.PlatformAndroid, device.KindDevice},
	},
	"push": {
		{device.PlatformIOS, device.KindSimulator},
		{device.PlatformAndroid, device.KindEmulator},
		{device.PlatformAndroid, device.KindDevice},
	},
	"clipboard": {
		{device.PlatformIOS, device.KindSimulator},
		{device.PlatformAndroid, device.KindEmulator},
		{device.PlatformAndroid, device.KindDevice},
	},
	"keyboard": {
		{device.PlatformAndroid, device.KindEmulator},
		{device.PlatformAndroid, device.KindDevice},
	},
}

// universalCommands run on every iOS and Android class (simulator, real
// device, emulator) per the spec's broad row. They're listed explicitly so
// IsSupported can distinguish "known, broadly supported" from "unknown,
// defaults to supported" even though the two currently behave the same —
// the distinction matters once a future platform narrows one of them.
var universalCommands = map[string]bool{
	"open": true, "close": true, "snapshot": true, "wait": true, "press": true,
	"fill": true, "type": true, "focus": true, "scroll": true, "scrollintoview": true,
	"back": true, "home": true, "app-switcher": true, "screenshot": true, "record": true,
	"reinstall": true, "logs": true, "apps": true, "appstate": true, "boot": true,
	"trigger-app-event": true, "find": true, "is": true, "get": true, "longpress": true,
	"diff": true, "perf": true,
}

// IsSupported reports whether command runs on a device of d's class.
// Unknown commands default to true (forward-compatibility): the matrix
// only ever narrows, never silently drops, future commands.
func IsSupported(command string, d device.Descriptor) bool {
	if universalCommands[command] {
		return true
	}
	classes, known := matrix[command]
	if !known {
		return true
	}
	key := classKey{d.Platform, d.Kind}
	for _, c := range classes {
		if c == key {
			return true
		}
	}
	return false
}
