package device

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// simulatorDeviceMeta mirrors the handful of fields CoreSimulator's
// device.plist carries that are useful for enrichment; everything else in
// that file is ignored.
type simulatorDeviceMeta struct {
	UDID      string `plist:"UDID"`
	Name      string `plist:"name"`
	DeviceKey string `plist:"deviceType"`
}

// EnrichFromDevicePlist reads <simulatorSetDir>/devices/<udid>/device.plist
// and fills in a display name when simctl's own JSON listing didn't carry
// one. It never overrides fields simctl already populated, and a missing
// or unreadable plist is not an error — discovery still works from simctl
// alone.
func EnrichFromDevicePlist(d Descriptor) Descriptor {
	if d.Kind != KindSimulator || d.SimulatorSetDir == "" || d.ID == "" {
		return d
	}
	path := filepath.Join(d.SimulatorSetDir, "devices", d.ID, "device.plist")
	data, err := os.ReadFile(path)
	if err != nil {
		return d
	}
	var meta simulatorDeviceMeta
	if _, err := plist.Unmarshal(data, &meta); err != nil {
		return d
	}
	if d.Name == "" && meta.Name != "" {
		d.Name = meta.Name
	}
	return d
}

// devicePlistPath builds the device.plist location inside a simulator set,
// so tests and callers in this package can assert the layout without
// reconstructing it by hand.
func devicePlistPath(simulatorSetDir, udid string) string {
	return filepath.Join(simulatorSetDir, "devices", udid, "device.plist")
}

func writeDevicePlistForTest(path string, meta simulatorDeviceMeta) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating simulator set layout: %w", err)
	}
	data, err := plist.Marshal(meta, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("marshalling device.plist: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
