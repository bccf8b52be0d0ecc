package device

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePlatformAlias(t *testing.T) {
	assert.Equal(t, "ios", ResolvePlatformAlias("apple"))
	assert.Equal(t, "iOS", ResolvePlatformAlias("iOS"), "non-alias values pass through unchanged")
	assert.Equal(t, "android", ResolvePlatformAlias("android"))
}

func TestCompatible_EmptySelectorAlwaysMatches(t *testing.T) {
	d := Descriptor{Platform: PlatformIOS, ID: "ABCD", Name: "iPhone 15"}
	assert.Empty(t, Compatible(Selector{}, d))
}

func TestCompatible_DetectsEveryMismatchedField(t *testing.T) {
	d := Descriptor{
		Platform: PlatformIOS,
		ID:       "ABCD-1234",
		Name:     "iPhone 15",
		Target:   TargetMobile,
	}
	sel := Selector{
		Platform: "android",
		Target:   "tv",
		Name:     "Pixel 8",
		UDID:     "WRONG-UDID",
	}
	mismatches := Compatible(sel, d)
	fields := make(map[string]bool)
	for _, m := range mismatches {
		fields[m.Field] = true
	}
	assert.True(t, fields["platform"])
	assert.True(t, fields["target"])
	assert.True(t, fields["name"])
	assert.True(t, fields["udid"])
}

func TestCompatible_PlatformAliasIsRespected(t *testing.T) {
	d := Descriptor{Platform: PlatformIOS, ID: "ABCD"}
	assert.Empty(t, Compatible(Selector{Platform: "apple"}, d))
}

func TestCompatible_CaseInsensitiveName(t *testing.T) {
	d := Descriptor{Platform: PlatformIOS, Name: "iPhone 15 Pro"}
	assert.Empty(t, Compatible(Selector{Name: "iphone 15 pro"}, d))
}

func TestCompatible_SerialAllowlist(t *testing.T) {
	d := Descriptor{Platform: PlatformAndroid, ID: "emulator-5554"}
	assert.Empty(t, Compatible(Selector{SerialAllowed: []string{"emulator-5554", "emulator-5556"}}, d))

	mismatches := Compatible(Selector{SerialAllowed: []string{"emulator-5556"}}, d)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "serialAllowlist", mismatches[0].Field)
}

func TestEnrichFromDevicePlist_FillsMissingNameOnly(t *testing.T) {
	dir := t.TempDir()
	udid := "ABCD-1234"
	require.NoError(t, writeDevicePlistForTest(devicePlistPath(dir, udid), simulatorDeviceMeta{
		UDID: udid,
		Name: "iPhone 15 Pro Max",
	}))

	d := Descriptor{Platform: PlatformIOS, Kind: KindSimulator, ID: udid, SimulatorSetDir: dir}
	enriched := EnrichFromDevicePlist(d)
	assert.Equal(t, "iPhone 15 Pro Max", enriched.Name)
}

func TestEnrichFromDevicePlist_DoesNotOverrideExistingName(t *testing.T) {
	dir := t.TempDir()
	udid := "ABCD-1234"
	require.NoError(t, writeDevicePlistForTest(devicePlistPath(dir, udid), simulatorDeviceMeta{
		UDID: udid,
		Name: "plist name",
	}))

	d := Descriptor{Platform: PlatformIOS, Kind: KindSimulator, ID: udid, Name: "simctl name", SimulatorSetDir: dir}
	enriched := EnrichFromDevicePlist(d)
	assert.Equal(t, "simctl name", enriched.Name)
}

func TestEnrichFromDevicePlist_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	d := Descriptor{Platform: PlatformIOS, Kind: KindSimulator, ID: "nope", SimulatorSetDir: dir}
	enriched := EnrichFromDevicePlist(d)
	assert.Equal(t, d, enriched)
}

func TestEnrichFromDevicePlist_SkipsNonSimulatorDescriptors(t *testing.T) {
	d := Descriptor{Platform: PlatformAndroid, Kind: KindDevice, ID: "serial-1"}
	assert.Equal(t, d, EnrichFromDevicePlist(d))
}

func TestDevicePlistPath_Layout(t *testing.T) {
	got := devicePlistPath("/set", "UDID")
	assert.Equal(t, filepath.Join("/set", "devices", "UDID", "device.plist"), got)
}
