package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	// GOAL: Verify every accepted UUID spelling canonicalizes to the same key
	//
	// TEST SCENARIO: Normalize short, prefixed, dashed, braced, and full-SIG forms → all collapse to lowercase short form → non-SIG 128-bit UUIDs keep their full length

	tests := []struct {
		name string
		uuid string
		want string
	}{
		{
			name: "short form passthrough",
			uuid: "2a19",
			want: "2a19",
		},
		{
			name: "0x prefix stripped",
			uuid: "0x2A19",
			want: "2a19",
		},
		{
			name: "surrounding whitespace trimmed",
			uuid: "  180f\n",
			want: "180f",
		},
		{
			name: "SIG base with dashes reduced",
			uuid: "0000181A-0000-1000-8000-00805F9B34FB",
			want: "181a",
		},
		{
			name: "SIG base without dashes reduced",
			uuid: "0000180f00001000800000805f9b34fb",
			want: "180f",
		},
		{
			name: "braced SIG base reduced",
			uuid: "{00002902-0000-1000-8000-00805f9b34fb}",
			want: "2902",
		},
		{
			name: "vendor 128-bit stays long",
			uuid: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
			want: "6e400001b5a3f393e0a9e50e24dcca9e",
		},
		{
			name: "non-UUID input returned stripped",
			uuid: "not-a-uuid",
			want: "notauuid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeUUID(tt.uuid), "canonical form MUST match")
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	// GOAL: Verify batch normalization preserves order and nil-ness
	//
	// TEST SCENARIO: Normalize a mixed-form slice → element order kept → nil input stays nil

	mixed := []string{"0x180D", "0000180f-0000-1000-8000-00805f9b34fb", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"}
	assert.Equal(t,
		[]string{"180d", "180f", "6e400001b5a3f393e0a9e50e24dcca9e"},
		NormalizeUUIDs(mixed),
		"elements MUST normalize in place without reordering")

	assert.Nil(t, NormalizeUUIDs(nil), "nil input MUST stay nil")
	assert.Equal(t, []string{}, NormalizeUUIDs([]string{}), "empty input MUST stay empty")
}

func TestExpandUUID(t *testing.T) {
	// GOAL: Verify expansion produces the full dashed 128-bit form platforms expect
	//
	// TEST SCENARIO: Expand short and undashed long forms → dashed 128-bit output → non-UUID lengths pass through

	tests := []struct {
		name string
		uuid string
		want string
	}{
		{
			name: "short form onto SIG base",
			uuid: "2a37",
			want: "00002a37-0000-1000-8000-00805f9b34fb",
		},
		{
			name: "prefixed short form onto SIG base",
			uuid: "0x180F",
			want: "0000180f-0000-1000-8000-00805f9b34fb",
		},
		{
			name: "undashed vendor UUID regains dashes",
			uuid: "6e400003b5a3f393e0a9e50e24dcca9e",
			want: "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
		},
		{
			name: "already expanded stays put",
			uuid: "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
			want: "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
		},
		{
			name: "odd length passthrough",
			uuid: "abc",
			want: "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandUUID(tt.uuid), "expanded form MUST match")
		})
	}
}

func TestLookupTables(t *testing.T) {
	// GOAL: Verify the per-table lookups resolve names regardless of UUID spelling
	//
	// TEST SCENARIO: Look up known SIG and vendor entries in each table → full and short spellings hit → unknown UUIDs return empty

	t.Run("services", func(t *testing.T) {
		assert.Equal(t, "Battery Service", LookupService("180f"), "short form MUST resolve")
		assert.Equal(t, "Heart Rate", LookupService("0000180D-0000-1000-8000-00805F9B34FB"), "full SIG spelling MUST resolve")
		assert.Equal(t, "Nordic UART Service", LookupService("6e400001-b5a3-f393-e0a9-e50e24dcca9e"), "vendor entry MUST resolve")
		assert.Empty(t, LookupService("fff0"), "unknown service MUST return empty")
	})

	t.Run("characteristics", func(t *testing.T) {
		assert.Equal(t, "Battery Level", LookupCharacteristic("0x2a19"), "prefixed form MUST resolve")
		assert.Equal(t, "Heart Rate Measurement", LookupCharacteristic("00002a37-0000-1000-8000-00805f9b34fb"), "full SIG spelling MUST resolve")
		assert.Equal(t, "UART TX", LookupCharacteristic("6E400003-B5A3-F393-E0A9-E50E24DCCA9E"), "vendor entry MUST resolve")
		assert.Empty(t, LookupCharacteristic("180f"), "service UUID MUST NOT leak into characteristic table")
	})

	t.Run("descriptors", func(t *testing.T) {
		assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("2902"), "short form MUST resolve")
		assert.Equal(t, "Characteristic User Descriptor", LookupDescriptor("{00002901-0000-1000-8000-00805f9b34fb}"), "braced spelling MUST resolve")
		assert.Empty(t, LookupDescriptor("2a19"), "characteristic UUID MUST NOT leak into descriptor table")
	})
}

func TestLookupAcrossTables(t *testing.T) {
	// GOAL: Verify the combined lookup scans all tables for display fallbacks
	//
	// TEST SCENARIO: Resolve one UUID from each table through Lookup → each finds its name → unknown returns empty

	tests := []struct {
		name string
		uuid string
		want string
	}{
		{
			name: "service entry",
			uuid: "181a",
			want: "Environmental Sensing",
		},
		{
			name: "characteristic entry",
			uuid: "2a00",
			want: "Device Name",
		},
		{
			name: "descriptor entry",
			uuid: "2904",
			want: "Characteristic Presentation Format",
		},
		{
			name: "vendor characteristic entry",
			uuid: "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
			want: "UART RX",
		},
		{
			name: "unknown",
			uuid: "fff0",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Lookup(tt.uuid), "resolved name MUST match")
		})
	}
}
