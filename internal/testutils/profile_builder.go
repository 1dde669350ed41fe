package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/bledb"
)

// CharacteristicConfig describes one characteristic of a test profile.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value      []int  `json:"value,omitempty"`
}

// ServiceConfig describes one service of a test profile.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig is the full GATT profile used to drive fake discovery.
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// Profile is a built GATT fixture. UUIDs are normalized, so lookups line
// up with what the engine stores.
type Profile struct {
	services []adapter.Service
	chars    map[string][]adapter.Characteristic
	values   map[string][]byte
}

// Services returns the profile's services in configuration order.
func (p *Profile) Services() []adapter.Service { return p.services }

// Characteristics returns the characteristics of one service, by
// normalized or raw UUID.
func (p *Profile) Characteristics(serviceUUID string) []adapter.Characteristic {
	return p.chars[bledb.NormalizeUUID(serviceUUID)]
}

// Characteristic returns the first characteristic with the given UUID,
// or nil.
func (p *Profile) Characteristic(charUUID string) adapter.Characteristic {
	want := bledb.NormalizeUUID(charUUID)
	for _, chars := range p.chars {
		for _, ch := range chars {
			if ch.UUID() == want {
				return ch
			}
		}
	}
	return nil
}

// Value returns the configured value of a characteristic.
func (p *Profile) Value(charUUID string) []byte {
	return p.values[bledb.NormalizeUUID(charUUID)]
}

// SimulateDiscovery pushes the whole profile through the fake's
// delegate: services first, then each service's characteristics.
func (p *Profile) SimulateDiscovery(fp *FakePeripheral) {
	fp.SimulateServicesDiscovered(p.services, nil)
	for _, svc := range p.services {
		fp.SimulateCharacteristicsDiscovered(svc, p.chars[svc.UUID()], nil)
	}
}

// ProfileBuilder builds GATT profiles for fake peripherals with a fluent
// API or from JSON.
type ProfileBuilder struct {
	profile ProfileConfig
}

// NewProfileBuilder creates an empty profile builder.
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{}
}

// WithService adds a service to the profile.
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value []byte) *ProfileBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	ints := make([]int, len(value))
	for i, v := range value {
		ints[i] = int(v)
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties, Value: ints})
	return b
}

// FromJSON fills the profile from JSON. Panics on invalid JSON since
// this is test setup code.
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	var config ProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: %v", err))
	}
	b.profile = config
	return b
}

// ParseProperties converts a comma-separated property list to the
// adapter bitmask. Empty input defaults to read|write|notify.
func ParseProperties(props string) adapter.Properties {
	if props == "" {
		return adapter.PropertyRead | adapter.PropertyWrite | adapter.PropertyNotify
	}
	var out adapter.Properties
	for _, tok := range strings.Split(props, ",") {
		switch strings.TrimSpace(strings.ToLower(tok)) {
		case "broadcast":
			out |= adapter.PropertyBroadcast
		case "read":
			out |= adapter.PropertyRead
		case "write_no_rsp", "write-without-response":
			out |= adapter.PropertyWriteWithoutResponse
		case "write":
			out |= adapter.PropertyWrite
		case "notify":
			out |= adapter.PropertyNotify
		case "indicate":
			out |= adapter.PropertyIndicate
		}
	}
	return out
}

// Build materializes the profile with normalized UUIDs.
func (b *ProfileBuilder) Build() *Profile {
	p := &Profile{
		chars:  make(map[string][]adapter.Characteristic),
		values: make(map[string][]byte),
	}
	for _, svcConfig := range b.profile.Services {
		svcUUID := bledb.NormalizeUUID(svcConfig.UUID)
		svc := NewFakeService(svcUUID)
		p.services = append(p.services, svc)

		for _, charConfig := range svcConfig.Characteristics {
			charUUID := bledb.NormalizeUUID(charConfig.UUID)
			ch := NewFakeCharacteristic(svcUUID, charUUID, ParseProperties(charConfig.Properties))
			p.chars[svcUUID] = append(p.chars[svcUUID], ch)
			if charConfig.Value != nil {
				p.values[charUUID] = intsToBytes(charConfig.Value)
			}
		}
	}
	return p
}
