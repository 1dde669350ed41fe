package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/bledb"
)

// AdvertisementBuilder builds adapter.Advertisement fixtures for tests.
// It provides a fluent API plus a JSON form for table-driven setups.
// Address and RSSI ride along for discovery simulation even though they
// are not part of the advertisement payload itself.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	serviceData map[string][]byte
	txPower     *int
	connectable bool
}

// NewAdvertisementBuilder creates a builder with connectable=true and an
// empty service data map.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		serviceData: make(map[string][]byte),
		connectable: true,
	}
}

// CreateAdvertisement is shorthand for the three fields almost every
// discovery test sets.
func CreateAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

// WithName sets the advertised local name.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the peripheral address used when simulating
// discovery.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the signal strength reported with the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds advertised service UUIDs, short or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// WithManufacturerData sets the manufacturer-specific payload.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	return b
}

// WithServiceData adds service-specific data for one service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.serviceData[uuid] = data
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = &power
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

type advertisementJSON struct {
	Name             *string          `json:"name"`
	Address          *string          `json:"address"`
	RSSI             *int             `json:"rssi"`
	Services         []string         `json:"services"`
	ManufacturerData []int            `json:"manufacturer_data"`
	ServiceData      map[string][]int `json:"service_data"`
	TxPower          *int             `json:"tx_power"`
	Connectable      *bool            `json:"connectable"`
}

// FromJSON fills builder fields from a JSON string. Byte payloads are
// written as integer arrays. Panics on invalid JSON since this is test
// setup code.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var raw advertisementJSON
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: %v", err))
	}

	if raw.Name != nil {
		b.name = *raw.Name
	}
	if raw.Address != nil {
		b.address = *raw.Address
	}
	if raw.RSSI != nil {
		b.rssi = *raw.RSSI
	}
	if raw.Services != nil {
		b.services = append(b.services, raw.Services...)
	}
	if raw.ManufacturerData != nil {
		b.manufData = intsToBytes(raw.ManufacturerData)
	}
	for uuid, data := range raw.ServiceData {
		b.serviceData[uuid] = intsToBytes(data)
	}
	if raw.TxPower != nil {
		b.txPower = raw.TxPower
	}
	if raw.Connectable != nil {
		b.connectable = *raw.Connectable
	}
	return b
}

// Address returns the configured address.
func (b *AdvertisementBuilder) Address() string { return b.address }

// RSSI returns the configured signal strength.
func (b *AdvertisementBuilder) RSSI() int { return b.rssi }

// Build produces the advertisement with normalized service UUIDs.
func (b *AdvertisementBuilder) Build() adapter.Advertisement {
	adv := adapter.Advertisement{
		LocalName:        b.name,
		ServiceUUIDs:     bledb.NormalizeUUIDs(b.services),
		ManufacturerData: b.manufData,
		TxPowerLevel:     b.txPower,
		Connectable:      b.connectable,
	}
	if len(b.serviceData) > 0 {
		adv.ServiceData = make(map[string][]byte, len(b.serviceData))
		for uuid, data := range b.serviceData {
			adv.ServiceData[bledb.NormalizeUUID(uuid)] = data
		}
	}
	return adv
}

func intsToBytes(in []int) []byte {
	out := make([]byte, len(in))
	for i, v := range in {
		out[i] = byte(v)
	}
	return out
}
