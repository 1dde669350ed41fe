package goble

import (
	blelib "github.com/go-ble/ble"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/bledb"
)

// convertAdvertisement snapshots a go-ble advertisement into the adapter
// form with normalized UUIDs.
func convertAdvertisement(a blelib.Advertisement) adapter.Advertisement {
	adv := adapter.Advertisement{
		LocalName:        a.LocalName(),
		ManufacturerData: a.ManufacturerData(),
		Connectable:      a.Connectable(),
	}

	for _, u := range a.Services() {
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, bledb.NormalizeUUID(u.String()))
	}
	if sd := a.ServiceData(); len(sd) > 0 {
		adv.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			adv.ServiceData[bledb.NormalizeUUID(d.UUID.String())] = d.Data
		}
	}
	if tx := a.TxPowerLevel(); tx != 0 {
		level := tx
		adv.TxPowerLevel = &level
	}
	return adv
}

// convertProperties maps go-ble characteristic property bits onto the
// adapter bitmask. The bit values coincide, but mapping explicitly keeps
// the boundary honest.
func convertProperties(p blelib.Property) adapter.Properties {
	var out adapter.Properties
	for _, f := range []struct {
		in  blelib.Property
		out adapter.Properties
	}{
		{blelib.CharBroadcast, adapter.PropertyBroadcast},
		{blelib.CharRead, adapter.PropertyRead},
		{blelib.CharWriteNR, adapter.PropertyWriteWithoutResponse},
		{blelib.CharWrite, adapter.PropertyWrite},
		{blelib.CharNotify, adapter.PropertyNotify},
		{blelib.CharIndicate, adapter.PropertyIndicate},
	} {
		if p&f.in != 0 {
			out |= f.out
		}
	}
	return out
}

// parseUUIDs converts normalized UUID strings to go-ble UUIDs, skipping
// anything unparseable.
func parseUUIDs(uuids []string) []blelib.UUID {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]blelib.UUID, 0, len(uuids))
	for _, u := range uuids {
		parsed, err := blelib.Parse(u)
		if err != nil {
			continue
		}
		out = append(out, parsed)
	}
	return out
}

// service adapts a discovered go-ble service.
type service struct {
	uuid   string
	handle *blelib.Service
}

func (s *service) UUID() string { return s.uuid }

// characteristic adapts a discovered go-ble characteristic.
type characteristic struct {
	uuid    string
	svcUUID string
	props   adapter.Properties
	handle  *blelib.Characteristic
}

func (c *characteristic) UUID() string                   { return c.uuid }
func (c *characteristic) ServiceUUID() string            { return c.svcUUID }
func (c *characteristic) Properties() adapter.Properties { return c.props }

func newService(s *blelib.Service) *service {
	return &service{uuid: bledb.NormalizeUUID(s.UUID.String()), handle: s}
}

func newCharacteristic(svc *service, ch *blelib.Characteristic) *characteristic {
	return &characteristic{
		uuid:    bledb.NormalizeUUID(ch.UUID.String()),
		svcUUID: svc.uuid,
		props:   convertProperties(ch.Property),
		handle:  ch,
	}
}
