package central

import (
	"github.com/sirupsen/logrus"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/bledb"
	"github.com/scchn/smurfble/peripheral"
)

// Profile names a set of services an application cares about. Scanning
// with profiles narrows platform discovery to peripherals advertising any
// of the profile services, and narrows each peripheral's later service
// discovery to the services its advertisement matched.
type Profile struct {
	Name         string   `yaml:"name"`
	ServiceUUIDs []string `yaml:"services"`
}

// FilterFunc decides whether a newly discovered peripheral enters the
// registry, given its advertisement and RSSI in dBm. nil accepts
// everything. Rejected peripherals are re-evaluated on their next
// advertisement.
type FilterFunc func(adv adapter.Advertisement, rssi int) bool

// MinRSSIFilter accepts peripherals at or above the given signal floor.
func MinRSSIFilter(floor int) FilterFunc {
	return func(_ adapter.Advertisement, rssi int) bool {
		return rssi >= floor
	}
}

// DiscoveryKind marks whether a peripheral was newly discovered or merely
// re-advertised.
type DiscoveryKind int

const (
	DiscoveryNew DiscoveryKind = iota
	DiscoveryUpdated
)

// String returns "new" or "updated".
func (k DiscoveryKind) String() string {
	if k == DiscoveryUpdated {
		return "updated"
	}
	return "new"
}

// DiscoveryEvent is one discovery report.
type DiscoveryEvent struct {
	Kind       DiscoveryKind
	Peripheral *peripheral.Peripheral
	RSSI       int
}

// ScanOptions configures a scan session.
type ScanOptions struct {
	// Profiles narrows discovery; empty scans for everything.
	Profiles []Profile

	// Filter is the admission predicate for unknown peripherals.
	Filter FilterFunc

	// AllowList, when non-empty, restricts admission to these peripheral
	// identifiers. BlockList rejects identifiers outright and wins over
	// AllowList.
	AllowList []string
	BlockList []string

	// AllowDuplicates requests repeated discovery events per peripheral,
	// which is what produces updated events.
	AllowDuplicates bool

	// OnDiscovery, when set, receives every discovery event in addition
	// to the observer. Must not block.
	OnDiscovery func(ev DiscoveryEvent)
}

// Scan starts a scan session. It reports false, without side effects, when
// the radio is not powered on; the caller may retry after the next state
// change. Starting a session tears the previous one down: the active scan
// stops, every pending connect resolves Canceled, connected peripherals
// are dropped, and the registry is cleared before the new session begins.
func (m *Manager) Scan(opts ScanOptions) bool {
	if m.radio.State() != adapter.StatePoweredOn {
		m.log.WithField("state", m.radio.State()).Warn("scan rejected: radio not powered on")
		return false
	}

	m.radio.StopScan()
	m.dropAll()

	m.mu.Lock()
	m.scanning = true
	m.scanOpts = opts
	m.mu.Unlock()

	serviceUUIDs := profileServiceUUIDs(opts.Profiles)
	if err := m.radio.Scan(serviceUUIDs, opts.AllowDuplicates); err != nil {
		m.log.WithError(err).Error("scan failed to start")
		m.mu.Lock()
		m.scanning = false
		m.mu.Unlock()
		return false
	}

	m.log.WithFields(logrus.Fields{
		"profiles":   len(opts.Profiles),
		"services":   serviceUUIDs,
		"duplicates": opts.AllowDuplicates,
	}).Info("scan started")
	return true
}

// StopScan stops the platform scan. The registry survives, so discovered
// peripherals stay connectable until the next Scan.
func (m *Manager) StopScan() {
	m.mu.Lock()
	wasScanning := m.scanning
	m.scanning = false
	m.mu.Unlock()

	m.radio.StopScan()
	if wasScanning {
		m.log.Info("scan stopped")
	}
}

// Scanning reports whether a scan session is active.
func (m *Manager) Scanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// PeripheralDiscovered implements adapter.CentralDelegate. Known
// peripherals get their advertisement merged and an updated event; unknown
// ones pass the admission filters, get a facade, and produce a new event.
func (m *Manager) PeripheralDiscovered(link adapter.Peripheral, adv adapter.Advertisement, rssi int) {
	m.mu.RLock()
	scanning := m.scanning
	opts := m.scanOpts
	m.mu.RUnlock()
	if !scanning {
		return
	}

	id := link.ID()
	ev := DiscoveryEvent{RSSI: rssi}

	if e, ok := m.registry.Get(id); ok {
		e.facade.UpdateAdvertisement(adv, rssi)
		ev.Kind = DiscoveryUpdated
		ev.Peripheral = e.facade
	} else {
		if !shouldAdmit(id, adv, rssi, &opts) {
			return
		}
		facade := peripheral.New(link, desiredServices(adv, opts.Profiles), m, m.logger)
		facade.UpdateAdvertisement(adv, rssi)
		e, loaded := m.registry.GetOrInsert(id, &entry{facade: facade, link: link})
		if loaded {
			// Lost a race with another discovery of the same peripheral.
			facade.Close()
			e.facade.UpdateAdvertisement(adv, rssi)
			ev.Kind = DiscoveryUpdated
			ev.Peripheral = e.facade
		} else {
			m.log.WithFields(logrus.Fields{
				"peripheral": id,
				"name":       facade.Name(),
				"rssi":       rssi,
			}).Info("discovered new peripheral")
			ev.Kind = DiscoveryNew
			ev.Peripheral = facade
		}
	}

	if opts.OnDiscovery != nil {
		opts.OnDiscovery(ev)
	}
	m.obs().PeripheralDiscovered(ev)
}

// shouldAdmit applies block/allow lists and the filter predicate.
func shouldAdmit(id string, adv adapter.Advertisement, rssi int, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if id == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if id == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	return opts.Filter == nil || opts.Filter(adv, rssi)
}

// profileServiceUUIDs returns the normalized union of every profile's
// services, in first-seen order.
func profileServiceUUIDs(profiles []Profile) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range profiles {
		for _, u := range p.ServiceUUIDs {
			n := bledb.NormalizeUUID(u)
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// desiredServices picks the profile services the advertisement actually
// names; an advertisement naming none of them keeps the full profile set,
// since service lists are often omitted from advertising data.
func desiredServices(adv adapter.Advertisement, profiles []Profile) []string {
	all := profileServiceUUIDs(profiles)
	if len(all) == 0 {
		return nil
	}
	var matched []string
	for _, u := range all {
		if adv.HasService(u) {
			matched = append(matched, u)
		}
	}
	if len(matched) == 0 {
		return all
	}
	return matched
}
