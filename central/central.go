// Package central provides the client-side central manager: advertising
// discovery with filtering and deduplication, a peripheral registry, and
// the connection lifecycle (pending attempts, timeouts, cancellation).
//
// One Manager owns one platform radio. Peripherals are created by
// discovery and live in the registry until the next scan replaces them.
package central

import (
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/peripheral"
)

// Observer receives everything the manager and its peripherals report.
// Methods are invoked from engine goroutines and must not block. Embed
// NopObserver and override the events of interest.
type Observer interface {
	// CentralStateChanged reports platform radio state transitions.
	CentralStateChanged(s adapter.State)

	// PeripheralDiscovered reports a new or updated discovery while
	// scanning.
	PeripheralDiscovered(ev DiscoveryEvent)

	// PeripheralDisconnected reports the end of an established
	// connection. err is nil for requested disconnects.
	PeripheralDisconnected(p *peripheral.Peripheral, err error)

	// ServicesDiscovered reports the outcome of service discovery.
	ServicesDiscovered(p *peripheral.Peripheral, svcs []*peripheral.Service, err error)

	// CharacteristicsDiscovered reports the outcome of characteristic
	// discovery for one service.
	CharacteristicsDiscovered(p *peripheral.Peripheral, svc *peripheral.Service, chars []*peripheral.Characteristic, err error)

	// ServicesInvalidated reports services dropped by the remote.
	ServicesInvalidated(p *peripheral.Peripheral, serviceUUIDs []string)

	// ValueUpdated delivers a read result or notification.
	ValueUpdated(p *peripheral.Peripheral, ch *peripheral.Characteristic, value []byte, err error)

	// NotifyStateUpdated reports the outcome of SetNotify.
	NotifyStateUpdated(p *peripheral.Peripheral, ch *peripheral.Characteristic, enabled bool, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) CentralStateChanged(adapter.State)                       {}
func (NopObserver) PeripheralDiscovered(DiscoveryEvent)                     {}
func (NopObserver) PeripheralDisconnected(*peripheral.Peripheral, error)    {}
func (NopObserver) ServicesDiscovered(*peripheral.Peripheral, []*peripheral.Service, error) {
}
func (NopObserver) CharacteristicsDiscovered(*peripheral.Peripheral, *peripheral.Service, []*peripheral.Characteristic, error) {
}
func (NopObserver) ServicesInvalidated(*peripheral.Peripheral, []string)                 {}
func (NopObserver) ValueUpdated(*peripheral.Peripheral, *peripheral.Characteristic, []byte, error) {
}
func (NopObserver) NotifyStateUpdated(*peripheral.Peripheral, *peripheral.Characteristic, bool, error) {
}

// entry pairs a facade with the platform handle the manager needs for
// connect and cancel calls.
type entry struct {
	facade *peripheral.Peripheral
	link   adapter.Peripheral
}

// Manager is the central-side engine. Safe for concurrent use.
type Manager struct {
	radio  adapter.Central
	logger *logrus.Logger
	log    *logrus.Entry

	registry *hashmap.Map[string, *entry]

	mu       sync.RWMutex
	observer Observer
	scanning bool
	scanOpts ScanOptions
	pending  map[string]*connectAttempt
}

// NewManager wraps a platform radio. logger may be nil.
func NewManager(radio adapter.Central, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		radio:    radio,
		logger:   logger,
		log:      logger.WithField("component", "central"),
		registry: hashmap.New[string, *entry](),
		observer: NopObserver{},
		pending:  make(map[string]*connectAttempt),
	}
	radio.SetDelegate(m)
	return m
}

// SetObserver installs the event receiver. nil restores the no-op
// observer.
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

func (m *Manager) obs() Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.observer
}

// State returns the current radio state.
func (m *Manager) State() adapter.State {
	return m.radio.State()
}

// Peripheral returns a tracked peripheral by platform identifier.
func (m *Manager) Peripheral(id string) (*peripheral.Peripheral, bool) {
	e, ok := m.registry.Get(id)
	if !ok {
		return nil, false
	}
	return e.facade, true
}

// Peripherals returns a snapshot of every tracked peripheral.
func (m *Manager) Peripherals() []*peripheral.Peripheral {
	out := make([]*peripheral.Peripheral, 0, m.registry.Len())
	m.registry.Range(func(_ string, e *entry) bool {
		out = append(out, e.facade)
		return true
	})
	return out
}

// Connect starts a connection attempt. A timeout of zero waits for the
// platform indefinitely. The completion receives exactly one terminal
// outcome, asynchronously: nil, or a *ConnectError. A connect while an
// attempt is already pending for the same peripheral supersedes it: the
// old attempt resolves Canceled first.
func (m *Manager) Connect(p *peripheral.Peripheral, timeout time.Duration, completion func(error)) {
	if completion == nil {
		completion = func(error) {}
	}
	if m.radio.State() != adapter.StatePoweredOn {
		m.log.Warn("connect with radio not powered on")
		go completion(ErrInvalidState)
		return
	}
	e, ok := m.registry.Get(p.ID())
	if !ok {
		m.log.WithField("peripheral", p.ID()).Warn("connect for untracked peripheral")
		go completion(&ConnectError{Failure: InvalidState, Msg: "peripheral not tracked"})
		return
	}

	att := &connectAttempt{link: e.link, complete: completion}

	m.mu.Lock()
	prior := m.pending[p.ID()]
	m.pending[p.ID()] = att
	if timeout > 0 {
		att.timer = time.AfterFunc(timeout, func() { m.connectTimedOut(p.ID(), att) })
	}
	m.mu.Unlock()

	if prior != nil {
		prior.stopTimer()
		m.log.WithField("peripheral", p.ID()).Debug("superseding pending connect")
		go prior.complete(ErrConnectionCanceled)
	}

	m.log.WithFields(logrus.Fields{
		"peripheral": p.ID(),
		"timeout":    timeout,
	}).Info("connecting")
	m.radio.Connect(e.link)
}

// CancelConnection cancels a pending attempt (it resolves Canceled) or
// drops an established connection (the disconnect arrives through the
// observer). With neither in place it is a no-op.
func (m *Manager) CancelConnection(p *peripheral.Peripheral) {
	id := p.ID()
	if att := m.takeAttempt(id, nil); att != nil {
		m.log.WithField("peripheral", id).Info("connect canceled")
		m.radio.CancelConnect(att.link)
		go att.complete(ErrConnectionCanceled)
		return
	}

	e, ok := m.registry.Get(id)
	if !ok {
		return
	}
	if e.facade.Connected() {
		m.log.WithField("peripheral", id).Info("disconnecting")
		m.radio.CancelConnect(e.link)
	}
}

// Close stops scanning, cancels every pending attempt and established
// connection, and releases every facade.
func (m *Manager) Close() {
	m.StopScan()
	m.dropAll()
}

// dropAll cancels all pending attempts, disconnects connected peripherals,
// and closes and forgets every facade.
func (m *Manager) dropAll() {
	m.mu.Lock()
	attempts := m.pending
	m.pending = make(map[string]*connectAttempt)
	m.mu.Unlock()

	for _, att := range attempts {
		att.stopTimer()
		m.radio.CancelConnect(att.link)
		go att.complete(ErrConnectionCanceled)
	}

	var dropped []*entry
	m.registry.Range(func(id string, e *entry) bool {
		dropped = append(dropped, e)
		m.registry.Del(id)
		return true
	})
	for _, e := range dropped {
		if e.facade.Connected() {
			m.radio.CancelConnect(e.link)
			e.facade.ConnectionDown(nil)
		}
		e.facade.Close()
	}
}

// ServicesDiscovered implements peripheral.Events.
func (m *Manager) ServicesDiscovered(p *peripheral.Peripheral, svcs []*peripheral.Service, err error) {
	m.obs().ServicesDiscovered(p, svcs, err)
}

// CharacteristicsDiscovered implements peripheral.Events.
func (m *Manager) CharacteristicsDiscovered(p *peripheral.Peripheral, svc *peripheral.Service, chars []*peripheral.Characteristic, err error) {
	m.obs().CharacteristicsDiscovered(p, svc, chars, err)
}

// ServicesInvalidated implements peripheral.Events.
func (m *Manager) ServicesInvalidated(p *peripheral.Peripheral, serviceUUIDs []string) {
	m.obs().ServicesInvalidated(p, serviceUUIDs)
}

// ValueUpdated implements peripheral.Events.
func (m *Manager) ValueUpdated(p *peripheral.Peripheral, ch *peripheral.Characteristic, value []byte, err error) {
	m.obs().ValueUpdated(p, ch, value, err)
}

// NotifyStateUpdated implements peripheral.Events.
func (m *Manager) NotifyStateUpdated(p *peripheral.Peripheral, ch *peripheral.Characteristic, enabled bool, err error) {
	m.obs().NotifyStateUpdated(p, ch, enabled, err)
}
