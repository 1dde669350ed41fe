package goble

import (
	"context"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/groutine"
)

// Central implements adapter.Central over a go-ble device. go-ble calls
// are synchronous, so each operation runs on its own goroutine and the
// outcome is funneled through a single dispatch goroutine that preserves
// event order.
type Central struct {
	log *logrus.Entry
	dev blelib.Device

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	delegate    adapter.CentralDelegate
	state       adapter.State
	scanCancel  context.CancelFunc
	scanFilter  map[string]bool
	peripherals map[string]*Peripheral
}

// New opens the platform transport via DeviceFactory. logger may be nil.
func New(logger *logrus.Logger) (*Central, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, errors.Wrap(err, "open BLE device")
	}
	blelib.SetDefaultDevice(dev)

	c := &Central{
		log:         logger.WithField("component", "goble"),
		dev:         dev,
		events:      make(chan func(), 256),
		done:        make(chan struct{}),
		state:       adapter.StatePoweredOn,
		peripherals: make(map[string]*Peripheral),
	}
	groutine.Go(nil, "goble/dispatch", func(_ context.Context) { c.dispatch() })
	return c, nil
}

// dispatch delivers delegate events one at a time, in order.
func (c *Central) dispatch() {
	for {
		select {
		case f := <-c.events:
			f()
		case <-c.done:
			return
		}
	}
}

// emit queues a central-delegate call on the dispatch goroutine.
func (c *Central) emit(f func(d adapter.CentralDelegate)) {
	c.mu.Lock()
	d := c.delegate
	c.mu.Unlock()
	if d == nil {
		return
	}
	select {
	case c.events <- func() { f(d) }:
	case <-c.done:
	}
}

// emitPeripheral queues a peripheral-delegate call on the same dispatch
// goroutine, keeping central and GATT events in one ordered stream.
func (c *Central) emitPeripheral(p *Peripheral, f func(d adapter.PeripheralDelegate)) {
	d := p.currentDelegate()
	if d == nil {
		return
	}
	select {
	case c.events <- func() { f(d) }:
	case <-c.done:
	}
}

// SetDelegate implements adapter.Central. The current state is reported
// immediately, as platform delegates do on installation.
func (c *Central) SetDelegate(d adapter.CentralDelegate) {
	c.mu.Lock()
	c.delegate = d
	state := c.state
	c.mu.Unlock()
	c.emit(func(d adapter.CentralDelegate) { d.CentralStateChanged(state) })
}

// State implements adapter.Central.
func (c *Central) State() adapter.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Scan implements adapter.Central. Service filtering happens in the
// advertisement handler since the transport delivers everything.
func (c *Central) Scan(serviceUUIDs []string, allowDuplicates bool) error {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.scanCancel != nil {
		c.scanCancel()
	}
	c.scanCancel = cancel
	c.scanFilter = nil
	if len(serviceUUIDs) > 0 {
		c.scanFilter = make(map[string]bool, len(serviceUUIDs))
		for _, u := range serviceUUIDs {
			c.scanFilter[u] = true
		}
	}
	c.mu.Unlock()

	groutine.Go(ctx, "goble/scan", func(ctx context.Context) {
		err := c.dev.Scan(ctx, allowDuplicates, c.handleAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.log.WithError(err).Error("scan terminated")
		}
	})
	return nil
}

// StopScan implements adapter.Central.
func (c *Central) StopScan() {
	c.mu.Lock()
	cancel := c.scanCancel
	c.scanCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleAdvertisement converts and forwards one advertising report.
func (c *Central) handleAdvertisement(a blelib.Advertisement) {
	adv := convertAdvertisement(a)

	c.mu.Lock()
	filter := c.scanFilter
	c.mu.Unlock()
	if len(filter) > 0 {
		match := false
		for _, u := range adv.ServiceUUIDs {
			if filter[u] {
				match = true
				break
			}
		}
		if !match {
			return
		}
	}

	p := c.peripheral(a.Addr())
	if adv.LocalName != "" {
		p.setName(adv.LocalName)
	}
	rssi := a.RSSI()
	c.emit(func(d adapter.CentralDelegate) { d.PeripheralDiscovered(p, adv, rssi) })
}

// peripheral returns the stable handle for an address, creating it on
// first sight.
func (c *Central) peripheral(addr blelib.Addr) *Peripheral {
	id := addr.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peripherals[id]; ok {
		return p
	}
	p := newPeripheral(c, addr)
	c.peripherals[id] = p
	return p
}

// Connect implements adapter.Central.
func (c *Central) Connect(ap adapter.Peripheral) {
	p, ok := ap.(*Peripheral)
	if !ok {
		c.log.Error("connect with foreign peripheral handle")
		return
	}
	p.dial()
}

// CancelConnect implements adapter.Central.
func (c *Central) CancelConnect(ap adapter.Peripheral) {
	p, ok := ap.(*Peripheral)
	if !ok {
		return
	}
	p.cancelOrDisconnect()
}

// Close stops scanning, drops every connection, and stops the dispatcher.
func (c *Central) Close() error {
	c.StopScan()

	c.mu.Lock()
	peripherals := make([]*Peripheral, 0, len(c.peripherals))
	for _, p := range c.peripherals {
		peripherals = append(peripherals, p)
	}
	c.mu.Unlock()
	for _, p := range peripherals {
		p.cancelOrDisconnect()
	}

	c.closeOnce.Do(func() { close(c.done) })
	return c.dev.Stop()
}
