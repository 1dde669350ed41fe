package testutils

import (
	"sync"
	"time"

	"github.com/scchn/smurfble/adapter"
)

// ScanCall records one Scan invocation.
type ScanCall struct {
	ServiceUUIDs    []string
	AllowDuplicates bool
}

// FakeCentral implements adapter.Central for tests. Like FakePeripheral,
// recorded calls land on buffered channels and Simulate methods run the
// delegate synchronously on the caller's goroutine.
type FakeCentral struct {
	mu       sync.Mutex
	delegate adapter.CentralDelegate
	state    adapter.State
	scanning bool
	scanErr  error

	scans    chan ScanCall
	stops    chan struct{}
	connects chan adapter.Peripheral
	cancels  chan adapter.Peripheral
}

// NewFakeCentral creates a fake radio in the powered-on state.
func NewFakeCentral() *FakeCentral {
	return &FakeCentral{
		state:    adapter.StatePoweredOn,
		scans:    make(chan ScanCall, 16),
		stops:    make(chan struct{}, 16),
		connects: make(chan adapter.Peripheral, 16),
		cancels:  make(chan adapter.Peripheral, 16),
	}
}

// WithState overrides the initial radio state.
func (c *FakeCentral) WithState(s adapter.State) *FakeCentral {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	return c
}

// FailScans makes subsequent Scan calls return err.
func (c *FakeCentral) FailScans(err error) {
	c.mu.Lock()
	c.scanErr = err
	c.mu.Unlock()
}

// SetDelegate implements adapter.Central. The current state is reported
// immediately, matching platform behavior on delegate installation.
func (c *FakeCentral) SetDelegate(d adapter.CentralDelegate) {
	c.mu.Lock()
	c.delegate = d
	state := c.state
	c.mu.Unlock()
	if d != nil {
		d.CentralStateChanged(state)
	}
}

func (c *FakeCentral) currentDelegate() adapter.CentralDelegate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate
}

// State implements adapter.Central.
func (c *FakeCentral) State() adapter.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Scan implements adapter.Central.
func (c *FakeCentral) Scan(serviceUUIDs []string, allowDuplicates bool) error {
	c.mu.Lock()
	err := c.scanErr
	if err == nil {
		c.scanning = true
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	recordCall(c.scans, ScanCall{ServiceUUIDs: serviceUUIDs, AllowDuplicates: allowDuplicates}, "Scan")
	return nil
}

// StopScan implements adapter.Central.
func (c *FakeCentral) StopScan() {
	c.mu.Lock()
	c.scanning = false
	c.mu.Unlock()
	recordCall(c.stops, struct{}{}, "StopScan")
}

// Scanning reports whether a scan was started and not stopped.
func (c *FakeCentral) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// Connect implements adapter.Central.
func (c *FakeCentral) Connect(p adapter.Peripheral) {
	recordCall(c.connects, p, "Connect")
}

// CancelConnect implements adapter.Central.
func (c *FakeCentral) CancelConnect(p adapter.Peripheral) {
	recordCall(c.cancels, p, "CancelConnect")
}

// NextScan waits for the next recorded Scan call.
func (c *FakeCentral) NextScan(timeout time.Duration) (ScanCall, bool) {
	return next(c.scans, timeout)
}

// NextConnect waits for the next recorded Connect call.
func (c *FakeCentral) NextConnect(timeout time.Duration) (adapter.Peripheral, bool) {
	return next(c.connects, timeout)
}

// NextCancel waits for the next recorded CancelConnect call.
func (c *FakeCentral) NextCancel(timeout time.Duration) (adapter.Peripheral, bool) {
	return next(c.cancels, timeout)
}

// PendingConnects returns the number of recorded Connect calls not yet
// consumed.
func (c *FakeCentral) PendingConnects() int { return len(c.connects) }

// PendingCancels returns the number of recorded CancelConnect calls not
// yet consumed.
func (c *FakeCentral) PendingCancels() int { return len(c.cancels) }

// SimulateStateChange sets the radio state and delivers
// CentralStateChanged.
func (c *FakeCentral) SimulateStateChange(s adapter.State) {
	c.mu.Lock()
	c.state = s
	d := c.delegate
	c.mu.Unlock()
	if d != nil {
		d.CentralStateChanged(s)
	}
}

// SimulateDiscovery delivers a PeripheralDiscovered event.
func (c *FakeCentral) SimulateDiscovery(p adapter.Peripheral, adv adapter.Advertisement, rssi int) {
	if d := c.currentDelegate(); d != nil {
		d.PeripheralDiscovered(p, adv, rssi)
	}
}

// SimulateConnect delivers a PeripheralConnected event.
func (c *FakeCentral) SimulateConnect(p adapter.Peripheral) {
	if d := c.currentDelegate(); d != nil {
		d.PeripheralConnected(p)
	}
}

// SimulateConnectFailure delivers a PeripheralConnectFailed event.
func (c *FakeCentral) SimulateConnectFailure(p adapter.Peripheral, err error) {
	if d := c.currentDelegate(); d != nil {
		d.PeripheralConnectFailed(p, err)
	}
}

// SimulateDisconnect delivers a PeripheralDisconnected event.
func (c *FakeCentral) SimulateDisconnect(p adapter.Peripheral, err error) {
	if d := c.currentDelegate(); d != nil {
		d.PeripheralDisconnected(p, err)
	}
}
