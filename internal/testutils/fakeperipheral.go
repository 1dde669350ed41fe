package testutils

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scchn/smurfble/adapter"
)

// FakeService is an in-memory adapter.Service fixture.
type FakeService struct {
	ServiceUUID string
}

func (s *FakeService) UUID() string { return s.ServiceUUID }

// NewFakeService creates a service fixture with the given UUID.
func NewFakeService(uuid string) *FakeService {
	return &FakeService{ServiceUUID: uuid}
}

// FakeCharacteristic is an in-memory adapter.Characteristic fixture.
type FakeCharacteristic struct {
	CharUUID string
	SvcUUID  string
	Props    adapter.Properties
}

func (c *FakeCharacteristic) UUID() string                   { return c.CharUUID }
func (c *FakeCharacteristic) ServiceUUID() string            { return c.SvcUUID }
func (c *FakeCharacteristic) Properties() adapter.Properties { return c.Props }

// NewFakeCharacteristic creates a characteristic fixture under the given
// service UUID.
func NewFakeCharacteristic(svcUUID, charUUID string, props adapter.Properties) *FakeCharacteristic {
	return &FakeCharacteristic{CharUUID: charUUID, SvcUUID: svcUUID, Props: props}
}

// WriteCall records one WriteCharacteristic invocation.
type WriteCall struct {
	Char  adapter.Characteristic
	Value []byte
	Mode  adapter.WriteMode
}

// NotifyCall records one SetNotify invocation.
type NotifyCall struct {
	Char    adapter.Characteristic
	Enabled bool
}

// DiscoverCall records one DiscoverServices or DiscoverCharacteristics
// invocation.
type DiscoverCall struct {
	ServiceUUID string // empty for DiscoverServices
	UUIDs       []string
}

// FakePeripheral implements adapter.Peripheral for tests. Calls made by
// the code under test are recorded on buffered channels so tests can
// wait for them; Simulate methods invoke the installed delegate
// synchronously on the caller's goroutine, which therefore acts as the
// platform dispatch goroutine. Drive all Simulate calls from a single
// goroutine to honor the serial delivery contract.
type FakePeripheral struct {
	id string

	mu          sync.Mutex
	delegate    adapter.PeripheralDelegate
	name        string
	maxWriteLen map[adapter.WriteMode]int
	canSend     bool

	writes    chan WriteCall
	reads     chan adapter.Characteristic
	notifies  chan NotifyCall
	discovers chan DiscoverCall
}

// NewFakePeripheral creates a fake with a random ID, a 20-byte write
// limit in both modes, and without-response readiness on.
func NewFakePeripheral() *FakePeripheral {
	return &FakePeripheral{
		id:   uuid.NewString(),
		name: "fake-peripheral",
		maxWriteLen: map[adapter.WriteMode]int{
			adapter.WriteWithResponse:    20,
			adapter.WriteWithoutResponse: 20,
		},
		canSend:   true,
		writes:    make(chan WriteCall, 128),
		reads:     make(chan adapter.Characteristic, 16),
		notifies:  make(chan NotifyCall, 16),
		discovers: make(chan DiscoverCall, 16),
	}
}

// WithID overrides the generated peripheral ID.
func (p *FakePeripheral) WithID(id string) *FakePeripheral {
	p.id = id
	return p
}

// WithName overrides the peripheral name.
func (p *FakePeripheral) WithName(name string) *FakePeripheral {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
	return p
}

// WithMaxWriteLen sets the reported write limit for both modes.
func (p *FakePeripheral) WithMaxWriteLen(n int) *FakePeripheral {
	p.mu.Lock()
	p.maxWriteLen[adapter.WriteWithResponse] = n
	p.maxWriteLen[adapter.WriteWithoutResponse] = n
	p.mu.Unlock()
	return p
}

// SetCanSend flips the without-response readiness gate.
func (p *FakePeripheral) SetCanSend(ok bool) {
	p.mu.Lock()
	p.canSend = ok
	p.mu.Unlock()
}

// SetDelegate implements adapter.Peripheral.
func (p *FakePeripheral) SetDelegate(d adapter.PeripheralDelegate) {
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
}

// Delegate returns the currently installed delegate.
func (p *FakePeripheral) Delegate() adapter.PeripheralDelegate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delegate
}

// ID implements adapter.Peripheral.
func (p *FakePeripheral) ID() string { return p.id }

// Name implements adapter.Peripheral.
func (p *FakePeripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// DiscoverServices implements adapter.Peripheral.
func (p *FakePeripheral) DiscoverServices(uuids []string) {
	recordCall(p.discovers, DiscoverCall{UUIDs: uuids}, "DiscoverServices")
}

// DiscoverCharacteristics implements adapter.Peripheral.
func (p *FakePeripheral) DiscoverCharacteristics(svc adapter.Service, uuids []string) {
	recordCall(p.discovers, DiscoverCall{ServiceUUID: svc.UUID(), UUIDs: uuids}, "DiscoverCharacteristics")
}

// WriteCharacteristic implements adapter.Peripheral. The value is copied
// because callers may reuse the backing array.
func (p *FakePeripheral) WriteCharacteristic(ch adapter.Characteristic, value []byte, mode adapter.WriteMode) {
	buf := make([]byte, len(value))
	copy(buf, value)
	recordCall(p.writes, WriteCall{Char: ch, Value: buf, Mode: mode}, "WriteCharacteristic")
}

// ReadCharacteristic implements adapter.Peripheral.
func (p *FakePeripheral) ReadCharacteristic(ch adapter.Characteristic) {
	recordCall(p.reads, ch, "ReadCharacteristic")
}

// SetNotify implements adapter.Peripheral.
func (p *FakePeripheral) SetNotify(ch adapter.Characteristic, enabled bool) {
	recordCall(p.notifies, NotifyCall{Char: ch, Enabled: enabled}, "SetNotify")
}

// MaximumWriteLen implements adapter.Peripheral.
func (p *FakePeripheral) MaximumWriteLen(mode adapter.WriteMode) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxWriteLen[mode]
}

// CanSendWriteWithoutResponse implements adapter.Peripheral.
func (p *FakePeripheral) CanSendWriteWithoutResponse() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canSend
}

func recordCall[T any](ch chan T, v T, op string) {
	select {
	case ch <- v:
	default:
		panic(fmt.Sprintf("testutils: %s buffer full, test is not consuming recorded calls", op))
	}
}

// NextWrite waits for the next recorded write.
func (p *FakePeripheral) NextWrite(timeout time.Duration) (WriteCall, bool) {
	return next(p.writes, timeout)
}

// NextRead waits for the next recorded read request.
func (p *FakePeripheral) NextRead(timeout time.Duration) (adapter.Characteristic, bool) {
	return next(p.reads, timeout)
}

// NextNotify waits for the next recorded SetNotify request.
func (p *FakePeripheral) NextNotify(timeout time.Duration) (NotifyCall, bool) {
	return next(p.notifies, timeout)
}

// NextDiscover waits for the next recorded discovery request.
func (p *FakePeripheral) NextDiscover(timeout time.Duration) (DiscoverCall, bool) {
	return next(p.discovers, timeout)
}

// PendingWrites returns the number of recorded writes not yet consumed.
func (p *FakePeripheral) PendingWrites() int { return len(p.writes) }

func next[T any](ch chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// SimulateServicesDiscovered delivers a ServicesDiscovered event.
func (p *FakePeripheral) SimulateServicesDiscovered(svcs []adapter.Service, err error) {
	if d := p.Delegate(); d != nil {
		d.ServicesDiscovered(svcs, err)
	}
}

// SimulateCharacteristicsDiscovered delivers a CharacteristicsDiscovered
// event.
func (p *FakePeripheral) SimulateCharacteristicsDiscovered(svc adapter.Service, chars []adapter.Characteristic, err error) {
	if d := p.Delegate(); d != nil {
		d.CharacteristicsDiscovered(svc, chars, err)
	}
}

// SimulateWriteResponse delivers a CharacteristicWritten event.
func (p *FakePeripheral) SimulateWriteResponse(ch adapter.Characteristic, err error) {
	if d := p.Delegate(); d != nil {
		d.CharacteristicWritten(ch, err)
	}
}

// SimulateReady flips the readiness gate on and delivers
// ReadyToSendWriteWithoutResponse.
func (p *FakePeripheral) SimulateReady() {
	p.SetCanSend(true)
	if d := p.Delegate(); d != nil {
		d.ReadyToSendWriteWithoutResponse()
	}
}

// SimulateValue delivers a CharacteristicValueUpdated event.
func (p *FakePeripheral) SimulateValue(ch adapter.Characteristic, value []byte, err error) {
	if d := p.Delegate(); d != nil {
		d.CharacteristicValueUpdated(ch, value, err)
	}
}

// SimulateNotificationState delivers a NotificationStateUpdated event.
func (p *FakePeripheral) SimulateNotificationState(ch adapter.Characteristic, enabled bool, err error) {
	if d := p.Delegate(); d != nil {
		d.NotificationStateUpdated(ch, enabled, err)
	}
}

// SimulateInvalidation delivers a ServicesInvalidated event.
func (p *FakePeripheral) SimulateInvalidation(svcs []adapter.Service) {
	if d := p.Delegate(); d != nil {
		d.ServicesInvalidated(svcs)
	}
}
