// Package adapter defines the boundary between the client engine and the
// platform BLE stack. The engine issues radio operations through the Central
// and Peripheral interfaces and receives their results through delegate
// interfaces, mirroring the event-driven shape of platform BLE APIs.
//
// Implementations must deliver all delegate events serially from a single
// dispatch goroutine, in platform order. Interface methods are safe to call
// from any goroutine and must not block on delegate delivery.
package adapter

// State represents the power/authorization state of the platform radio.
type State int

const (
	StateUnknown State = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// WriteMode selects the ATT write procedure for a characteristic write.
type WriteMode int

const (
	// WriteWithResponse is an ATT Write Request: every fragment is
	// acknowledged by the remote before the next may be sent.
	WriteWithResponse WriteMode = iota

	// WriteWithoutResponse is an ATT Write Command: fragments are sent
	// unacknowledged, gated only by local buffer readiness.
	WriteWithoutResponse
)

// String returns a human-readable mode name.
func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "without_response"
	}
	return "with_response"
}

// Service is a discovered GATT service on a remote peripheral.
// UUIDs are exchanged in normalized form (lowercase, no dashes, 16-bit
// short form for Bluetooth SIG base UUIDs).
type Service interface {
	// UUID returns the normalized service UUID.
	UUID() string
}

// Characteristic is a discovered GATT characteristic on a remote peripheral.
type Characteristic interface {
	// UUID returns the normalized characteristic UUID.
	UUID() string

	// ServiceUUID returns the normalized UUID of the owning service.
	ServiceUUID() string

	// Properties returns the characteristic's capability bitmask.
	Properties() Properties
}

// Central is the platform scanner/connector. Connect and CancelConnect are
// asynchronous; their outcomes arrive through the CentralDelegate.
type Central interface {
	// SetDelegate installs the receiver for central-level events. Must be
	// called before Scan or Connect.
	SetDelegate(d CentralDelegate)

	// State returns the current radio state.
	State() State

	// Scan starts advertising discovery. serviceUUIDs narrows the scan to
	// peripherals advertising any of the given services; empty scans for
	// everything. allowDuplicates requests repeated discovery events for
	// the same peripheral.
	Scan(serviceUUIDs []string, allowDuplicates bool) error

	// StopScan stops an active scan. Safe to call when idle.
	StopScan()

	// Connect initiates a connection. The attempt stays pending until a
	// PeripheralConnected, PeripheralConnectFailed, or CancelConnect.
	// The platform imposes no timeout of its own.
	Connect(p Peripheral)

	// CancelConnect aborts a pending connection attempt or drops an
	// established connection. An established connection produces a
	// PeripheralDisconnected event.
	CancelConnect(p Peripheral)
}

// CentralDelegate receives central-level platform events.
type CentralDelegate interface {
	// CentralStateChanged reports radio state transitions. Delivered once
	// on delegate installation with the current state.
	CentralStateChanged(s State)

	// PeripheralDiscovered reports an advertisement from a peripheral
	// while scanning. rssi is in dBm.
	PeripheralDiscovered(p Peripheral, adv Advertisement, rssi int)

	// PeripheralConnected reports a successful connection.
	PeripheralConnected(p Peripheral)

	// PeripheralConnectFailed reports a failed connection attempt. err may
	// be nil when the platform gives no reason.
	PeripheralConnectFailed(p Peripheral, err error)

	// PeripheralDisconnected reports the end of an established connection.
	// err is nil for clean, requested disconnects.
	PeripheralDisconnected(p Peripheral, err error)
}

// Peripheral is the platform handle for a single remote device. GATT
// operations are asynchronous; their outcomes arrive through the
// PeripheralDelegate.
type Peripheral interface {
	// SetDelegate installs the receiver for this peripheral's events.
	SetDelegate(d PeripheralDelegate)

	// ID returns the platform identifier (stable per peripheral for the
	// life of the process).
	ID() string

	// Name returns the peripheral name known to the platform, or "".
	Name() string

	// DiscoverServices requests service discovery. uuids narrows discovery
	// to the given services; empty discovers everything.
	DiscoverServices(uuids []string)

	// DiscoverCharacteristics requests characteristic discovery for one
	// discovered service. uuids narrows as for DiscoverServices.
	DiscoverCharacteristics(svc Service, uuids []string)

	// WriteCharacteristic issues a single ATT write of value. Completion
	// of a WriteWithResponse arrives via CharacteristicWritten; a
	// WriteWithoutResponse produces no event.
	WriteCharacteristic(ch Characteristic, value []byte, mode WriteMode)

	// ReadCharacteristic requests a read; the value arrives via
	// CharacteristicValueUpdated.
	ReadCharacteristic(ch Characteristic)

	// SetNotify enables or disables value notifications; the outcome
	// arrives via NotificationStateUpdated.
	SetNotify(ch Characteristic, enabled bool)

	// MaximumWriteLen returns the largest value the platform accepts in a
	// single write for the given mode, derived from the negotiated MTU.
	// Zero or negative means the platform cannot say.
	MaximumWriteLen(mode WriteMode) int

	// CanSendWriteWithoutResponse reports whether the platform is ready to
	// accept another unacknowledged write. A false result is followed by a
	// ReadyToSendWriteWithoutResponse event once buffers drain. Cheap; may
	// be polled from any goroutine.
	CanSendWriteWithoutResponse() bool
}

// PeripheralDelegate receives GATT-level platform events for one peripheral.
type PeripheralDelegate interface {
	// ServicesDiscovered reports the result of DiscoverServices. svcs is
	// nil when err is non-nil.
	ServicesDiscovered(svcs []Service, err error)

	// CharacteristicsDiscovered reports the result of
	// DiscoverCharacteristics for one service.
	CharacteristicsDiscovered(svc Service, chars []Characteristic, err error)

	// CharacteristicWritten acknowledges the most recent WriteWithResponse
	// on this peripheral. err is nil on success.
	CharacteristicWritten(ch Characteristic, err error)

	// ReadyToSendWriteWithoutResponse signals that buffer space is
	// available again after CanSendWriteWithoutResponse returned false.
	ReadyToSendWriteWithoutResponse()

	// CharacteristicValueUpdated delivers a read result or an incoming
	// notification.
	CharacteristicValueUpdated(ch Characteristic, value []byte, err error)

	// NotificationStateUpdated reports the outcome of SetNotify.
	NotificationStateUpdated(ch Characteristic, enabled bool, err error)

	// ServicesInvalidated reports that the remote changed its GATT table;
	// the named services and their characteristics are no longer valid.
	ServicesInvalidated(svcs []Service)
}
