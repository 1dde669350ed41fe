// Package peripheral provides the client-side view of one remote BLE
// device: its discovered GATT table, value reads and notifications, and a
// serialized chunked write engine with one FIFO per write mode.
//
// All GATT traffic toward the platform goes through the Peripheral facade;
// nothing else touches the platform handle once the facade owns it.
package peripheral

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/bledb"
)

// ErrNotConnected is returned by operations that require an established
// connection.
var ErrNotConnected = errors.New("peripheral not connected")

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Name            string // well-known name, "" when unknown
	Characteristics []*Characteristic

	handle adapter.Service
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID        string
	ServiceUUID string
	Name        string // well-known name, "" when unknown
	Properties  adapter.Properties

	handle adapter.Characteristic
}

// Events receives facade-level outcomes. The central manager implements it
// and forwards to the application observer. Methods are invoked from the
// platform event goroutine and must not block.
type Events interface {
	ServicesDiscovered(p *Peripheral, svcs []*Service, err error)
	CharacteristicsDiscovered(p *Peripheral, svc *Service, chars []*Characteristic, err error)
	ServicesInvalidated(p *Peripheral, serviceUUIDs []string)
	ValueUpdated(p *Peripheral, ch *Characteristic, value []byte, err error)
	NotifyStateUpdated(p *Peripheral, ch *Characteristic, enabled bool, err error)
}

// NopEvents is an Events implementation that ignores everything. Embed it
// to override only the events of interest.
type NopEvents struct{}

func (NopEvents) ServicesDiscovered(*Peripheral, []*Service, error)                          {}
func (NopEvents) CharacteristicsDiscovered(*Peripheral, *Service, []*Characteristic, error) {}
func (NopEvents) ServicesInvalidated(*Peripheral, []string)                                 {}
func (NopEvents) ValueUpdated(*Peripheral, *Characteristic, []byte, error)                  {}
func (NopEvents) NotifyStateUpdated(*Peripheral, *Characteristic, bool, error)              {}

// WriteOptions tunes a single write.
type WriteOptions struct {
	// ChunkSize caps the bytes per platform write. Zero means use the
	// platform maximum for the mode.
	ChunkSize int
}

// Peripheral is the facade for one remote device. Safe for concurrent use.
type Peripheral struct {
	link   adapter.Peripheral
	events Events
	log    *logrus.Entry

	mu        sync.RWMutex
	connected bool
	name      string
	adv       adapter.Advertisement
	rssi      int
	desired   []string // service UUIDs selected at discovery time
	services  map[string]*Service
	svcList   []*Service

	withRsp *writeQueue
	noRsp   *writeQueue
}

// New wraps a platform handle. desired narrows service discovery; empty
// discovers everything. events may be nil.
func New(link adapter.Peripheral, desired []string, events Events, logger *logrus.Logger) *Peripheral {
	if events == nil {
		events = NopEvents{}
	}
	log := logger.WithFields(logrus.Fields{
		"component":  "peripheral",
		"peripheral": link.ID(),
	})
	p := &Peripheral{
		link:     link,
		events:   events,
		log:      log,
		desired:  bledb.NormalizeUUIDs(desired),
		services: make(map[string]*Service),
	}
	p.withRsp = newWriteQueue(link, adapter.WriteWithResponse, log)
	p.noRsp = newWriteQueue(link, adapter.WriteWithoutResponse, log)
	link.SetDelegate(p)
	return p
}

// ID returns the platform identifier.
func (p *Peripheral) ID() string { return p.link.ID() }

// Name returns the advertised name, falling back to the platform name.
func (p *Peripheral) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.name != "" {
		return p.name
	}
	return p.link.Name()
}

// Connected reports whether the connection is established.
func (p *Peripheral) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Advertisement returns the merged advertisement snapshot.
func (p *Peripheral) Advertisement() adapter.Advertisement {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.adv
}

// RSSI returns the most recent signal strength in dBm.
func (p *Peripheral) RSSI() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rssi
}

// DesiredServices returns the service UUIDs discovery is narrowed to.
func (p *Peripheral) DesiredServices() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.desired...)
}

// Services returns the discovered services in discovery order.
func (p *Peripheral) Services() []*Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Service(nil), p.svcList...)
}

// Service returns a discovered service by UUID in any common spelling.
func (p *Peripheral) Service(uuid string) (*Service, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.services[bledb.NormalizeUUID(uuid)]
	return s, ok
}

// Characteristic resolves a characteristic by service and characteristic
// UUID in any common spelling.
func (p *Peripheral) Characteristic(serviceUUID, charUUID string) (*Characteristic, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.services[bledb.NormalizeUUID(serviceUUID)]
	if !ok {
		return nil, false
	}
	want := bledb.NormalizeUUID(charUUID)
	for _, c := range s.Characteristics {
		if c.UUID == want {
			return c, true
		}
	}
	return nil, false
}

// MaximumWriteLen returns the platform write ceiling for the mode.
func (p *Peripheral) MaximumWriteLen(mode adapter.WriteMode) int {
	return p.link.MaximumWriteLen(mode)
}

// WriteWithResponse enqueues an acknowledged chunked write. The completion
// receives exactly one terminal outcome, asynchronously; validation
// failures arrive the same way, with an inert CancelFunc returned.
func (p *Peripheral) WriteWithResponse(ch *Characteristic, value []byte, opts *WriteOptions, completion CompletionFunc) CancelFunc {
	return p.write(ch, value, opts, adapter.WriteWithResponse, completion)
}

// WriteWithoutResponse enqueues an unacknowledged chunked write. Chunks are
// streamed while the platform reports readiness; the completion fires when
// the final chunk is handed to the platform.
func (p *Peripheral) WriteWithoutResponse(ch *Characteristic, value []byte, opts *WriteOptions, completion CompletionFunc) CancelFunc {
	return p.write(ch, value, opts, adapter.WriteWithoutResponse, completion)
}

// write validates in a fixed order; the first failure is reported through
// the completion without touching the queue.
func (p *Peripheral) write(ch *Characteristic, value []byte, opts *WriteOptions, mode adapter.WriteMode, completion CompletionFunc) CancelFunc {
	p.mu.RLock()
	known := ch != nil && p.services[ch.ServiceUUID] != nil
	p.mu.RUnlock()

	if !known {
		return p.rejectWrite(completion, ErrInvalidService)
	}
	if !ch.Properties.SupportsWrite(mode) {
		return p.rejectWrite(completion, ErrUnsupportedWriteType)
	}
	if len(value) == 0 {
		return p.rejectWrite(completion, ErrEmptyWriteValue)
	}
	chunkSize := 0
	if opts != nil {
		chunkSize = opts.ChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = p.link.MaximumWriteLen(mode)
	}
	if chunkSize <= 0 {
		return p.rejectWrite(completion, ErrInvalidChunkSize)
	}

	w := newWriteContext(ch, mode, value, chunkSize, completion)
	return p.queue(mode).enqueue(w)
}

// rejectWrite reports a validation failure asynchronously and returns an
// inert cancel handle.
func (p *Peripheral) rejectWrite(completion CompletionFunc, werr *WriteError) CancelFunc {
	p.log.WithField("err", werr).Debug("write rejected")
	if completion != nil {
		go completion(werr)
	}
	return func() {}
}

func (p *Peripheral) queue(mode adapter.WriteMode) *writeQueue {
	if mode == adapter.WriteWithoutResponse {
		return p.noRsp
	}
	return p.withRsp
}

// ReadValue requests a read; the value arrives through the observer.
func (p *Peripheral) ReadValue(ch *Characteristic) error {
	handle, err := p.checkCharacteristic(ch)
	if err != nil {
		return err
	}
	p.link.ReadCharacteristic(handle)
	return nil
}

// SetNotify enables or disables notifications; the outcome arrives through
// the observer.
func (p *Peripheral) SetNotify(ch *Characteristic, enabled bool) error {
	handle, err := p.checkCharacteristic(ch)
	if err != nil {
		return err
	}
	p.link.SetNotify(handle, enabled)
	return nil
}

func (p *Peripheral) checkCharacteristic(ch *Characteristic) (adapter.Characteristic, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	if ch == nil || p.services[ch.ServiceUUID] == nil {
		return nil, ErrInvalidService
	}
	return ch.handle, nil
}

// DiscoverServices re-runs service discovery, narrowed to the desired set.
func (p *Peripheral) DiscoverServices() error {
	p.mu.RLock()
	connected := p.connected
	desired := p.desired
	p.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	p.link.DiscoverServices(desired)
	return nil
}

// ConnectionUp is called by the central manager once the platform reports
// the connection established. It re-arms the write queues and starts
// service discovery.
func (p *Peripheral) ConnectionUp() {
	p.mu.Lock()
	p.connected = true
	desired := p.desired
	p.mu.Unlock()

	p.withRsp.online()
	p.noRsp.online()
	p.log.Debug("connection up, discovering services")
	p.link.DiscoverServices(desired)
}

// ConnectionDown is called by the central manager when the connection
// ends. The GATT table is dropped and both queues flush their contexts
// with Disconnected, in enqueue order.
func (p *Peripheral) ConnectionDown(cause error) {
	p.mu.Lock()
	p.connected = false
	p.services = make(map[string]*Service)
	p.svcList = nil
	p.mu.Unlock()

	p.withRsp.teardown(cause)
	p.noRsp.teardown(cause)
	p.log.WithField("cause", cause).Debug("connection down")
}

// Close stops the write queue goroutines after flushing queued writes.
// The facade is not usable afterwards.
func (p *Peripheral) Close() {
	p.withRsp.close()
	p.noRsp.close()
}

// UpdateAdvertisement folds a newer advertising report into the snapshot.
// Called by the central manager on discovery events.
func (p *Peripheral) UpdateAdvertisement(adv adapter.Advertisement, rssi int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adv.Merge(adv)
	p.rssi = rssi
	if adv.LocalName != "" {
		p.name = adv.LocalName
	}
}

// ServicesDiscovered implements adapter.PeripheralDelegate.
func (p *Peripheral) ServicesDiscovered(svcs []adapter.Service, err error) {
	if err != nil {
		p.log.WithError(err).Warn("service discovery failed")
		p.events.ServicesDiscovered(p, nil, err)
		return
	}

	list := make([]*Service, 0, len(svcs))
	table := make(map[string]*Service, len(svcs))
	for _, h := range svcs {
		uuid := bledb.NormalizeUUID(h.UUID())
		s := &Service{
			UUID:   uuid,
			Name:   bledb.LookupService(uuid),
			handle: h,
		}
		list = append(list, s)
		table[uuid] = s
	}

	p.mu.Lock()
	p.services = table
	p.svcList = list
	p.mu.Unlock()

	p.log.WithField("count", len(list)).Debug("services discovered")
	p.events.ServicesDiscovered(p, list, nil)

	for _, s := range list {
		p.link.DiscoverCharacteristics(s.handle, nil)
	}
}

// CharacteristicsDiscovered implements adapter.PeripheralDelegate.
func (p *Peripheral) CharacteristicsDiscovered(svc adapter.Service, chars []adapter.Characteristic, err error) {
	uuid := bledb.NormalizeUUID(svc.UUID())
	p.mu.Lock()
	s := p.services[uuid]
	if s == nil {
		p.mu.Unlock()
		p.log.WithField("service", uuid).Warn("characteristics for unknown service")
		return
	}
	if err == nil {
		s.Characteristics = make([]*Characteristic, 0, len(chars))
		for _, h := range chars {
			cu := bledb.NormalizeUUID(h.UUID())
			s.Characteristics = append(s.Characteristics, &Characteristic{
				UUID:        cu,
				ServiceUUID: uuid,
				Name:        bledb.LookupCharacteristic(cu),
				Properties:  h.Properties(),
				handle:      h,
			})
		}
	}
	discovered := s.Characteristics
	p.mu.Unlock()

	if err != nil {
		p.log.WithError(err).WithField("service", uuid).Warn("characteristic discovery failed")
		p.events.CharacteristicsDiscovered(p, s, nil, err)
		return
	}
	p.events.CharacteristicsDiscovered(p, s, discovered, nil)
}

// CharacteristicWritten implements adapter.PeripheralDelegate.
func (p *Peripheral) CharacteristicWritten(_ adapter.Characteristic, err error) {
	p.withRsp.ack(err)
}

// ReadyToSendWriteWithoutResponse implements adapter.PeripheralDelegate.
func (p *Peripheral) ReadyToSendWriteWithoutResponse() {
	p.noRsp.signalReady()
}

// CharacteristicValueUpdated implements adapter.PeripheralDelegate.
func (p *Peripheral) CharacteristicValueUpdated(ch adapter.Characteristic, value []byte, err error) {
	c, ok := p.resolve(ch)
	if !ok {
		p.log.WithField("char", ch.UUID()).Debug("value update for unknown characteristic")
		return
	}
	p.events.ValueUpdated(p, c, value, err)
}

// NotificationStateUpdated implements adapter.PeripheralDelegate.
func (p *Peripheral) NotificationStateUpdated(ch adapter.Characteristic, enabled bool, err error) {
	c, ok := p.resolve(ch)
	if !ok {
		p.log.WithField("char", ch.UUID()).Debug("notify state for unknown characteristic")
		return
	}
	p.events.NotifyStateUpdated(p, c, enabled, err)
}

// ServicesInvalidated implements adapter.PeripheralDelegate. The named
// services leave the GATT table first so no new write can validate against
// them, then both queues drop their pending contexts, then the observer is
// told.
func (p *Peripheral) ServicesInvalidated(svcs []adapter.Service) {
	uuids := make([]string, 0, len(svcs))
	for _, s := range svcs {
		uuids = append(uuids, bledb.NormalizeUUID(s.UUID()))
	}

	p.mu.Lock()
	for _, u := range uuids {
		if p.services[u] == nil {
			continue
		}
		delete(p.services, u)
		for i, s := range p.svcList {
			if s.UUID == u {
				p.svcList = append(p.svcList[:i], p.svcList[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	p.log.WithField("services", uuids).Info("services invalidated")
	p.withRsp.invalidate(uuids)
	p.noRsp.invalidate(uuids)
	p.events.ServicesInvalidated(p, uuids)
}

// resolve maps a platform characteristic handle back to the discovered
// characteristic.
func (p *Peripheral) resolve(ch adapter.Characteristic) (*Characteristic, bool) {
	uuid := bledb.NormalizeUUID(ch.UUID())
	svcUUID := bledb.NormalizeUUID(ch.ServiceUUID())
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.services[svcUUID]
	if s == nil {
		return nil, false
	}
	for _, c := range s.Characteristics {
		if c.UUID == uuid {
			return c, true
		}
	}
	return nil, false
}
