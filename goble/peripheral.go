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

// writeCap bounds the number of buffered writes per connection. The
// engine stops issuing without-response chunks once
// CanSendWriteWithoutResponse reports false, so the buffer only absorbs
// the chunks issued between readiness checks.
const writeCap = 64

var errNotConnected = errors.New("peripheral not connected")

type writeReq struct {
	char  *blelib.Characteristic
	ach   adapter.Characteristic
	value []byte
	noRsp bool
}

// Peripheral implements adapter.Peripheral for one remote device. The
// handle is stable across connections; client state is swapped on each
// dial and cleared by the disconnect watcher.
type Peripheral struct {
	c    *Central
	addr blelib.Addr
	log  *logrus.Entry

	mu         sync.Mutex
	delegate   adapter.PeripheralDelegate
	name       string
	client     blelib.Client
	dialCancel context.CancelFunc
	writes     chan writeReq
	workerStop chan struct{}
}

func newPeripheral(c *Central, addr blelib.Addr) *Peripheral {
	return &Peripheral{
		c:    c,
		addr: addr,
		log:  c.log.WithField("peripheral", addr.String()),
	}
}

// SetDelegate implements adapter.Peripheral.
func (p *Peripheral) SetDelegate(d adapter.PeripheralDelegate) {
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
}

func (p *Peripheral) currentDelegate() adapter.PeripheralDelegate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delegate
}

// ID implements adapter.Peripheral.
func (p *Peripheral) ID() string { return p.addr.String() }

// Name implements adapter.Peripheral.
func (p *Peripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Peripheral) setName(name string) {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

func (p *Peripheral) currentClient() blelib.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *Peripheral) emit(f func(d adapter.PeripheralDelegate)) {
	p.c.emitPeripheral(p, f)
}

// dial establishes the link. The attempt is cancelable through
// cancelOrDisconnect until the client lands.
func (p *Peripheral) dial() {
	p.mu.Lock()
	if p.client != nil {
		p.mu.Unlock()
		p.c.emit(func(d adapter.CentralDelegate) { d.PeripheralConnected(p) })
		return
	}
	if p.dialCancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.dialCancel = cancel
	p.mu.Unlock()

	groutine.Go(nil, "goble/dial/"+p.ID(), func(_ context.Context) {
		client, err := blelib.Dial(ctx, p.addr)

		p.mu.Lock()
		p.dialCancel = nil
		if err != nil {
			p.mu.Unlock()
			p.c.emit(func(d adapter.CentralDelegate) {
				d.PeripheralConnectFailed(p, errors.Wrap(err, "dial"))
			})
			return
		}
		p.client = client
		p.writes = make(chan writeReq, writeCap)
		p.workerStop = make(chan struct{})
		writes, stop := p.writes, p.workerStop
		p.mu.Unlock()

		groutine.Go(nil, "goble/writer/"+p.ID(), func(_ context.Context) {
			p.writeLoop(client, writes, stop)
		})
		groutine.Go(nil, "goble/watch/"+p.ID(), func(_ context.Context) {
			<-client.Disconnected()
			p.detach()
			p.c.emit(func(d adapter.CentralDelegate) { d.PeripheralDisconnected(p, nil) })
		})
		p.c.emit(func(d adapter.CentralDelegate) { d.PeripheralConnected(p) })
	})
}

// cancelOrDisconnect aborts an in-flight dial or tears down the live
// link. Teardown completion arrives through the disconnect watcher.
func (p *Peripheral) cancelOrDisconnect() {
	p.mu.Lock()
	if cancel := p.dialCancel; cancel != nil {
		p.dialCancel = nil
		p.mu.Unlock()
		cancel()
		return
	}
	client := p.client
	p.mu.Unlock()
	if client != nil {
		if err := client.CancelConnection(); err != nil {
			p.log.WithError(err).Warn("cancel connection")
		}
	}
}

// detach clears connection state after the link is gone.
func (p *Peripheral) detach() {
	p.mu.Lock()
	p.client = nil
	p.writes = nil
	if p.workerStop != nil {
		close(p.workerStop)
		p.workerStop = nil
	}
	p.mu.Unlock()
}

// writeLoop serializes characteristic writes for one connection. go-ble
// writes are synchronous, so issuing them from a single goroutine keeps
// chunks on the wire in submission order.
func (p *Peripheral) writeLoop(client blelib.Client, writes chan writeReq, stop chan struct{}) {
	for {
		select {
		case req := <-writes:
			err := client.WriteCharacteristic(req.char, req.value, req.noRsp)
			if err != nil {
				err = errors.Wrap(err, "write characteristic")
			}
			if !req.noRsp {
				ach := req.ach
				p.emit(func(d adapter.PeripheralDelegate) { d.CharacteristicWritten(ach, err) })
			} else if err != nil {
				p.log.WithError(err).WithField("char", req.ach.UUID()).Warn("write without response failed")
			}
			if len(writes) == cap(writes)-1 {
				p.emit(func(d adapter.PeripheralDelegate) { d.ReadyToSendWriteWithoutResponse() })
			}
		case <-stop:
			return
		}
	}
}

// WriteCharacteristic implements adapter.Peripheral. The call only
// hands the value to the write worker; the outcome for with-response
// writes arrives via CharacteristicWritten.
func (p *Peripheral) WriteCharacteristic(ach adapter.Characteristic, value []byte, mode adapter.WriteMode) {
	ac, ok := ach.(*characteristic)
	if !ok {
		p.failWrite(ach, mode, errors.New("foreign characteristic handle"))
		return
	}

	p.mu.Lock()
	writes, stop := p.writes, p.workerStop
	p.mu.Unlock()
	if writes == nil {
		p.failWrite(ach, mode, errNotConnected)
		return
	}

	req := writeReq{char: ac.handle, ach: ach, value: value, noRsp: mode == adapter.WriteWithoutResponse}
	select {
	case writes <- req:
	case <-stop:
		p.failWrite(ach, mode, errNotConnected)
	}
}

func (p *Peripheral) failWrite(ach adapter.Characteristic, mode adapter.WriteMode, err error) {
	if mode == adapter.WriteWithResponse {
		p.emit(func(d adapter.PeripheralDelegate) { d.CharacteristicWritten(ach, err) })
		return
	}
	p.log.WithError(err).WithField("char", ach.UUID()).Debug("dropping write without response")
}

// CanSendWriteWithoutResponse implements adapter.Peripheral. Readiness
// is the write worker having buffer room; ReadyToSendWriteWithoutResponse
// fires as the worker drains a full buffer.
func (p *Peripheral) CanSendWriteWithoutResponse() bool {
	p.mu.Lock()
	writes := p.writes
	p.mu.Unlock()
	if writes == nil {
		return false
	}
	return len(writes) < cap(writes)
}

// MaximumWriteLen implements adapter.Peripheral. ATT reserves 3 bytes of
// the MTU for the write header; 20 is the 23-byte default-MTU payload.
func (p *Peripheral) MaximumWriteLen(mode adapter.WriteMode) int {
	client := p.currentClient()
	if client == nil {
		return 0
	}
	n := client.Conn().TxMTU() - 3
	if n < 20 {
		n = 20
	}
	return n
}

// DiscoverServices implements adapter.Peripheral.
func (p *Peripheral) DiscoverServices(uuids []string) {
	client := p.currentClient()
	if client == nil {
		p.emit(func(d adapter.PeripheralDelegate) { d.ServicesDiscovered(nil, errNotConnected) })
		return
	}
	groutine.Go(nil, "goble/discover-services/"+p.ID(), func(_ context.Context) {
		svcs, err := client.DiscoverServices(parseUUIDs(uuids))
		if err != nil {
			err = errors.Wrap(err, "discover services")
			p.emit(func(d adapter.PeripheralDelegate) { d.ServicesDiscovered(nil, err) })
			return
		}
		out := make([]adapter.Service, 0, len(svcs))
		for _, s := range svcs {
			out = append(out, newService(s))
		}
		p.emit(func(d adapter.PeripheralDelegate) { d.ServicesDiscovered(out, nil) })
	})
}

// DiscoverCharacteristics implements adapter.Peripheral.
func (p *Peripheral) DiscoverCharacteristics(asvc adapter.Service, uuids []string) {
	svc, ok := asvc.(*service)
	if !ok {
		p.emit(func(d adapter.PeripheralDelegate) {
			d.CharacteristicsDiscovered(asvc, nil, errors.New("foreign service handle"))
		})
		return
	}
	client := p.currentClient()
	if client == nil {
		p.emit(func(d adapter.PeripheralDelegate) {
			d.CharacteristicsDiscovered(asvc, nil, errNotConnected)
		})
		return
	}
	groutine.Go(nil, "goble/discover-chars/"+p.ID(), func(_ context.Context) {
		chars, err := client.DiscoverCharacteristics(parseUUIDs(uuids), svc.handle)
		if err != nil {
			err = errors.Wrap(err, "discover characteristics")
			p.emit(func(d adapter.PeripheralDelegate) { d.CharacteristicsDiscovered(asvc, nil, err) })
			return
		}
		out := make([]adapter.Characteristic, 0, len(chars))
		for _, ch := range chars {
			out = append(out, newCharacteristic(svc, ch))
		}
		p.emit(func(d adapter.PeripheralDelegate) { d.CharacteristicsDiscovered(asvc, out, nil) })
	})
}

// ReadCharacteristic implements adapter.Peripheral.
func (p *Peripheral) ReadCharacteristic(ach adapter.Characteristic) {
	ac, ok := ach.(*characteristic)
	if !ok {
		p.emit(func(d adapter.PeripheralDelegate) {
			d.CharacteristicValueUpdated(ach, nil, errors.New("foreign characteristic handle"))
		})
		return
	}
	client := p.currentClient()
	if client == nil {
		p.emit(func(d adapter.PeripheralDelegate) {
			d.CharacteristicValueUpdated(ach, nil, errNotConnected)
		})
		return
	}
	groutine.Go(nil, "goble/read/"+p.ID(), func(_ context.Context) {
		value, err := client.ReadCharacteristic(ac.handle)
		if err != nil {
			err = errors.Wrap(err, "read characteristic")
		}
		p.emit(func(d adapter.PeripheralDelegate) { d.CharacteristicValueUpdated(ach, value, err) })
	})
}

// SetNotify implements adapter.Peripheral. Indications are used when the
// characteristic supports them but not notifications.
func (p *Peripheral) SetNotify(ach adapter.Characteristic, enabled bool) {
	ac, ok := ach.(*characteristic)
	if !ok {
		p.emit(func(d adapter.PeripheralDelegate) {
			d.NotificationStateUpdated(ach, enabled, errors.New("foreign characteristic handle"))
		})
		return
	}
	client := p.currentClient()
	if client == nil {
		p.emit(func(d adapter.PeripheralDelegate) {
			d.NotificationStateUpdated(ach, enabled, errNotConnected)
		})
		return
	}
	indicate := !ac.props.Supports(adapter.PropertyNotify) && ac.props.Supports(adapter.PropertyIndicate)
	groutine.Go(nil, "goble/notify/"+p.ID(), func(_ context.Context) {
		var err error
		if enabled {
			err = client.Subscribe(ac.handle, indicate, func(data []byte) {
				p.emit(func(d adapter.PeripheralDelegate) {
					d.CharacteristicValueUpdated(ach, data, nil)
				})
			})
		} else {
			err = client.Unsubscribe(ac.handle, indicate)
		}
		if err != nil {
			err = errors.Wrap(err, "set notify")
		}
		p.emit(func(d adapter.PeripheralDelegate) { d.NotificationStateUpdated(ach, enabled, err) })
	})
}
