// Package uart bridges a connected peripheral's UART-style GATT service
// (Nordic UART and compatibles) to a local pseudo-terminal. Bytes written
// to the terminal device stream into the peripheral's RX characteristic
// through the write engine; notifications from the TX characteristic flow
// back out of the terminal.
package uart

import (
	"fmt"
	"os"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/bledb"
	"github.com/scchn/smurfble/peripheral"
)

// Nordic UART Service identifiers, normalized. RX and TX are named from
// the peripheral's point of view: the central writes RX and is notified
// on TX.
const (
	DefaultServiceUUID = "6e400001b5a3f393e0a9e50e24dcca9e"
	DefaultRXCharUUID  = "6e400002b5a3f393e0a9e50e24dcca9e"
	DefaultTXCharUUID  = "6e400003b5a3f393e0a9e50e24dcca9e"
)

// Options configures a Bridge. The zero value selects the Nordic UART
// service.
type Options struct {
	ServiceUUID string `default:"6e400001b5a3f393e0a9e50e24dcca9e"`
	RXCharUUID  string `default:"6e400002b5a3f393e0a9e50e24dcca9e"`
	TXCharUUID  string `default:"6e400003b5a3f393e0a9e50e24dcca9e"`

	// BufferSize is the outbound ring capacity in bytes for notification
	// data heading to the terminal.
	BufferSize int `default:"4096"`

	// ChunkSize caps bytes per platform write. Zero uses the platform
	// maximum for the selected mode.
	ChunkSize int

	// SymlinkPath, when set, is created as a stable symlink to the
	// terminal device and removed on Close.
	SymlinkPath string
}

// Bridge couples one connected peripheral with one pseudo-terminal.
// Terminal input is chunk-streamed into the write engine, without
// response when the RX characteristic supports it. The application's
// observer must feed TX notifications to HandleValue.
type Bridge struct {
	p     *peripheral.Peripheral
	rx    *peripheral.Characteristic
	tx    *peripheral.Characteristic
	mode  adapter.WriteMode
	chunk int
	pty   *PTY
	log   *logrus.Entry

	symlink   string
	closeOnce sync.Once
}

// NewBridge resolves the UART characteristics on an already connected
// peripheral, subscribes to TX, and opens the terminal pair. The caller
// must route ValueUpdated events for the TX characteristic to HandleValue
// and must Close the bridge when done.
func NewBridge(p *peripheral.Peripheral, opts *Options, logger *logrus.Logger) (*Bridge, error) {
	if opts == nil {
		opts = &Options{}
	}
	defaults.SetDefaults(opts)
	if logger == nil {
		logger = logrus.New()
	}

	if !p.Connected() {
		return nil, peripheral.ErrNotConnected
	}

	svcUUID := bledb.NormalizeUUID(opts.ServiceUUID)
	rx, ok := p.Characteristic(svcUUID, opts.RXCharUUID)
	if !ok {
		return nil, fmt.Errorf("rx characteristic %s not found in service %s", opts.RXCharUUID, opts.ServiceUUID)
	}
	tx, ok := p.Characteristic(svcUUID, opts.TXCharUUID)
	if !ok {
		return nil, fmt.Errorf("tx characteristic %s not found in service %s", opts.TXCharUUID, opts.ServiceUUID)
	}

	mode := adapter.WriteWithResponse
	switch {
	case rx.Properties.SupportsWrite(adapter.WriteWithoutResponse):
		mode = adapter.WriteWithoutResponse
	case rx.Properties.SupportsWrite(adapter.WriteWithResponse):
	default:
		return nil, fmt.Errorf("rx characteristic %s is not writable", rx.UUID)
	}
	if !tx.Properties.Supports(adapter.PropertyNotify) && !tx.Properties.Supports(adapter.PropertyIndicate) {
		return nil, fmt.Errorf("tx characteristic %s does not notify", tx.UUID)
	}

	b := &Bridge{
		p:     p,
		rx:    rx,
		tx:    tx,
		mode:  mode,
		chunk: opts.ChunkSize,
		log: logger.WithFields(logrus.Fields{
			"component":  "uart",
			"peripheral": p.ID(),
		}),
	}

	if err := p.SetNotify(tx, true); err != nil {
		return nil, fmt.Errorf("subscribe to tx: %w", err)
	}

	pt, err := NewPTY(opts.BufferSize, b.send, logger)
	if err != nil {
		_ = p.SetNotify(tx, false)
		return nil, err
	}
	b.pty = pt

	if opts.SymlinkPath != "" {
		if err := os.Symlink(pt.Name(), opts.SymlinkPath); err != nil {
			b.Close()
			return nil, fmt.Errorf("create symlink %s: %w", opts.SymlinkPath, err)
		}
		b.symlink = opts.SymlinkPath
	}

	b.log.WithFields(logrus.Fields{
		"tty":  pt.Name(),
		"mode": mode,
	}).Info("uart bridge up")
	return b, nil
}

// TTYName returns the terminal device path.
func (b *Bridge) TTYName() string { return b.pty.Name() }

// Mode returns the write mode the bridge selected for terminal input.
func (b *Bridge) Mode() adapter.WriteMode { return b.mode }

// HandleValue feeds one ValueUpdated event into the bridge. Values for
// characteristics other than TX are ignored, so the whole observer stream
// may be routed here.
func (b *Bridge) HandleValue(ch *peripheral.Characteristic, value []byte, err error) {
	if ch == nil || ch.UUID != b.tx.UUID || ch.ServiceUUID != b.tx.ServiceUUID {
		return
	}
	if err != nil {
		b.log.WithError(err).Warn("tx notification error")
		return
	}
	if _, werr := b.pty.Write(value); werr != nil {
		b.log.WithError(werr).Warn("terminal write failed")
	}
}

// send streams one batch of terminal input into the write engine. Runs on
// the PTY read goroutine; enqueueing never blocks.
func (b *Bridge) send(data []byte) {
	completion := func(err error) {
		if err != nil {
			b.log.WithError(err).Warn("uart write failed")
		}
	}
	opts := &peripheral.WriteOptions{ChunkSize: b.chunk}
	if b.mode == adapter.WriteWithoutResponse {
		b.p.WriteWithoutResponse(b.rx, data, opts, completion)
	} else {
		b.p.WriteWithResponse(b.rx, data, opts, completion)
	}
}

// Close unsubscribes from TX, tears down the terminal pair, and removes
// the symlink. Safe to call more than once and after disconnect.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		if b.p.Connected() {
			if err := b.p.SetNotify(b.tx, false); err != nil {
				b.log.WithError(err).Debug("tx unsubscribe failed")
			}
		}
		if b.pty != nil {
			_ = b.pty.Close()
		}
		if b.symlink != "" {
			if err := os.Remove(b.symlink); err != nil {
				b.log.WithError(err).WithField("symlink", b.symlink).Warn("failed to remove symlink")
			}
		}
		b.log.Info("uart bridge down")
	})
}
