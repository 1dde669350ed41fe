// Package session drives one connected exchange with a peripheral:
// scan for the target, connect, wait for the GATT table, hand the
// connection to a callback, and tear everything down afterwards.
package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/central"
	"github.com/scchn/smurfble/goble"
	"github.com/scchn/smurfble/peripheral"
)

// RadioFactory opens the platform radio. Tests swap it for a fake.
var RadioFactory = func(logger *logrus.Logger) (adapter.Central, error) {
	return goble.New(logger)
}

// ProgressCallback is invoked as the session moves through its phases.
type ProgressCallback func(phase string)

// Options bounds session setup.
type Options struct {
	// ScanTimeout bounds the wait for the target to be discovered.
	// Zero waits until the context ends.
	ScanTimeout time.Duration

	// ConnectTimeout bounds the connect attempt, and separately the
	// service discovery that follows it. Zero disables both bounds.
	ConnectTimeout time.Duration

	// Profiles narrows scanning and the peripheral's service discovery.
	Profiles []central.Profile
}

// Callback processes an established session and produces a result. The
// session is only valid until the callback returns.
type Callback[R any] func(s *Session) (R, error)

// Session is an established connection with a fully discovered GATT
// table.
type Session struct {
	Manager    *central.Manager
	Peripheral *peripheral.Peripheral

	watch *watcher
}

// Lost yields the cause once the connection ends, at most once. A nil
// cause means the disconnect was requested.
func (s *Session) Lost() <-chan error {
	return s.watch.lost
}

// OnValue installs fn for characteristic value deliveries, both read
// results and notifications. fn runs on the engine's dispatch goroutine
// and must not block. nil removes the hook.
func (s *Session) OnValue(fn func(ch *peripheral.Characteristic, value []byte, err error)) {
	s.watch.setValueFunc(fn)
}

// OnNotifyState installs fn for subscription state changes. Same
// delivery rules as OnValue.
func (s *Session) OnNotifyState(fn func(ch *peripheral.Characteristic, enabled bool, err error)) {
	s.watch.setNotifyFunc(fn)
}

// Run owns the full session lifecycle. It opens the radio, scans until
// the target shows up, connects, waits for service and characteristic
// discovery to finish, invokes callback, then disconnects and releases
// the radio. On any setup error the zero value of R is returned.
//
// target is a peripheral identifier: a MAC address on Linux, a platform
// UUID on Darwin. Case and separators are ignored when matching.
func Run[R any](ctx context.Context, target string, opts *Options, logger *logrus.Logger, progress ProgressCallback, callback Callback[R]) (R, error) {
	var zero R

	if opts == nil {
		opts = &Options{}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	if progress == nil {
		progress = func(string) {}
	}
	if strings.TrimSpace(target) == "" {
		return zero, fmt.Errorf("device address must not be empty")
	}

	radio, err := RadioFactory(logger)
	if err != nil {
		return zero, fmt.Errorf("opening radio: %w", err)
	}
	defer func() {
		if c, ok := radio.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	m := central.NewManager(radio, logger)
	defer m.Close()

	watch := newWatcher(target)
	m.SetObserver(watch)

	progress("Scanning")
	p, err := waitForTarget(ctx, m, watch, target, opts)
	if err != nil {
		progress("Failed")
		return zero, err
	}
	m.StopScan()

	progress("Connecting")
	if err := establish(ctx, m, watch, p, opts.ConnectTimeout); err != nil {
		progress("Failed")
		return zero, err
	}
	defer m.CancelConnection(p)

	progress("Connected")

	sess := &Session{Manager: m, Peripheral: p, watch: watch}

	progress("Processing results")
	return callback(sess)
}

// waitForTarget scans until the target is discovered. The registry
// keeps the peripheral connectable after the scan stops.
func waitForTarget(ctx context.Context, m *central.Manager, watch *watcher, target string, opts *Options) (*peripheral.Peripheral, error) {
	if ok := m.Scan(central.ScanOptions{Profiles: opts.Profiles}); !ok {
		return nil, fmt.Errorf("radio is not powered on")
	}

	var timeout <-chan time.Time
	if opts.ScanTimeout > 0 {
		t := time.NewTimer(opts.ScanTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case p := <-watch.found:
		return p, nil
	case <-timeout:
		return nil, fmt.Errorf("device %s not found after %s", target, opts.ScanTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// establish connects and waits for the GATT table to be discovered.
// timeout bounds each stage on its own.
func establish(ctx context.Context, m *central.Manager, watch *watcher, p *peripheral.Peripheral, timeout time.Duration) error {
	result := make(chan error, 1)
	m.Connect(p, timeout, func(err error) { result <- err })

	select {
	case err := <-result:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		m.CancelConnection(p)
		return ctx.Err()
	}

	var bound <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		bound = t.C
	}

	select {
	case err := <-watch.ready:
		if err != nil {
			m.CancelConnection(p)
			return fmt.Errorf("service discovery: %w", err)
		}
		return nil
	case err := <-watch.lost:
		if err == nil {
			err = fmt.Errorf("connection closed")
		}
		return fmt.Errorf("connection lost during discovery: %w", err)
	case <-bound:
		m.CancelConnection(p)
		return fmt.Errorf("service discovery timed out after %s", timeout)
	case <-ctx.Done():
		m.CancelConnection(p)
		return ctx.Err()
	}
}

// normalizeTarget canonicalizes a peripheral identifier for comparison.
// MAC addresses and 128-bit UUIDs both reduce to lowercase hex with
// separators removed, so "AA:BB:CC:DD:EE:FF" matches "aabbccddeeff" and
// a dashed UUID matches its undashed platform spelling.
func normalizeTarget(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.ReplaceAll(id, ":", "")
	id = strings.ReplaceAll(id, "-", "")
	return id
}

// watcher is the session's observer. It reports the target discovery,
// GATT discovery completion, and connection loss over channels, and
// forwards value traffic to the hooks a command installs.
type watcher struct {
	central.NopObserver

	target string

	found chan *peripheral.Peripheral
	ready chan error
	lost  chan error

	mu       sync.Mutex
	pending  int
	resolved bool
	valueFn  func(*peripheral.Characteristic, []byte, error)
	notifyFn func(*peripheral.Characteristic, bool, error)
}

func newWatcher(target string) *watcher {
	return &watcher{
		target: normalizeTarget(target),
		found:  make(chan *peripheral.Peripheral, 1),
		ready:  make(chan error, 1),
		lost:   make(chan error, 1),
	}
}

func (w *watcher) setValueFunc(fn func(*peripheral.Characteristic, []byte, error)) {
	w.mu.Lock()
	w.valueFn = fn
	w.mu.Unlock()
}

func (w *watcher) setNotifyFunc(fn func(*peripheral.Characteristic, bool, error)) {
	w.mu.Lock()
	w.notifyFn = fn
	w.mu.Unlock()
}

// resolve delivers the discovery outcome exactly once.
func (w *watcher) resolve(err error) {
	w.mu.Lock()
	if w.resolved {
		w.mu.Unlock()
		return
	}
	w.resolved = true
	w.mu.Unlock()
	w.ready <- err
}

func (w *watcher) PeripheralDiscovered(ev central.DiscoveryEvent) {
	if normalizeTarget(ev.Peripheral.ID()) != w.target {
		return
	}
	select {
	case w.found <- ev.Peripheral:
	default:
	}
}

func (w *watcher) PeripheralDisconnected(_ *peripheral.Peripheral, err error) {
	select {
	case w.lost <- err:
	default:
	}
}

func (w *watcher) ServicesDiscovered(_ *peripheral.Peripheral, svcs []*peripheral.Service, err error) {
	if err != nil {
		w.resolve(err)
		return
	}
	w.mu.Lock()
	w.pending = len(svcs)
	done := w.pending == 0
	w.mu.Unlock()
	if done {
		w.resolve(nil)
	}
}

func (w *watcher) CharacteristicsDiscovered(_ *peripheral.Peripheral, _ *peripheral.Service, _ []*peripheral.Characteristic, err error) {
	if err != nil {
		w.resolve(err)
		return
	}
	w.mu.Lock()
	w.pending--
	done := w.pending == 0
	w.mu.Unlock()
	if done {
		w.resolve(nil)
	}
}

func (w *watcher) ValueUpdated(_ *peripheral.Peripheral, ch *peripheral.Characteristic, value []byte, err error) {
	w.mu.Lock()
	fn := w.valueFn
	w.mu.Unlock()
	if fn != nil {
		fn(ch, value, err)
	}
}

func (w *watcher) NotifyStateUpdated(_ *peripheral.Peripheral, ch *peripheral.Characteristic, enabled bool, err error) {
	w.mu.Lock()
	fn := w.notifyFn
	w.mu.Unlock()
	if fn != nil {
		fn(ch, enabled, err)
	}
}
