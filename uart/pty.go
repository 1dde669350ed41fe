package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/scchn/smurfble/internal/groutine"
)

// pollTimeoutMs bounds how long the read pump blocks in poll before
// rechecking for shutdown.
const pollTimeoutMs = 50

// DataFunc receives bytes typed into the terminal side of the pair. It is
// called from the PTY read goroutine with a slice the receiver owns, and
// must not block.
type DataFunc func(data []byte)

// PTY is a raw-mode pseudo-terminal pair with non-blocking pumps. Write
// queues bytes toward the terminal through a ring buffer; bytes arriving
// from the terminal are delivered through the DataFunc. When the ring is
// full the excess is dropped, never the pump.
type PTY struct {
	log    *logrus.Entry
	master *os.File
	slave  *os.File
	name   string
	onData DataFunc

	out  *ringbuffer.RingBuffer // bytes heading to the terminal
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	closed  atomic.Bool
	dropped atomic.Uint64
}

// NewPTY opens a pseudo-terminal pair, puts the terminal side in raw mode,
// and starts the pump goroutines. outCap is the ring capacity for bytes
// heading to the terminal. onData must be non-nil.
func NewPTY(outCap int, onData DataFunc, logger *logrus.Logger) (*PTY, error) {
	if onData == nil {
		return nil, errors.New("uart: onData is required")
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty pair: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("set %s raw: %w", slave.Name(), err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("set pty master nonblocking: %w", err)
	}

	p := &PTY{
		log:    logger.WithField("component", "uart/pty"),
		master: master,
		slave:  slave, // kept open so the device node outlives external opens
		name:   slave.Name(),
		onData: onData,
		out:    ringbuffer.New(outCap),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	p.wg.Add(2)
	groutine.Go(nil, "uart/pty-read", func(context.Context) { p.readLoop() })
	groutine.Go(nil, "uart/pty-write", func(context.Context) { p.writeLoop() })
	return p, nil
}

// Name returns the terminal device path, e.g. "/dev/pts/3".
func (p *PTY) Name() string { return p.name }

// Write queues data toward the terminal. It never blocks; bytes that do
// not fit in the ring are discarded and the loss is counted. Returns the
// number of bytes accepted.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.out.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		p.dropped.Add(uint64(dropped))
		p.log.WithField("bytes", dropped).Warn("terminal output ring full, dropping")
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return n, nil
}

// Dropped returns the total bytes discarded because the outbound ring was
// full.
func (p *PTY) Dropped() uint64 { return p.dropped.Load() }

// Close stops the pumps and closes both sides of the pair. Safe to call
// more than once.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)
	// Closing the master unblocks any in-flight read with EBADF.
	_ = p.master.Close()
	_ = p.slave.Close()
	p.wg.Wait()
	return nil
}

// readLoop pumps terminal input to the DataFunc.
func (p *PTY) readLoop() {
	defer p.wg.Done()

	fd := int32(p.master.Fd())
	pollFds := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		ready, err := unix.Poll(pollFds, pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.log.WithError(err).Warn("pty poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			// The receiver may retain the slice past this call.
			data := make([]byte, n)
			copy(data, buf[:n])
			p.onData(data)
		}
		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
				return
			default:
				p.log.WithError(err).Warn("pty read failed, stopping pump")
				return
			}
		}
	}
}

// writeLoop drains the outbound ring to the terminal.
func (p *PTY) writeLoop() {
	defer p.wg.Done()

	fd := int32(p.master.Fd())
	pollFds := []unix.PollFd{{Fd: fd, Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}

		for {
			n, err := p.out.TryRead(buf)
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
			if err != nil {
				p.log.WithError(err).Warn("outbound ring read failed")
				break
			}
			if !p.drain(buf[:n], pollFds) {
				return
			}
		}
	}
}

// drain writes one chunk fully to the master, waiting out EAGAIN. Returns
// false when the pump should stop.
func (p *PTY) drain(data []byte, pollFds []unix.PollFd) bool {
	for off := 0; off < len(data); {
		n, err := p.master.Write(data[off:])
		off += n
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, syscall.EINTR):
			continue
		case errors.Is(err, syscall.EAGAIN):
			if _, pollErr := unix.Poll(pollFds, pollTimeoutMs); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
				p.log.WithError(pollErr).Warn("pty poll failed")
			}
			select {
			case <-p.stop:
				return false
			default:
			}
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
			return false
		default:
			p.log.WithError(err).Warn("pty write failed, stopping pump")
			return false
		}
	}
	return true
}
