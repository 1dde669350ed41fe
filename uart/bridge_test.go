package uart_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	suitelib "github.com/stretchr/testify/suite"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/testutils"
	"github.com/scchn/smurfble/peripheral"
	"github.com/scchn/smurfble/uart"
)

const waitTimeout = 2 * time.Second

type BridgeSuite struct {
	suitelib.Suite

	logger *logrus.Logger
	link   *testutils.FakePeripheral
	p      *peripheral.Peripheral
}

func TestBridgeSuite(t *testing.T) {
	suitelib.Run(t, new(BridgeSuite))
}

func (s *BridgeSuite) SetupSuite() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
}

// SetupTest connects a fake peripheral exposing the Nordic UART service.
func (s *BridgeSuite) SetupTest() {
	s.link = testutils.NewFakePeripheral()
	s.p = peripheral.New(s.link, nil, nil, s.logger)
	s.connect(s.defaultProfile())
}

func (s *BridgeSuite) TearDownTest() {
	s.p.Close()
}

func (s *BridgeSuite) defaultProfile() *testutils.Profile {
	return testutils.NewProfileBuilder().
		WithService(uart.DefaultServiceUUID).
		WithCharacteristic(uart.DefaultRXCharUUID, "write,write_no_rsp", nil).
		WithCharacteristic(uart.DefaultTXCharUUID, "notify", nil).
		Build()
}

func (s *BridgeSuite) connect(profile *testutils.Profile) {
	s.p.ConnectionUp()
	_, ok := s.link.NextDiscover(waitTimeout)
	s.Require().True(ok)
	profile.SimulateDiscovery(s.link)
	for range profile.Services() {
		_, ok := s.link.NextDiscover(waitTimeout)
		s.Require().True(ok)
	}
	s.Require().True(s.p.Connected())
}

// replaceFacade swaps in a fresh connected facade with the given profile.
func (s *BridgeSuite) replaceFacade(profile *testutils.Profile) {
	s.p.Close()
	s.link = testutils.NewFakePeripheral()
	s.p = peripheral.New(s.link, nil, nil, s.logger)
	s.connect(profile)
}

func (s *BridgeSuite) newBridge(opts *uart.Options) *uart.Bridge {
	b, err := uart.NewBridge(s.p, opts, s.logger)
	s.Require().NoError(err)
	s.T().Cleanup(b.Close)

	// Construction subscribes to TX before the terminal opens.
	call, ok := s.link.NextNotify(waitTimeout)
	s.Require().True(ok)
	s.Equal(uart.DefaultTXCharUUID, call.Char.UUID())
	s.True(call.Enabled)
	return b
}

func (s *BridgeSuite) TestSelectsWithoutResponseWhenSupported() {
	b := s.newBridge(nil)
	s.Equal(adapter.WriteWithoutResponse, b.Mode())
	s.NotEmpty(b.TTYName())
}

func (s *BridgeSuite) TestTerminalInputStreamsToPeripheral() {
	b := s.newBridge(&uart.Options{ChunkSize: 4})

	tty, err := os.OpenFile(b.TTYName(), os.O_RDWR, 0)
	s.Require().NoError(err)
	defer tty.Close()

	payload := []byte("hello uart bridge")
	_, err = tty.Write(payload)
	s.Require().NoError(err)

	// Terminal reads may batch arbitrarily, so assert on the reassembled
	// stream rather than chunk boundaries.
	var got []byte
	for len(got) < len(payload) {
		call, ok := s.link.NextWrite(waitTimeout)
		s.Require().True(ok, "missing writes: have %q", got)
		s.Equal(adapter.WriteWithoutResponse, call.Mode)
		s.Equal(uart.DefaultRXCharUUID, call.Char.UUID())
		s.LessOrEqual(len(call.Value), 4)
		got = append(got, call.Value...)
	}
	s.Equal(payload, got)
}

func (s *BridgeSuite) TestNotificationsFlowToTerminal() {
	b := s.newBridge(nil)

	tty, err := os.OpenFile(b.TTYName(), os.O_RDWR, 0)
	s.Require().NoError(err)
	defer tty.Close()

	stray := &peripheral.Characteristic{UUID: "2a19", ServiceUUID: "180f"}
	b.HandleValue(stray, []byte("IGNORED"), nil)

	tx, ok := s.p.Characteristic(uart.DefaultServiceUUID, uart.DefaultTXCharUUID)
	s.Require().True(ok)
	b.HandleValue(tx, []byte("pong"), nil)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		var out []byte
		for len(out) < 4 {
			n, err := tty.Read(buf)
			if err != nil {
				return
			}
			out = append(out, buf[:n]...)
		}
		got <- out
	}()

	select {
	case data := <-got:
		s.Equal([]byte("pong"), data, "stray characteristic data must not reach the terminal")
	case <-time.After(waitTimeout):
		s.Fail("timed out waiting for terminal output")
	}
}

func (s *BridgeSuite) TestFallsBackToWithResponse() {
	s.replaceFacade(testutils.NewProfileBuilder().
		WithService(uart.DefaultServiceUUID).
		WithCharacteristic(uart.DefaultRXCharUUID, "write", nil).
		WithCharacteristic(uart.DefaultTXCharUUID, "notify", nil).
		Build())

	b := s.newBridge(nil)
	s.Equal(adapter.WriteWithResponse, b.Mode())
}

func (s *BridgeSuite) TestRejectsUnusableProfiles() {
	tests := []struct {
		name    string
		rxProps string
		txProps string
	}{
		{name: "rx not writable", rxProps: "read", txProps: "notify"},
		{name: "tx does not notify", rxProps: "write_no_rsp", txProps: "read"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.replaceFacade(testutils.NewProfileBuilder().
				WithService(uart.DefaultServiceUUID).
				WithCharacteristic(uart.DefaultRXCharUUID, tt.rxProps, nil).
				WithCharacteristic(uart.DefaultTXCharUUID, tt.txProps, nil).
				Build())

			_, err := uart.NewBridge(s.p, nil, s.logger)
			s.Error(err)
		})
	}
}

func (s *BridgeSuite) TestRequiresConnection() {
	link := testutils.NewFakePeripheral()
	p := peripheral.New(link, nil, nil, s.logger)
	defer p.Close()

	_, err := uart.NewBridge(p, nil, s.logger)
	s.ErrorIs(err, peripheral.ErrNotConnected)
}

func (s *BridgeSuite) TestMissingCharacteristics() {
	s.replaceFacade(testutils.NewProfileBuilder().
		WithService("180f").
		WithCharacteristic("2a19", "read", []byte{50}).
		Build())

	_, err := uart.NewBridge(s.p, nil, s.logger)
	s.Error(err)
}

func (s *BridgeSuite) TestCloseUnsubscribesAndRemovesSymlink() {
	symlink := filepath.Join(s.T().TempDir(), "ble-uart")
	b := s.newBridge(&uart.Options{SymlinkPath: symlink})

	target, err := os.Readlink(symlink)
	s.Require().NoError(err)
	s.Equal(b.TTYName(), target)

	b.Close()
	b.Close() // idempotent

	call, ok := s.link.NextNotify(waitTimeout)
	s.Require().True(ok)
	s.False(call.Enabled)

	_, err = os.Lstat(symlink)
	s.True(os.IsNotExist(err))
}
