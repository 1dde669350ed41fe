//go:build test

package main

import (
	"bytes"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/internal/testutils"
	"github.com/scchn/smurfble/peripheral"
	"github.com/scchn/smurfble/session"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// CommandTestSuite extends FakeRadioSuite with command testing utilities.
// All cmd/smurfble test suites should embed this instead of FakeRadioSuite.
// The fake radio is installed behind session.RadioFactory, so commands
// executed during a test talk to it instead of the platform.
type CommandTestSuite struct {
	testutils.FakeRadioSuite

	restoreFactory func()
}

// SetupTest creates fresh fakes and points session.RadioFactory at them.
func (s *CommandTestSuite) SetupTest() {
	s.FakeRadioSuite.SetupTest()
	s.Link.WithID(TestDeviceAddress1)

	prev := session.RadioFactory
	session.RadioFactory = func(*logrus.Logger) (adapter.Central, error) {
		return s.Radio, nil
	}
	s.restoreFactory = func() { session.RadioFactory = prev }
}

// TearDownTest restores the real radio factory.
func (s *CommandTestSuite) TearDownTest() {
	s.restoreFactory()
}

// ConnectedPeripheral builds a facade over the fake link and plays the
// profile's discovery through it. Fake delivery is synchronous, so the
// GATT table is complete on return. The cleanup releases the facade.
func (s *CommandTestSuite) ConnectedPeripheral(profile *testutils.Profile) (*peripheral.Peripheral, func()) {
	p := peripheral.New(s.Link, nil, nil, s.Logger)
	p.ConnectionUp()

	_, ok := s.Link.NextDiscover(s.TestTimeout)
	s.Require().True(ok, "connection MUST request service discovery")

	profile.SimulateDiscovery(s.Link)
	s.Require().Len(p.Services(), len(profile.Services()), "discovery MUST surface every service")

	return p, func() { p.Close() }
}

// DriveSession answers the radio handshake a command's session performs:
// scan, discovery of the fake link, connect, then GATT discovery from the
// profile. serve, when non-nil, runs afterwards on the driver goroutine to
// answer the command's characteristic traffic.
func (s *CommandTestSuite) DriveSession(profile *testutils.Profile, serve func()) {
	go func() {
		if _, ok := s.Radio.NextScan(s.TestTimeout); !ok {
			return
		}
		s.Radio.SimulateDiscovery(s.Link, adapter.Advertisement{LocalName: "widget", Connectable: true}, -42)
		if _, ok := s.Radio.NextConnect(s.TestTimeout); !ok {
			return
		}
		s.Radio.SimulateConnect(s.Link)
		if _, ok := s.Link.NextDiscover(s.TestTimeout); !ok {
			return
		}
		profile.SimulateDiscovery(s.Link)
		if serve != nil {
			serve()
		}
	}()
}

// CaptureStdout runs fn with stdout redirected into a pipe and returns
// everything written. The real stdout comes back even if fn panics.
func (s *CommandTestSuite) CaptureStdout(fn func()) string {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	s.Require().NoError(err, "pipe creation MUST succeed")
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	fn()

	w.Close()
	out, _ := io.ReadAll(r)
	return string(out)
}

// executeCommand runs a command under a fresh parent, returning cobra's
// combined output and the execution error.
func executeCommand(cmd *cobra.Command, args ...string) (string, error) {
	root := &cobra.Command{Use: "test"}
	root.SilenceErrors = true
	root.AddCommand(cmd)

	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

// resetFlagChanged clears the Changed markers a previous Execute left
// behind. Config fallbacks key on Changed, so leaking them across tests
// flips command behavior. Bound package variables are reset separately
// by each suite.
func resetFlagChanged(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
	})
}
