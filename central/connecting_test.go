package central_test

import (
	"errors"
	"time"

	"github.com/scchn/smurfble/adapter"
	"github.com/scchn/smurfble/central"
	"github.com/scchn/smurfble/internal/testutils"
	"github.com/scchn/smurfble/peripheral"
)

// discoverOne starts a session and admits a single peripheral.
func (s *ManagerSuite) discoverOne(profiles ...central.Profile) (*testutils.FakePeripheral, *peripheral.Peripheral) {
	s.startScan(central.ScanOptions{Profiles: profiles})
	link := testutils.NewFakePeripheral()
	ev := s.discover(link, testutils.CreateAdvertisement("target", link.ID(), -50))
	s.Require().Equal(central.DiscoveryNew, ev.Kind)
	return link, ev.Peripheral
}

func (s *ManagerSuite) waitErr(done chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		s.Require().Fail("timed out waiting for a connect completion")
		return nil
	}
}

// establish drives one peripheral through the happy connect path.
func (s *ManagerSuite) establish(link *testutils.FakePeripheral, p *peripheral.Peripheral) {
	done := make(chan error, 1)
	s.m.Connect(p, 0, func(err error) { done <- err })
	_, ok := s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)
	s.Radio.SimulateConnect(link)
	s.Require().NoError(s.waitErr(done))
	_, ok = link.NextDiscover(waitTimeout)
	s.Require().True(ok)
}

func (s *ManagerSuite) TestConnectEstablishes() {
	link, p := s.discoverOne()
	done := make(chan error, 1)
	s.m.Connect(p, 0, func(err error) { done <- err })

	got, ok := s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)
	s.Same(link, got)

	s.Radio.SimulateConnect(link)
	s.NoError(s.waitErr(done))
	s.True(p.Connected())

	// Establishment kicks off service discovery on the platform link.
	call, ok := link.NextDiscover(waitTimeout)
	s.Require().True(ok)
	s.Empty(call.ServiceUUID)

	// GATT events reach the observer through the manager.
	link.SimulateServicesDiscovered([]adapter.Service{testutils.NewFakeService("180F")}, nil)
	select {
	case ev := <-s.obs.services:
		s.Same(p, ev.p)
		s.NoError(ev.err)
		s.Require().Len(ev.svcs, 1)
		s.Equal("180f", ev.svcs[0].UUID)
	case <-time.After(waitTimeout):
		s.Fail("services event not forwarded")
	}
}

func (s *ManagerSuite) TestConnectNarrowsDiscovery() {
	profiles := []central.Profile{{Name: "fitness", ServiceUUIDs: []string{"180D", "180F"}}}
	s.startScan(central.ScanOptions{Profiles: profiles})
	link := testutils.NewFakePeripheral()
	ev := s.discover(link, testutils.CreateAdvertisement("hrm", link.ID(), -50).WithServices("180D"))

	done := make(chan error, 1)
	s.m.Connect(ev.Peripheral, 0, func(err error) { done <- err })
	_, ok := s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)
	s.Radio.SimulateConnect(link)
	s.Require().NoError(s.waitErr(done))

	// Discovery is narrowed to the profile services the advertisement named.
	call, ok := link.NextDiscover(waitTimeout)
	s.Require().True(ok)
	s.Empty(call.ServiceUUID)
	s.Equal([]string{"180d"}, call.UUIDs)
}

func (s *ManagerSuite) TestConnectRequiresPoweredOn() {
	radio := testutils.NewFakeCentral().WithState(adapter.StatePoweredOff)
	m := central.NewManager(radio, s.Logger)
	defer m.Close()

	link := testutils.NewFakePeripheral()
	p := peripheral.New(link, nil, nil, s.Logger)
	defer p.Close()

	done := make(chan error, 1)
	m.Connect(p, 0, func(err error) { done <- err })
	s.ErrorIs(s.waitErr(done), central.ErrInvalidState)
	s.Zero(radio.PendingConnects())
}

func (s *ManagerSuite) TestConnectUntrackedPeripheral() {
	link := testutils.NewFakePeripheral()
	p := peripheral.New(link, nil, nil, s.Logger)
	defer p.Close()

	done := make(chan error, 1)
	s.m.Connect(p, 0, func(err error) { done <- err })
	err := s.waitErr(done)
	s.ErrorIs(err, central.ErrInvalidState)
	s.True(central.IsConnectFailure(err, central.InvalidState))
	s.Zero(s.Radio.PendingConnects())
}

func (s *ManagerSuite) TestConnectTimeout() {
	link, p := s.discoverOne()
	done := make(chan error, 1)
	s.m.Connect(p, 75*time.Millisecond, func(err error) { done <- err })
	_, ok := s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)

	s.ErrorIs(s.waitErr(done), central.ErrConnectionTimedOut)
	s.False(p.Connected())

	// The platform is told to stop the attempt.
	canceled, ok := s.Radio.NextCancel(waitTimeout)
	s.Require().True(ok)
	s.Same(link, canceled)

	// A connection arriving after the timeout is a surprise and is dropped.
	s.Radio.SimulateConnect(link)
	_, ok = s.Radio.NextCancel(waitTimeout)
	s.True(ok)
	s.False(p.Connected())
}

func (s *ManagerSuite) TestCancelPendingConnect() {
	link, p := s.discoverOne()
	done := make(chan error, 1)
	s.m.Connect(p, 0, func(err error) { done <- err })
	_, ok := s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)

	s.m.CancelConnection(p)
	s.ErrorIs(s.waitErr(done), central.ErrConnectionCanceled)

	canceled, ok := s.Radio.NextCancel(waitTimeout)
	s.Require().True(ok)
	s.Same(link, canceled)
}

func (s *ManagerSuite) TestConnectSupersedesPending() {
	link, p := s.discoverOne()
	first := make(chan error, 1)
	second := make(chan error, 1)

	s.m.Connect(p, 0, func(err error) { first <- err })
	_, ok := s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)

	s.m.Connect(p, 0, func(err error) { second <- err })

	// The superseded attempt resolves Canceled before the new one settles.
	s.ErrorIs(s.waitErr(first), central.ErrConnectionCanceled)
	s.Empty(second)

	_, ok = s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)
	s.Radio.SimulateConnect(link)
	s.NoError(s.waitErr(second))
	s.True(p.Connected())

	time.Sleep(settleTime)
	s.Empty(first, "a superseded attempt must not resolve twice")
}

func (s *ManagerSuite) TestConnectFailureWrapsCause() {
	link, p := s.discoverOne()
	done := make(chan error, 1)
	s.m.Connect(p, 0, func(err error) { done <- err })
	_, ok := s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)

	cause := errors.New("att connection refused")
	s.Radio.SimulateConnectFailure(link, cause)

	err := s.waitErr(done)
	s.ErrorIs(err, central.ErrConnectionFailed)
	s.ErrorIs(err, cause)
	s.True(central.IsConnectFailure(err, central.Failed))
	s.False(p.Connected())
}

func (s *ManagerSuite) TestDisconnectReachesObserver() {
	link, p := s.discoverOne()
	s.establish(link, p)

	cause := errors.New("connection timeout")
	s.Radio.SimulateDisconnect(link, cause)

	select {
	case ev := <-s.obs.disconnects:
		s.Same(p, ev.p)
		s.ErrorIs(ev.err, cause)
	case <-time.After(waitTimeout):
		s.Fail("disconnect not forwarded")
	}
	s.False(p.Connected())
}

func (s *ManagerSuite) TestCancelEstablishedConnection() {
	link, p := s.discoverOne()
	s.establish(link, p)

	s.m.CancelConnection(p)
	canceled, ok := s.Radio.NextCancel(waitTimeout)
	s.Require().True(ok)
	s.Same(link, canceled)

	// Requested disconnects carry a nil error.
	s.Radio.SimulateDisconnect(link, nil)
	select {
	case ev := <-s.obs.disconnects:
		s.Same(p, ev.p)
		s.NoError(ev.err)
	case <-time.After(waitTimeout):
		s.Fail("disconnect not forwarded")
	}
}

func (s *ManagerSuite) TestPowerLossResolvesPendingConnects() {
	s.startScan(central.ScanOptions{})
	link := testutils.NewFakePeripheral()
	ev := s.discover(link, testutils.CreateAdvertisement("target", link.ID(), -50))
	p := ev.Peripheral

	done := make(chan error, 1)
	s.m.Connect(p, 0, func(err error) { done <- err })
	_, ok := s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)

	s.Radio.SimulateStateChange(adapter.StatePoweredOff)

	s.ErrorIs(s.waitErr(done), central.ErrInvalidState)
	s.False(s.m.Scanning())

	select {
	case st := <-s.obs.states:
		s.Equal(adapter.StatePoweredOff, st)
	case <-time.After(waitTimeout):
		s.Fail("state change not forwarded")
	}
}

func (s *ManagerSuite) TestCloseDropsEverything() {
	link, p := s.discoverOne()
	s.establish(link, p)

	other := testutils.NewFakePeripheral()
	ev := s.discover(other, testutils.CreateAdvertisement("pending", other.ID(), -60))
	done := make(chan error, 1)
	s.m.Connect(ev.Peripheral, 0, func(err error) { done <- err })
	_, ok := s.Radio.NextConnect(waitTimeout)
	s.Require().True(ok)

	s.m.Close()

	s.ErrorIs(s.waitErr(done), central.ErrConnectionCanceled)
	s.False(p.Connected())
	s.Empty(s.m.Peripherals())
}
