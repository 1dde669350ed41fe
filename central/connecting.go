package central

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scchn/smurfble/adapter"
)

// connectAttempt is one pending connection. Resolution is exactly-once:
// whichever path wins (platform outcome, timer, cancel, supersede) removes
// the attempt from the pending table under the manager lock; later paths
// find nothing and do nothing. Attempts are compared by pointer identity
// so a timer can never resolve a newer attempt for the same peripheral.
type connectAttempt struct {
	link     adapter.Peripheral
	complete func(error)
	timer    *time.Timer
}

func (a *connectAttempt) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
	}
}

// takeAttempt removes and returns the pending attempt for id, stopping its
// timer. When expect is non-nil the attempt is only taken if it is that
// exact attempt. Returns nil if there is nothing to take.
func (m *Manager) takeAttempt(id string, expect *connectAttempt) *connectAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	att := m.pending[id]
	if att == nil || (expect != nil && att != expect) {
		return nil
	}
	delete(m.pending, id)
	att.stopTimer()
	return att
}

// connectTimedOut is the timer path: resolve the attempt TimedOut and tell
// the platform to stop trying.
func (m *Manager) connectTimedOut(id string, att *connectAttempt) {
	if m.takeAttempt(id, att) == nil {
		return // resolved by another path first
	}
	m.log.WithField("peripheral", id).Warn("connect timed out")
	m.radio.CancelConnect(att.link)
	att.complete(ErrConnectionTimedOut)
}

// CentralStateChanged implements adapter.CentralDelegate. Losing the
// powered-on state kills the scan session and resolves every pending
// attempt: the platform will never answer them.
func (m *Manager) CentralStateChanged(s adapter.State) {
	m.log.WithField("state", s).Info("central state changed")

	if s != adapter.StatePoweredOn {
		m.mu.Lock()
		wasScanning := m.scanning
		m.scanning = false
		attempts := m.pending
		m.pending = make(map[string]*connectAttempt)
		m.mu.Unlock()

		if wasScanning {
			m.log.Warn("scan stopped: radio left powered-on state")
		}
		for id, att := range attempts {
			att.stopTimer()
			m.log.WithField("peripheral", id).Warn("pending connect dropped: radio left powered-on state")
			att.complete(ErrInvalidState)
		}
	}

	m.obs().CentralStateChanged(s)
}

// PeripheralConnected implements adapter.CentralDelegate.
func (m *Manager) PeripheralConnected(link adapter.Peripheral) {
	id := link.ID()
	att := m.takeAttempt(id, nil)
	if att == nil {
		// Attempt already resolved (timeout or cancel racing the
		// platform). Drop the surprise connection.
		m.log.WithField("peripheral", id).Warn("connected with no pending attempt")
		m.radio.CancelConnect(link)
		return
	}

	m.log.WithField("peripheral", id).Info("connected")
	att.complete(nil)

	if e, ok := m.registry.Get(id); ok {
		e.facade.ConnectionUp()
	}
}

// PeripheralConnectFailed implements adapter.CentralDelegate.
func (m *Manager) PeripheralConnectFailed(link adapter.Peripheral, err error) {
	id := link.ID()
	att := m.takeAttempt(id, nil)
	if att == nil {
		m.log.WithField("peripheral", id).Debug("connect failure with no pending attempt")
		return
	}
	m.log.WithFields(logrus.Fields{
		"peripheral": id,
		"err":        err,
	}).Warn("connect failed")
	att.complete(wrapConnectFailed(err))
}

// PeripheralDisconnected implements adapter.CentralDelegate.
func (m *Manager) PeripheralDisconnected(link adapter.Peripheral, err error) {
	id := link.ID()
	e, ok := m.registry.Get(id)
	if !ok {
		m.log.WithField("peripheral", id).Debug("disconnect for untracked peripheral")
		return
	}

	if err != nil {
		m.log.WithFields(logrus.Fields{
			"peripheral": id,
			"err":        err,
		}).Warn("disconnected")
	} else {
		m.log.WithField("peripheral", id).Info("disconnected")
	}

	e.facade.ConnectionDown(err)
	m.obs().PeripheralDisconnected(e.facade, err)
}
