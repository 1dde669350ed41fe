package main

import (
	"fmt"
	"time"

	"github.com/scchn/smurfble/peripheral"
	"github.com/scchn/smurfble/session"
)

// valueUpdate is one characteristic value delivery, read result or
// notification.
type valueUpdate struct {
	uuid  string
	value []byte
	err   error
}

// valueSink funnels a session's value deliveries into a channel the
// command loop can consume. The hook runs on the engine's dispatch
// goroutine; a full channel drops the update rather than block there.
func valueSink(sess *session.Session, capacity int) <-chan valueUpdate {
	ch := make(chan valueUpdate, capacity)
	sess.OnValue(func(c *peripheral.Characteristic, value []byte, err error) {
		select {
		case ch <- valueUpdate{uuid: c.UUID, value: value, err: err}:
		default:
		}
	})
	return ch
}

// awaitRead issues a read and waits for its value to come back. Updates
// for other characteristics are discarded while waiting.
func awaitRead(sess *session.Session, results <-chan valueUpdate, ch *peripheral.Characteristic, timeout time.Duration) ([]byte, error) {
	if err := sess.Peripheral.ReadValue(ch); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case upd := <-results:
			if upd.uuid != ch.UUID {
				continue
			}
			return upd.value, upd.err
		case <-deadline.C:
			return nil, fmt.Errorf("read timed out after %s", timeout)
		}
	}
}

// printableASCII reports whether every byte renders as visible ASCII or
// space.
func printableASCII(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}
