// Package goble implements the platform adapter over go-ble: scanning,
// dialing, GATT discovery, reads, writes, and subscriptions, bridged from
// go-ble's synchronous calls to the adapter's asynchronous delegate events
// on a single dispatch goroutine.
package goble

import blelib "github.com/go-ble/ble"

// DeviceFactory creates the underlying go-ble device. Overridable so tests
// can substitute a fake transport without touching an HCI socket.
var DeviceFactory = func() (blelib.Device, error) {
	return newDefaultDevice()
}
