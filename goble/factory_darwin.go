package goble

import (
	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newDefaultDevice() (blelib.Device, error) {
	return darwin.NewDevice()
}
