package goble

import (
	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newDefaultDevice() (blelib.Device, error) {
	return linux.NewDevice()
}
