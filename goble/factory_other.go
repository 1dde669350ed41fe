//go:build !linux && !darwin

package goble

import (
	blelib "github.com/go-ble/ble"
	"github.com/pkg/errors"
)

func newDefaultDevice() (blelib.Device, error) {
	return nil, errors.New("no BLE transport for this platform")
}
