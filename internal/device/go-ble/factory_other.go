//go:build !linux && !darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/pneulink/internal/device"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, device.ErrAdapterUnavailable
}
