package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// The platform default lives in factory_<os>.go.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Radio implements device.Radio on top of a go-ble central.
// The underlying ble.Device is created lazily on the first Ready call and reused.
type Radio struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewRadio creates a Radio. The adapter is not touched until Ready is called.
func NewRadio(logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{logger: logger}
}

// Ready opens the HCI/CoreBluetooth device if needed and maps power/permission
// failures to device.ErrAdapterOff / device.ErrAdapterUnavailable.
func (r *Radio) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.device()
	return err
}

func (r *Radio) device() (ble.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dev != nil {
		return r.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		err = device.NormalizeError(err)
		if !device.IsAdapterError(err) {
			err = fmt.Errorf("%w: %v", device.ErrAdapterUnavailable, err)
		}
		r.logger.WithField("error", err).Error("Failed to open BLE adapter")
		return nil, err
	}
	r.dev = dev
	return dev, nil
}

// Scan delivers advertisements until ctx is done. Context cancellation is not an error.
func (r *Radio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	dev, err := r.device()
	if err != nil {
		return err
	}

	r.logger.Debug("Starting BLE scan...")
	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}
	return nil
}

// Dial connects to the peripheral at address.
func (r *Radio) Dial(ctx context.Context, address string) (device.Client, error) {
	dev, err := r.device()
	if err != nil {
		return nil, err
	}

	r.logger.WithField("address", address).Debug("Dialing BLE device...")
	cln, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.NormalizeError(err))
	}
	return newClient(address, cln, r.logger), nil
}

// Close stops the adapter if it was opened.
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev == nil {
		return nil
	}
	err := r.dev.Stop()
	r.dev = nil
	return err
}

var _ device.Radio = (*Radio)(nil)
