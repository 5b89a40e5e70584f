package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/device"
	"github.com/srg/pneulink/internal/ringchan"
)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceInfo is the latest advertisement seen from one address.
type DeviceInfo struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	LastSeen    time.Time `json:"lastSeen"`
}

type DeviceEvent struct {
	Type       DeviceEventType
	DeviceInfo DeviceInfo
}

// Scanner handles BLE device discovery
type Scanner struct {
	radio   device.Radio
	devices *hashmap.Map[string, DeviceInfo]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
	now     func() time.Time

	scanOptions *ScanOptions
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration  time.Duration
	AllowList []string
	BlockList []string
	// Names keeps only devices advertising one of these local names.
	Names []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(radio device.Radio, logger *logrus.Logger) (*Scanner, error) {
	if radio == nil {
		return nil, errors.New("radio is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		radio:  radio,
		events: ringchan.New[DeviceEvent](100),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Scan performs BLE discovery with provided options. Cancelling ctx ends the scan
// early and returns what was found so far.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (map[string]DeviceInfo, error) {
	s.devices = hashmap.New[string, DeviceInfo]()

	if opts == nil {
		opts = DefaultScanOptions()
	}

	if err := s.radio.Ready(ctx); err != nil {
		return nil, err
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err := s.radio.Scan(scanCtx, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	devices := make(map[string]DeviceInfo, s.devices.Len())
	s.devices.Range(func(key string, value DeviceInfo) bool {
		devices[key] = value
		return true
	})

	return devices, nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	deviceID := adv.Addr()

	prev, existing := s.devices.Get(deviceID)
	if !existing && !s.shouldIncludeDevice(adv, s.scanOptions) {
		return
	}

	info := DeviceInfo{
		Name:        adv.LocalName(),
		Address:     deviceID,
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		LastSeen:    s.now(),
	}
	// Scan responses often omit the name.
	if info.Name == "" {
		info.Name = prev.Name
	}
	s.devices.Set(deviceID, info)

	event := DeviceEvent{DeviceInfo: info, Type: EventUpdated}
	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  info.Name,
			"address": info.Address,
			"rssi":    info.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.ForceSend(event)
}

// shouldIncludeDevice applies to allow/block/name filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement, opts *ScanOptions) bool {
	if opts == nil {
		return true
	}
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 && !contains(opts.AllowList, addr) {
		return false
	}

	if len(opts.Names) > 0 && !contains(opts.Names, adv.LocalName()) {
		return false
	}

	return true
}

func contains(list []string, v string) bool {
	for _, it := range list {
		if it == v {
			return true
		}
	}
	return false
}

// Events return a read-only channel of device events.
// Only the latest 100 events are kept when nobody reads them.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// SortByRSSI returns devices strongest signal first, address breaking ties.
func SortByRSSI(devices map[string]DeviceInfo) []DeviceInfo {
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}
