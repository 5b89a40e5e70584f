package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/device"
)

// Client implements device.Client over a go-ble client.
// Characteristic handles are indexed by "<service>/<char>" (normalized UUIDs) after Discover.
type Client struct {
	address string
	cln     ble.Client
	logger  *logrus.Logger

	chars      *hashmap.Map[string, *ble.Characteristic]
	writeMutex sync.Mutex
	cancelOnce sync.Once
	cancelErr  error
}

func newClient(address string, cln ble.Client, logger *logrus.Logger) *Client {
	return &Client{
		address: address,
		cln:     cln,
		logger:  logger,
		chars:   hashmap.New[string, *ble.Characteristic](),
	}
}

func charKey(service, char string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(char)
}

func (c *Client) Address() string {
	return c.address
}

// Discover enumerates the GATT profile and refreshes the characteristic index.
func (c *Client) Discover(ctx context.Context) (*device.Profile, error) {
	type result struct {
		p   *ble.Profile
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		p, err := c.cln.DiscoverProfile(true)
		resultCh <- result{p: p, err: err}
	}()

	var bleProfile *ble.Profile
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to discover profile: %w", device.NormalizeError(res.err))
		}
		bleProfile = res.p
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to discover profile: %w", ctx.Err())
	}

	profile := &device.Profile{Services: make([]device.ServiceInfo, 0, len(bleProfile.Services))}
	for _, bleSvc := range bleProfile.Services {
		svc := device.ServiceInfo{UUID: device.NormalizeUUID(bleSvc.UUID.String())}
		for _, bleChar := range bleSvc.Characteristics {
			charUUID := device.NormalizeUUID(bleChar.UUID.String())
			c.logger.WithFields(logrus.Fields{
				"service_uuid": svc.UUID,
				"char_uuid":    charUUID,
			}).Debug("Found characteristic UUID")
			c.chars.Set(svc.UUID+"/"+charUUID, bleChar)
			svc.Characteristics = append(svc.Characteristics, device.CharacteristicInfo{
				UUID:       charUUID,
				Properties: convertProperties(bleChar.Property),
			})
		}
		profile.Services = append(profile.Services, svc)
	}
	return profile, nil
}

func (c *Client) lookup(service, char string) (*ble.Characteristic, error) {
	bleChar, ok := c.chars.Get(charKey(service, char))
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
	}
	return bleChar, nil
}

// Subscribe enables notifications (or indications when notify is unsupported).
func (c *Client) Subscribe(service, char string, handler func([]byte)) error {
	bleChar, err := c.lookup(service, char)
	if err != nil {
		return err
	}
	indicate := bleChar.Property&ble.CharNotify == 0 && bleChar.Property&ble.CharIndicate != 0
	if err := c.cln.Subscribe(bleChar, indicate, ble.NotificationHandler(handler)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", char, device.NormalizeError(err))
	}
	c.logger.WithFields(logrus.Fields{
		"serviceUUID": service,
		"charUUID":    char,
	}).Info("Subscribed to characteristic notifications")
	return nil
}

// Unsubscribe tries both notify and indicate modes; fails only if both fail.
func (c *Client) Unsubscribe(service, char string) error {
	bleChar, err := c.lookup(service, char)
	if err != nil {
		return err
	}
	err1 := device.NormalizeError(c.cln.Unsubscribe(bleChar, false))
	err2 := device.NormalizeError(c.cln.Unsubscribe(bleChar, true))
	if err1 != nil && err2 != nil {
		return fmt.Errorf("%s: notify=%v, indicate=%v", char, err1, err2)
	}
	return nil
}

func (c *Client) Read(ctx context.Context, service, char string) ([]byte, error) {
	bleChar, err := c.lookup(service, char)
	if err != nil {
		return nil, err
	}

	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		data, err := c.cln.ReadCharacteristic(bleChar)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", char, device.NormalizeError(res.err))
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("read characteristic %s: %w", char, ctx.Err())
	}
}

// Write performs a single write. Frames are small, so no chunking is done.
func (c *Client) Write(ctx context.Context, service, char string, data []byte, withResponse bool) error {
	bleChar, err := c.lookup(service, char)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.cln.WriteCharacteristic(bleChar, data, !withResponse)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to write to characteristic %s in service %s: %w", char, service, device.NormalizeError(err))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("write characteristic %s: %w", char, ctx.Err())
	}
}

func (c *Client) Disconnected() <-chan struct{} {
	return c.cln.Disconnected()
}

func (c *Client) CancelConnection() error {
	c.cancelOnce.Do(func() {
		c.cancelErr = c.cln.CancelConnection()
	})
	return c.cancelErr
}

func convertProperties(p ble.Property) device.Property {
	var out device.Property
	if p&ble.CharRead != 0 {
		out |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= device.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		out |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= device.PropIndicate
	}
	return out
}

var _ device.Client = (*Client)(nil)
