package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srg/pneulink/internal/device"
)

// FakeAdvertisement is a static advertisement.
type FakeAdvertisement struct {
	Name    string
	Address string
	Signal  int
}

func (a FakeAdvertisement) LocalName() string { return a.Name }
func (a FakeAdvertisement) Addr() string      { return a.Address }
func (a FakeAdvertisement) RSSI() int         { return a.Signal }
func (a FakeAdvertisement) Connectable() bool { return true }

// FakeRadio is an in-memory device.Radio with a single peripheral.
// Scans report the peripheral (and any extra advertisements) and then block
// until cancelled, like a real adapter.
type FakeRadio struct {
	name    string
	address string
	profile *device.Profile
	values  map[string][]byte

	mu            sync.Mutex
	readyErr      error
	scanErr       error
	advertising   bool
	extra         []FakeAdvertisement
	dialFailures  int
	dialErr       error
	discoverErr   error
	subscribeErr  error
	writeErr      error
	clients       []*FakeClient
	clientCreated chan *FakeClient

	scans atomic.Int32
	dials atomic.Int32
}

func newFakeRadio(name, address string, profile *device.Profile, values map[string][]byte) *FakeRadio {
	return &FakeRadio{
		name:          name,
		address:       address,
		profile:       profile,
		values:        values,
		advertising:   true,
		clientCreated: make(chan *FakeClient, 16),
	}
}

// SetReadyErr makes Ready (and Scan/Dial) fail with err. nil restores the adapter.
func (r *FakeRadio) SetReadyErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readyErr = err
}

// SetScanErr makes Scan fail with err while Ready keeps succeeding, like an
// adapter that was switched off after it was first opened.
func (r *FakeRadio) SetScanErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanErr = err
}

// SetAdvertising controls whether scans see the peripheral.
func (r *FakeRadio) SetAdvertising(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = on
}

// AddAdvertisement makes scans report an unrelated device.
func (r *FakeRadio) AddAdvertisement(adv FakeAdvertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extra = append(r.extra, adv)
}

// FailDials makes the next n dials fail with err.
func (r *FakeRadio) FailDials(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialFailures = n
	r.dialErr = err
}

// SetDiscoverErr makes Discover fail on clients created from now on.
func (r *FakeRadio) SetDiscoverErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discoverErr = err
}

// SetSubscribeErr makes Subscribe fail on clients created from now on.
func (r *FakeRadio) SetSubscribeErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeErr = err
}

// SetWriteErr makes Write fail on clients created from now on.
func (r *FakeRadio) SetWriteErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeErr = err
}

func (r *FakeRadio) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyErr
}

func (r *FakeRadio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	r.scans.Add(1)

	r.mu.Lock()
	if err := r.readyErr; err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.scanErr; err != nil {
		r.mu.Unlock()
		return err
	}
	ads := append([]FakeAdvertisement(nil), r.extra...)
	if r.advertising {
		ads = append(ads, FakeAdvertisement{Name: r.name, Address: r.address, Signal: -50})
	}
	r.mu.Unlock()

	for _, adv := range ads {
		if ctx.Err() != nil {
			return nil
		}
		handler(adv)
	}
	<-ctx.Done()
	return nil
}

func (r *FakeRadio) Dial(ctx context.Context, address string) (device.Client, error) {
	r.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if err := r.readyErr; err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.dialFailures > 0 {
		r.dialFailures--
		err := r.dialErr
		r.mu.Unlock()
		return nil, err
	}
	if address != r.address {
		r.mu.Unlock()
		return nil, fmt.Errorf("no device at %s", address)
	}
	c := &FakeClient{
		address:      address,
		profile:      r.profile,
		values:       r.values,
		discoverErr:  r.discoverErr,
		subscribeErr: r.subscribeErr,
		writeErr:     r.writeErr,
		handlers:     make(map[string]func([]byte)),
		disconnected: make(chan struct{}),
	}
	r.clients = append(r.clients, c)
	r.mu.Unlock()

	select {
	case r.clientCreated <- c:
	default:
	}
	return c, nil
}

// ScanCount returns how many scans were started.
func (r *FakeRadio) ScanCount() int { return int(r.scans.Load()) }

// DialCount returns how many dials were attempted.
func (r *FakeRadio) DialCount() int { return int(r.dials.Load()) }

// Client returns the most recently created client, or nil.
func (r *FakeRadio) Client() *FakeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) == 0 {
		return nil
	}
	return r.clients[len(r.clients)-1]
}

// Clients returns every client created so far.
func (r *FakeRadio) Clients() []*FakeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeClient(nil), r.clients...)
}

var _ device.Radio = (*FakeRadio)(nil)

// FakeClient is the connection handed out by FakeRadio.
type FakeClient struct {
	address      string
	profile      *device.Profile
	values       map[string][]byte
	discoverErr  error
	subscribeErr error
	writeErr     error

	mu           sync.Mutex
	handlers     map[string]func([]byte)
	writes       [][]byte
	closed       bool
	cancelled    bool
	disconnected chan struct{}
}

func (c *FakeClient) Address() string { return c.address }

func (c *FakeClient) Discover(ctx context.Context) (*device.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	return c.profile, nil
}

func (c *FakeClient) Subscribe(service, char string, handler func([]byte)) error {
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	if _, err := c.profile.FindCharacteristic(service, char); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return device.ErrNotConnected
	}
	c.handlers[charKey(service, char)] = handler
	return nil
}

func (c *FakeClient) Unsubscribe(service, char string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, charKey(service, char))
	return nil
}

func (c *FakeClient) Read(ctx context.Context, service, char string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := c.profile.FindCharacteristic(service, char); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, device.ErrNotConnected
	}
	return append([]byte(nil), c.values[charKey(service, char)]...), nil
}

func (c *FakeClient) Write(ctx context.Context, service, char string, data []byte, withResponse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	info, err := c.profile.FindCharacteristic(service, char)
	if err != nil {
		return err
	}
	if withResponse && !info.Properties.Has(device.PropWrite) {
		return errors.New("characteristic does not support write with response")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return device.ErrNotConnected
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *FakeClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *FakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	c.closeLocked()
	return nil
}

// SimulateDisconnect drops the link as if the peripheral went out of range.
func (c *FakeClient) SimulateDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *FakeClient) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.handlers = make(map[string]func([]byte))
	close(c.disconnected)
}

// Notify pushes a notification on the characteristic. Returns false when nobody is subscribed.
func (c *FakeClient) Notify(service, char string, data []byte) bool {
	c.mu.Lock()
	handler, ok := c.handlers[charKey(service, char)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	handler(data)
	return true
}

// Subscribed reports whether a handler is registered on the characteristic.
func (c *FakeClient) Subscribed(service, char string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[charKey(service, char)]
	return ok
}

// Writes returns every frame written so far.
func (c *FakeClient) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// Cancelled reports whether CancelConnection was called.
func (c *FakeClient) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

var _ device.Client = (*FakeClient)(nil)
