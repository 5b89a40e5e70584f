// Package link keeps a logical connection to one BLE peripheral.
//
// The Manager scans for the peripheral by name, connects, checks the GATT
// profile, streams decoded sensor readings to a single consumer and writes
// actuator commands. When the peripheral drops the link it reconnects on its
// own and resumes streaming to the same consumer.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/codec"
	"github.com/srg/pneulink/internal/device"
	"github.com/srg/pneulink/internal/groutine"
	"github.com/srg/pneulink/internal/metrics"
	"github.com/srg/pneulink/internal/ringchan"
)

const (
	DefaultScanTimeout    = 10 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultStreamBuffer   = 1024
)

var (
	// ErrDisconnected is returned by a Connect that was interrupted by Disconnect.
	ErrDisconnected = errors.New("link disconnected")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("link manager closed")
)

// Config identifies the peripheral and tunes the connection policy.
type Config struct {
	DeviceName  string
	ServiceUUID string
	SensorUUID  string
	CommandUUID string
	StatusUUID  string

	// ChannelID is the zone reported by the sensor characteristic.
	ChannelID string
	Zones     codec.Zones

	// ConnectTimeout bounds dial plus discovery of one attempt.
	ConnectTimeout time.Duration
	// ScanTimeout bounds one scan window.
	ScanTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// StreamBuffer is the number of decoded readings held for the consumer.
	StreamBuffer int
}

func (c *Config) applyDefaults() {
	if len(c.Zones) == 0 {
		c.Zones = codec.DefaultZones
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = DefaultStreamBuffer
	}
}

func (c *Config) validate() error {
	if c.DeviceName == "" {
		return errors.New("device name is required")
	}
	if _, err := device.ValidateUUID(c.ServiceUUID, c.SensorUUID, c.CommandUUID, c.StatusUUID); err != nil {
		return fmt.Errorf("invalid characteristic configuration: %w", err)
	}
	if err := c.Zones.Validate(); err != nil {
		return err
	}
	if !c.Zones.Contains(c.ChannelID) {
		return fmt.Errorf("channel %q is not one of the zones %v", c.ChannelID, c.Zones)
	}
	return nil
}

// Consumer receives decoded readings. Errors are logged and counted; they never affect the link.
type Consumer interface {
	Consume(codec.Reading) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(codec.Reading) error

func (f ConsumerFunc) Consume(r codec.Reading) error { return f(r) }

// connectCall is a connect attempt shared by every caller that arrives while it runs.
type connectCall struct {
	done chan struct{}
	err  error
	// abandoned is set when the owner's ctx ended the attempt, not the link.
	abandoned bool
}

func (c *connectCall) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session groups everything that lives between Connect and Disconnect.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *groutine.Group
}

// Manager owns the transport client and the link state. Safe for concurrent use.
type Manager struct {
	radio   device.Radio
	cfg     Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	frames *ringchan.RingChannel[codec.Reading]

	mu        sync.Mutex
	state     State
	closed    bool
	client    device.Client
	lastAddr  string
	consumer  Consumer
	inflight  *connectCall
	sess      *session
	observers []func(from, to State)
}

// New validates cfg and creates an idle Manager. m may be nil.
func New(radio device.Radio, cfg Config, logger *logrus.Logger, m *metrics.Metrics) (*Manager, error) {
	if radio == nil {
		return nil, errors.New("radio is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	m.SetLinkState(Idle.String())
	return &Manager{
		radio:   radio,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		frames:  ringchan.New[codec.Reading](cfg.StreamBuffer),
		state:   Idle,
	}, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers an observer called after every transition.
// Observers run on the goroutine that caused the transition and must not block.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Connect establishes the link. It returns nil right away when already connected,
// and callers arriving while a connect or reconnect is running share its result.
// Transient failures are retried with backoff until ctx is done. An adapter that
// is off or unavailable is reported immediately and leaves the link PoweredOff;
// any other failure returns it to Idle.
//
// A shared attempt runs under the ctx of the caller that started it. If that
// caller gives up first, waiters with time left start a new attempt.
func (m *Manager) Connect(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if m.state == Connected {
			m.mu.Unlock()
			return nil
		}
		if call := m.inflight; call != nil {
			m.mu.Unlock()
			m.logger.Debug("Connect already in progress, waiting for it")
			err := call.wait(ctx)
			if ctx.Err() == nil && call.abandoned {
				continue
			}
			return err
		}
		call := &connectCall{done: make(chan struct{})}
		m.inflight = call
		sess := m.ensureSessionLocked()
		m.mu.Unlock()

		err := m.establish(ctx, sess, "")
		if err != nil {
			call.abandoned = ctx.Err() != nil && sess.ctx.Err() == nil
			m.connectFailed(sess, err)
		}

		m.mu.Lock()
		m.inflight = nil
		m.mu.Unlock()
		call.err = err
		close(call.done)
		return err
	}
}

// connectFailed settles the state after a failed Connect and ends the session,
// which holds no client at that point.
func (m *Manager) connectFailed(sess *session, err error) {
	if !device.IsAdapterError(err) {
		m.setState(sess, Idle)
	}

	m.mu.Lock()
	if m.sess != sess || m.client != nil {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	sess.cancel()
	m.mu.Unlock()
	sess.group.Wait()
}

func (m *Manager) ensureSessionLocked() *session {
	if m.sess != nil && m.sess.ctx.Err() == nil {
		return m.sess
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{ctx: ctx, cancel: cancel, group: &groutine.Group{}}
	m.sess = sess
	sess.group.Go(ctx, "link-pump", m.pump)
	return sess
}

// establish runs scan, dial and discovery attempts until one succeeds.
// With a non-empty reconnectAddr it first dials that address directly once,
// keeps the state at Reconnecting throughout and retries until the session ends.
func (m *Manager) establish(ctx context.Context, sess *session, reconnectAddr string) error {
	opCtx, stop := mergeCancel(ctx, sess.ctx)
	defer stop()

	reconnect := reconnectAddr != ""
	directAddr := reconnectAddr
	bo := newBackoff(m.cfg.InitialBackoff, m.cfg.MaxBackoff)
	log := m.logger.WithField("device", m.cfg.DeviceName)

	for attempt := 1; ; attempt++ {
		if err := opCtx.Err(); err != nil {
			return m.abortErr(ctx, sess)
		}

		err := m.radio.Ready(opCtx)
		if err == nil {
			if reconnect {
				m.setState(sess, Reconnecting)
			}
			var client device.Client
			client, err = m.attempt(opCtx, sess, directAddr, reconnect)
			directAddr = ""
			if err == nil {
				if err = m.install(sess, client); err == nil {
					log.WithFields(logrus.Fields{
						"address":  client.Address(),
						"attempts": attempt,
					}).Info("Connected to device")
					return nil
				}
			}
		}
		// Ready may be cached by the transport, so scan and dial report the adapter too.
		if nerr := device.NormalizeError(err); device.IsAdapterError(nerr) {
			err = nerr
			m.setState(sess, PoweredOff)
			if !reconnect {
				log.WithError(err).Error("Bluetooth adapter is not ready")
				return err
			}
		}

		if opCtx.Err() != nil {
			return m.abortErr(ctx, sess)
		}

		delay := bo.Next()
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": delay,
		}).Warn("Connection attempt failed")
		if err := sleep(opCtx, delay); err != nil {
			return m.abortErr(ctx, sess)
		}
	}
}

func (m *Manager) abortErr(ctx context.Context, sess *session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess.ctx.Err() != nil {
		return ErrDisconnected
	}
	return context.Canceled
}

// attempt finds (or directly dials) the peripheral and validates its profile.
func (m *Manager) attempt(ctx context.Context, sess *session, addr string, quiet bool) (device.Client, error) {
	if addr == "" {
		if !quiet {
			m.setState(sess, Scanning)
		}
		found, err := m.scan(ctx)
		if err != nil {
			return nil, err
		}
		addr = found
	}

	if !quiet {
		m.setState(sess, Connecting)
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	client, err := m.radio.Dial(dialCtx, addr)
	if err != nil {
		return nil, err
	}

	if !quiet {
		m.setState(sess, Discovering)
	}
	if err := m.discover(dialCtx, client); err != nil {
		_ = client.CancelConnection()
		return nil, err
	}
	return client, nil
}

// scan returns the address of the first advertisement whose local name matches exactly.
func (m *Manager) scan(ctx context.Context) (string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	defer cancel()

	found := make(chan string, 1)
	m.logger.WithField("device", m.cfg.DeviceName).Debug("Scanning for device...")
	err := m.radio.Scan(scanCtx, func(adv device.Advertisement) {
		if adv.LocalName() != m.cfg.DeviceName {
			return
		}
		select {
		case found <- adv.Addr():
			cancel()
		default:
		}
	})

	select {
	case addr := <-found:
		return addr, nil
	default:
	}
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", fmt.Errorf("%w: no advertisement from %q within %s", device.ErrDeviceNotFound, m.cfg.DeviceName, m.cfg.ScanTimeout)
}

// discover checks that the service and all three characteristics are present and usable.
func (m *Manager) discover(ctx context.Context, client device.Client) error {
	profile, err := client.Discover(ctx)
	if err != nil {
		return err
	}

	required := []struct {
		uuid string
		need device.Property
		name string
	}{
		{m.cfg.SensorUUID, device.PropNotify | device.PropIndicate, "sensor"},
		{m.cfg.CommandUUID, device.PropWrite, "command"},
		{m.cfg.StatusUUID, device.PropRead, "status"},
	}
	for _, r := range required {
		info, err := profile.FindCharacteristic(m.cfg.ServiceUUID, r.uuid)
		if err != nil {
			return err
		}
		if info.Properties&r.need == 0 {
			return fmt.Errorf("%s characteristic %s has properties %q, needs %q", r.name, r.uuid, info.Properties, r.need)
		}
	}
	return nil
}

// install makes client the active connection, subscribes the registered consumer
// and starts watching for disconnection. Fails if the session ended meanwhile.
func (m *Manager) install(sess *session, client device.Client) error {
	m.mu.Lock()
	if sess.ctx.Err() != nil {
		m.mu.Unlock()
		_ = client.CancelConnection()
		return ErrDisconnected
	}
	m.client = client
	m.lastAddr = client.Address()
	consumer := m.consumer
	m.mu.Unlock()

	if consumer != nil {
		if err := m.subscribe(client); err != nil {
			m.mu.Lock()
			if m.client == client {
				m.client = nil
			}
			m.mu.Unlock()
			_ = client.CancelConnection()
			return err
		}
	}

	m.mu.Lock()
	if sess.ctx.Err() != nil {
		m.mu.Unlock()
		_ = client.CancelConnection()
		return ErrDisconnected
	}
	sess.group.Go(sess.ctx, "link-monitor", func(ctx context.Context) {
		m.monitor(ctx, sess, client)
	})
	m.mu.Unlock()

	m.setState(sess, Connected)
	return nil
}

// monitor waits for an unsolicited disconnection and drives the reconnection.
func (m *Manager) monitor(ctx context.Context, sess *session, client device.Client) {
	select {
	case <-ctx.Done():
		return
	case <-client.Disconnected():
	}

	m.mu.Lock()
	if ctx.Err() != nil || m.client != client {
		m.mu.Unlock()
		return
	}
	m.client = nil
	addr := m.lastAddr
	call := &connectCall{done: make(chan struct{})}
	m.inflight = call
	m.mu.Unlock()

	m.logger.WithField("address", addr).Warn("Connection lost, reconnecting...")
	m.setState(sess, Reconnecting)

	err := m.establish(ctx, sess, addr)

	m.mu.Lock()
	if m.inflight == call {
		m.inflight = nil
	}
	m.mu.Unlock()
	call.err = err
	close(call.done)
}

// StartStreaming registers consumer as the single receiver of readings and subscribes
// to the sensor characteristic. The registration survives reconnections.
func (m *Manager) StartStreaming(consumer Consumer) error {
	if consumer == nil {
		return errors.New("consumer is required")
	}

	m.mu.Lock()
	if m.state != Connected || m.client == nil {
		m.mu.Unlock()
		return device.ErrNotConnected
	}
	subscribed := m.consumer != nil
	m.consumer = consumer
	client := m.client
	m.mu.Unlock()

	if subscribed {
		m.logger.Debug("Replaced stream consumer")
		return nil
	}
	if err := m.subscribe(client); err != nil {
		m.mu.Lock()
		if m.consumer == consumer {
			m.consumer = nil
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) subscribe(client device.Client) error {
	if err := client.Subscribe(m.cfg.ServiceUUID, m.cfg.SensorUUID, m.onFrame); err != nil {
		return fmt.Errorf("failed to subscribe to sensor notifications: %w", device.NormalizeError(err))
	}
	m.logger.WithField("channel", m.cfg.ChannelID).Info("Streaming sensor readings")
	return nil
}

// onFrame runs on the transport's notification goroutine and must never block.
func (m *Manager) onFrame(data []byte) {
	reading, err := codec.DecodeReading(data, m.cfg.ChannelID, m.now())
	if err != nil {
		m.metrics.IncReading(metrics.ReadingRejected)
		m.logger.WithError(err).Debug("Dropping malformed frame")
		return
	}
	if m.frames.ForceSend(reading) {
		m.metrics.IncReading(metrics.ReadingDropped)
		m.logger.WithField("buffer", m.frames.Cap()).Warn("Stream buffer full, dropped oldest reading")
	}
}

// pump delivers buffered readings to the consumer for the lifetime of a session.
func (m *Manager) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.frames.C():
			m.deliver(r)
		}
	}
}

func (m *Manager) deliver(r codec.Reading) {
	m.mu.Lock()
	consumer := m.consumer
	m.mu.Unlock()

	if consumer == nil {
		m.metrics.IncReading(metrics.ReadingDropped)
		return
	}
	if err := consumer.Consume(r); err != nil {
		m.metrics.IncReading(metrics.ReadingFailed)
		m.logger.WithError(err).WithField("reading", r.String()).Error("Consumer failed to handle reading")
		return
	}
	m.metrics.IncReading(metrics.ReadingIngested)
}

// SendCommand validates, encodes and writes cmd with response. It is never retried.
func (m *Manager) SendCommand(ctx context.Context, cmd codec.Command) error {
	if err := cmd.Validate(len(m.cfg.Zones)); err != nil {
		return err
	}
	frame, err := codec.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	client, err := m.connectedClient()
	if err != nil {
		return err
	}
	if err := client.Write(ctx, m.cfg.ServiceUUID, m.cfg.CommandUUID, frame, true); err != nil {
		return fmt.Errorf("failed to send command (%s): %w", cmd, device.NormalizeError(err))
	}
	m.logger.WithField("command", cmd.String()).Debug("Command sent")
	return nil
}

// ReadStatus reads the status characteristic.
func (m *Manager) ReadStatus(ctx context.Context) ([]byte, error) {
	client, err := m.connectedClient()
	if err != nil {
		return nil, err
	}
	data, err := client.Read(ctx, m.cfg.ServiceUUID, m.cfg.StatusUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", device.NormalizeError(err))
	}
	return data, nil
}

func (m *Manager) connectedClient() (device.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.client == nil {
		return nil, device.ErrNotConnected
	}
	return m.client, nil
}

// Disconnect tears down the subscription and the connection and stops any
// reconnection. Safe to call from any state; Connect afterwards starts over.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	if sess != nil {
		sess.cancel()
	}
	client := m.client
	m.client = nil
	subscribed := m.consumer != nil
	m.consumer = nil
	m.mu.Unlock()

	var err error
	if client != nil {
		if subscribed {
			if uerr := client.Unsubscribe(m.cfg.ServiceUUID, m.cfg.SensorUUID); uerr != nil {
				m.logger.WithError(uerr).Debug("Unsubscribe failed")
			}
		}
		if cerr := client.CancelConnection(); cerr != nil && !device.IsConnectionState(device.NormalizeError(cerr), device.NotConnected) {
			err = fmt.Errorf("failed to disconnect: %w", device.NormalizeError(cerr))
		}
	}
	if sess != nil {
		sess.group.Wait()
	}

	// Readings decoded but not yet delivered belong to the torn down session.
	for {
		if _, ok := m.frames.TryReceive(); !ok {
			break
		}
		m.metrics.IncReading(metrics.ReadingDropped)
	}

	m.setState(nil, Disconnected)
	if client != nil {
		m.logger.WithField("address", client.Address()).Info("Disconnected from device")
	}
	return err
}

// Close disconnects and rejects further Connect calls.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Disconnect()
}

// setState moves to state s unless sess has ended. A nil sess always applies.
func (m *Manager) setState(sess *session, s State) {
	m.mu.Lock()
	if sess != nil && sess.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	from := m.state
	if from == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	observers := append([]func(from, to State){}, m.observers...)
	m.mu.Unlock()

	m.metrics.SetLinkState(s.String())
	m.logger.WithFields(logrus.Fields{"from": from.String(), "to": s.String()}).Debug("Link state changed")
	for _, fn := range observers {
		fn(from, s)
	}
}

// mergeCancel returns a context cancelled when either ctx or other is done.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
