package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service" or "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected       ConnectionState = "not_connected"
	AlreadyConnected   ConnectionState = "already_connected"
	AdapterOff         ConnectionState = "adapter_off"
	AdapterUnavailable ConnectionState = "adapter_unavailable"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected       = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected   = &ConnectionError{State: AlreadyConnected}
	ErrAdapterOff         = &ConnectionError{State: AdapterOff, Msg: "bluetooth is turned off"}
	ErrAdapterUnavailable = &ConnectionError{State: AdapterUnavailable, Msg: "bluetooth adapter is not available"}
)

// ErrDeviceNotFound is returned when a scan window closes without a matching advertisement.
var ErrDeviceNotFound = errors.New("device not found")

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// IsAdapterError reports whether err requires user remediation (radio off or no permission).
func IsAdapterError(err error) bool {
	return errors.Is(err, ErrAdapterOff) || errors.Is(err, ErrAdapterUnavailable)
}

// NormalizeError maps known platform BLE error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "have=4"), containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "network is down"):
		return fmt.Errorf("%w: %v", ErrAdapterOff, err)
	case containsIgnoreCase(msg, "operation not permitted"), containsIgnoreCase(msg, "permission denied"),
		containsIgnoreCase(msg, "no devices available"), containsIgnoreCase(msg, "central manager has invalid state"):
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Advertisement is the subset of an advertising packet the link needs to pick its peripheral.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
}

// Radio is a central-role BLE adapter.
type Radio interface {
	// Ready reports whether the adapter is powered on and usable.
	// Returns ErrAdapterOff or ErrAdapterUnavailable otherwise.
	Ready(ctx context.Context) error

	// Scan delivers advertisements to handler until ctx is done.
	Scan(ctx context.Context, handler func(Advertisement)) error

	// Dial opens a GATT connection to the peripheral at address.
	Dial(ctx context.Context, address string) (Client, error)
}

// Client is a live GATT connection to one peripheral.
type Client interface {
	Address() string

	// Discover enumerates services and characteristics.
	Discover(ctx context.Context) (*Profile, error)

	Subscribe(service, char string, handler func([]byte)) error
	Unsubscribe(service, char string) error
	Read(ctx context.Context, service, char string) ([]byte, error)
	Write(ctx context.Context, service, char string, data []byte, withResponse bool) error

	// Disconnected is closed when the peripheral drops the link.
	Disconnected() <-chan struct{}

	// CancelConnection tears the link down. Safe to call more than once.
	CancelConnection() error
}

// Property is a bit set of characteristic capabilities
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// Has reports whether all bits of p2 are set in p
func (p Property) Has(p2 Property) bool {
	return p&p2 == p2
}

func (p Property) String() string {
	var parts []string
	for _, it := range []struct {
		bit  Property
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	} {
		if p.Has(it.bit) {
			parts = append(parts, it.name)
		}
	}
	return strings.Join(parts, ",")
}

// CharacteristicInfo describes a discovered characteristic
type CharacteristicInfo struct {
	UUID       string
	Properties Property
}

// ServiceInfo describes a discovered service
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// Profile is the discovered GATT database of a peripheral. UUIDs are normalized.
type Profile struct {
	Services []ServiceInfo
}

// FindCharacteristic looks up a characteristic by service and characteristic UUID.
// Returns a NotFoundError if either is missing.
func (p *Profile) FindCharacteristic(service, char string) (CharacteristicInfo, error) {
	svcUUID := NormalizeUUID(service)
	charUUID := NormalizeUUID(char)
	for _, svc := range p.Services {
		if svc.UUID != svcUUID {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID == charUUID {
				return c, nil
			}
		}
		return CharacteristicInfo{}, &NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
	}
	return CharacteristicInfo{}, &NotFoundError{Resource: "service", UUIDs: []string{service}}
}
