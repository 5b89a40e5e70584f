// Package codec converts actuator commands to wire frames and sensor
// notification frames to readings. All functions are pure.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// CommandFrameSize is the fixed width of an encoded actuator command.
const CommandFrameSize = 4

// MaxZones is the largest zone count a single-byte zone index can address.
const MaxZones = 256

// TimestampLayout is the serialized timestamp format: RFC 3339, milliseconds, UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrMalformedFrame is returned when an inbound sensor frame is not a finite decimal number.
	ErrMalformedFrame = errors.New("malformed sensor frame")

	// ErrInvalidCommand is returned when a command cannot be encoded.
	ErrInvalidCommand = errors.New("invalid actuator command")
)

// DecodeError carries the offending frame. It unwraps to ErrMalformedFrame.
type DecodeError struct {
	Frame  []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrMalformedFrame, e.Frame, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrMalformedFrame
}

// Zones is the static, ordered set of sensing zones of a peripheral.
// A zone's position in the set is its command index.
type Zones []string

// DefaultZones are the four zones of the standard patch.
var DefaultZones = Zones{"bottom_left", "bottom_right", "top_left", "top_right"}

// Index returns the position of name, or -1.
func (z Zones) Index(name string) int {
	for i, zone := range z {
		if zone == name {
			return i
		}
	}
	return -1
}

func (z Zones) Contains(name string) bool {
	return z.Index(name) >= 0
}

// Validate checks that the set is non-empty, addressable by one byte and free of duplicates.
func (z Zones) Validate() error {
	if len(z) == 0 {
		return errors.New("zone set is empty")
	}
	if len(z) > MaxZones {
		return fmt.Errorf("zone set has %d zones, at most %d are addressable", len(z), MaxZones)
	}
	seen := make(map[string]struct{}, len(z))
	for i, zone := range z {
		if strings.TrimSpace(zone) == "" {
			return fmt.Errorf("zone at index %d is empty", i)
		}
		if _, dup := seen[zone]; dup {
			return fmt.Errorf("duplicate zone %q", zone)
		}
		seen[zone] = struct{}{}
	}
	return nil
}

// Reading is one pressure sample. Immutable once constructed.
type Reading struct {
	channelID string
	pressure  float64
	timestamp time.Time
}

// NewReading validates and builds a Reading. The timestamp is stored in UTC
// truncated to millisecond precision so it survives a round trip through TimestampLayout.
func NewReading(channelID string, pressure float64, ts time.Time) (Reading, error) {
	if channelID == "" {
		return Reading{}, errors.New("reading channel id is empty")
	}
	if math.IsNaN(pressure) || math.IsInf(pressure, 0) {
		return Reading{}, fmt.Errorf("reading pressure %v is not finite", pressure)
	}
	if ts.IsZero() {
		return Reading{}, errors.New("reading timestamp is zero")
	}
	return Reading{
		channelID: channelID,
		pressure:  pressure,
		timestamp: ts.UTC().Truncate(time.Millisecond),
	}, nil
}

func (r Reading) ChannelID() string    { return r.channelID }
func (r Reading) Pressure() float64    { return r.pressure }
func (r Reading) Timestamp() time.Time { return r.timestamp }

// FormatTimestamp returns the timestamp in TimestampLayout.
func (r Reading) FormatTimestamp() string {
	return r.timestamp.Format(TimestampLayout)
}

func (r Reading) String() string {
	return fmt.Sprintf("%s=%g@%s", r.channelID, r.pressure, r.FormatTimestamp())
}

// ParseTimestamp parses a timestamp written by FormatTimestamp (any RFC 3339 value is accepted).
func ParseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}

// DecodeReading parses a sensor notification frame: a UTF-8 decimal string of the
// pressure magnitude, optionally padded with whitespace or NUL bytes.
// The channel comes from the characteristic the frame arrived on.
func DecodeReading(frame []byte, channelID string, now time.Time) (Reading, error) {
	text := strings.TrimSpace(string(bytes.Trim(frame, "\x00")))
	if text == "" {
		return Reading{}, &DecodeError{Frame: frame, Reason: "empty"}
	}
	pressure, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Reading{}, &DecodeError{Frame: frame, Reason: "not a number"}
	}
	if math.IsNaN(pressure) || math.IsInf(pressure, 0) {
		return Reading{}, &DecodeError{Frame: frame, Reason: "not finite"}
	}
	return NewReading(channelID, pressure, now)
}

// Command is an actuator intent for one zone.
type Command struct {
	ZoneIndex int
	Inflate   bool
	Deflate   bool
	Pump      bool
}

// Validate rejects commands the peripheral cannot act on: a zone outside
// [0, zoneCount) or inflate and deflate requested together.
func (c Command) Validate(zoneCount int) error {
	if zoneCount <= 0 || zoneCount > MaxZones {
		zoneCount = MaxZones
	}
	if c.ZoneIndex < 0 || c.ZoneIndex >= zoneCount {
		return fmt.Errorf("%w: zone index %d out of range [0, %d)", ErrInvalidCommand, c.ZoneIndex, zoneCount)
	}
	if c.Inflate && c.Deflate {
		return fmt.Errorf("%w: inflate and deflate are mutually exclusive", ErrInvalidCommand)
	}
	return nil
}

func (c Command) String() string {
	return fmt.Sprintf("zone=%d inflate=%t deflate=%t pump=%t", c.ZoneIndex, c.Inflate, c.Deflate, c.Pump)
}

// EncodeCommand produces the 4-byte frame [zone, inflate, deflate, pump].
func EncodeCommand(cmd Command) ([]byte, error) {
	if err := cmd.Validate(MaxZones); err != nil {
		return nil, err
	}
	return []byte{byte(cmd.ZoneIndex), flag(cmd.Inflate), flag(cmd.Deflate), flag(cmd.Pump)}, nil
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(frame []byte) (Command, error) {
	if len(frame) != CommandFrameSize {
		return Command{}, fmt.Errorf("%w: frame is %d bytes, want %d", ErrInvalidCommand, len(frame), CommandFrameSize)
	}
	for i, b := range frame[1:] {
		if b > 1 {
			return Command{}, fmt.Errorf("%w: flag byte %d is %d, want 0 or 1", ErrInvalidCommand, i+1, b)
		}
	}
	cmd := Command{
		ZoneIndex: int(frame[0]),
		Inflate:   frame[1] == 1,
		Deflate:   frame[2] == 1,
		Pump:      frame[3] == 1,
	}
	if err := cmd.Validate(MaxZones); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}
