package codec

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.FixedZone("CET", 3600))

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name     string
		cmd      Command
		expected []byte
	}{
		{"all off", Command{ZoneIndex: 0}, []byte{0, 0, 0, 0}},
		{"inflate with pump", Command{ZoneIndex: 2, Inflate: true, Pump: true}, []byte{2, 1, 0, 1}},
		{"deflate", Command{ZoneIndex: 3, Deflate: true}, []byte{3, 0, 1, 0}},
		{"max zone index", Command{ZoneIndex: 255, Pump: true}, []byte{255, 0, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeCommand(tt.cmd)
			require.NoError(t, err)
			assert.Len(t, frame, CommandFrameSize, "command frame MUST be exactly 4 bytes")
			assert.Equal(t, tt.expected, frame)
		})
	}
}

func TestEncodeCommand_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"negative zone", Command{ZoneIndex: -1}},
		{"zone beyond one byte", Command{ZoneIndex: 256}},
		{"inflate and deflate together", Command{ZoneIndex: 1, Inflate: true, Deflate: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeCommand(tt.cmd)
			assert.Nil(t, frame)
			assert.ErrorIs(t, err, ErrInvalidCommand)
		})
	}
}

func TestCommandRoundTrip(t *testing.T) {
	// GOAL: every valid command survives encode → decode unchanged
	for zone := 0; zone < MaxZones; zone++ {
		for bits := 0; bits < 8; bits++ {
			cmd := Command{
				ZoneIndex: zone,
				Inflate:   bits&1 != 0,
				Deflate:   bits&2 != 0,
				Pump:      bits&4 != 0,
			}
			if cmd.Inflate && cmd.Deflate {
				continue
			}
			frame, err := EncodeCommand(cmd)
			require.NoError(t, err)
			decoded, err := DecodeCommand(frame)
			require.NoError(t, err)
			require.Equal(t, cmd, decoded, "round trip MUST recover the original command")
		}
	}
}

func TestDecodeCommand_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"too short", []byte{1, 0, 0}},
		{"too long", []byte{1, 0, 0, 0, 0}},
		{"flag out of range", []byte{1, 2, 0, 0}},
		{"inflate and deflate", []byte{1, 1, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand(tt.frame)
			assert.ErrorIs(t, err, ErrInvalidCommand)
		})
	}
}

func TestCommandValidate_ZoneCount(t *testing.T) {
	assert.NoError(t, Command{ZoneIndex: 3}.Validate(4))
	assert.ErrorIs(t, Command{ZoneIndex: 4}.Validate(4), ErrInvalidCommand,
		"zone index MUST be below the configured zone count")
}

func TestDecodeReading(t *testing.T) {
	tests := []struct {
		name     string
		frame    []byte
		expected float64
	}{
		{"integer", []byte("42"), 42},
		{"decimal", []byte("12.75"), 12.75},
		{"negative", []byte("-3.5"), -3.5},
		{"exponent", []byte("1e3"), 1000},
		{"trailing newline", []byte("7.25\r\n"), 7.25},
		{"nul padding", []byte("8.5\x00\x00\x00"), 8.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeReading(tt.frame, "top_left", testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, r.Pressure())
			assert.Equal(t, "top_left", r.ChannelID(), "channel MUST come from context, not the frame")
			assert.Equal(t, time.UTC, r.Timestamp().Location(), "timestamp MUST be UTC")
		})
	}
}

func TestDecodeReading_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"whitespace only", []byte("  \n")},
		{"text", []byte("pressure")},
		{"nan", []byte("NaN")},
		{"infinity", []byte("+Inf")},
		{"two numbers", []byte("1.0 2.0")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeReading(tt.frame, "top_left", testNow)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedFrame)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr), "error MUST carry the offending frame")
			assert.Equal(t, tt.frame, decodeErr.Frame)
		})
	}
}

func TestNewReading(t *testing.T) {
	r, err := NewReading("bottom_left", 10.5, testNow)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T11:30:45.123Z", r.FormatTimestamp(),
		"timestamp MUST serialize as UTC with milliseconds")

	_, err = NewReading("", 1, testNow)
	assert.Error(t, err)
	_, err = NewReading("bottom_left", math.Inf(1), testNow)
	assert.Error(t, err)
	_, err = NewReading("bottom_left", 1, time.Time{})
	assert.Error(t, err)
}

func TestParseTimestamp_RoundTrip(t *testing.T) {
	r, err := NewReading("bottom_left", 1, testNow)
	require.NoError(t, err)

	ts, err := ParseTimestamp(r.FormatTimestamp())
	require.NoError(t, err)
	assert.True(t, r.Timestamp().Equal(ts))

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestZones(t *testing.T) {
	assert.Equal(t, 2, DefaultZones.Index("top_left"))
	assert.Equal(t, -1, DefaultZones.Index("heel"))
	assert.True(t, DefaultZones.Contains("bottom_right"))
	assert.NoError(t, DefaultZones.Validate())

	assert.Error(t, Zones{}.Validate())
	assert.Error(t, Zones{"a", "a"}.Validate())
	assert.Error(t, Zones{"a", " "}.Validate())
}
