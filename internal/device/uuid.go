package device

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID (0000xxxx-0000-1000-8000-00805f9b34fb).
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips a 0x prefix and shortens Bluetooth SIG base UUIDs to their 16-bit form,
// so "0x2A37", "2a37" and "00002a37-0000-1000-8000-00805f9b34fb" compare equal.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// ValidateUUID validates that UUID strings are well-formed 16, 32 or 128-bit hex values.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if strings.TrimSpace(uuid) == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		switch len(normalized) {
		case 4, 8, 32:
		default:
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		for _, r := range normalized {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
				return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
			}
		}
		result = append(result, normalized)
	}
	return result, nil
}
