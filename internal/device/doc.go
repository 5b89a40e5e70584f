// Package device defines the radio transport boundary used by the link manager.
//
// It contains:
//   - Radio and Client interfaces implemented by the go-ble binding and by test fakes
//   - GATT profile types with normalized UUID lookup
//   - Structured connection errors and NormalizeError for platform error strings
package device
