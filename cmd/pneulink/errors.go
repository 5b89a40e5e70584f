package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/srg/pneulink/internal/codec"
	"github.com/srg/pneulink/internal/device"
	"github.com/srg/pneulink/internal/gateway"
	"github.com/srg/pneulink/internal/syncer"
)

// Command-level errors
var (
	// ErrConfirmationRequired is returned by destructive commands run without --yes.
	ErrConfirmationRequired = errors.New("confirmation required")
)

// FormatUserError turns known failures into a message that tells the user what to do.
// Unknown errors are returned verbatim.
func FormatUserError(err error) string {
	var statusErr *gateway.StatusError
	var notFound *device.NotFoundError

	switch {
	case errors.Is(err, device.ErrAdapterOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, device.ErrAdapterUnavailable):
		return "Bluetooth adapter is not available. Check that it is present and that pneulink has permission to use it."
	case errors.Is(err, device.ErrNotConnected):
		return "Not connected to the patch."
	case errors.Is(err, device.ErrDeviceNotFound):
		return fmt.Sprintf("Patch not found. Make sure it is powered on and in range. (%v)", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("The connected device does not look like a pressure patch: %v", notFound)
	case errors.Is(err, syncer.ErrSyncInProgress):
		return "A sync is already running. Try again when it finishes."
	case errors.As(err, &statusErr):
		switch {
		case statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden:
			return fmt.Sprintf("The remote service rejected the credentials (HTTP %d). Check gateway.token.", statusErr.Code)
		case statusErr.Code >= 500:
			return fmt.Sprintf("The remote service failed (HTTP %d). Queued readings are kept and will be retried.", statusErr.Code)
		default:
			return fmt.Sprintf("The remote service rejected the request: %v", statusErr)
		}
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Operation timed out: %v", err)
	case errors.Is(err, codec.ErrInvalidCommand):
		return fmt.Sprintf("Invalid command: %v", err)
	default:
		return err.Error()
	}
}
