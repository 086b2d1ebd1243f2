//go:build !linux

package printer

import (
	"context"
	"log/slog"
)

// Raw usbdevfs access is linux-only; on other platforms the driver is
// limited to the configured device paths.
type usbWriter struct {
	logger *slog.Logger
}

func newUSBWriter(_ string, logger *slog.Logger) *usbWriter {
	return &usbWriter{logger: logger}
}

func (u *usbWriter) write(_ context.Context, _ []byte) error {
	return ErrNoDevice
}

func (u *usbWriter) release() {}

func isBusy(err error) bool {
	return false
}
