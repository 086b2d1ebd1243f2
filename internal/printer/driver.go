// Package printer delivers rendered label content to the physical
// printer: it validates the content framing, applies configured
// darkness/speed overrides, and writes the result to the first device
// path that accepts it, falling back to raw USB access when no
// character device is available.
package printer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/orrn/labelfleet/internal/config"
)

var (
	ErrNoDevice = errors.New("no printer device found")
	ErrBusy     = errors.New("printer device busy")
)

const (
	startMarker = "^XA"
	endMarker   = "^XZ"
)

// Driver owns the content-to-hardware path. A single Driver serves one
// physical printer; calls to Print are serialized by the agent's queue
// loop.
type Driver struct {
	cfg    config.PrinterConfig
	logger *slog.Logger
	usb    *usbWriter
}

func New(cfg config.PrinterConfig, logger *slog.Logger) *Driver {
	return &Driver{
		cfg:    cfg,
		logger: logger,
		usb:    newUSBWriter(cfg.DevicePath, logger),
	}
}

// Print prepares the content and pushes it to the printer. The
// returned error maps onto the failure kinds the device reports
// upstream: ErrNoDevice when no path accepts the data, ErrBusy when
// the device exists but is held by something else.
func (d *Driver) Print(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("empty print content")
	}

	payload := d.Prepare(content)

	paths := make([]string, 0, 1+len(d.cfg.FallbackPaths))
	if d.cfg.DevicePath != "" {
		paths = append(paths, d.cfg.DevicePath)
	}
	paths = append(paths, d.cfg.FallbackPaths...)

	var lastErr error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := writeDevice(path, []byte(payload))
		if err == nil {
			d.logger.Info("label written to device", "path", path, "bytes", len(payload))
			return nil
		}
		if errors.Is(err, ErrBusy) {
			return err
		}
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("device write failed", "path", path, "error", err)
		}
		lastErr = err
	}

	// No character device took the data; try raw USB as the last rung.
	if err := d.usb.write(ctx, []byte(payload)); err != nil {
		if errors.Is(err, ErrNoDevice) && lastErr != nil && !errors.Is(lastErr, fs.ErrNotExist) {
			return fmt.Errorf("all device paths failed: %w", lastErr)
		}
		return err
	}
	d.logger.Info("label written over raw usb", "bytes", len(payload))
	return nil
}

// Prepare normalizes the content framing and applies the configured
// darkness and speed overrides.
func (d *Driver) Prepare(content string) string {
	content = strings.TrimSpace(content)

	if !strings.Contains(content, startMarker) {
		d.logger.Warn("content missing start marker, inserting")
		content = startMarker + "\n" + content
	}
	if !strings.Contains(content, endMarker) {
		d.logger.Warn("content missing end marker, inserting")
		content = content + "\n" + endMarker
	}

	if !d.cfg.OverrideEnabled {
		return content
	}
	return d.applyOverrides(content)
}

// applyOverrides strips any darkness (~SD) and speed (^PR) directives
// already present and inserts the configured values right after the
// start marker, so the override always wins over whatever the template
// carried.
func (d *Driver) applyOverrides(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines)+2)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "~SD") || strings.HasPrefix(trimmed, "^PR") {
			continue
		}
		out = append(out, line)
	}

	directives := fmt.Sprintf("~SD%02d\n^PR%d", d.cfg.Darkness, d.cfg.Speed)
	for i, line := range out {
		if idx := strings.Index(line, startMarker); idx >= 0 {
			head := line[:idx+len(startMarker)]
			tail := strings.TrimPrefix(line[idx+len(startMarker):], "\n")
			rebuilt := head + "\n" + directives
			if strings.TrimSpace(tail) != "" {
				rebuilt += "\n" + tail
			}
			out[i] = rebuilt
			break
		}
	}
	return strings.Join(out, "\n")
}

func writeDevice(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("%w: %s", ErrBusy, path)
		}
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write to %s: %w", path, err)
	}
	return nil
}

// Cleanup releases any held USB interface. Safe to call multiple
// times; the agent registers it on shutdown signals.
func (d *Driver) Cleanup() {
	d.usb.release()
}
