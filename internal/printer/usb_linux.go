//go:build linux

package printer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Vendor ids of the label printers we know how to drive raw.
var printerVendors = map[uint16]string{
	0x0a5f: "zebra",
	0x04b8: "epson",
	0x0828: "sato",
	0x1203: "tsc",
}

const (
	bulkOutEndpoint    = 0x01
	defaultBulkTimeout = 5 * time.Second
)

// usbdevfs ioctl request numbers from <linux/usbdevice_fs.h>, encoded
// for 64-bit kernels (x/sys/unix does not export them). The struct
// sizes baked into BULK and IOCTL match the declarations below.
const (
	usbdevfsClaimInterface   = 0x80045510 // _IOR('U', 15, unsigned int)
	usbdevfsReleaseInterface = 0x80045511 // _IOR('U', 16, unsigned int)
	usbdevfsIoctlReq         = 0xc0105512 // _IOWR('U', 18, struct usbdevfs_ioctl)
	usbdevfsReset            = 0x5514     // _IO('U', 20)
	usbdevfsBulk             = 0xc0185502 // _IOWR('U', 2, struct usbdevfs_bulktransfer)
	usbdevfsDisconnect       = 0x5516     // _IO('U', 22)
	usbdevfsConnect          = 0x5517     // _IO('U', 23)
)

// Matches struct usbdevfs_bulktransfer; the pad keeps the pointer
// 8-byte aligned on 64-bit kernels.
type usbdevfsBulkTransfer struct {
	Endpoint uint32
	Len      uint32
	Timeout  uint32
	_        uint32
	Data     unsafe.Pointer
}

// Matches struct usbdevfs_ioctl, used here to detach the kernel
// usblp driver before claiming the interface.
type usbdevfsIoctl struct {
	Ifno      int32
	IoctlCode int32
	Data      unsafe.Pointer
}

// usbWriter talks to the printer through usbdevfs when no /dev/usb/lp*
// node exists, typically because usblp is not loaded. It claims
// interface 0 on first use and holds it until release.
type usbWriter struct {
	logger *slog.Logger
	index  int

	mu      sync.Mutex
	file    *os.File
	claimed bool
}

func newUSBWriter(devicePath string, logger *slog.Logger) *usbWriter {
	return &usbWriter{index: deviceIndexFromPath(devicePath), logger: logger}
}

// deviceIndexFromPath picks which of several identical printers to
// drive from the trailing digits of the configured output path, so
// /dev/usb/lp1 selects the second matched device. No digits means the
// first.
func deviceIndexFromPath(path string) int {
	i := len(path)
	for i > 0 && path[i-1] >= '0' && path[i-1] <= '9' {
		i--
	}
	if i == len(path) {
		return 0
	}
	n, err := strconv.Atoi(path[i:])
	if err != nil {
		return 0
	}
	return n
}

func (u *usbWriter) write(ctx context.Context, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.file == nil {
		if err := u.openLocked(); err != nil {
			return err
		}
	}

	timeout := defaultBulkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return ctx.Err()
	}

	// usbdevfs bulk transfers cap at 16KB per call.
	for len(data) > 0 {
		chunk := data
		if len(chunk) > 16*1024 {
			chunk = chunk[:16*1024]
		}
		xfer := usbdevfsBulkTransfer{
			Endpoint: bulkOutEndpoint,
			Len:      uint32(len(chunk)),
			Timeout:  uint32(timeout / time.Millisecond),
			Data:     unsafe.Pointer(&chunk[0]),
		}
		if err := ioctlPtr(u.file.Fd(), usbdevfsBulk, unsafe.Pointer(&xfer)); err != nil {
			u.closeLocked()
			if errors.Is(err, unix.EBUSY) {
				return fmt.Errorf("%w: bulk endpoint held", ErrBusy)
			}
			return fmt.Errorf("usb bulk write failed: %w", err)
		}
		data = data[len(chunk):]
	}
	return nil
}

// openLocked scans the usb bus for known printer vendors, picks the
// device selected by the configured index, and claims its first
// interface. Callers hold u.mu.
func (u *usbWriter) openLocked() error {
	paths, err := filepath.Glob("/dev/bus/usb/*/*")
	if err != nil || len(paths) == 0 {
		return ErrNoDevice
	}
	sort.Strings(paths)

	type candidate struct {
		path   string
		vendor string
	}
	var found []candidate
	for _, path := range paths {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}

		// The device node starts with the 18-byte device descriptor.
		desc := make([]byte, 18)
		n, err := f.Read(desc)
		f.Close()
		if err != nil || n < 18 || desc[1] != 0x01 {
			continue
		}
		vendor := binary.LittleEndian.Uint16(desc[8:10])
		if name, ok := printerVendors[vendor]; ok {
			found = append(found, candidate{path: path, vendor: name})
		}
	}
	if len(found) == 0 {
		return ErrNoDevice
	}

	// With several identical printers attached, the index parsed from
	// the output path decides which one; out of range falls back to
	// the first.
	idx := u.index
	if idx < 0 || idx >= len(found) {
		idx = 0
	}
	target := found[idx]

	f, err := os.OpenFile(target.path, os.O_RDWR, 0)
	if err != nil {
		return ErrNoDevice
	}
	if err := u.claimLocked(f); err != nil {
		u.logger.Warn("found printer but could not claim interface",
			"path", target.path, "vendor", target.vendor, "error", err)
		f.Close()
		if errors.Is(err, ErrBusy) {
			return err
		}
		return ErrNoDevice
	}

	u.logger.Info("claimed raw usb printer",
		"path", target.path, "vendor", target.vendor, "index", idx)
	u.file = f
	return nil
}

func (u *usbWriter) claimLocked(f *os.File) error {
	// Reset clears whatever state the previous holder left behind.
	// Not all setups permit it, so a failure only logs.
	if err := ioctlPtr(f.Fd(), usbdevfsReset, nil); err != nil {
		u.logger.Debug("usb reset failed", "error", err)
	}

	// Detach usblp if it grabbed the interface first; ENODATA just
	// means nothing was attached.
	detach := usbdevfsIoctl{Ifno: 0, IoctlCode: usbdevfsDisconnect}
	if err := ioctlPtr(f.Fd(), usbdevfsIoctlReq, unsafe.Pointer(&detach)); err != nil &&
		!errors.Is(err, unix.ENODATA) {
		return fmt.Errorf("failed to detach kernel driver: %w", err)
	}

	iface := uint32(0)
	if err := ioctlPtr(f.Fd(), usbdevfsClaimInterface, unsafe.Pointer(&iface)); err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("%w: interface claimed elsewhere", ErrBusy)
		}
		return fmt.Errorf("failed to claim interface: %w", err)
	}
	u.claimed = true
	return nil
}

// release gives the interface back and lets the kernel driver
// reattach. Idempotent.
func (u *usbWriter) release() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeLocked()
}

func (u *usbWriter) closeLocked() {
	if u.file == nil {
		return
	}
	if u.claimed {
		iface := uint32(0)
		if err := ioctlPtr(u.file.Fd(), usbdevfsReleaseInterface, unsafe.Pointer(&iface)); err != nil {
			u.logger.Warn("failed to release usb interface", "error", err)
		}
		reattach := usbdevfsIoctl{Ifno: 0, IoctlCode: usbdevfsConnect}
		if err := ioctlPtr(u.file.Fd(), usbdevfsIoctlReq, unsafe.Pointer(&reattach)); err != nil {
			u.logger.Debug("no kernel driver to reattach", "error", err)
		}
		u.claimed = false
	}
	u.file.Close()
	u.file = nil
}

func ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func isBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}
