//go:build linux

package pointer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux input subsystem constants (linux/input-event-codes.h, linux/uinput.h).
const (
	uinputPath = "/dev/uinput"

	evSyn = 0x00
	evKey = 0x01
	evAbs = 0x03

	synReport = 0x00

	absX = 0x00
	absY = 0x01

	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112

	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
	uiSetEvBit   = 0x40045564
	uiSetKeyBit  = 0x40045565
	uiSetAbsBit  = 0x40045567

	busVirtual = 0x06

	uinputNameSize = 80
	absCount       = 64
)

var timevalSize = int(unsafe.Sizeof(unix.Timeval{}))

// inputEventSize is sizeof(struct input_event) on this platform.
var inputEventSize = timevalSize + 8

// UInputConfig describes the virtual pointer device.
type UInputConfig struct {
	DeviceName string
	Width      int
	Height     int
}

// UInput injects pointer actions through a virtual absolute pointer
// device created on /dev/uinput. Requires write access to /dev/uinput
// (root or the input group on most distributions).
type UInput struct {
	mu     sync.Mutex
	fd     int
	closed bool
	cfg    UInputConfig
}

// UInputAvailable reports whether /dev/uinput can be opened for writing.
func UInputAvailable() (bool, string) {
	f, err := os.OpenFile(uinputPath, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, "uinput module not loaded (/dev/uinput missing)"
		}
		return false, fmt.Sprintf("cannot open %s: %v", uinputPath, err)
	}
	f.Close()
	return true, "uinput available"
}

// OpenUInput creates the virtual pointer device.
func OpenUInput(cfg UInputConfig) (*UInput, error) {
	if cfg.DeviceName == "" {
		cfg.DeviceName = "gestured virtual pointer"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("uinput: screen size must be positive, got %dx%d", cfg.Width, cfg.Height)
	}

	fd, err := unix.Open(uinputPath, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, uinputPath, err)
	}

	if err := setupDevice(fd, cfg); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &UInput{fd: fd, cfg: cfg}, nil
}

func setupDevice(fd int, cfg UInputConfig) error {
	bits := []struct {
		req   uint
		value int
	}{
		{uiSetEvBit, evSyn},
		{uiSetEvBit, evKey},
		{uiSetEvBit, evAbs},
		{uiSetKeyBit, btnLeft},
		{uiSetKeyBit, btnRight},
		{uiSetKeyBit, btnMiddle},
		{uiSetAbsBit, absX},
		{uiSetAbsBit, absY},
	}
	for _, b := range bits {
		if err := unix.IoctlSetInt(fd, b.req, b.value); err != nil {
			return fmt.Errorf("uinput: ioctl %#x(%d): %w", b.req, b.value, err)
		}
	}

	if _, err := unix.Write(fd, userDev(cfg)); err != nil {
		return fmt.Errorf("uinput: write device description: %w", err)
	}
	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		return fmt.Errorf("uinput: create device: %w", err)
	}
	return nil
}

// userDev encodes struct uinput_user_dev.
func userDev(cfg UInputConfig) []byte {
	buf := make([]byte, uinputNameSize+8+4+4*absCount*4)
	copy(buf[:uinputNameSize-1], cfg.DeviceName)

	off := uinputNameSize
	binary.NativeEndian.PutUint16(buf[off:], busVirtual)
	binary.NativeEndian.PutUint16(buf[off+2:], 0x1d6b) // vendor
	binary.NativeEndian.PutUint16(buf[off+4:], 0x0147) // product
	binary.NativeEndian.PutUint16(buf[off+6:], 1)      // version
	off += 8 + 4                                        // input_id + ff_effects_max

	absMax := off
	binary.NativeEndian.PutUint32(buf[absMax+4*absX:], uint32(int32(cfg.Width-1)))
	binary.NativeEndian.PutUint32(buf[absMax+4*absY:], uint32(int32(cfg.Height-1)))
	// absmin, absfuzz and absflat stay zero.
	return buf
}

// Inject writes the whole batch with a single write(2) so the kernel sees
// it as one ordered burst. Each action is followed by a SYN_REPORT.
func (u *UInput) Inject(_ context.Context, batch []Action) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return 0, ErrClosed
	}

	buf := make([]byte, 0, len(batch)*3*inputEventSize)
	ends := make([]int, 0, len(batch))
	for _, a := range batch {
		switch a.Kind {
		case Move:
			buf = appendEvent(buf, evAbs, absX, int32(a.X))
			buf = appendEvent(buf, evAbs, absY, int32(a.Y))
		case ButtonDown, ButtonUp:
			value := int32(0)
			if a.Kind == ButtonDown {
				value = 1
			}
			buf = appendEvent(buf, evKey, buttonCode(a.Button), value)
		default:
			return countDelivered(ends, 0), fmt.Errorf("uinput: unsupported action %s", a)
		}
		buf = appendEvent(buf, evSyn, synReport, 0)
		ends = append(ends, len(buf))
	}

	n, err := unix.Write(u.fd, buf)
	if n < 0 {
		n = 0
	}
	delivered := countDelivered(ends, n)
	if err != nil {
		return delivered, fmt.Errorf("uinput: write: %w", err)
	}
	return delivered, nil
}

// countDelivered returns how many actions were fully written given the
// cumulative end offsets of each action.
func countDelivered(ends []int, written int) int {
	count := 0
	for _, end := range ends {
		if end > written {
			break
		}
		count++
	}
	return count
}

func appendEvent(buf []byte, typ, code uint16, value int32) []byte {
	ev := make([]byte, inputEventSize)
	// Timestamp left zero; the kernel stamps injected events.
	binary.NativeEndian.PutUint16(ev[timevalSize:], typ)
	binary.NativeEndian.PutUint16(ev[timevalSize+2:], code)
	binary.NativeEndian.PutUint32(ev[timevalSize+4:], uint32(value))
	return append(buf, ev...)
}

func buttonCode(b Button) uint16 {
	switch b {
	case ButtonRight:
		return btnRight
	case ButtonMiddle:
		return btnMiddle
	default:
		return btnLeft
	}
}

// Close destroys the virtual device.
func (u *UInput) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true

	destroyErr := unix.IoctlSetInt(u.fd, uiDevDestroy, 0)
	closeErr := unix.Close(u.fd)
	return errors.Join(destroyErr, closeErr)
}

// Name returns "uinput".
func (u *UInput) Name() string { return "uinput" }
