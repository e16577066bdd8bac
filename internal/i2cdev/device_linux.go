//go:build linux

package i2cdev

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-bus-echo/internal/bus"
)

// ioctl requests from linux/i2c-dev.h.
const (
	i2cTimeout = 0x0702 // adapter timeout in units of 10ms
	i2cSlave   = 0x0703 // select target address
	i2cTenBit  = 0x0704 // 0 for 7-bit addresses, != 0 for 10-bit
)

// Syscall hooks, replaced in tests.
var (
	ioctlFn = unix.IoctlSetInt
	readFn  = unix.Read
	writeFn = unix.Write
	closeFn = unix.Close
)

// Device is a bus controller on a Linux i2c-dev character device.
type Device struct {
	mu      sync.Mutex
	fd      int
	name    string
	addr    bus.Address
	addrSet bool
	tenBit  bool
	timeout int
	rec     bus.Recorder
}

var _ bus.Transport = (*Device)(nil)

// Open opens an i2c-dev node such as /dev/i2c-1.
func Open(name string) (*Device, error) {
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Device{fd: fd, name: name, timeout: -1}, nil
}

func (d *Device) Close() error { return closeFn(d.fd) }

func (d *Device) LastError() bus.ErrorCode { return d.rec.LastError() }

// selectTarget programs addressing mode, target address and adapter timeout,
// skipping ioctls whose value did not change.
func (d *Device) selectTarget(addr bus.Address, timeout time.Duration) error {
	if !addr.Valid() {
		return fmt.Errorf("address %d out of range", addr)
	}
	ten := addr.TenBit()
	if !d.addrSet || ten != d.tenBit {
		v := 0
		if ten {
			v = 1
		}
		if err := ioctlFn(d.fd, i2cTenBit, v); err != nil {
			return fmt.Errorf("I2C_TENBIT: %w", err)
		}
		d.tenBit = ten
	}
	if !d.addrSet || addr != d.addr {
		if err := ioctlFn(d.fd, i2cSlave, int(addr)); err != nil {
			d.addrSet = false
			return fmt.Errorf("I2C_SLAVE %s: %w", addr, err)
		}
		d.addr = addr
		d.addrSet = true
	}
	if t := timeoutUnits(timeout); t != d.timeout {
		if err := ioctlFn(d.fd, i2cTimeout, t); err != nil {
			return fmt.Errorf("I2C_TIMEOUT: %w", err)
		}
		d.timeout = t
	}
	return nil
}

// timeoutUnits rounds d up to the adapter's 10ms granularity.
func timeoutUnits(d time.Duration) int {
	const unit = 10 * time.Millisecond
	if d <= 0 {
		return 1
	}
	return int((d + unit - 1) / unit)
}

func (d *Device) fail(op string, addr bus.Address, err error) error {
	return d.rec.Record(&bus.Error{Op: op, Addr: addr, Code: classify(err), Err: err})
}

// Send writes p to addr in a single transfer.
func (d *Device) Send(addr bus.Address, p []byte, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.selectTarget(addr, timeout); err != nil {
		return d.fail("send", addr, err)
	}
	n, err := writeFn(d.fd, p)
	if err != nil {
		return d.fail("send", addr, err)
	}
	if n != len(p) {
		return d.fail("send", addr, fmt.Errorf("short write %d of %d", n, len(p)))
	}
	return d.rec.Record(nil)
}

// ReceiveFrom reads len(p) bytes from addr in a single transfer.
func (d *Device) ReceiveFrom(addr bus.Address, p []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.selectTarget(addr, timeout); err != nil {
		return 0, d.fail("receive", addr, err)
	}
	n, err := readFn(d.fd, p)
	if err != nil {
		return 0, d.fail("receive", addr, err)
	}
	return n, d.rec.Record(nil)
}

// ReceiveAny is not available: i2c-dev only drives the bus as controller.
func (d *Device) ReceiveAny(p []byte, timeout time.Duration) (int, error) {
	return 0, d.rec.Record(&bus.Error{Op: "listen", Code: bus.Other, Err: bus.ErrUnsupported})
}

// classify maps adapter errno values to bus error codes.
func classify(err error) bus.ErrorCode {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return bus.Other
	}
	switch errno {
	case unix.ENXIO, unix.EREMOTEIO:
		return bus.AddressNotAcknowledged
	case unix.ETIMEDOUT:
		return bus.Timeout
	case unix.EIO, unix.EAGAIN:
		return bus.BusError
	default:
		return bus.Other
	}
}
