//go:build !linux

package i2cdev

import (
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
)

// Device is unavailable outside Linux.
type Device struct{}

var _ bus.Transport = (*Device)(nil)

func Open(name string) (*Device, error) {
	return nil, &bus.Error{Op: "open", Code: bus.Other, Err: bus.ErrUnsupported}
}

func (d *Device) Close() error { return nil }

func (d *Device) LastError() bus.ErrorCode { return bus.Other }

func (d *Device) Send(addr bus.Address, p []byte, timeout time.Duration) error {
	return &bus.Error{Op: "send", Addr: addr, Code: bus.Other, Err: bus.ErrUnsupported}
}

func (d *Device) ReceiveFrom(addr bus.Address, p []byte, timeout time.Duration) (int, error) {
	return 0, &bus.Error{Op: "receive", Addr: addr, Code: bus.Other, Err: bus.ErrUnsupported}
}

func (d *Device) ReceiveAny(p []byte, timeout time.Duration) (int, error) {
	return 0, &bus.Error{Op: "listen", Code: bus.Other, Err: bus.ErrUnsupported}
}
