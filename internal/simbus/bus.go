package simbus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/logging"
)

// DefaultAckWindow is how long a controller waits for an addressed target to
// be ready before treating the address as not acknowledged.
const DefaultAckWindow = 20 * time.Millisecond

var ErrAddressInUse = errors.New("simbus: address in use")

// Bus is an in-process stand-in for a shared bus. Targets register under an
// address; controllers reach them only while the target is blocked in a
// receive or transmit call, mirroring an I2C target that acknowledges its
// address only when its peripheral is armed.
type Bus struct {
	mu        sync.RWMutex
	targets   map[bus.Address]*Endpoint
	AckWindow time.Duration
}

// New creates a Bus with default settings.
func New() *Bus { return &Bus{targets: make(map[bus.Address]*Endpoint), AckWindow: DefaultAckWindow} }

// Target registers a target endpoint at addr.
func (b *Bus) Target(addr bus.Address) (*Endpoint, error) {
	if !addr.Valid() {
		return nil, fmt.Errorf("simbus: address %d out of range", addr)
	}
	e := newEndpoint(b, addr, true)
	b.mu.Lock()
	if _, ok := b.targets[addr]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	b.targets[addr] = e
	n := len(b.targets)
	b.mu.Unlock()
	logging.L().Debug("simbus_target_attached", "address", addr.String(), "targets", n)
	return e, nil
}

// Controller returns an endpoint that initiates transfers. Controllers are
// not addressable and need no registration.
func (b *Bus) Controller() *Endpoint { return newEndpoint(b, 0, false) }

// Detach unregisters a target and unblocks its pending calls; safe to call multiple times.
func (b *Bus) Detach(e *Endpoint) {
	if e.target {
		b.mu.Lock()
		if cur, ok := b.targets[e.addr]; ok && cur == e {
			delete(b.targets, e.addr)
		}
		b.mu.Unlock()
	}
	e.closeOnce.Do(func() { close(e.closed) })
}

// Snapshot returns the registered target addresses in ascending order.
func (b *Bus) Snapshot() []bus.Address {
	b.mu.RLock()
	out := make([]bus.Address, 0, len(b.targets))
	for a := range b.targets {
		out = append(out, a)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of registered targets.
func (b *Bus) Count() int { b.mu.RLock(); n := len(b.targets); b.mu.RUnlock(); return n }

func (b *Bus) lookup(addr bus.Address) *Endpoint {
	b.mu.RLock()
	e := b.targets[addr]
	b.mu.RUnlock()
	return e
}

func (b *Bus) ackWindow(timeout time.Duration) time.Duration {
	w := b.AckWindow
	if w <= 0 {
		w = DefaultAckWindow
	}
	if timeout > 0 && timeout < w {
		return timeout
	}
	return w
}

// Endpoint is one participant; it implements bus.Transport.
type Endpoint struct {
	bus       *Bus
	addr      bus.Address
	target    bool
	written   chan []byte // controller writes handed to a listening target
	readable  chan []byte // target data handed to a reading controller
	closed    chan struct{}
	closeOnce sync.Once
	rec       bus.Recorder
}

var _ bus.Transport = (*Endpoint)(nil)

func newEndpoint(b *Bus, addr bus.Address, target bool) *Endpoint {
	return &Endpoint{
		bus:      b,
		addr:     addr,
		target:   target,
		written:  make(chan []byte),
		readable: make(chan []byte),
		closed:   make(chan struct{}),
	}
}

// Address returns the target address (zero for controllers).
func (e *Endpoint) Address() bus.Address { return e.addr }

func (e *Endpoint) LastError() bus.ErrorCode { return e.rec.LastError() }

func (e *Endpoint) fail(op string, addr bus.Address, code bus.ErrorCode, cause error) error {
	return e.rec.Record(&bus.Error{Op: op, Addr: addr, Code: code, Err: cause})
}

// Send writes p to addr as a controller, or, on a target, transmits p to the
// next controller that reads from it (addr is then informational).
func (e *Endpoint) Send(addr bus.Address, p []byte, timeout time.Duration) error {
	data := append([]byte(nil), p...)
	if e.target {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case e.readable <- data:
			return e.rec.Record(nil)
		case <-t.C:
			return e.fail("transmit", e.addr, bus.Timeout, bus.ErrTimeout)
		case <-e.closed:
			return e.fail("transmit", e.addr, bus.BusError, bus.ErrBus)
		}
	}
	dst := e.bus.lookup(addr)
	if dst == nil {
		return e.fail("send", addr, bus.AddressNotAcknowledged, bus.ErrNack)
	}
	t := time.NewTimer(e.bus.ackWindow(timeout))
	defer t.Stop()
	select {
	case dst.written <- data:
		return e.rec.Record(nil)
	case <-t.C:
		return e.fail("send", addr, bus.AddressNotAcknowledged, bus.ErrNack)
	case <-dst.closed:
		return e.fail("send", addr, bus.AddressNotAcknowledged, bus.ErrNack)
	}
}

// ReceiveFrom reads from the target at addr. Controllers only.
func (e *Endpoint) ReceiveFrom(addr bus.Address, p []byte, timeout time.Duration) (int, error) {
	if e.target {
		return 0, e.fail("receive", addr, bus.Other, bus.ErrUnsupported)
	}
	src := e.bus.lookup(addr)
	if src == nil {
		return 0, e.fail("receive", addr, bus.AddressNotAcknowledged, bus.ErrNack)
	}
	t := time.NewTimer(e.bus.ackWindow(timeout))
	defer t.Stop()
	select {
	case data := <-src.readable:
		return copy(p, data), e.rec.Record(nil)
	case <-t.C:
		return 0, e.fail("receive", addr, bus.AddressNotAcknowledged, bus.ErrNack)
	case <-src.closed:
		return 0, e.fail("receive", addr, bus.AddressNotAcknowledged, bus.ErrNack)
	}
}

// ReceiveAny waits for a controller write addressed to this target. Data
// beyond len(p) is discarded.
func (e *Endpoint) ReceiveAny(p []byte, timeout time.Duration) (int, error) {
	if !e.target {
		return 0, e.fail("listen", 0, bus.Other, bus.ErrUnsupported)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case data := <-e.written:
		return copy(p, data), e.rec.Record(nil)
	case <-t.C:
		return 0, e.fail("listen", e.addr, bus.Timeout, bus.ErrTimeout)
	case <-e.closed:
		return 0, e.fail("listen", e.addr, bus.BusError, bus.ErrBus)
	}
}
