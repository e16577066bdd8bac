package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/logging"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

const (
	// DefaultAckWindow bounds the wait for a peer's ACK frame.
	DefaultAckWindow = 50 * time.Millisecond

	readBufSize  = 512
	frameQueue   = 32
	rxBackoffMin = 10 * time.Millisecond
	rxBackoffMax = time.Second
)

// SleepFn allows tests to intercept read error backoff sleeps.
var SleepFn = time.Sleep

var errLinkDown = errors.New("serial link closed")

// Link carries bus transfers over a UART using the frame format in codec.go.
// A controller link initiates WRITE and READ requests; a target link answers
// requests addressed to its own address.
type Link struct {
	port      Port
	codec     Codec
	self      bus.Address
	target    bool
	ackWindow time.Duration

	frames chan Frame
	cancel context.CancelFunc
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	rec       bus.Recorder
}

var _ bus.Transport = (*Link)(nil)

// NewControllerLink starts a controller on p. The link owns p.
func NewControllerLink(parent context.Context, p Port, ackWindow time.Duration) *Link {
	return newLink(parent, p, 0, false, ackWindow)
}

// NewTargetLink starts a target answering at self. The link owns p.
func NewTargetLink(parent context.Context, p Port, self bus.Address, ackWindow time.Duration) (*Link, error) {
	if !self.Valid() {
		return nil, &bus.Error{Op: "attach", Addr: self, Code: bus.Other, Err: bus.ErrUnsupported}
	}
	return newLink(parent, p, self, true, ackWindow), nil
}

func newLink(parent context.Context, p Port, self bus.Address, target bool, ackWindow time.Duration) *Link {
	if ackWindow <= 0 {
		ackWindow = DefaultAckWindow
	}
	ctx, cancel := context.WithCancel(parent)
	l := &Link{
		port:      p,
		self:      self,
		target:    target,
		ackWindow: ackWindow,
		frames:    make(chan Frame, frameQueue),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go l.readLoop(ctx)
	return l
}

// Close stops the reader and closes the port.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.port.Close()
		<-l.done
	})
	return err
}

func (l *Link) LastError() bus.ErrorCode { return l.rec.LastError() }

func (l *Link) readLoop(ctx context.Context) {
	defer close(l.done)
	log := logging.L()
	defer log.Debug("serial_rx_end")
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := l.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = l.codec.DecodeStream(acc, l.deliver)
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				log.Error("serial_device_lost", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			log.Warn("serial_read_error", "error", err, "backoff", backoff)
			SleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

// deliver queues f for the pending operation, dropping it when nobody
// consumes frames fast enough.
func (l *Link) deliver(f Frame) {
	select {
	case l.frames <- f:
	default:
		metrics.IncError(metrics.ErrLinkOverflow)
		logging.L().Debug("serial_frame_dropped", "kind", f.Kind.String(), "address", f.Addr.String())
	}
}

// flush discards frames left over from earlier operations.
func (l *Link) flush() {
	for {
		select {
		case <-l.frames:
		default:
			return
		}
	}
}

func (l *Link) write(f Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(l.codec.Encode(f)); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return err
	}
	return nil
}

// await returns the first frame accepted by match within d.
func (l *Link) await(d time.Duration, match func(Frame) bool) (Frame, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case f := <-l.frames:
			if match(f) {
				return f, nil
			}
		case <-t.C:
			return Frame{}, bus.ErrTimeout
		case <-l.done:
			return Frame{}, errLinkDown
		}
	}
}

func (l *Link) fail(op string, addr bus.Address, code bus.ErrorCode, cause error) error {
	return l.rec.Record(&bus.Error{Op: op, Addr: addr, Code: code, Err: cause})
}

// failWait converts an await error: a timeout maps to code, a dead link to BusError.
func (l *Link) failWait(op string, addr bus.Address, code bus.ErrorCode, err error) error {
	if errors.Is(err, errLinkDown) {
		return l.fail(op, addr, bus.BusError, errors.Join(bus.ErrBus, err))
	}
	sentinel := bus.ErrTimeout
	if code == bus.AddressNotAcknowledged {
		sentinel = bus.ErrNack
	}
	return l.fail(op, addr, code, sentinel)
}

func (l *Link) ackFrom(addr bus.Address) func(Frame) bool {
	return func(f Frame) bool { return f.Kind == KindAck && f.Addr == addr }
}

// Send on a controller writes p to addr and waits for the target's ACK. On a
// target it waits for a READ addressed to this link and answers with p.
func (l *Link) Send(addr bus.Address, p []byte, timeout time.Duration) error {
	if l.target {
		return l.transmit(p, timeout)
	}
	if len(p) > MaxData {
		return l.fail("send", addr, bus.Other, errors.New("payload exceeds frame capacity"))
	}
	l.flush()
	if err := l.write(Frame{Kind: KindWrite, Addr: addr, Data: p}); err != nil {
		return l.fail("send", addr, bus.BusError, errors.Join(bus.ErrBus, err))
	}
	if _, err := l.await(l.window(timeout), l.ackFrom(addr)); err != nil {
		return l.failWait("send", addr, bus.AddressNotAcknowledged, err)
	}
	return l.rec.Record(nil)
}

// ReceiveFrom requests up to len(p) bytes from addr. Controllers only.
func (l *Link) ReceiveFrom(addr bus.Address, p []byte, timeout time.Duration) (int, error) {
	if l.target {
		return 0, l.fail("receive", addr, bus.Other, bus.ErrUnsupported)
	}
	want := len(p)
	if want > MaxData {
		want = MaxData
	}
	l.flush()
	if err := l.write(Frame{Kind: KindRead, Addr: addr, Data: []byte{byte(want)}}); err != nil {
		return 0, l.fail("receive", addr, bus.BusError, errors.Join(bus.ErrBus, err))
	}
	if _, err := l.await(l.window(timeout), l.ackFrom(addr)); err != nil {
		return 0, l.failWait("receive", addr, bus.AddressNotAcknowledged, err)
	}
	f, err := l.await(timeout, func(f Frame) bool { return f.Kind == KindData && f.Addr == addr })
	if err != nil {
		return 0, l.failWait("receive", addr, bus.Timeout, err)
	}
	return copy(p, f.Data), l.rec.Record(nil)
}

// ReceiveAny waits for a WRITE addressed to this target, acknowledges it and
// copies its data into p. Targets only.
func (l *Link) ReceiveAny(p []byte, timeout time.Duration) (int, error) {
	if !l.target {
		return 0, l.fail("listen", 0, bus.Other, bus.ErrUnsupported)
	}
	l.flush()
	f, err := l.await(timeout, func(f Frame) bool { return f.Kind == KindWrite && f.Addr == l.self })
	if err != nil {
		return 0, l.failWait("listen", l.self, bus.Timeout, err)
	}
	if err := l.write(Frame{Kind: KindAck, Addr: l.self}); err != nil {
		return 0, l.fail("listen", l.self, bus.BusError, errors.Join(bus.ErrBus, err))
	}
	return copy(p, f.Data), l.rec.Record(nil)
}

func (l *Link) transmit(p []byte, timeout time.Duration) error {
	l.flush()
	f, err := l.await(timeout, func(f Frame) bool { return f.Kind == KindRead && f.Addr == l.self })
	if err != nil {
		return l.failWait("transmit", l.self, bus.Timeout, err)
	}
	n := len(p)
	if len(f.Data) > 0 && int(f.Data[0]) < n {
		n = int(f.Data[0])
	}
	if err := l.write(Frame{Kind: KindAck, Addr: l.self}); err != nil {
		return l.fail("transmit", l.self, bus.BusError, errors.Join(bus.ErrBus, err))
	}
	if err := l.write(Frame{Kind: KindData, Addr: l.self, Data: p[:n]}); err != nil {
		return l.fail("transmit", l.self, bus.BusError, errors.Join(bus.ErrBus, err))
	}
	return l.rec.Record(nil)
}

func (l *Link) window(timeout time.Duration) time.Duration {
	if timeout > 0 && timeout < l.ackWindow {
		return timeout
	}
	return l.ackWindow
}
