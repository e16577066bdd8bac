package bus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// MaxAddress is the highest 10-bit target address.
const MaxAddress = 0x3FF

// Address identifies a participant on the bus (10-bit range).
type Address uint16

// Valid reports whether a fits the 10-bit address space.
func (a Address) Valid() bool { return a <= MaxAddress }

// TenBit reports whether a needs 10-bit addressing (above the 7-bit range).
func (a Address) TenBit() bool { return a > 0x7F }

func (a Address) String() string { return fmt.Sprintf("0x%03X", uint16(a)) }

// ParseAddress accepts decimal or 0x-prefixed hex.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", s, err)
	}
	a := Address(n)
	if !a.Valid() {
		return 0, fmt.Errorf("address %q out of 10-bit range", s)
	}
	return a, nil
}

// ErrorCode is the coarse error reported by a transport for its last call.
type ErrorCode int

const (
	None ErrorCode = iota
	AddressNotAcknowledged
	Timeout
	BusError
	Other
)

func (c ErrorCode) String() string {
	switch c {
	case None:
		return "none"
	case AddressNotAcknowledged:
		return "address_nack"
	case Timeout:
		return "timeout"
	case BusError:
		return "bus_error"
	default:
		return "other"
	}
}

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrNack        = errors.New("address not acknowledged")
	ErrTimeout     = errors.New("bus timeout")
	ErrBus         = errors.New("bus error")
	ErrUnsupported = errors.New("operation not supported by transport")
)

// Code maps err to the transport error taxonomy.
func Code(err error) ErrorCode {
	var be *Error
	switch {
	case err == nil:
		return None
	case errors.As(err, &be):
		return be.Code
	case errors.Is(err, ErrNack):
		return AddressNotAcknowledged
	case errors.Is(err, ErrTimeout):
		return Timeout
	case errors.Is(err, ErrBus):
		return BusError
	default:
		return Other
	}
}

// Error carries an ErrorCode alongside the underlying cause.
type Error struct {
	Op   string
	Addr Address
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Addr, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport is the blocking bus contract. Timeouts are enforced by the
// implementation; callers never cancel a call in flight.
type Transport interface {
	// Send writes p to addr. A responder-side transport transmits p to the
	// controller reading from it.
	Send(addr Address, p []byte, timeout time.Duration) error
	// ReceiveFrom reads up to len(p) bytes from addr.
	ReceiveFrom(addr Address, p []byte, timeout time.Duration) (int, error)
	// ReceiveAny waits for any controller to write to this node.
	ReceiveAny(p []byte, timeout time.Duration) (int, error)
	// LastError reports the code of the most recent call (None after success).
	LastError() ErrorCode
}

// Recorder keeps the last error code for transports; zero value is ready.
type Recorder struct{ last atomic.Int32 }

// Record stores the code of err (None for nil) and returns err unchanged.
func (r *Recorder) Record(err error) error {
	r.last.Store(int32(Code(err)))
	return err
}

// LastError returns the most recently recorded code.
func (r *Recorder) LastError() ErrorCode { return ErrorCode(r.last.Load()) }
