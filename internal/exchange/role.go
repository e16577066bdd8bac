package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/diag"
	"github.com/kstaniek/go-bus-echo/internal/logging"
)

// Design values for the exchange phases.
const (
	DefaultSendTimeout   = 10 * time.Second
	DefaultReplyTimeout  = 10 * time.Second
	DefaultListenTimeout = 30 * time.Second
	DefaultEchoTimeout   = 10 * time.Second
	DefaultBackoff       = time.Second
	DefaultSettle        = time.Second
	DefaultReplyPoll     = 10 * time.Millisecond
)

// Role names, also used as metric labels.
const (
	RoleController = "controller"
	RoleResponder  = "responder"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrMismatch   = errors.New("reply differs from payload")
	ErrShortReply = errors.New("reply shorter than payload")
)

// State is a position in a role's exchange state machine.
type State int

const (
	Idle State = iota
	Sending
	AwaitingReply
	Verifying
	Listening
	Echoing
	Complete
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case AwaitingReply:
		return "awaiting_reply"
	case Verifying:
		return "verifying"
	case Listening:
		return "listening"
	case Echoing:
		return "echoing"
	case Complete:
		return "complete"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fault is the escalation of an exchange into the fatal handler.
type Fault struct {
	Role  string
	State State // state in which the failure happened
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault while %s: %v", f.Role, f.State, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Role runs one full exchange iteration. Exchange returns nil when the
// iteration completed, a *Fault when it must escalate, or the context error
// when the process is shutting down.
type Role interface {
	Name() string
	Exchange(ctx context.Context) error
}

// Restarter performs the unrecoverable process reset. Restart is not
// expected to return in production.
type Restarter interface {
	Restart(cause error)
}

// RestartFunc adapts a function to Restarter.
type RestartFunc func(error)

func (f RestartFunc) Restart(cause error) { f(cause) }

// Run drives r until a fault or until ctx is done. A fault goes through the
// fatal handler: final diagnostic line, then rs.Restart. Run returns the
// fault (if Restart returns at all) or the context error. A fault that
// surfaces once ctx is done ends the loop with the context error and no
// restart.
func Run(ctx context.Context, r Role, sink diag.Sink, rs Restarter) error {
	l := logging.L().With("role", r.Name())
	for iter := uint64(1); ; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.Exchange(ctx)
		if err == nil {
			continue
		}
		if cerr := ctx.Err(); cerr != nil {
			l.Info("exchange_stopped", "iteration", iter, "error", err)
			return cerr
		}
		var f *Fault
		if errors.As(err, &f) {
			Fatal(l, sink, rs, f)
			return f
		}
		l.Info("exchange_stopped", "iteration", iter, "error", err)
		return err
	}
}

// Fatal is the shared terminal procedure of both roles. Counting the reset
// is left to rs, which knows whether a process actually restarts.
func Fatal(l *slog.Logger, sink diag.Sink, rs Restarter, f *Fault) {
	l.Error("fatal_restart", "state", f.State.String(), "error", f.Err)
	sink.WriteLine(fmt.Sprintf("Fatal error: %v ... reset.", f.Err))
	rs.Restart(f)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// base holds collaborators shared by both roles.
type base struct {
	tr     bus.Transport
	sink   diag.Sink
	ind    diag.Indicator
	logger *slog.Logger
	sleep  SleepFunc
	state  State
}

// Option configures a Controller or Responder.
type Option func(*base)

func WithDiagnostics(s diag.Sink) Option {
	return func(b *base) {
		if s != nil {
			b.sink = s
		}
	}
}

func WithIndicator(i diag.Indicator) Option {
	return func(b *base) {
		if i != nil {
			b.ind = i
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithSleep replaces the delay used for backoff, settle and reply polling.
func WithSleep(fn SleepFunc) Option {
	return func(b *base) {
		if fn != nil {
			b.sleep = fn
		}
	}
}

func newBase(tr bus.Transport, role string, opts []Option) base {
	b := base{
		tr:     tr,
		sink:   diag.SinkFunc(func(string) {}),
		ind:    diag.IndicatorFunc(func(bool) {}),
		logger: logging.L(),
		sleep:  Sleep,
	}
	for _, o := range opts {
		o(&b)
	}
	b.logger = b.logger.With("role", role)
	return b
}

// State reports the state reached by the most recent exchange step.
func (b *base) State() State { return b.state }

func (b *base) enter(s State) {
	b.state = s
	b.logger.Debug("state", "state", s.String())
}

// lastCode prefers the transport's own error register, falling back to the
// returned error when the transport did not record one.
func (b *base) lastCode(err error) bus.ErrorCode {
	if c := b.tr.LastError(); c != bus.None {
		return c
	}
	return bus.Code(err)
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
