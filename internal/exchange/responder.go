package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

// ResponderConfig fixes the responder's exchange parameters.
type ResponderConfig struct {
	// Peer is passed to the transport on echo. Target-mode transports answer
	// whichever controller reads from them.
	Peer          bus.Address
	RxCapacity    int
	ListenTimeout time.Duration
	EchoTimeout   time.Duration
}

// Responder waits for a payload and relays the same bytes back.
type Responder struct {
	base
	cfg ResponderConfig
	rx  []byte
}

func NewResponder(tr bus.Transport, cfg ResponderConfig, opts ...Option) (*Responder, error) {
	if tr == nil {
		return nil, errors.New("responder: nil transport")
	}
	if !cfg.Peer.Valid() {
		return nil, fmt.Errorf("responder: peer address %d out of range", cfg.Peer)
	}
	if cfg.RxCapacity <= 0 {
		return nil, fmt.Errorf("responder: rx capacity must be > 0 (got %d)", cfg.RxCapacity)
	}
	cfg.ListenTimeout = durationOr(cfg.ListenTimeout, DefaultListenTimeout)
	cfg.EchoTimeout = durationOr(cfg.EchoTimeout, DefaultEchoTimeout)
	return &Responder{
		base: newBase(tr, RoleResponder, opts),
		cfg:  cfg,
		rx:   make([]byte, cfg.RxCapacity),
	}, nil
}

func (r *Responder) Name() string { return RoleResponder }

// Exchange runs Listening and Echoing once. Every failure is fatal; the
// error code is only reported.
func (r *Responder) Exchange(ctx context.Context) error {
	r.enter(Idle)
	if err := ctx.Err(); err != nil {
		return err
	}
	r.enter(Listening)
	r.sink.WriteLine(fmt.Sprintf("Peripheral receive (%s timeout) ...", r.cfg.ListenTimeout))
	n, err := r.tr.ReceiveAny(r.rx, r.cfg.ListenTimeout)
	if err != nil {
		code := r.lastCode(err)
		metrics.IncError(metrics.ErrBusReceive)
		r.sink.WriteLine(fmt.Sprintf("Receive error (%s)", code))
		return r.fault(fmt.Errorf("receive: %w", err))
	}
	if n > len(r.rx) {
		n = len(r.rx)
	}
	start := time.Now()
	metrics.AddRxBytes(n)

	r.enter(Echoing)
	r.ind.Set(true)
	r.sink.WriteLine(fmt.Sprintf("... received %q, responding.", r.rx[:n]))
	if err := r.tr.Send(r.cfg.Peer, r.rx[:n], r.cfg.EchoTimeout); err != nil {
		code := r.lastCode(err)
		metrics.IncError(metrics.ErrBusSend)
		r.sink.WriteLine(fmt.Sprintf("Transmit error (%s)", code))
		return r.fault(fmt.Errorf("echo: %w", err))
	}
	metrics.AddTxBytes(n)

	r.enter(Complete)
	r.ind.Set(false)
	elapsed := time.Since(start)
	metrics.IncComplete(RoleResponder, elapsed)
	r.sink.WriteLine("Transmit success.")
	r.logger.Info("exchange_complete", "bytes", n, "elapsed", elapsed)
	return nil
}

func (r *Responder) fault(err error) error {
	f := &Fault{Role: RoleResponder, State: r.state, Err: err}
	r.enter(Faulted)
	return f
}
