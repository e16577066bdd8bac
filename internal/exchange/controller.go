package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

// ControllerConfig fixes the controller's exchange parameters. Zero
// timeouts take the Default* values; zero delays mean no wait.
type ControllerConfig struct {
	Peer         bus.Address
	Payload      []byte
	RxCapacity   int
	SendTimeout  time.Duration
	ReplyTimeout time.Duration
	Backoff      time.Duration
	Settle       time.Duration
	ReplyPoll    time.Duration
	// SendRetries bounds consecutive send failures other than a missing
	// acknowledge before escalating. Not-acknowledged is always retried.
	SendRetries int
}

// Controller sends the payload, reads the reply and verifies the echo.
type Controller struct {
	base
	cfg     ControllerConfig
	payload []byte
	rx      []byte
}

// NewController allocates the controller's buffers once for the process lifetime.
func NewController(tr bus.Transport, cfg ControllerConfig, opts ...Option) (*Controller, error) {
	if tr == nil {
		return nil, errors.New("controller: nil transport")
	}
	if !cfg.Peer.Valid() {
		return nil, fmt.Errorf("controller: peer address %d out of range", cfg.Peer)
	}
	if len(cfg.Payload) == 0 {
		return nil, errors.New("controller: empty payload")
	}
	if cfg.RxCapacity == 0 {
		cfg.RxCapacity = len(cfg.Payload)
	}
	if cfg.RxCapacity < len(cfg.Payload) {
		return nil, fmt.Errorf("controller: rx capacity %d smaller than payload %d", cfg.RxCapacity, len(cfg.Payload))
	}
	if cfg.SendRetries < 0 {
		return nil, fmt.Errorf("controller: negative send retries %d", cfg.SendRetries)
	}
	cfg.SendTimeout = durationOr(cfg.SendTimeout, DefaultSendTimeout)
	cfg.ReplyTimeout = durationOr(cfg.ReplyTimeout, DefaultReplyTimeout)
	payload := make([]byte, len(cfg.Payload))
	copy(payload, cfg.Payload)
	cfg.Payload = payload
	return &Controller{
		base:    newBase(tr, RoleController, opts),
		cfg:     cfg,
		payload: payload,
		rx:      make([]byte, cfg.RxCapacity),
	}, nil
}

func (c *Controller) Name() string { return RoleController }

// Exchange runs Sending, AwaitingReply and Verifying once.
func (c *Controller) Exchange(ctx context.Context) error {
	c.enter(Idle)
	c.sink.WriteLine(fmt.Sprintf("Transmitting to peripheral %s (%s timeout)", c.cfg.Peer, c.cfg.SendTimeout))
	c.ind.Set(false) // transfer in progress
	start := time.Now()

	if err := c.send(ctx); err != nil {
		return err
	}

	c.enter(AwaitingReply)
	c.sink.WriteLine(fmt.Sprintf("Waiting response from peripheral (%s timeout)", c.cfg.ReplyTimeout))
	n, err := c.awaitReply(ctx)
	if err != nil {
		return err
	}
	c.sink.WriteLine(fmt.Sprintf("Receive success, response from peripheral: %q", c.rx[:n]))

	c.enter(Verifying)
	if err := c.verify(n); err != nil {
		metrics.IncError(metrics.ErrVerify)
		c.sink.WriteLine(fmt.Sprintf("Verification failed: %v", err))
		return c.fault(err)
	}

	c.enter(Complete)
	elapsed := time.Since(start)
	metrics.IncComplete(RoleController, elapsed)
	c.ind.Set(true)
	c.sink.WriteLine(fmt.Sprintf("Exchange complete: %d bytes verified", len(c.payload)))
	c.logger.Info("exchange_complete", "bytes", len(c.payload), "elapsed", elapsed)
	return c.sleep(ctx, c.cfg.Settle)
}

// send repeats the transmission until it is acknowledged or the retry
// budget for other errors runs out.
func (c *Controller) send(ctx context.Context) error {
	c.enter(Sending)
	failures := 0
	for {
		err := c.tr.Send(c.cfg.Peer, c.payload, c.cfg.SendTimeout)
		if err == nil {
			metrics.AddTxBytes(len(c.payload))
			return nil
		}
		code := c.lastCode(err)
		nack := code == bus.AddressNotAcknowledged
		if nack {
			c.sink.WriteLine("Send error: address not acknowledged (peer not listening)")
		} else {
			failures++
			metrics.IncError(metrics.ErrBusSend)
			c.sink.WriteLine(fmt.Sprintf("Send error: timeout or other error (%s)", code))
		}
		c.logger.Warn("send_failed", "code", code.String(), "error", err, "backoff", c.cfg.Backoff)
		if err := c.sleep(ctx, c.cfg.Backoff); err != nil {
			return err
		}
		if !nack && failures > c.cfg.SendRetries {
			return c.fault(fmt.Errorf("send to %s: %w", c.cfg.Peer, err))
		}
		metrics.IncSendRetry(code.String(), nack)
	}
}

// awaitReply reads exactly the payload length back. A missing acknowledge
// means the responder is not transmitting yet and the read is repeated.
func (c *Controller) awaitReply(ctx context.Context) (int, error) {
	buf := c.rx[:len(c.payload)]
	for {
		n, err := c.tr.ReceiveFrom(c.cfg.Peer, buf, c.cfg.ReplyTimeout)
		if err == nil {
			if n > len(buf) {
				n = len(buf)
			}
			metrics.AddRxBytes(n)
			return n, nil
		}
		code := c.lastCode(err)
		if code != bus.AddressNotAcknowledged {
			metrics.IncError(metrics.ErrBusReceive)
			c.sink.WriteLine(fmt.Sprintf("Receive error (%s)", code))
			return 0, c.fault(fmt.Errorf("receive from %s: %w", c.cfg.Peer, err))
		}
		c.logger.Debug("reply_not_acknowledged")
		if err := c.sleep(ctx, c.cfg.ReplyPoll); err != nil {
			return 0, err
		}
	}
}

// verify compares over the transmitted length, not the buffer capacity.
func (c *Controller) verify(n int) error {
	if n < len(c.payload) {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortReply, n, len(c.payload))
	}
	if Compare(c.payload, c.rx, len(c.payload)) != 0 {
		i, _ := Mismatch(c.payload, c.rx, len(c.payload))
		return fmt.Errorf("%w at byte %d", ErrMismatch, i)
	}
	return nil
}

func (c *Controller) fault(err error) error {
	f := &Fault{Role: RoleController, State: c.state, Err: err}
	c.enter(Faulted)
	return f
}
