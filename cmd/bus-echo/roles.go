package main

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/exchange"
)

// simPeerResetDelay stands in for a peer board's boot time.
const simPeerResetDelay = 100 * time.Millisecond

// newRole builds the exchange state machine for role on tr.
func newRole(role string, cfg *appConfig, tr bus.Transport, opts ...exchange.Option) (exchange.Role, error) {
	switch role {
	case exchange.RoleController:
		return exchange.NewController(tr, exchange.ControllerConfig{
			Peer:         cfg.address,
			Payload:      []byte(cfg.payload),
			RxCapacity:   cfg.rxCapacity,
			SendTimeout:  cfg.sendTO,
			ReplyTimeout: cfg.replyTO,
			Backoff:      cfg.backoff,
			Settle:       cfg.settle,
			ReplyPoll:    cfg.replyPoll,
			SendRetries:  cfg.sendRetries,
		}, opts...)
	case exchange.RoleResponder:
		return exchange.NewResponder(tr, exchange.ResponderConfig{
			Peer:          cfg.address,
			RxCapacity:    cfg.rxCapacity,
			ListenTimeout: cfg.listenTO,
			EchoTimeout:   cfg.echoTO,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
}
