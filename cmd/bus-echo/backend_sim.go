package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/diag"
	"github.com/kstaniek/go-bus-echo/internal/exchange"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
	"github.com/kstaniek/go-bus-echo/internal/simbus"
)

// initSimBackend builds an in-process bus and runs the opposite role on it,
// so a single binary exercises both ends of the exchange.
func initSimBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (bus.Transport, func(), error) {
	b := simbus.New()
	b.AckWindow = cfg.ackWindow
	tgt, err := b.Target(cfg.address)
	if err != nil {
		return nil, func() {}, err
	}
	local, peerTr := bus.Transport(b.Controller()), bus.Transport(tgt)
	peerRole := exchange.RoleResponder
	if cfg.role == exchange.RoleResponder {
		local, peerTr = tgt, b.Controller()
		peerRole = exchange.RoleController
	}

	pl := l.With("peer", "sim", "peer_role", peerRole)
	peer, err := newRole(peerRole, cfg, peerTr,
		exchange.WithLogger(pl),
		exchange.WithDiagnostics(diag.Log{L: pl, Level: slog.LevelDebug}),
	)
	if err != nil {
		b.Detach(tgt)
		return nil, func() {}, err
	}
	peerCtx, cancel := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSimPeer(peerCtx, peer, pl)
	}()
	l.Info("sim_bus_ready", "address", cfg.address.String(), "peer_role", peerRole)
	return local, func() { cancel(); b.Detach(tgt) }, nil
}

// runSimPeer keeps the simulated peer alive: where a board would reset, the
// peer simply starts over.
func runSimPeer(ctx context.Context, peer exchange.Role, l *slog.Logger) {
	resets := 0
	rs := exchange.RestartFunc(func(cause error) {
		resets++
		metrics.IncSimPeerReset()
		l.Warn("sim_peer_reset", "cause", cause, "resets", resets)
	})
	sink := diag.Log{L: l, Level: slog.LevelDebug}
	for {
		err := exchange.Run(ctx, peer, sink, rs)
		var f *exchange.Fault
		if !errors.As(err, &f) {
			return
		}
		if exchange.Sleep(ctx, simPeerResetDelay) != nil {
			return
		}
	}
}
