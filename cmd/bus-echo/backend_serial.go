package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/exchange"
	"github.com/kstaniek/go-bus-echo/internal/serial"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialBackend opens the UART link in controller or target mode.
func initSerialBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (bus.Transport, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud, "ack_window", cfg.ackWindow)
	var link *serial.Link
	if cfg.role == exchange.RoleResponder {
		link, err = serial.NewTargetLink(ctx, sp, cfg.address, cfg.ackWindow)
		if err != nil {
			_ = sp.Close()
			return nil, func() {}, fmt.Errorf("serial target: %w", err)
		}
	} else {
		link = serial.NewControllerLink(ctx, sp, cfg.ackWindow)
	}
	return link, func() { _ = link.Close() }, nil
}
