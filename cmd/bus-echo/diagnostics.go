package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-bus-echo/internal/diag"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

const consoleQueueSize = 64 // lines buffered for the diagnostic UART

// openLED is a hook for tests.
var openLED = func(name string) (diag.Indicator, error) {
	led, err := diag.OpenLED(name)
	if err != nil {
		return nil, err
	}
	return led, nil
}

// diagnostics bundles the line sink and activity indicator handed to the role.
type diagnostics struct {
	sink    diag.Sink
	ind     diag.Indicator
	once    sync.Once
	closers []func()
}

// initDiagnostics always mirrors lines into the structured log and the
// activity gauge; the UART console and LED are optional.
func initDiagnostics(ctx context.Context, cfg *appConfig, l *slog.Logger) (*diagnostics, error) {
	d := &diagnostics{}
	sinks := diag.Multi{diag.Log{L: l, Level: slog.LevelInfo}}
	inds := diag.MultiIndicator{diag.IndicatorFunc(metrics.SetActivity)}

	if cfg.console != "" {
		port, err := openSerialPort(cfg.console, cfg.consoleBaud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open console: %w", err)
		}
		c := diag.NewConsole(ctx, port, consoleQueueSize)
		d.closers = append(d.closers, func() { c.Close(); _ = port.Close() })
		sinks = append(sinks, c)
		l.Info("console_open", "device", cfg.console, "baud", cfg.consoleBaud)
	}
	if cfg.led != "" {
		led, err := openLED(cfg.led)
		if err != nil {
			d.Close()
			return nil, err
		}
		inds = append(inds, led)
		d.closers = append(d.closers, func() { led.Set(false) })
		l.Info("led_open", "led", cfg.led)
	}
	d.sink = sinks
	d.ind = inds
	return d, nil
}

// Close flushes the console and turns the LED off; safe to call multiple times.
func (d *diagnostics) Close() {
	d.once.Do(func() {
		for i := len(d.closers) - 1; i >= 0; i-- {
			d.closers[i]()
		}
	})
}
