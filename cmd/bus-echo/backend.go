package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-bus-echo/internal/bus"
)

// initBackend opens the configured bus for the local role and returns the
// transport and its cleanup. It returns an error instead of exiting the
// process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (bus.Transport, func(), error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, cfg, l)
	case "i2cdev":
		return initI2CBackend(cfg, l)
	case "sim":
		return initSimBackend(ctx, cfg, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use serial|i2cdev|sim)", cfg.backend)
	}
}
