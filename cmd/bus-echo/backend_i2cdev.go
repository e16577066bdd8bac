package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/i2cdev"
)

// openI2CDevice is a hook for tests.
var openI2CDevice = func(name string) (bus.Transport, func() error, error) {
	d, err := i2cdev.Open(name)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}

// initI2CBackend opens an i2c-dev adapter; it only serves the controller role.
func initI2CBackend(cfg *appConfig, l *slog.Logger) (bus.Transport, func(), error) {
	tr, closeFn, err := openI2CDevice(cfg.i2cDev)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open i2c-dev: %w", err)
	}
	l.Info("i2cdev_open", "device", cfg.i2cDev, "peer", cfg.address.String())
	return tr, func() { _ = closeFn() }, nil
}
