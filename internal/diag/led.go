package diag

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3/sysfs"

	"github.com/kstaniek/go-bus-echo/internal/logging"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

// ledPin is the output side of a periph LED.
type ledPin interface {
	Out(l gpio.Level) error
	String() string
}

var initDrivers = sync.OnceValue(func() error {
	_, err := driverreg.Init()
	return err
})

// ledByName resolves a LED under /sys/class/leds; replaced in tests.
var ledByName = func(name string) (ledPin, error) {
	if err := initDrivers(); err != nil {
		return nil, err
	}
	led, err := sysfs.LEDByName(name)
	if err != nil {
		return nil, err
	}
	return led, nil
}

// LED drives a Linux sysfs LED such as "led0" or "ACT".
type LED struct{ pin ledPin }

// OpenLED looks up name among the LEDs the kernel exposes.
func OpenLED(name string) (*LED, error) {
	pin, err := ledByName(name)
	if err != nil {
		return nil, fmt.Errorf("led %s: %w", name, err)
	}
	return &LED{pin: pin}, nil
}

// Set switches the LED; failures are counted and logged only.
func (l *LED) Set(on bool) {
	lvl := gpio.Low
	if on {
		lvl = gpio.High
	}
	if err := l.pin.Out(lvl); err != nil {
		metrics.IncError(metrics.ErrLED)
		logging.L().Debug("led_write_error", "led", l.pin.String(), "error", err)
	}
}
