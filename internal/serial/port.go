package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream under a Link or a diagnostic console. tarm/serial
// implements it; tests substitute fakes.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens name as 8N1 at baud. A read that sees no data within
// readTimeout returns (0, nil) so readers can poll for shutdown.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("serial %s: %w", name, err)
	}
	return p, nil
}
