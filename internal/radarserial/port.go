// Package radarserial reads the doppler radar's UART byte stream, frames and
// parses it into typed samples, and publishes them onto the broker. The
// reader exclusively owns the device handle.
package radarserial

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/fusion.report/internal/config"
)

// Porter is the minimal surface the reader needs from a serial port. The
// abstraction enables unit testing without radar hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Opener opens the radar device. The production opener wraps go.bug.st/serial;
// tests substitute a mock.
type Opener func() (Porter, error)

// DeviceOpener returns an Opener for the configured device path and baud
// rate, with the per-read timeout applied.
func DeviceOpener(cfg config.RadarConfig) Opener {
	return func() (Porter, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.Port, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.Port, err)
		}
		timeout := cfg.ReadTimeout.D()
		if timeout <= 0 {
			timeout = time.Second
		}
		if err := port.SetReadTimeout(timeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", cfg.Port, err)
		}
		return port, nil
	}
}
