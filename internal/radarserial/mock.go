package radarserial

import (
	"fmt"
	"io"
	"math/rand"
	"time"
)

// MockPort implements Porter over an in-process pipe. Writes from the
// reader (init commands) are discarded.
type MockPort struct {
	io.Reader
	closer io.Closer
}

func (m *MockPort) Write(p []byte) (int, error) { return len(p), nil }
func (m *MockPort) Close() error                { return m.closer.Close() }

// MockOpener returns an Opener producing synthetic radar frames at the given
// interval. Speeds alternate direction and wander within a plausible band,
// so a dev deployment exercises the whole pipeline without hardware.
func MockOpener(interval time.Duration) Opener {
	return func() (Porter, error) {
		r, w := io.Pipe()
		go func() {
			defer w.Close()
			sign := 1.0
			for {
				time.Sleep(interval)
				speed := sign * (8 + rand.Float64()*25)
				mag := 800 + rand.Float64()*2200
				line := fmt.Sprintf("speed_mph=%.2f,magnitude=%.1f\n", speed, mag)
				if _, err := w.Write([]byte(line)); err != nil {
					return
				}
				sign = -sign
			}
		}()
		return &MockPort{Reader: r, closer: r}, nil
	}
}
