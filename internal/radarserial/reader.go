package radarserial

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/fusion.report/internal/broker"
	"github.com/banshee-data/fusion.report/internal/config"
	"github.com/banshee-data/fusion.report/internal/model"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/supervisor"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// stopGrace is how long Stop waits for the read loop before force-closing
// the device out from under it.
const stopGrace = time.Second

// Reader owns the radar serial device: it frames the byte stream into lines,
// parses them into samples, mints the correlation ID that travels through
// the rest of the pipeline, and publishes onto the broker. I/O errors
// trigger an exponential backoff reconnect; samples are not buffered across
// a disconnect.
type Reader struct {
	cfg   config.RadarConfig
	b     *broker.Broker
	clock timeutil.Clock
	open  Opener

	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	port           Porter
	connected      bool
	disconnectedAt time.Time
}

// New creates a radar reader publishing through b. A nil opener selects the
// real device opener for cfg.
func New(cfg config.RadarConfig, b *broker.Broker, clock timeutil.Clock, open Opener) *Reader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if open == nil {
		open = DeviceOpener(cfg)
	}
	return &Reader{cfg: cfg, b: b, clock: clock, open: open}
}

func (r *Reader) Name() string { return "radar_reader" }

// Start opens the device and spawns the read loop.
func (r *Reader) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Lock()
	r.disconnectedAt = r.clock.Now()
	r.mu.Unlock()
	go r.run(ctx)
	return nil
}

// Stop closes the device and waits for the loop to exit within the grace
// period, then force-closes. Any partially parsed frame is dropped.
func (r *Reader) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-r.clock.After(stopGrace):
	case <-ctx.Done():
	}
	r.closePort()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("radar reader did not exit: %w", ctx.Err())
	}
}

// Health reports degraded once the device has been unreachable longer than
// the configured threshold.
func (r *Reader) Health() supervisor.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return supervisor.Status{State: supervisor.StateHealthy}
	}
	down := r.clock.Since(r.disconnectedAt)
	if down > r.cfg.DegradedAfter.D() {
		return supervisor.Status{
			State:  supervisor.StateDegraded,
			Detail: fmt.Sprintf("serial device unreachable for %s", down.Round(time.Second)),
		}
	}
	return supervisor.Status{State: supervisor.StateHealthy, Detail: "reconnecting"}
}

func (r *Reader) run(ctx context.Context) {
	defer close(r.done)

	backoff := r.cfg.ReconnectMin.D()
	for ctx.Err() == nil {
		port, err := r.open()
		if err != nil {
			monitoring.RadarReconnects.Inc()
			monitoring.Logf("radar: open failed: %v (retrying in %s)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(backoff):
			}
			backoff = min(backoff*2, r.cfg.ReconnectMax.D())
			continue
		}
		backoff = r.cfg.ReconnectMin.D()
		r.setPort(port, true)

		if r.cfg.InitCommands {
			if err := r.initialize(port); err != nil {
				monitoring.Logf("radar: device initialization failed: %v", err)
			}
		}

		err = r.readLoop(ctx, port)
		r.setPort(nil, false)
		port.Close()
		if ctx.Err() != nil {
			return
		}
		monitoring.RadarReconnects.Inc()
		monitoring.Logf("radar: read loop ended: %v (reconnecting)", err)
	}
}

// initialize syncs the device clock and enables the output fields the parser
// expects, in the manner of the OPS-series radar command set.
func (r *Reader) initialize(port Porter) error {
	commands := []string{
		fmt.Sprintf("C=%d", r.clock.Now().Unix()), // sync device clock
		"OS", // enable speed reporting
		"OM", // enable magnitude reporting
		"US", // report speeds in mph
	}
	for _, cmd := range commands {
		if _, err := port.Write([]byte(cmd + "\n")); err != nil {
			return fmt.Errorf("failed to send command %q: %w", cmd, err)
		}
	}
	return nil
}

// readLoop frames the byte stream into newline-terminated records. The
// blocking Scan runs in its own goroutine so the loop can observe
// cancellation; closing the port unblocks it.
func (r *Reader) readLoop(ctx context.Context, port Porter) error {
	scan := bufio.NewScanner(port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErrChan:
			return err
		case line, ok := <-lineChan:
			if !ok {
				return fmt.Errorf("serial stream closed")
			}
			r.handleLine(ctx, line)
		}
	}
}

// handleLine parses one complete frame and publishes it. Lines that fail
// schema validation are dropped and counted, never an error.
func (r *Reader) handleLine(ctx context.Context, line string) {
	frame, err := ParseFrame(line)
	if err != nil {
		monitoring.RadarFrameDrops.Inc()
		monitoring.Logf("radar: dropping frame: %v", err)
		return
	}

	correlationID, err := model.NewCorrelationID()
	if err != nil {
		monitoring.Logf("radar: %v", err)
		return
	}

	sample := model.RadarSample{
		ObservedAt:    r.clock.Now().UTC(),
		Direction:     model.DirectionUnknown,
		AlertLevel:    model.AlertNormal,
		CorrelationID: correlationID,
	}
	if frame.Magnitude != nil {
		sample.Magnitude = *frame.Magnitude
	}
	if frame.Alert != nil {
		sample.AlertLevel = *frame.Alert
	}

	if frame.SpeedMPH != nil {
		sample.SpeedMPH = math.Abs(*frame.SpeedMPH)
		sample.Direction = DeriveDirection(*frame.SpeedMPH, r.cfg.DirectionEpsilonMPH)
		if err := r.b.Append(ctx, broker.StreamRadarData, broker.RadarStreamMaxLen, model.SchemaRadarSample, sample); err != nil {
			monitoring.PublishFailures.WithLabelValues(broker.StreamRadarData).Inc()
			monitoring.Logf("radar: [%s] %v", correlationID, err)
		}
	}

	r.b.PublishLogged(ctx, broker.TopicRadarDetections, model.SchemaRadarSample, sample)
}

func (r *Reader) setPort(port Porter, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.port = port
	r.connected = connected
	if !connected {
		r.disconnectedAt = r.clock.Now()
	}
}

func (r *Reader) closePort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port != nil {
		r.port.Close()
		r.port = nil
	}
}
