package radarserial

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/fusion.report/internal/model"
)

// Frame is one parsed serial record. A frame is complete when a newline is
// seen; each carries zero or more of speed, magnitude, and alert. Frames
// that yield a speed become radar samples; alert-only frames are published
// but never treated as triggers.
type Frame struct {
	SpeedMPH  *float64
	Magnitude *float64
	Alert     *model.AlertLevel
}

// alertLevels maps the device's alert strings onto the model enum.
var alertLevels = map[string]model.AlertLevel{
	"normal":     model.AlertNormal,
	"low_alert":  model.AlertLow,
	"high_alert": model.AlertHigh,
}

// ParseFrame parses one newline-terminated key/value record, e.g.
// "speed_mph=-15.0,magnitude=180". Unknown keys are ignored for forward
// compatibility; a frame with no recognised keys fails validation and is
// dropped by the caller.
func ParseFrame(line string) (Frame, error) {
	var f Frame
	line = strings.TrimSpace(line)
	if line == "" {
		return f, fmt.Errorf("empty frame")
	}

	for _, pair := range strings.Split(line, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return Frame{}, fmt.Errorf("malformed pair %q", pair)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "speed_mph", "speed":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Frame{}, fmt.Errorf("failed to parse speed %q: %w", value, err)
			}
			f.SpeedMPH = &v
		case "magnitude", "mag":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Frame{}, fmt.Errorf("failed to parse magnitude %q: %w", value, err)
			}
			f.Magnitude = &v
		case "alert":
			level, ok := alertLevels[value]
			if !ok {
				return Frame{}, fmt.Errorf("unknown alert level %q", value)
			}
			f.Alert = &level
		}
	}

	if f.SpeedMPH == nil && f.Magnitude == nil && f.Alert == nil {
		return Frame{}, fmt.Errorf("frame %q carries no recognised fields", line)
	}
	return f, nil
}

// DeriveDirection maps a signed speed reading onto a direction using the
// configured epsilon: positive is approaching, negative receding, and
// anything within epsilon of zero is stationary.
func DeriveDirection(speedMPH, epsilon float64) model.Direction {
	switch {
	case speedMPH > epsilon:
		return model.DirectionApproaching
	case speedMPH < -epsilon:
		return model.DirectionReceding
	default:
		return model.DirectionStationary
	}
}
