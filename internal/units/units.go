// Package units provides shared constants and validation for speed units
package units

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, mph, kmph, kph"
}

// ConvertSpeed converts a speed from miles per hour to the target units.
// The radar reports in mph and events are stored that way; conversion
// happens only at the read edge.
func ConvertSpeed(speedMPH float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedMPH * 0.44704
	case KMPH, KPH:
		return speedMPH * 1.609344
	case MPH:
		return speedMPH
	default:
		return speedMPH
	}
}

// KnotsToMPS converts wind speeds as reported by aviation weather feeds.
func KnotsToMPS(knots float64) float64 { return knots * 0.514444 }

// StatuteMilesToMeters converts visibility distances from METAR reports.
func StatuteMilesToMeters(mi float64) float64 { return mi * 1609.344 }
