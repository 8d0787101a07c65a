// Package units provides shared constants and conversion for speed units.
package units

import "strings"

// Unit constants. The tracker computes speeds in km/h natively; API
// responses convert on request.
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values.
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units.
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// ValidUnitsString returns a comma-separated string of valid units for error
// messages.
func ValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertFromKMH converts a speed from km/h to the target units. Unknown
// units pass the value through unchanged.
func ConvertFromKMH(speedKMH float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedKMH / 3.6
	case MPH:
		return speedKMH * 0.62137119223733
	case KMPH, KPH:
		return speedKMH
	default:
		return speedKMH
	}
}
