package stats

import (
	"math"
)

const (
	// Z95 is the one-sided 95% confidence multiplier.
	Z95 = 1.645
	// MDASentinel replaces a detection limit that cannot be computed.
	MDASentinel = 99999.0
)

// CriticalLevel returns Lc = 1.645*sqrt(bg*(1/tb + 1/ts)) in CPM.
func CriticalLevel(backgroundCPM, backgroundMinutes, sampleMinutes float64) float64 {
	lc := Z95 * math.Sqrt(backgroundCPM*(1/backgroundMinutes+1/sampleMinutes))
	return Finite(lc, MDASentinel)
}

// DetectionLimit returns Ld = (1.645^2 + 2*Lc) / ts.
func DetectionLimit(lc, sampleMinutes float64) float64 {
	return Finite((Z95*Z95+2*lc)/sampleMinutes, MDASentinel)
}

// MDA converts a detection limit to activity using a fractional efficiency.
func MDA(ld, efficiencyFraction float64) float64 {
	return Finite(ld/efficiencyFraction, MDASentinel)
}

// DPM converts a net rate to activity using an efficiency in percent.
func DPM(netCPM, efficiencyPercent float64) float64 {
	return Finite(netCPM*100/efficiencyPercent, 0)
}

// Efficiency returns the counting efficiency in percent for a net rate
// measured against a source of known activity.
func Efficiency(netCPM, activityDPM float64) float64 {
	return Finite(netCPM/activityDPM*100, 0)
}
