package stats

import (
	"math"
	"time"
)

// Source is a certified radioactive source.
type Source struct {
	ActivityDPM     float64   // Certified activity
	Certified       time.Time // Certification date
	HalfLifeSeconds float64
}

// DecayFactor returns the fraction of the certified activity left at end.
func (s Source) DecayFactor(end time.Time) float64 {
	return DecayFactor(s.Certified, end, s.HalfLifeSeconds)
}

// ActivityAt returns the decay-corrected activity at t, in DPM.
func (s Source) ActivityAt(t time.Time) float64 {
	return Finite(s.ActivityDPM*s.DecayFactor(t), 0)
}

// DecayFactor returns 0.5^(elapsed/halfLife) for the time between start and end.
// A non-positive half-life is treated as a stable source.
func DecayFactor(start, end time.Time, halfLifeSeconds float64) float64 {
	if halfLifeSeconds <= 0 {
		return 1
	}
	elapsed := end.Sub(start).Seconds()
	return Finite(math.Pow(0.5, elapsed/halfLifeSeconds), 1)
}

// RHat is the decay-corrected mean of a run's per-row rates:
// sum(cpm) / (N * decayFactor * sampleMinutes).
func RHat(cpm []float64, decayFactor float64, sampleTime time.Duration) float64 {
	if len(cpm) == 0 {
		return 0
	}
	var sum float64
	for _, c := range cpm {
		sum += c
	}
	return Finite(sum/(float64(len(cpm))*decayFactor*sampleTime.Minutes()), 0)
}
