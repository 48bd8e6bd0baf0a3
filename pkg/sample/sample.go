package sample

import (
	"time"

	"github.com/itohio/dabras/pkg/dabras"
)

// Background is a pair of reference rates subtracted to obtain net rates.
type Background struct {
	AlphaCPM float64
	BetaCPM  float64
}

// Rates represents the counting rates derived from one packet.
type Rates struct {
	AlphaGross float64 // Alpha counts per minute
	BetaGross  float64 // Beta counts per minute
	AlphaNet   float64 // AlphaGross minus background
	BetaNet    float64 // BetaGross minus background
}

// GrossCPM converts a raw total accumulated over elapsed into counts per minute.
// It reports false for a non-positive elapsed time, where no rate exists.
func GrossCPM(total uint64, elapsed time.Duration) (float64, bool) {
	if elapsed <= 0 {
		return 0, false
	}
	return float64(total) / elapsed.Minutes(), true
}

// NetCPM subtracts a background reference rate from a gross rate.
func NetCPM(gross, background float64) float64 {
	return gross - background
}

// Convert derives gross and net rates from p.
// It reports false for packets with zero elapsed time; callers must not
// record rates for those.
func Convert(p dabras.Packet, bg Background) (Rates, bool) {
	alpha, ok := GrossCPM(p.Alpha, p.Elapsed)
	if !ok {
		return Rates{}, false
	}
	beta, _ := GrossCPM(p.Beta, p.Elapsed)

	return Rates{
		AlphaGross: alpha,
		BetaGross:  beta,
		AlphaNet:   NetCPM(alpha, bg.AlphaCPM),
		BetaNet:    NetCPM(beta, bg.BetaCPM),
	}, true
}
