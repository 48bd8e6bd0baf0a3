package stats

import (
	"math"
	"strconv"
)

// SigFigs rounds x to 3 significant figures when |x| > 100, otherwise to 2.
func SigFigs(x float64) float64 {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}

	figs := 2
	if math.Abs(x) > 100 {
		figs = 3
	}

	power := figs - int(math.Ceil(math.Log10(math.Abs(x))))
	if power >= 0 {
		magnitude := math.Pow(10, float64(power))
		return math.Round(x*magnitude) / magnitude
	}
	magnitude := math.Pow(10, float64(-power))
	return math.Round(x/magnitude) * magnitude
}

// RoundToSigFigs formats x rounded by SigFigs.
func RoundToSigFigs(x float64) string {
	if x == 0 {
		return "0"
	}
	return strconv.FormatFloat(SigFigs(x), 'f', -1, 64)
}

// RoundToDecimal formats x for display with a single decimal place.
//
// The value itself is left untouched; callers keep the unrounded number for
// any further statistics. places is accepted for call-site symmetry with
// RoundToSigFigs and does not change the output.
func RoundToDecimal(x float64, places int) string {
	_ = places
	return strconv.FormatFloat(x, 'f', 1, 64)
}
