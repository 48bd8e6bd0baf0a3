package acquire

import (
	"fmt"
	"strings"
	"time"

	"github.com/itohio/dabras/pkg/dabras"
	"github.com/itohio/dabras/pkg/sample"
	"github.com/itohio/dabras/pkg/stats"
	"github.com/itohio/dabras/pkg/watchdog"
)

// Mode selects how a routine sample row ends.
type Mode int

const (
	// TimeMode counts every row for the full sample time.
	TimeMode Mode = iota
	// MDAMode ends a row as soon as both channels reach their MDA targets.
	// The sample time still caps the row.
	MDAMode
)

func (m Mode) String() string {
	if m == MDAMode {
		return "mda"
	}
	return "time"
}

// ParseMode parses "time" or "mda".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "time", "":
		return TimeMode, nil
	case "mda":
		return MDAMode, nil
	}
	return 0, fmt.Errorf("unknown routine mode %q", s)
}

// RoutineParams configures routine sample counting.
type RoutineParams struct {
	Params
	Mode           Mode
	Background     sample.Background
	BackgroundTime time.Duration // Count time of the background reference

	EfficiencyAlpha float64 // percent
	EfficiencyBeta  float64 // percent

	// Modification factors, 0 means 1.
	SelfAbsorption float64
	Backscatter    float64
	AreaFactor     float64

	MDATargetAlpha float64 // DPM
	MDATargetBeta  float64 // DPM
}

func (p *RoutineParams) normalize() error {
	if p.EfficiencyAlpha <= 0 || p.EfficiencyBeta <= 0 {
		return fmt.Errorf("%w: efficiencies must be positive", ErrInvalidParameters)
	}
	for _, f := range []*float64{&p.SelfAbsorption, &p.Backscatter, &p.AreaFactor} {
		switch {
		case *f == 0:
			*f = 1
		case *f < 0:
			return fmt.Errorf("%w: negative modification factor", ErrInvalidParameters)
		}
	}
	if p.BackgroundTime < 0 {
		return fmt.Errorf("%w: negative background time", ErrInvalidParameters)
	}
	if p.Mode == MDAMode {
		if p.MDATargetAlpha <= 0 || p.MDATargetBeta <= 0 {
			return fmt.Errorf("%w: MDA targets must be positive", ErrInvalidParameters)
		}
		if p.BackgroundTime == 0 {
			return fmt.Errorf("%w: MDA mode needs the background count time", ErrInvalidParameters)
		}
	}
	return nil
}

// modification is the combined correction applied to activities.
func (p RoutineParams) modification() float64 {
	return p.SelfAbsorption * p.Backscatter * p.AreaFactor
}

// NewRoutine creates a routine sample session. It is the only variant that
// supports RequestPause and Continue.
func NewRoutine(ch dabras.Channel, wd *watchdog.Watchdog, p RoutineParams, opts ...Option) (*Session, error) {
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return newSession(ch, wd, p.Params, routineVariant{p: p}, opts...)
}

type routineVariant struct {
	p RoutineParams
}

func (routineVariant) kind() Kind                      { return Routine }
func (v routineVariant) background() sample.Background { return v.p.Background }
func (routineVariant) pausable() bool                  { return true }

func (v routineVariant) fill(row *Row) {
	mod := v.p.modification()
	row.AlphaDPM = stats.Finite(stats.DPM(row.AlphaNet, v.p.EfficiencyAlpha)/mod, 0)
	row.BetaDPM = stats.Finite(stats.DPM(row.BetaNet, v.p.EfficiencyBeta)/mod, 0)

	countMinutes := row.Elapsed.Minutes()
	bgMinutes := v.p.BackgroundTime.Minutes()
	row.AlphaMDA = v.mda(v.p.Background.AlphaCPM, bgMinutes, countMinutes, v.p.EfficiencyAlpha)
	row.BetaMDA = v.mda(v.p.Background.BetaCPM, bgMinutes, countMinutes, v.p.EfficiencyBeta)
}

func (v routineVariant) mda(bgCPM, bgMinutes, countMinutes, efficiency float64) float64 {
	lc := stats.CriticalLevel(bgCPM, bgMinutes, countMinutes)
	ld := stats.DetectionLimit(lc, countMinutes)
	return stats.Finite(stats.MDA(ld, efficiency/100)/v.p.modification(), stats.MDASentinel)
}

func (v routineVariant) done(row Row) bool {
	if v.p.Mode != MDAMode {
		return false
	}
	return row.AlphaMDA < v.p.MDATargetAlpha && row.BetaMDA < v.p.MDATargetBeta
}

func (v routineVariant) aggregate(rows []Row, _ aggregateEnv) Aggregate {
	alphaNet, betaNet := netRates(rows)
	alphaGross, betaGross := grossRates(rows)

	alphaDPM := make([]float64, len(rows))
	betaDPM := make([]float64, len(rows))
	alphaMDA := make([]float64, len(rows))
	betaMDA := make([]float64, len(rows))
	for i, r := range rows {
		alphaDPM[i] = r.AlphaDPM
		betaDPM[i] = r.BetaDPM
		alphaMDA[i] = r.AlphaMDA
		betaMDA[i] = r.BetaMDA
	}

	return Aggregate{
		Alpha:      stats.Summarize(alphaNet),
		Beta:       stats.Summarize(betaNet),
		AlphaGross: stats.Summarize(alphaGross),
		BetaGross:  stats.Summarize(betaGross),
		AlphaDPM:   stats.Summarize(alphaDPM),
		BetaDPM:    stats.Summarize(betaDPM),
		AlphaMDA:   stats.Mean(alphaMDA),
		BetaMDA:    stats.Mean(betaMDA),
	}
}
