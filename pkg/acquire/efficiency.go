package acquire

import (
	"fmt"

	"github.com/itohio/dabras/pkg/dabras"
	"github.com/itohio/dabras/pkg/sample"
	"github.com/itohio/dabras/pkg/stats"
	"github.com/itohio/dabras/pkg/watchdog"
)

// EfficiencyParams configures a calibration count of a certified source.
type EfficiencyParams struct {
	Params
	Background sample.Background // Reference rates subtracted from each row
	Source     stats.Source
	Particle   Particle // Channel the source emits on
}

func (p EfficiencyParams) validate() error {
	if p.Source.ActivityDPM <= 0 {
		return fmt.Errorf("%w: source activity must be positive", ErrInvalidParameters)
	}
	if p.Source.HalfLifeSeconds < 0 {
		return fmt.Errorf("%w: negative half-life", ErrInvalidParameters)
	}
	if p.Particle != Alpha && p.Particle != Beta {
		return fmt.Errorf("%w: unknown particle %d", ErrInvalidParameters, p.Particle)
	}
	return nil
}

// NewEfficiency creates a session that determines counting efficiency from a
// source of known, decay-corrected activity.
func NewEfficiency(ch dabras.Channel, wd *watchdog.Watchdog, p EfficiencyParams, opts ...Option) (*Session, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return newSession(ch, wd, p.Params, efficiencyVariant{p: p}, opts...)
}

type efficiencyVariant struct {
	p EfficiencyParams
}

func (efficiencyVariant) kind() Kind                      { return Efficiency }
func (v efficiencyVariant) background() sample.Background { return v.p.Background }
func (efficiencyVariant) done(Row) bool                   { return false }
func (efficiencyVariant) pausable() bool                  { return false }

func (efficiencyVariant) fill(*Row) {}

func (v efficiencyVariant) aggregate(rows []Row, env aggregateEnv) Aggregate {
	alphaNet, betaNet := netRates(rows)
	alphaGross, betaGross := grossRates(rows)

	agg := Aggregate{
		Alpha:      stats.Summarize(alphaNet),
		Beta:       stats.Summarize(betaNet),
		AlphaGross: stats.Summarize(alphaGross),
		BetaGross:  stats.Summarize(betaGross),
	}
	applySource(&agg, rows, v.p.Source, v.p.Particle, env)
	return agg
}

// applySource fills the decay-corrected source figures of agg for the
// channel the source emits on.
func applySource(agg *Aggregate, rows []Row, src stats.Source, particle Particle, env aggregateEnv) {
	alphaNet, betaNet := netRates(rows)
	rates, mean := alphaNet, agg.Alpha.Mean
	if particle == Beta {
		rates, mean = betaNet, agg.Beta.Mean
	}

	agg.DecayFactor = src.DecayFactor(env.now)
	agg.SourceActivity = src.ActivityAt(env.now)
	agg.Efficiency = stats.Efficiency(mean, agg.SourceActivity)
	agg.RHat = stats.RHat(rates, agg.DecayFactor, env.sampleTime)
}
