package acquire

import (
	"fmt"

	"github.com/itohio/dabras/pkg/dabras"
	"github.com/itohio/dabras/pkg/sample"
	"github.com/itohio/dabras/pkg/stats"
	"github.com/itohio/dabras/pkg/watchdog"
)

// QCBackgroundParams configures the daily background check.
type QCBackgroundParams struct {
	Params
	AlphaLimits ControlLimits // Gross CPM
	BetaLimits  ControlLimits // Gross CPM
}

// NewQCBackground creates a session that checks the background rate against
// control limits. Each row and the mean are judged.
func NewQCBackground(ch dabras.Channel, wd *watchdog.Watchdog, p QCBackgroundParams, opts ...Option) (*Session, error) {
	if err := validateLimits(p.AlphaLimits, p.BetaLimits); err != nil {
		return nil, err
	}
	return newSession(ch, wd, p.Params, qcBackgroundVariant{p: p}, opts...)
}

type qcBackgroundVariant struct {
	p QCBackgroundParams
}

func (qcBackgroundVariant) kind() Kind                    { return QCBackground }
func (qcBackgroundVariant) background() sample.Background { return sample.Background{} }
func (qcBackgroundVariant) done(Row) bool                 { return false }
func (qcBackgroundVariant) pausable() bool                { return false }

func (v qcBackgroundVariant) fill(row *Row) {
	row.AlphaVerdict = v.p.AlphaLimits.Judge(row.AlphaGross)
	row.BetaVerdict = v.p.BetaLimits.Judge(row.BetaGross)
}

func (v qcBackgroundVariant) aggregate(rows []Row, env aggregateEnv) Aggregate {
	alpha, beta := grossRates(rows)
	agg := Aggregate{
		Alpha:      stats.SummarizeCounting(alpha, env.timing.LowCountThreshold),
		Beta:       stats.SummarizeCounting(beta, env.timing.LowCountThreshold),
		AlphaGross: stats.Summarize(alpha),
		BetaGross:  stats.Summarize(beta),
	}
	agg.AlphaVerdict = v.p.AlphaLimits.Judge(agg.Alpha.Mean)
	agg.BetaVerdict = v.p.BetaLimits.Judge(agg.Beta.Mean)
	return agg
}

// QCAlphaBetaParams configures the daily source check.
type QCAlphaBetaParams struct {
	Params
	Background  sample.Background
	Source      stats.Source
	Particle    Particle
	AlphaLimits ControlLimits // Net CPM
	BetaLimits  ControlLimits // Net CPM
}

// NewQCAlphaBeta creates a session that counts a check source and judges the
// net rates against control limits.
func NewQCAlphaBeta(ch dabras.Channel, wd *watchdog.Watchdog, p QCAlphaBetaParams, opts ...Option) (*Session, error) {
	if err := validateLimits(p.AlphaLimits, p.BetaLimits); err != nil {
		return nil, err
	}
	src := EfficiencyParams{Params: p.Params, Source: p.Source, Particle: p.Particle}
	if err := src.validate(); err != nil {
		return nil, err
	}
	return newSession(ch, wd, p.Params, qcAlphaBetaVariant{p: p}, opts...)
}

type qcAlphaBetaVariant struct {
	p QCAlphaBetaParams
}

func (qcAlphaBetaVariant) kind() Kind                      { return QCAlphaBeta }
func (v qcAlphaBetaVariant) background() sample.Background { return v.p.Background }
func (qcAlphaBetaVariant) done(Row) bool                   { return false }
func (qcAlphaBetaVariant) pausable() bool                  { return false }

func (v qcAlphaBetaVariant) fill(row *Row) {
	row.AlphaVerdict = v.p.AlphaLimits.Judge(row.AlphaNet)
	row.BetaVerdict = v.p.BetaLimits.Judge(row.BetaNet)
}

func (v qcAlphaBetaVariant) aggregate(rows []Row, env aggregateEnv) Aggregate {
	alphaNet, betaNet := netRates(rows)
	alphaGross, betaGross := grossRates(rows)

	agg := Aggregate{
		Alpha:      stats.SummarizeCounting(alphaNet, env.timing.LowCountThreshold),
		Beta:       stats.SummarizeCounting(betaNet, env.timing.LowCountThreshold),
		AlphaGross: stats.Summarize(alphaGross),
		BetaGross:  stats.Summarize(betaGross),
	}
	agg.AlphaVerdict = v.p.AlphaLimits.Judge(agg.Alpha.Mean)
	agg.BetaVerdict = v.p.BetaLimits.Judge(agg.Beta.Mean)
	applySource(&agg, rows, v.p.Source, v.p.Particle, env)
	return agg
}

func validateLimits(limits ...ControlLimits) error {
	for _, l := range limits {
		if l.Lo > l.Hi {
			return fmt.Errorf("%w: control limits %v > %v", ErrInvalidParameters, l.Lo, l.Hi)
		}
	}
	return nil
}
