package acquire

import (
	"github.com/itohio/dabras/pkg/dabras"
	"github.com/itohio/dabras/pkg/sample"
	"github.com/itohio/dabras/pkg/stats"
	"github.com/itohio/dabras/pkg/watchdog"
)

// BackgroundParams configures a background count.
type BackgroundParams struct {
	Params
}

// NewBackground creates a session that measures the instrument background.
// Rows and the aggregate carry gross rates; no background is subtracted.
func NewBackground(ch dabras.Channel, wd *watchdog.Watchdog, p BackgroundParams, opts ...Option) (*Session, error) {
	return newSession(ch, wd, p.Params, backgroundVariant{}, opts...)
}

type backgroundVariant struct{}

func (backgroundVariant) kind() Kind                    { return Background }
func (backgroundVariant) background() sample.Background { return sample.Background{} }
func (backgroundVariant) done(Row) bool                 { return false }
func (backgroundVariant) pausable() bool                { return false }

func (backgroundVariant) fill(*Row) {}

func (backgroundVariant) aggregate(rows []Row, env aggregateEnv) Aggregate {
	alpha, beta := grossRates(rows)
	agg := Aggregate{
		Alpha:      stats.SummarizeCounting(alpha, env.timing.LowCountThreshold),
		Beta:       stats.SummarizeCounting(beta, env.timing.LowCountThreshold),
		AlphaGross: stats.Summarize(alpha),
		BetaGross:  stats.Summarize(beta),
	}
	return agg
}

func grossRates(rows []Row) ([]float64, []float64) {
	alpha := make([]float64, len(rows))
	beta := make([]float64, len(rows))
	for i, r := range rows {
		alpha[i] = r.AlphaGross
		beta[i] = r.BetaGross
	}
	return alpha, beta
}

func netRates(rows []Row) ([]float64, []float64) {
	alpha := make([]float64, len(rows))
	beta := make([]float64, len(rows))
	for i, r := range rows {
		alpha[i] = r.AlphaNet
		beta[i] = r.BetaNet
	}
	return alpha, beta
}
