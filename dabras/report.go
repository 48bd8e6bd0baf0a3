package main

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/itohio/dabras/pkg/acquire"
	"github.com/itohio/dabras/pkg/stats"
)

// report prints rows as they complete and the final result.
type report struct {
	mu   sync.Mutex
	w    io.Writer
	kind acquire.Kind
}

func newReport(w io.Writer, kind acquire.Kind) *report {
	return &report{w: w, kind: kind}
}

func (r *report) header(sess *acquire.Session) {
	p := sess.Params()
	fmt.Fprintf(r.w, "%s session %s: %d x %v\n", r.kind, sess.ID(), p.SampleCount, p.SampleTime)
}

func (r *report) row(row acquire.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.kind {
	case acquire.Background:
		fmt.Fprintf(r.w, "#%d %v  alpha %s cpm  beta %s cpm\n",
			row.Index+1, row.Elapsed,
			stats.RoundToSigFigs(row.AlphaGross), stats.RoundToSigFigs(row.BetaGross))
	case acquire.QCBackground:
		fmt.Fprintf(r.w, "#%d %v  alpha %s cpm [%s]  beta %s cpm [%s]\n",
			row.Index+1, row.Elapsed,
			stats.RoundToSigFigs(row.AlphaGross), row.AlphaVerdict,
			stats.RoundToSigFigs(row.BetaGross), row.BetaVerdict)
	case acquire.QCAlphaBeta:
		fmt.Fprintf(r.w, "#%d %v  alpha %s net cpm [%s]  beta %s net cpm [%s]\n",
			row.Index+1, row.Elapsed,
			stats.RoundToSigFigs(row.AlphaNet), row.AlphaVerdict,
			stats.RoundToSigFigs(row.BetaNet), row.BetaVerdict)
	case acquire.Routine:
		fmt.Fprintf(r.w, "#%d %v  alpha %s dpm (mda %s)  beta %s dpm (mda %s)\n",
			row.Index+1, row.Elapsed,
			stats.RoundToSigFigs(row.AlphaDPM), stats.RoundToSigFigs(row.AlphaMDA),
			stats.RoundToSigFigs(row.BetaDPM), stats.RoundToSigFigs(row.BetaMDA))
	default:
		fmt.Fprintf(r.w, "#%d %v  alpha %s net cpm  beta %s net cpm\n",
			row.Index+1, row.Elapsed,
			stats.RoundToSigFigs(row.AlphaNet), stats.RoundToSigFigs(row.BetaNet))
	}
}

func (r *report) result(res acquire.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !res.Completed {
		fmt.Fprintf(r.w, "aborted after %d rows: %v\n", len(res.Rows), res.Err)
		return
	}

	agg := res.Aggregate
	tw := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tmean\tstddev\tverdict")
	fmt.Fprintf(tw, "alpha\t%s\t%s\t%s\n", stats.RoundToSigFigs(agg.Alpha.Mean), stats.RoundToDecimal(agg.Alpha.StdDev, 1), agg.AlphaVerdict)
	fmt.Fprintf(tw, "beta\t%s\t%s\t%s\n", stats.RoundToSigFigs(agg.Beta.Mean), stats.RoundToDecimal(agg.Beta.StdDev, 1), agg.BetaVerdict)

	switch res.Kind {
	case acquire.Efficiency, acquire.QCAlphaBeta:
		fmt.Fprintf(tw, "decay factor\t%s\n", stats.RoundToSigFigs(agg.DecayFactor))
		fmt.Fprintf(tw, "activity\t%s dpm\n", stats.RoundToSigFigs(agg.SourceActivity))
		fmt.Fprintf(tw, "efficiency\t%s %%\n", stats.RoundToSigFigs(agg.Efficiency))
		fmt.Fprintf(tw, "r-hat\t%s cpm\n", stats.RoundToSigFigs(agg.RHat))
	case acquire.Routine:
		fmt.Fprintf(tw, "alpha dpm\t%s\t%s\n", stats.RoundToSigFigs(agg.AlphaDPM.Mean), stats.RoundToDecimal(agg.AlphaDPM.StdDev, 1))
		fmt.Fprintf(tw, "beta dpm\t%s\t%s\n", stats.RoundToSigFigs(agg.BetaDPM.Mean), stats.RoundToDecimal(agg.BetaDPM.StdDev, 1))
		fmt.Fprintf(tw, "mda\t%s / %s dpm\n", stats.RoundToSigFigs(agg.AlphaMDA), stats.RoundToSigFigs(agg.BetaMDA))
	}
	_ = tw.Flush()
}
