package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/itohio/dabras/pkg/acquire"
	"github.com/itohio/dabras/pkg/config"
	"github.com/itohio/dabras/pkg/dabras"
	"github.com/itohio/dabras/pkg/sample"
	"github.com/itohio/dabras/pkg/stats"
	"github.com/itohio/dabras/pkg/watchdog"
)

// countConfig returns the sample plan used by kind.
func countConfig(cfg *config.Config, kind acquire.Kind) *config.CountConfig {
	switch kind {
	case acquire.Efficiency:
		return &cfg.Efficiency.CountConfig
	case acquire.QCBackground, acquire.QCAlphaBeta:
		return &cfg.QC.CountConfig
	case acquire.Routine:
		return &cfg.Routine.CountConfig
	default:
		return &cfg.Background
	}
}

// applyOverrides replaces the sample plan of kind with command line values.
func applyOverrides(cfg *config.Config, kind acquire.Kind, count int, sampleTime time.Duration) {
	cc := countConfig(cfg, kind)
	if count > 0 {
		cc.SampleCount = count
	}
	if sampleTime > 0 {
		cc.SampleTime = sampleTime
	}
}

func params(cc config.CountConfig) acquire.Params {
	return acquire.Params{SampleTime: cc.SampleTime, SampleCount: cc.SampleCount}
}

func reference(cfg *config.Config) sample.Background {
	return sample.Background{
		AlphaCPM: cfg.Reference.BackgroundAlphaCPM,
		BetaCPM:  cfg.Reference.BackgroundBetaCPM,
	}
}

func source(sc config.SourceConfig) (stats.Source, acquire.Particle, error) {
	particle, err := acquire.ParseParticle(sc.Channel)
	if err != nil {
		return stats.Source{}, 0, err
	}
	return stats.Source{
		ActivityDPM:     sc.ActivityDPM,
		Certified:       sc.Certified,
		HalfLifeSeconds: sc.HalfLifeSeconds(),
	}, particle, nil
}

func limits(l config.LimitsConfig) (acquire.ControlLimits, acquire.ControlLimits) {
	return acquire.ControlLimits{Lo: l.AlphaLo, Hi: l.AlphaHi},
		acquire.ControlLimits{Lo: l.BetaLo, Hi: l.BetaHi}
}

// newSession builds the session of kind from the configuration.
func newSession(kind acquire.Kind, cfg *config.Config, ch dabras.Channel, wd *watchdog.Watchdog, opts ...acquire.Option) (*acquire.Session, error) {
	switch kind {
	case acquire.Background:
		return acquire.NewBackground(ch, wd, acquire.BackgroundParams{
			Params: params(cfg.Background),
		}, opts...)

	case acquire.Efficiency:
		src, particle, err := source(cfg.Efficiency.Source)
		if err != nil {
			return nil, err
		}
		return acquire.NewEfficiency(ch, wd, acquire.EfficiencyParams{
			Params:     params(cfg.Efficiency.CountConfig),
			Background: reference(cfg),
			Source:     src,
			Particle:   particle,
		}, opts...)

	case acquire.QCBackground:
		alpha, beta := limits(cfg.QC.BackgroundLimits)
		return acquire.NewQCBackground(ch, wd, acquire.QCBackgroundParams{
			Params:      params(cfg.QC.CountConfig),
			AlphaLimits: alpha,
			BetaLimits:  beta,
		}, opts...)

	case acquire.QCAlphaBeta:
		src, particle, err := source(cfg.QC.Source)
		if err != nil {
			return nil, err
		}
		alpha, beta := limits(cfg.QC.SourceLimits)
		return acquire.NewQCAlphaBeta(ch, wd, acquire.QCAlphaBetaParams{
			Params:      params(cfg.QC.CountConfig),
			Background:  reference(cfg),
			Source:      src,
			Particle:    particle,
			AlphaLimits: alpha,
			BetaLimits:  beta,
		}, opts...)

	case acquire.Routine:
		mode, err := acquire.ParseMode(cfg.Routine.Mode)
		if err != nil {
			return nil, err
		}
		r := cfg.Routine
		return acquire.NewRoutine(ch, wd, acquire.RoutineParams{
			Params:          params(r.CountConfig),
			Mode:            mode,
			Background:      reference(cfg),
			BackgroundTime:  cfg.Reference.BackgroundTime,
			EfficiencyAlpha: r.EfficiencyAlpha,
			EfficiencyBeta:  r.EfficiencyBeta,
			SelfAbsorption:  r.SelfAbsorption,
			Backscatter:     r.Backscatter,
			AreaFactor:      r.AreaFactor,
			MDATargetAlpha:  r.MDATargetAlpha,
			MDATargetBeta:   r.MDATargetBeta,
		}, opts...)
	}
	return nil, fmt.Errorf("unsupported session kind %v", kind)
}

// controlFromStdin maps operator input lines to session requests:
// "p" pauses, "c" continues, "s" or "q" stops.
func controlFromStdin(r io.Reader, sess *acquire.Session) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var err error
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "p", "pause":
			err = sess.RequestPause()
		case "c", "continue":
			err = sess.Continue()
		case "s", "stop", "q", "quit":
			sess.RequestStop()
		case "":
		default:
			fmt.Println("commands: p(ause), c(ontinue), s(top)")
		}
		if err != nil {
			log.Warn().Err(err).Msg("command rejected")
		}

		select {
		case <-sess.Done():
			return
		default:
		}
	}
}
