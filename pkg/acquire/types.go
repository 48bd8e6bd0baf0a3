package acquire

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itohio/dabras/pkg/config"
	"github.com/itohio/dabras/pkg/stats"
	"github.com/itohio/dabras/pkg/watchdog"
)

var (
	// ErrInvalidParameters is returned by constructors for unusable parameters.
	ErrInvalidParameters = errors.New("acquire: invalid parameters")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("acquire: session already started")
	// ErrPauseUnsupported is returned by RequestPause/Continue on variants that cannot pause.
	ErrPauseUnsupported = errors.New("acquire: pause not supported by this session")
	// ErrInstrumentBusy is returned when another session holds the instrument.
	ErrInstrumentBusy = errors.New("acquire: instrument held by another session")
	// ErrStopped is the abort reason of a session stopped by its caller.
	ErrStopped = errors.New("acquire: stopped")
	// ErrHardwareTimeout is the abort reason of a session whose instrument went silent.
	ErrHardwareTimeout = watchdog.ErrHardwareTimeout
)

// State is the lifecycle state of a session.
type State int

const (
	Idle State = iota
	Preparing
	Acquiring
	Paused
	Stopping
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Acquiring:
		return "acquiring"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}

// Kind identifies the session variant.
type Kind int

const (
	Background Kind = iota
	Efficiency
	QCBackground
	QCAlphaBeta
	Routine
)

func (k Kind) String() string {
	switch k {
	case Background:
		return "background"
	case Efficiency:
		return "efficiency"
	case QCBackground:
		return "qc-background"
	case QCAlphaBeta:
		return "qc-alphabeta"
	case Routine:
		return "routine"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	for k := Background; k <= Routine; k++ {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown session kind %q", s)
}

// Particle selects the alpha or beta channel.
type Particle int

const (
	Alpha Particle = iota
	Beta
)

func (p Particle) String() string {
	if p == Beta {
		return "beta"
	}
	return "alpha"
}

// ParseParticle parses "alpha" or "beta".
func ParseParticle(s string) (Particle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "alpha":
		return Alpha, nil
	case "beta":
		return Beta, nil
	}
	return 0, fmt.Errorf("unknown particle %q", s)
}

// Verdict is a QC pass/fail outcome.
type Verdict int

const (
	NotJudged Verdict = iota
	Pass
	Fail
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "-"
	}
}

// ControlLimits bound an acceptable value. Zero limits are not judged.
type ControlLimits struct {
	Lo float64
	Hi float64
}

// Enabled reports whether the limits describe a non-empty range.
func (l ControlLimits) Enabled() bool {
	return l.Hi > l.Lo
}

// Judge classifies x against the limits.
func (l ControlLimits) Judge(x float64) Verdict {
	if !l.Enabled() {
		return NotJudged
	}
	if x >= l.Lo && x <= l.Hi {
		return Pass
	}
	return Fail
}

// Timing holds the protocol delays and thresholds of a session.
type Timing struct {
	PollInterval      time.Duration
	SetTimeDelay      time.Duration
	ClearDelay        time.Duration
	StaleElapsed      time.Duration
	LowCountThreshold float64
}

// DefaultTiming returns the timing observed on the instrument.
func DefaultTiming() Timing {
	return Timing{
		PollInterval:      100 * time.Millisecond,
		SetTimeDelay:      250 * time.Millisecond,
		ClearDelay:        500 * time.Millisecond,
		StaleElapsed:      5 * time.Second,
		LowCountThreshold: stats.LowCountThreshold,
	}
}

// TimingFromConfig builds a Timing from the acquisition configuration.
func TimingFromConfig(cfg config.AcquisitionConfig) Timing {
	return Timing{
		PollInterval:      cfg.PollInterval,
		SetTimeDelay:      cfg.SetTimeDelay,
		ClearDelay:        cfg.ClearDelay,
		StaleElapsed:      cfg.StaleElapsed,
		LowCountThreshold: cfg.LowCountThreshold,
	}
}

// Params is the sample plan shared by all variants.
type Params struct {
	SampleTime  time.Duration // Length of one counting interval, whole seconds
	SampleCount int           // Number of intervals
}

func (p Params) validate() error {
	if p.SampleTime < time.Second {
		return fmt.Errorf("%w: sample time %v must be at least 1s", ErrInvalidParameters, p.SampleTime)
	}
	if p.SampleTime%time.Second != 0 {
		return fmt.Errorf("%w: sample time %v must be whole seconds", ErrInvalidParameters, p.SampleTime)
	}
	if p.SampleCount <= 0 {
		return fmt.Errorf("%w: sample count %d must be positive", ErrInvalidParameters, p.SampleCount)
	}
	return nil
}

// Row is the result of one counting interval.
type Row struct {
	Index      int
	Elapsed    time.Duration
	AlphaTotal uint64
	BetaTotal  uint64
	AlphaGross float64 // CPM
	BetaGross  float64 // CPM
	AlphaNet   float64 // CPM, gross minus background reference
	BetaNet    float64 // CPM, gross minus background reference

	// Routine samples only
	AlphaDPM float64
	BetaDPM  float64
	AlphaMDA float64
	BetaMDA  float64

	// QC variants only
	AlphaVerdict Verdict
	BetaVerdict  Verdict
}

// Aggregate holds the statistics of a completed run.
// Alpha and Beta summarise the quantity the variant is judged on: gross
// rates for background counts, net rates otherwise.
type Aggregate struct {
	Alpha        stats.Summary
	Beta         stats.Summary
	AlphaVerdict Verdict
	BetaVerdict  Verdict

	AlphaGross stats.Summary
	BetaGross  stats.Summary

	// Routine samples
	AlphaDPM stats.Summary
	BetaDPM  stats.Summary
	AlphaMDA float64
	BetaMDA  float64

	// Source counts (efficiency and QC alpha/beta)
	DecayFactor    float64
	SourceActivity float64 // Decay-corrected DPM
	Efficiency     float64 // Percent, source channel
	RHat           float64 // Decay-corrected mean net rate, source channel
}

// Passed reports whether no judged channel failed.
func (a Aggregate) Passed() bool {
	return a.AlphaVerdict != Fail && a.BetaVerdict != Fail
}

// Result is delivered exactly once when a session ends.
type Result struct {
	SessionID string
	Kind      Kind
	Completed bool
	Err       error
	Rows      []Row
	Aggregate *Aggregate // nil unless Completed
}
