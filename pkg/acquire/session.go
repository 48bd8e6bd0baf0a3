package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/itohio/dabras/pkg/dabras"
	"github.com/itohio/dabras/pkg/sample"
	"github.com/itohio/dabras/pkg/watchdog"
)

// variant supplies the use-case specific parts of a session.
type variant interface {
	kind() Kind
	// background returns the reference subtracted for net rates.
	background() sample.Background
	// fill derives variant quantities for a row whose rates are already set.
	fill(row *Row)
	// done reports whether a row may end before the interval runs out.
	done(row Row) bool
	// aggregate computes the run statistics over completed rows.
	aggregate(rows []Row, env aggregateEnv) Aggregate
	pausable() bool
}

type aggregateEnv struct {
	now        time.Time
	sampleTime time.Duration
	timing     Timing
}

// Option configures a Session.
type Option func(*Session)

// WithTiming overrides the protocol timing.
func WithTiming(t Timing) Option {
	return func(s *Session) {
		s.timing = t
	}
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.log = l
		s.customLog = true
	}
}

// WithMetrics records session activity in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithClock sets the time source used for decay correction.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// OnComplete registers a callback invoked once, from the session goroutine,
// after the result is available.
func OnComplete(fn func(Result)) Option {
	return func(s *Session) {
		s.onComplete = append(s.onComplete, fn)
	}
}

// OnRow registers a callback invoked from the session goroutine each time a
// row is completed. It must not block.
func OnRow(fn func(Row)) Option {
	return func(s *Session) {
		s.onRow = append(s.onRow, fn)
	}
}

// Session drives the instrument through one acquisition run.
//
// A session owns the channel for its lifetime and runs on a single
// goroutine started by Start. Callers interact through RequestStop,
// RequestPause, Continue and the read accessors.
type Session struct {
	id      uuid.UUID
	params  Params
	v       variant
	ch      dabras.Channel
	wd      *watchdog.Watchdog
	timing  Timing
	metrics *Metrics
	now     func() time.Time

	log       zerolog.Logger
	customLog bool

	onComplete []func(Result)
	onRow      []func(Row)

	mu      sync.RWMutex
	state   State
	rows    []Row
	result  *Result
	started bool

	stop       chan struct{}
	stopOnce   sync.Once
	pauseReq   chan struct{}
	resumeReq  chan struct{}
	done       chan struct{}
	finishOnce sync.Once
}

func newSession(ch dabras.Channel, wd *watchdog.Watchdog, p Params, v variant, opts ...Option) (*Session, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: channel required", ErrInvalidParameters)
	}
	if wd == nil {
		return nil, fmt.Errorf("%w: watchdog required", ErrInvalidParameters)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:        uuid.New(),
		params:    p,
		v:         v,
		ch:        ch,
		wd:        wd,
		timing:    DefaultTiming(),
		now:       time.Now,
		rows:      make([]Row, 0, p.SampleCount),
		stop:      make(chan struct{}),
		pauseReq:  make(chan struct{}, 1),
		resumeReq: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timing.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive", ErrInvalidParameters)
	}

	if !s.customLog {
		s.log = log.Logger
	}
	s.log = s.log.With().Str("session", s.id.String()).Str("kind", v.kind().String()).Logger()

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id.String()
}

// Kind returns the session variant.
func (s *Session) Kind() Kind {
	return s.v.kind()
}

// Params returns the sample plan.
func (s *Session) Params() Params {
	return s.params
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Rows returns a copy of the rows collected so far, including a row in progress.
func (s *Session) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Row, len(s.rows))
	copy(result, s.rows)
	return result
}

// Result returns the final result once the session has ended.
func (s *Session) Result() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.result == nil {
		return Result{}, false
	}
	return *s.result, true
}

// Done is closed when the session reaches Completed or Aborted.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is cancelled.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		res, _ := s.Result()
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Start launches the session goroutine. Cancelling ctx has the same effect
// as RequestStop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// RequestStop asks the session to abort. It returns immediately; the
// session reaches Aborted within one poll tick.
func (s *Session) RequestStop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	s.mu.Lock()
	if s.started && !s.state.Terminal() {
		s.state = Stopping
	}
	s.mu.Unlock()
}

// RequestPause asks a routine sample session to pause counting.
func (s *Session) RequestPause() error {
	if !s.v.pausable() {
		return ErrPauseUnsupported
	}
	select {
	case s.pauseReq <- struct{}{}:
	default:
	}
	return nil
}

// Continue resumes a paused session. A pause that was requested but not
// yet taken is cancelled instead.
func (s *Session) Continue() error {
	if !s.v.pausable() {
		return ErrPauseUnsupported
	}
	select {
	case <-s.pauseReq:
		return nil
	default:
	}
	select {
	case s.resumeReq <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) owner() string {
	return s.id.String()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	// A pending stop keeps the session in Stopping until it aborts.
	if s.state != Stopping || st.Terminal() {
		s.state = st
	}
	s.mu.Unlock()

	s.metrics.setState(s.v.kind(), st)
	s.log.Debug().Str("state", st.String()).Msg("session state changed")
}

func (s *Session) run(ctx context.Context) {
	s.metrics.sessionStarted(s.v.kind())
	s.log.Info().
		Dur("sample_time", s.params.SampleTime).
		Int("sample_count", s.params.SampleCount).
		Msg("acquisition started")

	// A stop that came before Start must not reach the instrument.
	err := s.interrupted(ctx)
	if err == nil {
		err = s.prepare(ctx)
	}
	if err == nil {
		err = s.acquire(ctx)
	}
	if err != nil {
		s.abort(err)
		return
	}
	s.complete()
}

// prepare claims the watchdog and programs the interval length.
func (s *Session) prepare(ctx context.Context) error {
	s.setState(Preparing)

	if err := s.wd.Arm(s.owner()); err != nil {
		if errors.Is(err, watchdog.ErrBusy) {
			return ErrInstrumentBusy
		}
		return err
	}
	return s.setTime(ctx)
}

// setTime writes the time-set command and discards whatever the instrument
// buffered before it.
func (s *Session) setTime(ctx context.Context) error {
	if err := s.write(dabras.SetTimeCommand(s.params.SampleTime), "set sample time"); err != nil {
		return err
	}
	if err := s.sleep(ctx, s.timing.SetTimeDelay); err != nil {
		return err
	}
	if err := s.sleep(ctx, s.timing.ClearDelay); err != nil {
		return err
	}
	s.ch.ClearBuffer()
	return nil
}

func (s *Session) acquire(ctx context.Context) error {
	s.setState(Acquiring)

	for i := 0; i < s.params.SampleCount; i++ {
		if err := s.interrupted(ctx); err != nil {
			return err
		}
		if err := s.checkPause(ctx); err != nil {
			return err
		}
		if err := s.countRow(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// countRow runs one counting interval and records it as row i.
func (s *Session) countRow(ctx context.Context, i int) error {
	// A row that ended early leaves the rest of its interval buffered.
	s.ch.ClearBuffer()
	if err := s.write(dabras.CmdGo, fmt.Sprintf("start interval %d", i)); err != nil {
		return err
	}
	if err := s.syncInterval(ctx); err != nil {
		return err
	}

	row := Row{Index: i}
	s.putRow(row)

	var last time.Duration
	for {
		p, err := s.poll(ctx)
		if err != nil {
			return err
		}
		if p.Elapsed == 0 {
			continue
		}
		if p.Elapsed < last {
			s.metrics.malformedPacket()
			s.log.Debug().
				Dur("elapsed", p.Elapsed).
				Dur("previous", last).
				Msg("elapsed time went backwards, ignoring packet")
			continue
		}
		last = p.Elapsed

		rates, ok := sample.Convert(p, s.v.background())
		if !ok {
			continue
		}
		row.Elapsed = p.Elapsed
		row.AlphaTotal = p.Alpha
		row.BetaTotal = p.Beta
		row.AlphaGross = rates.AlphaGross
		row.BetaGross = rates.BetaGross
		row.AlphaNet = rates.AlphaNet
		row.BetaNet = rates.BetaNet
		s.v.fill(&row)
		s.putRow(row)

		if p.Elapsed >= s.params.SampleTime || s.v.done(row) {
			break
		}
	}

	s.metrics.rowCompleted(s.v.kind())
	s.log.Debug().
		Int("row", row.Index).
		Dur("elapsed", row.Elapsed).
		Float64("alpha_cpm", row.AlphaGross).
		Float64("beta_cpm", row.BetaGross).
		Msg("row completed")
	for _, fn := range s.onRow {
		fn(row)
	}
	return nil
}

// syncInterval waits for the first packet of the interval just started.
// Leftovers from an earlier run make the instrument get reprogrammed.
func (s *Session) syncInterval(ctx context.Context) error {
	for {
		p, err := s.poll(ctx)
		if err != nil {
			return err
		}
		if p.IsIntervalStart(s.params.SampleTime) {
			return nil
		}
		if p.Elapsed <= s.timing.StaleElapsed && p.Target == s.params.SampleTime {
			continue
		}

		s.metrics.resync()
		s.log.Warn().
			Dur("elapsed", p.Elapsed).
			Dur("target", p.Target).
			Msg("out of sync packet, reprogramming sample time")
		if err := s.setTime(ctx); err != nil {
			return err
		}
		if err := s.write(dabras.CmdGo, "restart interval"); err != nil {
			return err
		}
	}
}

// poll waits for the next packet. It is the only place the acquisition
// loop blocks; stop, pause and the watchdog are evaluated on every tick.
func (s *Session) poll(ctx context.Context) (dabras.Packet, error) {
	for {
		if err := s.interrupted(ctx); err != nil {
			return dabras.Packet{}, err
		}
		if err := s.checkPause(ctx); err != nil {
			return dabras.Packet{}, err
		}

		ready := s.ch.IsDataReady()
		if err := s.wd.Check(s.owner(), ready, s.ch.IsConnected()); err != nil {
			if errors.Is(err, watchdog.ErrHardwareTimeout) {
				s.metrics.watchdogTimeout()
			}
			return dabras.Packet{}, err
		}
		if ready {
			if p, ok := s.ch.ReadPacket(); ok {
				s.metrics.packetRead()
				return p, nil
			}
			s.metrics.malformedPacket()
		}

		if err := s.sleep(ctx, s.timing.PollInterval); err != nil {
			return dabras.Packet{}, err
		}
	}
}

// checkPause takes a pending pause request: the watchdog is disarmed and the
// instrument held until Continue or a stop.
func (s *Session) checkPause(ctx context.Context) error {
	select {
	case <-s.pauseReq:
	default:
		return nil
	}

	if err := s.wd.Disarm(s.owner()); err != nil {
		return err
	}
	if err := s.write(dabras.CmdPause, "pause"); err != nil {
		return err
	}
	s.setState(Paused)
	s.log.Info().Int("rows", len(s.Rows())).Msg("acquisition paused")

	select {
	case <-s.resumeReq:
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ErrStopped
	}

	s.ch.ClearBuffer()
	if err := s.write(dabras.CmdContinue, "continue"); err != nil {
		return err
	}
	if err := s.wd.Arm(s.owner()); err != nil {
		if errors.Is(err, watchdog.ErrBusy) {
			return ErrInstrumentBusy
		}
		return err
	}
	s.setState(Acquiring)
	s.log.Info().Msg("acquisition resumed")
	return nil
}

// write sends cmd to the instrument. A write that fails because the link is
// gone is a hardware timeout, same as a disconnect seen while polling.
func (s *Session) write(cmd, op string) error {
	err := s.ch.Write(cmd)
	if err == nil {
		return nil
	}
	if !s.ch.IsConnected() {
		s.metrics.watchdogTimeout()
		return fmt.Errorf("%s: %w: %w", op, ErrHardwareTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Session) interrupted(ctx context.Context) error {
	select {
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ErrStopped
	default:
		return nil
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return s.interrupted(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ErrStopped
	case <-timer.C:
		return nil
	}
}

// putRow appends row or replaces the row in progress with the same index.
func (s *Session) putRow(row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.rows); n > 0 && s.rows[n-1].Index == row.Index {
		s.rows[n-1] = row
		return
	}
	s.rows = append(s.rows, row)
}

func (s *Session) abort(err error) {
	if derr := s.wd.Disarm(s.owner()); derr != nil && !errors.Is(err, ErrInstrumentBusy) {
		s.log.Warn().Err(derr).Msg("failed to disarm watchdog")
	}

	rows := s.Rows()
	if errors.Is(err, ErrStopped) {
		s.log.Info().Int("rows", len(rows)).Msg("acquisition stopped")
	} else {
		s.log.Error().Err(err).Int("rows", len(rows)).Msg("acquisition aborted")
	}

	s.finish(Aborted, Result{
		SessionID: s.ID(),
		Kind:      s.v.kind(),
		Completed: false,
		Err:       err,
		Rows:      rows,
	})
}

func (s *Session) complete() {
	rows := s.Rows()
	agg := s.v.aggregate(rows, aggregateEnv{
		now:        s.now(),
		sampleTime: s.params.SampleTime,
		timing:     s.timing,
	})

	if err := s.wd.Disarm(s.owner()); err != nil {
		s.log.Warn().Err(err).Msg("failed to disarm watchdog")
	}

	s.log.Info().
		Float64("alpha_mean", agg.Alpha.Mean).
		Float64("alpha_sd", agg.Alpha.StdDev).
		Float64("beta_mean", agg.Beta.Mean).
		Float64("beta_sd", agg.Beta.StdDev).
		Msg("acquisition completed")

	s.finish(Completed, Result{
		SessionID: s.ID(),
		Kind:      s.v.kind(),
		Completed: true,
		Rows:      rows,
		Aggregate: &agg,
	})
}

// finish publishes the result and signals completion exactly once.
func (s *Session) finish(st State, res Result) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = st
		s.result = &res
		s.mu.Unlock()

		s.metrics.setState(s.v.kind(), st)
		s.metrics.sessionFinished(s.v.kind(), st)

		for _, fn := range s.onComplete {
			fn(res)
		}
		close(s.done)
	})
}
