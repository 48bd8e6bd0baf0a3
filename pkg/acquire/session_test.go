package acquire

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/dabras/pkg/config"
	"github.com/itohio/dabras/pkg/dabras"
	"github.com/itohio/dabras/pkg/watchdog"
)

// fastTiming keeps the protocol shape but removes the settle delays.
func fastTiming() Timing {
	return Timing{
		PollInterval:      time.Millisecond,
		StaleElapsed:      5 * time.Second,
		LowCountThreshold: 20,
	}
}

func newScriptedMock(t *testing.T, script ...config.MockInterval) *dabras.Mock {
	t.Helper()
	m := dabras.NewMock(&config.MockConfig{
		TimeStep: time.Second,
		Script:   script,
	})
	require.NoError(t, m.Connect())
	return m
}

func testOptions(extra ...Option) []Option {
	opts := []Option{WithTiming(fastTiming()), WithLogger(zerolog.Nop())}
	return append(opts, extra...)
}

func runToEnd(t *testing.T, s *Session) Result {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "session did not finish")
	return res
}

func countCommands(cmds []string, cmd string) int {
	n := 0
	for _, c := range cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestBackground_EndToEnd(t *testing.T) {
	mock := newScriptedMock(t,
		config.MockInterval{Alpha: 120, Beta: 30},
		config.MockInterval{Alpha: 118, Beta: 28},
		config.MockInterval{Alpha: 125, Beta: 31},
		config.MockInterval{Alpha: 119, Beta: 29},
		config.MockInterval{Alpha: 122, Beta: 30},
	)
	wd := watchdog.New(0)

	s, err := NewBackground(mock, wd, BackgroundParams{
		Params: Params{SampleTime: 60 * time.Second, SampleCount: 5},
	}, testOptions()...)
	require.NoError(t, err)

	res := runToEnd(t, s)
	require.NoError(t, res.Err)
	assert.True(t, res.Completed)
	assert.Equal(t, Completed, s.State())
	assert.Equal(t, Background, res.Kind)
	require.NotNil(t, res.Aggregate)

	require.Len(t, res.Rows, 5)
	for i, row := range res.Rows {
		assert.Equal(t, i, row.Index)
		assert.Equal(t, 60*time.Second, row.Elapsed)
	}
	assert.Equal(t, uint64(125), res.Rows[2].AlphaTotal)
	assert.InDelta(t, 125.0, res.Rows[2].AlphaGross, 1e-9)

	agg := res.Aggregate
	assert.InDelta(t, 120.8, agg.Alpha.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(7.7), agg.Alpha.StdDev, 1e-9)
	assert.InDelta(t, 29.6, agg.Beta.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(1.3), agg.Beta.StdDev, 1e-9)
	assert.Equal(t, NotJudged, agg.AlphaVerdict)

	cmds := mock.Commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, "t60", cmds[0])
	assert.Equal(t, 5, countCommands(cmds, dabras.CmdGo))
	assert.False(t, wd.Armed(), "watchdog must be released")
}

func TestSession_OnCompleteCalledOnce(t *testing.T) {
	mock := newScriptedMock(t, config.MockInterval{Alpha: 60, Beta: 60})

	var calls atomic.Int32
	var got Result
	s, err := NewBackground(mock, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: 10 * time.Second, SampleCount: 1},
	}, testOptions(OnComplete(func(r Result) {
		calls.Add(1)
		got = r
	}))...)
	require.NoError(t, err)

	res := runToEnd(t, s)
	s.RequestStop() // after completion: no second signal
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, res.SessionID, got.SessionID)
	assert.Equal(t, s.ID(), got.SessionID)
	assert.Equal(t, Completed, s.State())

	// Single row: stddev falls back to sqrt(mean), not zero.
	assert.InDelta(t, 360.0, res.Aggregate.Alpha.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(360), res.Aggregate.Alpha.StdDev, 1e-9)
}

func TestSession_StartTwice(t *testing.T) {
	mock := newScriptedMock(t, config.MockInterval{Alpha: 1, Beta: 1})
	s, err := NewBackground(mock, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: time.Second, SampleCount: 1},
	}, testOptions()...)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	<-s.Done()
}

func TestSession_PauseUnsupported(t *testing.T) {
	mock := newScriptedMock(t)
	s, err := NewBackground(mock, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: time.Second, SampleCount: 1},
	}, testOptions()...)
	require.NoError(t, err)

	assert.ErrorIs(t, s.RequestPause(), ErrPauseUnsupported)
	assert.ErrorIs(t, s.Continue(), ErrPauseUnsupported)
}

func TestSession_InvalidParameters(t *testing.T) {
	mock := newScriptedMock(t)
	wd := watchdog.New(0)
	valid := Params{SampleTime: 60 * time.Second, SampleCount: 1}
	src := EfficiencyParams{Params: valid, Source: testSource(), Particle: Alpha}

	tests := []struct {
		name string
		make func() (*Session, error)
	}{
		{"zero sample time", func() (*Session, error) {
			return NewBackground(mock, wd, BackgroundParams{Params: Params{SampleCount: 1}})
		}},
		{"sub-second sample time", func() (*Session, error) {
			return NewBackground(mock, wd, BackgroundParams{Params: Params{SampleTime: 500 * time.Millisecond, SampleCount: 1}})
		}},
		{"fractional sample time", func() (*Session, error) {
			return NewBackground(mock, wd, BackgroundParams{Params: Params{SampleTime: 1500 * time.Millisecond, SampleCount: 1}})
		}},
		{"zero sample count", func() (*Session, error) {
			return NewBackground(mock, wd, BackgroundParams{Params: Params{SampleTime: time.Second}})
		}},
		{"nil channel", func() (*Session, error) {
			return NewBackground(nil, wd, BackgroundParams{Params: valid})
		}},
		{"nil watchdog", func() (*Session, error) {
			return NewBackground(mock, nil, BackgroundParams{Params: valid})
		}},
		{"zero poll interval", func() (*Session, error) {
			return NewBackground(mock, wd, BackgroundParams{Params: valid}, WithTiming(Timing{}))
		}},
		{"source without activity", func() (*Session, error) {
			p := src
			p.Source.ActivityDPM = 0
			return NewEfficiency(mock, wd, p)
		}},
		{"unknown particle", func() (*Session, error) {
			p := src
			p.Particle = Particle(7)
			return NewEfficiency(mock, wd, p)
		}},
		{"inverted control limits", func() (*Session, error) {
			return NewQCBackground(mock, wd, QCBackgroundParams{Params: valid, AlphaLimits: ControlLimits{Lo: 10, Hi: 1}})
		}},
		{"qc source without activity", func() (*Session, error) {
			return NewQCAlphaBeta(mock, wd, QCAlphaBetaParams{Params: valid})
		}},
		{"routine without efficiency", func() (*Session, error) {
			return NewRoutine(mock, wd, RoutineParams{Params: valid})
		}},
		{"routine negative backscatter", func() (*Session, error) {
			return NewRoutine(mock, wd, RoutineParams{Params: valid, EfficiencyAlpha: 30, EfficiencyBeta: 40, Backscatter: -1})
		}},
		{"mda mode without targets", func() (*Session, error) {
			return NewRoutine(mock, wd, RoutineParams{Params: valid, Mode: MDAMode, EfficiencyAlpha: 30, EfficiencyBeta: 40, BackgroundTime: time.Minute})
		}},
		{"mda mode without background time", func() (*Session, error) {
			return NewRoutine(mock, wd, RoutineParams{Params: valid, Mode: MDAMode, EfficiencyAlpha: 30, EfficiencyBeta: 40, MDATargetAlpha: 1, MDATargetBeta: 1})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.make()
			assert.ErrorIs(t, err, ErrInvalidParameters)
			assert.Nil(t, s)
		})
	}

	assert.Empty(t, mock.Commands(), "no hardware interaction before validation")
	assert.False(t, wd.Armed())
}

func TestSession_InstrumentBusy(t *testing.T) {
	mock := newScriptedMock(t, config.MockInterval{Alpha: 1, Beta: 1})
	wd := watchdog.New(0)
	require.NoError(t, wd.Arm("background-monitor"))

	s, err := NewBackground(mock, wd, BackgroundParams{
		Params: Params{SampleTime: time.Second, SampleCount: 1},
	}, testOptions()...)
	require.NoError(t, err)

	res := runToEnd(t, s)
	assert.ErrorIs(t, res.Err, ErrInstrumentBusy)
	assert.False(t, res.Completed)
	assert.Equal(t, Aborted, s.State())
	assert.Empty(t, mock.Commands())
	assert.Equal(t, "background-monitor", wd.Owner(), "other owner keeps the watchdog")
}

// quietChannel accepts commands but never produces data.
type quietChannel struct {
	mu        sync.Mutex
	connected bool
	writes    []string
}

func (q *quietChannel) Write(cmd string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.writes = append(q.writes, cmd)
	return nil
}
func (q *quietChannel) IsDataReady() bool                 { return false }
func (q *quietChannel) ReadPacket() (dabras.Packet, bool) { return dabras.Packet{}, false }
func (q *quietChannel) ClearBuffer()                      {}
func (q *quietChannel) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

func TestSession_WatchdogTimeout(t *testing.T) {
	ch := &quietChannel{connected: false}
	timing := fastTiming()
	timing.PollInterval = 100 * time.Millisecond

	s, err := NewBackground(ch, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: 60 * time.Second, SampleCount: 5},
	}, WithTiming(timing), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not abort on hardware timeout")
	}
	assert.Less(t, time.Since(start), timing.PollInterval)

	res, ok := s.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrHardwareTimeout)
	assert.False(t, res.Completed)
	assert.Nil(t, res.Aggregate)
	assert.Equal(t, Aborted, s.State())
}

// dropoutChannel behaves like the mock until a number of packets were read,
// then loses its connection.
type dropoutChannel struct {
	*dabras.Mock
	mu    sync.Mutex
	left  int
	alive bool
}

func (d *dropoutChannel) IsDataReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive && d.Mock.IsDataReady()
}

func (d *dropoutChannel) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

func (d *dropoutChannel) ReadPacket() (dabras.Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive {
		return dabras.Packet{}, false
	}
	d.left--
	if d.left <= 0 {
		d.alive = false
	}
	return d.Mock.ReadPacket()
}

func TestSession_TimeoutKeepsPartialRows(t *testing.T) {
	mock := newScriptedMock(t,
		config.MockInterval{Alpha: 100, Beta: 10},
		config.MockInterval{Alpha: 100, Beta: 10},
		config.MockInterval{Alpha: 100, Beta: 10},
	)
	// Row 0 takes 11 packets (start + 10 s), then 4 more into row 1.
	ch := &dropoutChannel{Mock: mock, left: 15, alive: true}

	s, err := NewBackground(ch, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: 10 * time.Second, SampleCount: 3},
	}, testOptions()...)
	require.NoError(t, err)

	res := runToEnd(t, s)
	assert.ErrorIs(t, res.Err, ErrHardwareTimeout)
	assert.False(t, res.Completed)
	assert.Nil(t, res.Aggregate)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, 10*time.Second, res.Rows[0].Elapsed)
	assert.InDelta(t, 600.0, res.Rows[0].AlphaGross, 1e-9)
	assert.Equal(t, 1, res.Rows[1].Index)
	assert.Equal(t, 3*time.Second, res.Rows[1].Elapsed)
}

func TestSession_DisconnectBetweenRows(t *testing.T) {
	mock := newScriptedMock(t,
		config.MockInterval{Alpha: 100, Beta: 10},
		config.MockInterval{Alpha: 100, Beta: 10},
	)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	s, err := NewBackground(mock, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: 10 * time.Second, SampleCount: 2},
	}, testOptions(
		WithMetrics(metrics),
		OnRow(func(row Row) {
			if row.Index == 0 {
				mock.Disconnect()
			}
		}),
	)...)
	require.NoError(t, err)

	res := runToEnd(t, s)
	assert.ErrorIs(t, res.Err, ErrHardwareTimeout)
	assert.ErrorIs(t, res.Err, dabras.ErrNotConnected)
	assert.False(t, res.Completed)
	assert.Nil(t, res.Aggregate)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.timeouts))
}

func TestSession_StopBeforeStart(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		stop func(s *Session)
		ctx  context.Context
	}{
		{"stop requested", func(s *Session) { s.RequestStop() }, context.Background()},
		{"context cancelled", func(*Session) {}, cancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newScriptedMock(t, config.MockInterval{Alpha: 1, Beta: 1})
			wd := watchdog.New(0)
			s, err := NewBackground(mock, wd, BackgroundParams{
				Params: Params{SampleTime: 5 * time.Second, SampleCount: 1},
			}, testOptions()...)
			require.NoError(t, err)

			tt.stop(s)
			require.NoError(t, s.Start(tt.ctx))
			res := waitDone(t, s)

			assert.ErrorIs(t, res.Err, ErrStopped)
			assert.Empty(t, mock.Commands(), "nothing may reach the instrument")
			assert.False(t, wd.Armed())
		})
	}
}

func TestSession_StopIsResponsive(t *testing.T) {
	ch := &quietChannel{connected: true}
	timing := fastTiming()
	timing.PollInterval = 100 * time.Millisecond

	s, err := NewBackground(ch, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: 60 * time.Second, SampleCount: 100},
	}, WithTiming(timing), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.State() == Acquiring }, time.Second, time.Millisecond)
	time.Sleep(150 * time.Millisecond) // somewhere inside a poll tick

	start := time.Now()
	s.RequestStop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
	assert.LessOrEqual(t, time.Since(start), 2*timing.PollInterval)

	res, _ := s.Result()
	assert.ErrorIs(t, res.Err, ErrStopped)
	assert.False(t, res.Completed)
	assert.Equal(t, Aborted, s.State())
}

func TestSession_ContextCancelStops(t *testing.T) {
	ch := &quietChannel{connected: true}
	s, err := NewBackground(ch, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: 60 * time.Second, SampleCount: 1},
	}, testOptions()...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	res := waitDone(t, s)
	assert.ErrorIs(t, res.Err, ErrStopped)
}

func waitDone(t *testing.T, s *Session) Result {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	res, ok := s.Result()
	require.True(t, ok)
	return res
}

func TestSession_ResyncsOnStalePacket(t *testing.T) {
	mock := dabras.NewMock(&config.MockConfig{
		TimeStep:       time.Second,
		StaleCarryover: true,
		AlphaCPM:       60,
		BetaCPM:        120,
	})
	require.NoError(t, mock.Connect())

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	s, err := NewBackground(mock, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: 60 * time.Second, SampleCount: 2},
	}, testOptions(WithMetrics(metrics))...)
	require.NoError(t, err)

	res := runToEnd(t, s)
	require.NoError(t, res.Err)
	require.Len(t, res.Rows, 2)

	assert.Equal(t, []string{"t60", "g", "t60", "g", "g"}, mock.Commands())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.resyncs))
	assert.InDelta(t, 60.0, res.Aggregate.Alpha.Mean, 1e-9)
	assert.InDelta(t, 120.0, res.Aggregate.Beta.Mean, 1e-9)
}

func TestSession_Metrics(t *testing.T) {
	mock := newScriptedMock(t,
		config.MockInterval{Alpha: 120, Beta: 30},
		config.MockInterval{Alpha: 118, Beta: 28},
	)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	s, err := NewBackground(mock, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: 60 * time.Second, SampleCount: 2},
	}, testOptions(WithMetrics(metrics))...)
	require.NoError(t, err)

	res := runToEnd(t, s)
	require.NoError(t, res.Err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.started.WithLabelValues("background")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.finished.WithLabelValues("background", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.rows.WithLabelValues("background")))
	assert.Equal(t, 122.0, testutil.ToFloat64(metrics.packets)) // start packet + 60 per row
	assert.Equal(t, float64(Completed), testutil.ToFloat64(metrics.state.WithLabelValues("background")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.timeouts))
}

// regressingChannel replays a fixed packet list after the first "g".
type regressingChannel struct {
	quietChannel
	packets []dabras.Packet
}

func (r *regressingChannel) IsDataReady() bool { return len(r.packets) > 0 }
func (r *regressingChannel) ReadPacket() (dabras.Packet, bool) {
	if len(r.packets) == 0 {
		return dabras.Packet{}, false
	}
	p := r.packets[0]
	r.packets = r.packets[1:]
	return p, true
}

func TestSession_IgnoresElapsedRegression(t *testing.T) {
	target := 3 * time.Second
	ch := &regressingChannel{
		quietChannel: quietChannel{connected: true},
		packets: []dabras.Packet{
			{Target: target},
			{Elapsed: time.Second, Target: target, Alpha: 10, Beta: 1},
			{Elapsed: 2 * time.Second, Target: target, Alpha: 20, Beta: 2},
			{Elapsed: time.Second, Target: target, Alpha: 999, Beta: 999}, // regression
			{Elapsed: 3 * time.Second, Target: target, Alpha: 30, Beta: 3},
		},
	}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s, err := NewBackground(ch, watchdog.New(0), BackgroundParams{
		Params: Params{SampleTime: target, SampleCount: 1},
	}, testOptions(WithMetrics(metrics))...)
	require.NoError(t, err)

	res := runToEnd(t, s)
	require.NoError(t, res.Err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, uint64(30), res.Rows[0].AlphaTotal)
	assert.InDelta(t, 600.0, res.Rows[0].AlphaGross, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.malformed))
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{Preparing, "preparing"},
		{Acquiring, "acquiring"},
		{Paused, "paused"},
		{Stopping, "stopping"},
		{Completed, "completed"},
		{Aborted, "aborted"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
	assert.True(t, Completed.Terminal())
	assert.True(t, Aborted.Terminal())
	assert.False(t, Paused.Terminal())
}

func TestParseKind(t *testing.T) {
	for k := Background; k <= Routine; k++ {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("calibration")
	assert.Error(t, err)
}
