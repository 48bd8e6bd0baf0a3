package dabras

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/dabras/pkg/config"
)

// staleCarryover is the elapsed time reported by the leftover packet the mock
// emits when configured to simulate a previous run.
const staleCarryover = 30 * time.Second

// Mock simulates a DABRAS counter for testing and development.
//
// It is poll driven: every ReadPacket advances the simulated interval by one
// time step, so a run never depends on wall-clock time.
type Mock struct {
	cfg *config.MockConfig

	mu        sync.Mutex
	connected bool
	commands  []string

	// Simulation state
	target   time.Duration
	elapsed  time.Duration
	running  bool
	paused   bool
	interval int
	pending  []Packet
	stale    bool // stale packet already emitted
}

// Ensure Mock implements Channel.
var _ Channel = (*Mock)(nil)

// NewMock creates a new mocked instrument.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{
			AlphaCPM: 120,
			BetaCPM:  30,
			TimeStep: time.Second,
		}
	}
	if cfg.TimeStep <= 0 {
		cfg.TimeStep = time.Second
	}

	return &Mock{
		cfg:      cfg,
		interval: -1,
	}
}

// Connect simulates opening the instrument.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Close stops the mocked instrument.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	m.running = false
	m.pending = nil
	return nil
}

// Disconnect simulates the cable being pulled mid-run.
func (m *Mock) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Write interprets a command token.
func (m *Mock) Write(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	m.commands = append(m.commands, cmd)

	switch {
	case strings.HasPrefix(cmd, CmdSetTime):
		secs, err := strconv.Atoi(cmd[len(CmdSetTime):])
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid time command %q", cmd)
		}
		m.target = time.Duration(secs) * time.Second
		m.running = false
		m.paused = false
		m.pending = nil
	case cmd == CmdGo:
		m.interval++
		m.running = true
		m.paused = false
		m.elapsed = 0
		if m.cfg.StaleCarryover && !m.stale {
			m.stale = true
			m.pending = append(m.pending, Packet{Elapsed: staleCarryover, Target: m.target})
		}
		m.pending = append(m.pending, Packet{Target: m.target})
	case cmd == CmdPause:
		m.paused = m.running
	case cmd == CmdContinue:
		m.paused = false
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// IsDataReady reports whether the simulated instrument has a packet to deliver.
func (m *Mock) IsDataReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && (len(m.pending) > 0 || (m.running && !m.paused))
}

// ReadPacket returns the next simulated packet.
func (m *Mock) ReadPacket() (Packet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return Packet{}, false
	}
	if len(m.pending) > 0 {
		p := m.pending[0]
		m.pending = m.pending[1:]
		return p, true
	}
	if !m.running || m.paused {
		return Packet{}, false
	}

	m.elapsed += m.cfg.TimeStep
	if m.elapsed >= m.target {
		m.elapsed = m.target
		m.running = false
	}

	alpha, beta := m.totals()
	return Packet{
		Elapsed: m.elapsed,
		Target:  m.target,
		Alpha:   alpha,
		Beta:    beta,
	}, true
}

// IsConnected returns whether the mock is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ClearBuffer drops packets that were queued but not yet read.
func (m *Mock) ClearBuffer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
}

// Commands returns every command written so far.
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]string, len(m.commands))
	copy(result, m.commands)
	return result
}

// Intervals returns how many counting intervals have been started.
func (m *Mock) Intervals() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval + 1
}

// totals returns the accrued counts for the current interval.
// Scripted intervals accrue linearly towards their final totals; the rest
// follow the configured rates.
func (m *Mock) totals() (uint64, uint64) {
	if m.target <= 0 {
		return 0, 0
	}

	if m.interval >= 0 && m.interval < len(m.cfg.Script) {
		final := m.cfg.Script[m.interval]
		if m.elapsed >= m.target {
			return final.Alpha, final.Beta
		}
		frac := float64(m.elapsed) / float64(m.target)
		return uint64(float64(final.Alpha) * frac), uint64(float64(final.Beta) * frac)
	}

	minutes := m.elapsed.Minutes()
	return uint64(m.cfg.AlphaCPM * minutes), uint64(m.cfg.BetaCPM * minutes)
}
