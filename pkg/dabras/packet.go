package dabras

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Instrument command vocabulary.
const (
	CmdSetTime  = "t"
	CmdGo       = "g"
	CmdPause    = "r"
	CmdContinue = "c"
)

// ErrMalformedPacket is returned for lines that do not decode into a Packet.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is one status report read from the instrument during a counting interval.
type Packet struct {
	Elapsed time.Duration // Time counted so far in the current interval
	Target  time.Duration // Preset interval length
	Alpha   uint64        // Raw alpha total for the interval
	Beta    uint64        // Raw beta total for the interval
}

// IsIntervalStart reports whether p is the first packet of a fresh interval
// of length sampleTime.
func (p Packet) IsIntervalStart(sampleTime time.Duration) bool {
	return p.Elapsed == 0 && p.Target == sampleTime
}

// SetTimeCommand builds the "set acquisition time" command, e.g. "t60".
// Sub-second parts of d are truncated.
func SetTimeCommand(d time.Duration) string {
	return CmdSetTime + strconv.Itoa(int(d/time.Second))
}

// ParseLine parses a line from the instrument into a Packet.
// Format: elapsed_seconds,target_seconds,alpha_total,beta_total
// Example: 12,60,31,7
func ParseLine(line string) (Packet, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 4 {
		return Packet{}, fmt.Errorf("%w: expected 4 comma-separated values, got %d", ErrMalformedPacket, len(parts))
	}

	elapsed, err := parseSeconds(parts[0])
	if err != nil {
		return Packet{}, fmt.Errorf("%w: invalid elapsed time: %v", ErrMalformedPacket, err)
	}
	target, err := parseSeconds(parts[1])
	if err != nil {
		return Packet{}, fmt.Errorf("%w: invalid target time: %v", ErrMalformedPacket, err)
	}

	alpha, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 64)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: invalid alpha total: %v", ErrMalformedPacket, err)
	}
	beta, err := strconv.ParseUint(strings.TrimSpace(parts[3]), 10, 64)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: invalid beta total: %v", ErrMalformedPacket, err)
	}

	return Packet{
		Elapsed: elapsed,
		Target:  target,
		Alpha:   alpha,
		Beta:    beta,
	}, nil
}

// maxSeconds bounds the seconds a time.Duration can hold.
const maxSeconds = math.MaxInt64 / float64(time.Second)

func parseSeconds(s string) (time.Duration, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || math.IsNaN(v) || v >= maxSeconds {
		return 0, fmt.Errorf("out of range duration %v", v)
	}
	return time.Duration(v * float64(time.Second)), nil
}
