package dabras

import "errors"

// ErrNotConnected is returned by Write when the transport is down.
var ErrNotConnected = errors.New("not connected")

// Channel is the command/response link to a DABRAS counter (real or mocked).
//
// A Channel is owned by exactly one acquisition session at a time; it is not
// safe to interleave reads from two sessions.
type Channel interface {
	// Write sends a single command token to the instrument.
	Write(cmd string) error
	// IsDataReady reports whether a packet is buffered. It never blocks.
	IsDataReady() bool
	// ReadPacket consumes one buffered packet. It returns false when none is available.
	ReadPacket() (Packet, bool)
	// IsConnected reports liveness of the underlying transport.
	IsConnected() bool
	// ClearBuffer discards buffered and partial packets.
	ClearBuffer()
}

// Ensure Serial implements Channel.
var _ Channel = (*Serial)(nil)

// Ensure Mock implements Channel.
var _ Channel = (*Mock)(nil)
