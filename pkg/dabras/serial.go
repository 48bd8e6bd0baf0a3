package dabras

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the DABRAS serial link speed.
	DefaultBaudRate = 9600
	// DefaultBufferSize is the default number of packets kept between polls.
	DefaultBufferSize = 256
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial is a Channel backed by a serial port.
type Serial struct {
	port     string
	baudRate int
	bufSize  int

	conn      serial.Port
	packets   []Packet
	mu        sync.RWMutex
	cancel    context.CancelFunc
	connected bool
	dropped   uint64
}

// New creates a new Serial instance with the specified port, baud rate, and buffer size.
func New(port string, baudRate int, bufSize int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		bufSize:  bufSize,
		packets:  make([]Packet, 0, bufSize),
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts reading packets.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(d.port, &serial.Mode{
		BaudRate: d.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.attach(port)

	log.Info().Str("port", d.port).Int("baud", d.baudRate).Msg("dabras connected")
	return nil
}

// attach starts a reader for port. Every connection gets its own reader
// context, so the Serial can be reconnected after Close. d.mu must be held.
func (d *Serial) attach(port serial.Port) {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.conn = port
	d.connected = true

	go d.readPackets(ctx, port)
}

// Close closes the connection and stops reading packets.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected && d.conn == nil {
		return nil
	}

	if d.cancel != nil {
		d.cancel()
	}

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Warn().Err(err).Str("port", d.port).Msg("error closing serial port")
		}
		d.conn = nil
	}

	d.connected = false
	d.packets = d.packets[:0]
	return nil
}

// Write sends cmd to the instrument exactly as given.
func (d *Serial) Write(cmd string) error {
	d.mu.RLock()
	conn := d.conn
	connected := d.connected
	d.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	if _, err := conn.Write([]byte(cmd)); err != nil {
		if isDisconnectionError(err) {
			d.markDisconnected()
			log.Info().Err(err).Str("port", d.port).Msg("dabras disconnected - write error")
		}
		return fmt.Errorf("failed to send command %q: %w", cmd, err)
	}

	log.Debug().Str("command", cmd).Msg("dabras: sent command")
	return nil
}

// IsDataReady reports whether at least one packet is buffered.
func (d *Serial) IsDataReady() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.packets) > 0
}

// ReadPacket pops the oldest buffered packet.
func (d *Serial) ReadPacket() (Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.packets) == 0 {
		return Packet{}, false
	}
	p := d.packets[0]
	d.packets = d.packets[1:]
	return p, true
}

// IsConnected returns whether the port is currently open and healthy.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// ClearBuffer drops buffered packets and any bytes pending in the driver.
func (d *Serial) ClearBuffer() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.packets = d.packets[:0]
	if d.conn != nil {
		if err := d.conn.ResetInputBuffer(); err != nil {
			log.Debug().Err(err).Str("port", d.port).Msg("failed to reset input buffer")
		}
	}
}

// Dropped returns how many packets were discarded because the buffer was full.
func (d *Serial) Dropped() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dropped
}

func (d *Serial) markDisconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
}

// push appends p to the packet FIFO, dropping the oldest packet when full.
func (d *Serial) push(p Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.packets) >= d.bufSize {
		d.packets = d.packets[1:]
		d.dropped++
	}
	d.packets = append(d.packets, p)
}

// readPackets reads lines from the serial port and parses them into packets.
func (d *Serial) readPackets(ctx context.Context, r io.Reader) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("panic in dabras reader")
		}
	}()

	scanner := bufio.NewScanner(r)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
				log.Error().Err(err).Str("port", d.port).Msg("error reading from serial port")
			}
			// The reader only stops on its own when the transport went away.
			if ctx.Err() == nil {
				d.markDisconnected()
			}
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		p, err := ParseLine(line)
		if err != nil {
			log.Debug().Err(err).Str("line", line).Msg("dabras: skipping line")
			continue
		}
		d.push(p)
	}
}

// isDisconnectionError checks if an error indicates device disconnection.
func isDisconnectionError(err error) bool {
	if err == nil {
		return false
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "no such device") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "device not configured")
}
