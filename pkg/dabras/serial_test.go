package dabras

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestNew(t *testing.T) {
	dev := New("COM3", 115200, 100)
	assert.NotNil(t, dev)
	assert.Equal(t, "COM3", dev.port)
	assert.Equal(t, 115200, dev.baudRate)
	assert.Equal(t, 100, dev.bufSize)
	assert.False(t, dev.IsConnected())
	assert.False(t, dev.IsDataReady())
}

func TestNew_Defaults(t *testing.T) {
	dev := New("COM3", 0, 0)
	assert.Equal(t, DefaultBaudRate, dev.baudRate)
	assert.Equal(t, DefaultBufferSize, dev.bufSize)
}

func TestSerial_WriteNotConnected(t *testing.T) {
	dev := New("COM3", 0, 0)
	assert.ErrorIs(t, dev.Write(CmdGo), ErrNotConnected)
}

func TestSerial_ReadPackets(t *testing.T) {
	dev := New("COM3", 0, 10)
	dev.connected = true

	input := strings.Join([]string{
		"0,60,0,0",
		"",
		"garbage",
		"1,60,2,1",
		"2,60,4,3",
	}, "\n")
	dev.readPackets(context.Background(), strings.NewReader(input))

	// End of input means the transport went away.
	assert.False(t, dev.IsConnected())

	require.True(t, dev.IsDataReady())
	var got []Packet
	for dev.IsDataReady() {
		p, ok := dev.ReadPacket()
		require.True(t, ok)
		got = append(got, p)
	}
	require.Len(t, got, 3)
	assert.Equal(t, time.Duration(0), got[0].Elapsed)
	assert.Equal(t, uint64(4), got[2].Alpha)

	_, ok := dev.ReadPacket()
	assert.False(t, ok)
}

func TestSerial_BufferDropsOldest(t *testing.T) {
	dev := New("COM3", 0, 3)
	for i := 1; i <= 5; i++ {
		dev.push(Packet{Elapsed: time.Duration(i) * time.Second})
	}

	assert.Equal(t, uint64(2), dev.Dropped())
	p, ok := dev.ReadPacket()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, p.Elapsed)

	dev.ClearBuffer()
	assert.False(t, dev.IsDataReady())
}

func TestSerial_CloseIdempotent(t *testing.T) {
	dev := New("COM3", 0, 0)
	assert.NoError(t, dev.Close())
	assert.NoError(t, dev.Close())
}

func TestIsDisconnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"port busy", &serial.PortError{}, false},
		{"io error", errors.New("write /dev/ttyUSB0: input/output error"), true},
		{"no such device", errors.New("open: No such device"), true},
		{"broken pipe", errors.New("broken pipe"), true},
		{"timeout", errors.New("i/o timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDisconnectionError(tt.err))
		})
	}
}

// pipePort is a serial.Port fed from an io.Pipe.
type pipePort struct {
	serial.Port
	r *io.PipeReader
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pipePort) Close() error               { return p.r.Close() }

func attachPipe(dev *Serial) *io.PipeWriter {
	pr, pw := io.Pipe()
	dev.mu.Lock()
	dev.attach(&pipePort{r: pr})
	dev.mu.Unlock()
	return pw
}

func TestSerial_ReconnectAfterClose(t *testing.T) {
	dev := New("COM3", 0, 0)

	for i := 0; i < 2; i++ {
		pw := attachPipe(dev)
		require.True(t, dev.IsConnected())

		_, err := io.WriteString(pw, "0,60,0,0\n")
		require.NoError(t, err)
		require.Eventually(t, dev.IsDataReady, time.Second, time.Millisecond, "connection %d", i)

		p, ok := dev.ReadPacket()
		require.True(t, ok)
		assert.Equal(t, time.Minute, p.Target)

		require.NoError(t, dev.Close())
		assert.False(t, dev.IsConnected())
		assert.ErrorIs(t, dev.Write(CmdGo), ErrNotConnected)
	}
}

func TestSerial_CloseDoesNotMarkNextConnection(t *testing.T) {
	dev := New("COM3", 0, 0)
	attachPipe(dev)
	require.NoError(t, dev.Close())

	pw := attachPipe(dev)
	defer pw.Close()

	// The first reader has exited by now; the second stays live.
	time.Sleep(10 * time.Millisecond)
	assert.True(t, dev.IsConnected())
}
