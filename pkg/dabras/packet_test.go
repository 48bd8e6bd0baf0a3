package dabras

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Packet
		wantErr bool
	}{
		{
			name: "valid line - interval start",
			line: "0,60,0,0",
			want: Packet{Elapsed: 0, Target: 60 * time.Second},
		},
		{
			name: "valid line - mid interval",
			line: "12,60,31,7",
			want: Packet{Elapsed: 12 * time.Second, Target: 60 * time.Second, Alpha: 31, Beta: 7},
		},
		{
			name: "valid line - fractional seconds and padding",
			line: " 1.5 , 60 , 2 , 3 \r\n",
			want: Packet{Elapsed: 1500 * time.Millisecond, Target: 60 * time.Second, Alpha: 2, Beta: 3},
		},
		{
			name: "valid line - large totals",
			line: "3600,3600,18446744073709551615,42",
			want: Packet{Elapsed: time.Hour, Target: time.Hour, Alpha: 18446744073709551615, Beta: 42},
		},
		{
			name:    "invalid - wrong number of fields",
			line:    "12,60,31",
			wantErr: true,
		},
		{
			name:    "invalid - too many fields",
			line:    "12,60,31,7,1",
			wantErr: true,
		},
		{
			name:    "invalid - non-numeric elapsed",
			line:    "abc,60,31,7",
			wantErr: true,
		},
		{
			name:    "invalid - negative elapsed",
			line:    "-1,60,31,7",
			wantErr: true,
		},
		{
			name:    "invalid - NaN target",
			line:    "1,NaN,31,7",
			wantErr: true,
		},
		{
			name:    "invalid - elapsed overflows duration",
			line:    "1e10,60,31,7",
			wantErr: true,
		},
		{
			name:    "invalid - infinite target",
			line:    "1,+Inf,31,7",
			wantErr: true,
		},
		{
			name:    "invalid - negative total",
			line:    "1,60,-31,7",
			wantErr: true,
		},
		{
			name:    "invalid - fractional total",
			line:    "1,60,31,7.5",
			wantErr: true,
		},
		{
			name:    "invalid - empty",
			line:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPacket)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetTimeCommand(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Second, "t1"},
		{60 * time.Second, "t60"},
		{10 * time.Minute, "t600"},
		{90500 * time.Millisecond, "t90"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, SetTimeCommand(tt.d))
		})
	}
}

func TestPacket_IsIntervalStart(t *testing.T) {
	target := 60 * time.Second

	assert.True(t, Packet{Target: target}.IsIntervalStart(target))
	assert.False(t, Packet{Elapsed: time.Second, Target: target}.IsIntervalStart(target))
	assert.False(t, Packet{Target: 30 * time.Second}.IsIntervalStart(target), "target from a previous run")
}
