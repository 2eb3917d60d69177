package slurm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimeLimit(t *testing.T) {
	assert.Equal(t, "00-00:01:00", FormatTimeLimit(time.Minute))
	assert.Equal(t, "01-12:00:00", FormatTimeLimit(36*time.Hour))
	assert.Equal(t, "07-00:00:05", FormatTimeLimit(7*24*time.Hour+5*time.Second))
	assert.Equal(t, "00-00:00:00", FormatTimeLimit(-time.Second))
}

func TestFormatMemory(t *testing.T) {
	tests := map[string]string{
		"100M":   "100M",
		"4G":     "4G",
		"4g":     "4G",
		"512":    "512",
		"100Mi":  "100M",
		"1Gi":    "1024M",
		"1.5Gi":  "1536M",
		"1k":     "1K",
		"1500Ki": "2M",
	}
	for in, expected := range tests {
		t.Run(in, func(t *testing.T) {
			out, err := FormatMemory(in)
			require.NoError(t, err)
			assert.Equal(t, expected, out)
		})
	}
}

func TestFormatMemory_Invalid(t *testing.T) {
	_, err := FormatMemory("a lot")
	assert.Error(t, err)

	_, err = FormatMemory("0Mi")
	assert.Error(t, err)
}

func TestTimeLimitMinutes(t *testing.T) {
	tests := map[string]int64{
		"00-00:01:00": 1,
		"00-00:00:01": 1,
		"00-02:30:00": 150,
		"01-12:00:30": 36*60 + 1,
	}
	for in, expected := range tests {
		t.Run(in, func(t *testing.T) {
			out, err := TimeLimitMinutes(in)
			require.NoError(t, err)
			assert.Equal(t, expected, out)
		})
	}
	_, err := TimeLimitMinutes("1h")
	assert.Error(t, err)
}

func TestTimeLimitMinutes_RoundTrip(t *testing.T) {
	out, err := TimeLimitMinutes(FormatTimeLimit(90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(90), out)
}

func TestMemoryMegabytes(t *testing.T) {
	tests := map[string]int64{
		"100M":  100,
		"512":   512,
		"2G":    2048,
		"1T":    1024 * 1024,
		"1K":    1,
		"2049K": 3,
		"4g":    4096,
	}
	for in, expected := range tests {
		t.Run(in, func(t *testing.T) {
			out, err := MemoryMegabytes(in)
			require.NoError(t, err)
			assert.Equal(t, expected, out)
		})
	}
	_, err := MemoryMegabytes("100Mi")
	assert.Error(t, err)
}
