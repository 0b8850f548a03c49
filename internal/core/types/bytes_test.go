package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesExactFormatting(t *testing.T) {
	tests := []struct {
		in   Bytes
		want string
	}{
		{0, "0B"},
		{1000, "1000B"},
		{64 * 1024, "64KiB"},
		{512 << 20, "512MiB"},
		{3 << 30, "3GiB"},
		{(1 << 20) + 1, "1048577B"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			text, err := tt.in.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(text))

			var back Bytes
			require.NoError(t, back.UnmarshalText(text))
			assert.Equal(t, tt.in, back)
		})
	}
}

func TestBytesJSON(t *testing.T) {
	var b Bytes
	require.NoError(t, json.Unmarshal([]byte(`"2 MiB"`), &b))
	assert.Equal(t, Bytes(2<<20), b)

	require.NoError(t, json.Unmarshal([]byte(`4096`), &b))
	assert.Equal(t, Bytes(4096), b)

	out, err := json.Marshal(Bytes(4096))
	require.NoError(t, err)
	assert.Equal(t, `"4KiB"`, string(out))
}

func TestBytesSetRejectsGarbage(t *testing.T) {
	var b Bytes
	assert.Error(t, b.Set("lots"))
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "1.0 KiB", HumanBytes(1024))
	assert.Equal(t, "-1.0 KiB", HumanBytes(-1024))
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, DefaultDownloadConfig().Workers, DefaultWorkers())
	assert.Equal(t, 5*1e9, float64(ParseDuration("5s", 0)))
	assert.Equal(t, 3*1e9, float64(ParseDuration("bogus", 3e9)))
	assert.Equal(t, 3*1e9, float64(ParseDuration("", 3e9)))
}
