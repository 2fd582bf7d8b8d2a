package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrafficType_BitValues(t *testing.T) {
	assert.Equal(t, TrafficType(1), WWANSent)
	assert.Equal(t, TrafficType(2), WWANReceived)
	assert.Equal(t, TrafficType(4), WiFiSent)
	assert.Equal(t, TrafficType(8), WiFiReceived)
	assert.Equal(t, TrafficType(16), AWDLSent)
	assert.Equal(t, TrafficType(32), AWDLReceived)
	assert.Equal(t, TrafficType(3), WWAN)
	assert.Equal(t, TrafficType(12), WiFi)
	assert.Equal(t, TrafficType(48), AWDL)
	assert.Equal(t, TrafficType(63), All)
}

func TestTrafficType_String(t *testing.T) {
	tests := []struct {
		name     string
		types    TrafficType
		expected string
	}{
		{"none", 0, "none"},
		{"all", All, "all"},
		{"single flag", WiFiReceived, "wifi-received"},
		{"whole class", WWAN, "wwan"},
		{"class and flag", WWAN | AWDLSent, "wwan|awdl-sent"},
		{"bits outside all ignored", 1 << 10, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.types.String())
		})
	}
}

func TestParseTrafficType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected TrafficType
	}{
		{"all", "all", All},
		{"class", "wifi", WiFi},
		{"flag", "awdl-received", AWDLReceived},
		{"comma list", "wwan, wifi-sent", WWAN | WiFiSent},
		{"pipe list", "wwan-sent|wwan-received", WWAN},
		{"case insensitive", "WiFi", WiFi},
		{"decimal mask", "5", WWANSent | WiFiSent},
		{"decimal mask clipped", "255", All},
		{"none", "none", 0},
		{"round trips String", (WWAN | AWDLSent).String(), WWAN | AWDLSent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTrafficType(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseTrafficType_Invalid(t *testing.T) {
	for _, input := range []string{"", "ethernet", "wifi,bogus"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseTrafficType(input)
			assert.ErrorIs(t, err, ErrUnknownTrafficType)
		})
	}
}

func TestCounters_Sum(t *testing.T) {
	var c Counters
	for i, flag := range BaseFlags() {
		c.Add(flag, uint64(i+1)*100)
	}

	assert.Equal(t, uint64(0), c.Sum(0))
	assert.Equal(t, uint64(100), c.Sum(WWANSent))
	assert.Equal(t, uint64(300), c.Sum(WWAN))
	assert.Equal(t, uint64(700), c.Sum(WiFi))
	assert.Equal(t, uint64(2100), c.Sum(All))

	// Every subset equals the sum of its flags.
	for mask := TrafficType(0); mask <= All; mask++ {
		var want uint64
		for _, flag := range BaseFlags() {
			if mask&flag != 0 {
				want += c.Sum(flag)
			}
		}
		assert.Equal(t, want, c.Sum(mask), "mask %s", mask)
	}
}

func TestCounters_AddIgnoresUnions(t *testing.T) {
	var c Counters
	c.Add(WWAN, 10)
	assert.Equal(t, uint64(0), c.Sum(All))
}

func TestCounters_Map(t *testing.T) {
	var c Counters
	c.Add(AWDLSent, 42)
	m := c.Map()
	assert.Len(t, m, 6)
	assert.Equal(t, uint64(42), m["awdl-sent"])
	assert.Equal(t, uint64(0), m["wifi-received"])
}
