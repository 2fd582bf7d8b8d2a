package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_IsRunning(t *testing.T) {
	assert.True(t, StateRunning.IsRunning())
	assert.False(t, StateStopped.IsRunning())
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     State
		to       State
		expected bool
	}{
		{StateStopped, StateRunning, true},
		{StateRunning, StateStopped, true},
		{StateStopped, StateStopped, false},
		{StateRunning, StateRunning, false},
		{State("bogus"), StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestAllStates(t *testing.T) {
	states := AllStates()
	assert.Len(t, states, 2)
	for _, from := range states {
		for _, to := range states {
			if from != to {
				assert.True(t, IsValidTransition(from, to))
			}
		}
	}
}
