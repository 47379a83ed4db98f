package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		name     string
		d        time.Duration
		expected string
	}{
		{"sub_second", 240 * time.Millisecond, "0.2s"},
		{"seconds", 12*time.Second + 340*time.Millisecond, "12.3s"},
		{"minutes", 3*time.Minute + 7*time.Second, "3m 7s"},
		{"hours", 2*time.Hour + 15*time.Minute + 30*time.Second, "2h 15m"},
		{"zero", 0, "0.0s"},
		{"negative", -time.Second, "0.0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatElapsed(tt.d))
		})
	}
}

func TestFormatSteps(t *testing.T) {
	assert.Equal(t, "0/5 steps", FormatSteps(0, 5))
	assert.Equal(t, "5/5 steps", FormatSteps(5, 5))
}

func TestFormatRatio(t *testing.T) {
	tests := []struct {
		name        string
		done, total int
		expected    float64
	}{
		{"none", 0, 4, 0},
		{"half", 2, 4, 0.5},
		{"all", 4, 4, 1},
		{"over", 5, 4, 1},
		{"no_steps", 0, 0, 0},
		{"negative", -1, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, FormatRatio(tt.done, tt.total), 1e-9)
		})
	}
}

func TestFormatPercentage(t *testing.T) {
	assert.Equal(t, "50.0%", FormatPercentage(0.5))
	assert.Equal(t, "0.0%", FormatPercentage(0))
	assert.Equal(t, "100.0%", FormatPercentage(1))
}
