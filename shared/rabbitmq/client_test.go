package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishBackoff(t *testing.T) {
	tests := []struct {
		name       string
		base       time.Duration
		multiplier float64
		attempt    int
		expected   time.Duration
	}{
		{
			name:       "first retry uses base delay",
			base:       100 * time.Millisecond,
			multiplier: 2.0,
			attempt:    0,
			expected:   100 * time.Millisecond,
		},
		{
			name:       "doubling multiplier",
			base:       100 * time.Millisecond,
			multiplier: 2.0,
			attempt:    3,
			expected:   800 * time.Millisecond,
		},
		{
			name:       "gentler multiplier from config",
			base:       100 * time.Millisecond,
			multiplier: 1.5,
			attempt:    2,
			expected:   225 * time.Millisecond,
		},
		{
			name:       "steeper multiplier from config",
			base:       50 * time.Millisecond,
			multiplier: 3.0,
			attempt:    2,
			expected:   450 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, publishBackoff(tt.base, tt.multiplier, tt.attempt))
		})
	}
}
