package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "0.0 tx/s", FormatRate(0))
	assert.Equal(t, "12.5 tx/s", FormatRate(12.46))
}

func TestFormatPercentage(t *testing.T) {
	assert.Equal(t, "0.0%", FormatPercentage(0))
	assert.Equal(t, "75.0%", FormatPercentage(0.75))
	assert.Equal(t, "100.0%", FormatPercentage(1))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "0s"},
		{45, "45s"},
		{90, "1m 30s"},
		{3600, "1h 0m"},
		{3725, "1h 2m"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.seconds))
		})
	}
}

func TestFormatAgo(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "never", FormatAgo(time.Time{}, now))
	assert.Equal(t, "just now", FormatAgo(now.Add(-100*time.Millisecond), now))
	assert.Equal(t, "2m 5s ago", FormatAgo(now.Add(-125*time.Second), now))
}
