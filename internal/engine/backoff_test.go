package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DefaultSchedule(t *testing.T) {
	b := DefaultBackoff()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 2 * time.Second},
		{64, 2 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func TestBackoff_BaseAboveMax(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: time.Second}
	assert.Equal(t, time.Second, b.Delay(1))
}
