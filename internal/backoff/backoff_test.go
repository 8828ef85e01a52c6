package backoff_test

import (
	"testing"
	"time"

	"github.com/pulseproof/pulseproof/internal/backoff"
	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := &backoff.ExponentialBackoff{Interval: time.Second, Base: 2, Max: 30 * time.Second}

	assert.Equal(t, 1*time.Second, b.Duration(0))
	assert.Equal(t, 2*time.Second, b.Duration(1))
	assert.Equal(t, 4*time.Second, b.Duration(2))
	assert.Equal(t, 16*time.Second, b.Duration(4))
	assert.Equal(t, 30*time.Second, b.Duration(10), "capped at max")
}

func TestExponentialBackoff_DefaultBase(t *testing.T) {
	t.Parallel()

	b := &backoff.ExponentialBackoff{Interval: time.Second}
	assert.Equal(t, 2*time.Second, b.Duration(1))
}

func TestConstantBackoff(t *testing.T) {
	t.Parallel()

	b := &backoff.ConstantBackoff{Interval: 5 * time.Second}
	for attempt := 0; attempt < 4; attempt++ {
		assert.Equal(t, 5*time.Second, b.Duration(attempt))
	}
}
