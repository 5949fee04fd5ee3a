package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/coremachine/internal/models"
)

func TestClassifyTaskError(t *testing.T) {
	base := time.Second
	max := time.Minute

	t.Run("permanent errors never retry", func(t *testing.T) {
		d := ClassifyTaskError(models.Permanentf("bad input"), 0, 5, base, max)
		assert.False(t, d.Retry)
		assert.Contains(t, d.Reason, "bad input")
	})

	t.Run("transient errors retry with backoff", func(t *testing.T) {
		d := ClassifyTaskError(models.Transientf("timeout"), 2, 5, base, max)
		assert.True(t, d.Retry)
		assert.Equal(t, 4*time.Second, d.Delay)
	})

	t.Run("unclassified errors default to retryable", func(t *testing.T) {
		d := ClassifyTaskError(errors.New("something odd"), 0, 3, base, max)
		assert.True(t, d.Retry)
	})

	t.Run("exhausted budget fails", func(t *testing.T) {
		d := ClassifyTaskError(models.Transientf("timeout"), 3, 3, base, max)
		assert.False(t, d.Retry)
		assert.Contains(t, d.Reason, "retry budget exhausted")
	})
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second

	assert.Equal(t, 2*time.Second, Backoff(0, base, max))
	assert.Equal(t, 4*time.Second, Backoff(1, base, max))
	assert.Equal(t, 16*time.Second, Backoff(3, base, max))
	assert.Equal(t, 30*time.Second, Backoff(4, base, max), "capped at max")
	assert.Equal(t, 30*time.Second, Backoff(40, base, max), "large attempts must not overflow")
	assert.Equal(t, time.Second, Backoff(0, 0, max), "zero base falls back to one second")
}
