package usage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_Count(t *testing.T) {
	e := NewEstimator()

	assert.Equal(t, 0, e.Count(""))
	assert.Positive(t, e.Count("hello"))

	// Longer text must count more tokens, whichever backend is active.
	short := e.Count("one sentence.")
	long := e.Count(strings.Repeat("one sentence. ", 50))
	assert.Greater(t, long, short)
}

func TestEstimator_TinyTextCountsAtLeastOne(t *testing.T) {
	e := NewEstimator()
	assert.GreaterOrEqual(t, e.Count("a"), 1)
}
