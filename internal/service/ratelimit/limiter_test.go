package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterIsPerKey(t *testing.T) {
	l := New(0.001, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}
