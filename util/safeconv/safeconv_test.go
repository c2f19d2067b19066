package safeconv

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(5, 0, 10))
	assert.Equal(t, 0, Clamp(-3, 0, 10))
	assert.Equal(t, 10, Clamp(42, 0, 10))
	assert.Equal(t, 1.5, Clamp(1.5, 1.0, 2.0))
}

func TestInt64ToInt(t *testing.T) {
	assert.Equal(t, 42, Int64ToInt(42))
	assert.Equal(t, -42, Int64ToInt(-42))
	assert.Equal(t, math.MaxInt, Int64ToInt(math.MaxInt64))
	assert.Equal(t, math.MinInt, Int64ToInt(math.MinInt64))
}

func TestDurationToU64(t *testing.T) {
	assert.Equal(t, uint64(time.Second), DurationToU64(time.Second))
	assert.Equal(t, uint64(0), DurationToU64(0))
	assert.Equal(t, uint64(0), DurationToU64(-time.Second))
}

func TestU64ToDuration(t *testing.T) {
	assert.Equal(t, time.Second, U64ToDuration(uint64(time.Second)))
	assert.Equal(t, time.Duration(math.MaxInt64), U64ToDuration(math.MaxUint64))
}
