package xslices

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMapKeys(t *testing.T) {
	m := map[string]int{"z": 1, "a": 2, "m": 3}
	assert.Len(t, Keys(m), 3)
	assert.Equal(t, []string{"a", "m", "z"}, SortedKeys(m))
	assert.Equal(t, []int{2, 3, 1}, Map(SortedKeys(m), func(k string) int { return len(k) * m[k] }))
}

func TestReductions(t *testing.T) {
	assert.Equal(t, 7, Max([]int{3, 7, -1}))
	assert.Equal(t, -1, Min([]int{3, 7, -1}))
	assert.Equal(t, 0, Max([]int(nil)))
	assert.Equal(t, "", Min([]string{}))

	assert.Equal(t, 9, Sum([]int{3, 7, -1}))
	assert.Equal(t, 3*time.Second, Sum([]time.Duration{time.Second, 2 * time.Second}))
	assert.InDelta(t, 1.5, Sum([]float64{0.5, 1.0}), 1e-9)
	assert.Equal(t, uint64(0), Sum[uint64](nil))
}
