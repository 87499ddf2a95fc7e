package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolLimit(t *testing.T) {
	const maxParallelism = 3
	pool := New(maxParallelism)
	assert.Equal(t, maxParallelism, pool.MaxParallelism())

	var running, peak, count atomic.Int32
	pool.Run(20, func(ii int) {
		now := running.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		runtime.Gosched()
		count.Add(1)
		running.Add(-1)
	})
	assert.Equal(t, int32(20), count.Load())
	assert.LessOrEqual(t, peak.Load(), int32(maxParallelism))
	assert.Zero(t, running.Load())
}

func TestPoolResults(t *testing.T) {
	for _, parallelism := range []int{0, 1, -1} {
		pool := New(parallelism)
		results := make([]int, 10)
		pool.Run(len(results), func(ii int) { results[ii] = ii * ii })
		for ii, r := range results {
			assert.Equal(t, ii*ii, r)
		}
	}
	// Wait without tasks returns right away.
	New(2).Wait()
}
