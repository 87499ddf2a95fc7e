package main

import (
	"bytes"
	"testing"

	"github.com/gomlx/accelrt/backends/fakedevice"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTuneCandidates(t *testing.T) {
	backend := must.M1(fakedevice.New(""))
	defer backend.Finalize()
	flagTuneParallelism = 2

	groupSizes := []int64{64, 128, 256, 4096}
	var progress bytes.Buffer
	results := tuneCandidates(builtinProgram(), backend, groupSizes, &progress)
	require.Len(t, results, len(groupSizes))
	for ii, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, groupSizes[ii], r.requested)
		assert.LessOrEqual(t, r.sizes.GroupSize, int64(1024))
	}
	assert.Equal(t, int64(64), results[0].sizes.GroupSize)
	assert.Contains(t, progress.String(), "Tuning")
	assert.Zero(t, backend.Stats().LiveAllocations)

	// Without a writer nothing is displayed, but all candidates are still built.
	results = tuneCandidates(builtinProgram(), backend, groupSizes[:2], nil)
	require.Len(t, results, 2)
	assert.NoError(t, results[1].err)
}
