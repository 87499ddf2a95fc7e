package rts

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatherValues returns the value of every sample gathered, by metric name and "reason" label.
func gatherValues(t *testing.T, registry *prometheus.Registry) map[string]float64 {
	families, err := registry.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			name := family.GetName()
			for _, label := range metric.GetLabel() {
				if label.GetName() == "reason" {
					name += "/" + label.GetValue()
				}
			}
			values[name] = sampleValue(family.GetType(), metric)
		}
	}
	return values
}

func sampleValue(kind dto.MetricType, metric *dto.Metric) float64 {
	switch kind {
	case dto.MetricType_COUNTER:
		return metric.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return metric.GetGauge().GetValue()
	default:
		return 0
	}
}

func TestMetrics(t *testing.T) {
	fake := newFake(t, "")
	registry := prometheus.NewRegistry()
	ctx := MustNew(NewConfig(testProgram()).SetMetricsRegisterer(registry), fake)

	block := ctx.Alloc(1000, "x")
	ctx.FreeBlock(block)
	_ = ctx.Alloc(500, "x")
	ctx.SetMayFail()
	signalFailure(t, fake, ctx, 1)
	require.Error(t, ctx.Sync())

	values := gatherValues(t, registry)
	assert.Equal(t, 2.0, values["accelrt_memory_device_allocations_total"])
	assert.Equal(t, 1.0, values["accelrt_memory_free_list_hits_total"])
	assert.Equal(t, 0.0, values["accelrt_memory_evictions_total/pressure"])
	assert.Equal(t, 1024.0, values["accelrt_memory_bytes_in_use"])
	assert.Equal(t, 1.0, values["accelrt_program_failures_total"])
	assert.Equal(t, 0.0, values["accelrt_build_cache_hits_total"])

	require.NoError(t, ctx.Free())
	assert.Empty(t, gatherValues(t, registry))
}

func TestMetricsAcrossReset(t *testing.T) {
	fake := newFake(t, "")
	registry := prometheus.NewRegistry()
	ctx := MustNew(NewConfig(testProgram()).SetMetricsRegisterer(registry), fake)
	defer func() { require.NoError(t, ctx.Free()) }()

	for _, size := range []uint64{100, 2000, 30000} {
		ctx.FreeBlock(ctx.Alloc(size, "x"))
	}
	ctx.FreeBlock(ctx.Alloc(100, "x"))
	before := gatherValues(t, registry)
	require.Positive(t, before["accelrt_memory_device_allocations_total"])
	require.Positive(t, before["accelrt_memory_free_list_hits_total"])
	require.Equal(t, 2.0, before["accelrt_memory_evictions_total/undersize"])

	require.NoError(t, ctx.Reset())
	after := gatherValues(t, registry)
	for _, name := range []string{"accelrt_memory_device_allocations_total", "accelrt_memory_free_list_hits_total",
		"accelrt_memory_evictions_total/undersize", "accelrt_memory_evictions_total/pressure"} {
		assert.Equal(t, before[name], after[name], "counter %s", name)
	}
	assert.Zero(t, after["accelrt_memory_free_list_bytes"])

	// Counting continues from the totals before the reset.
	_ = ctx.Alloc(100, "x")
	after = gatherValues(t, registry)
	assert.Equal(t, before["accelrt_memory_device_allocations_total"]+1, after["accelrt_memory_device_allocations_total"])
}
