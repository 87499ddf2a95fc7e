// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rts

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

const metricsNamespace = "accelrt"

// metrics of a Context, exported through a prometheus.Registerer.
//
// Most are read from the allocator and build cache statistics when collected. The allocator counters add up
// the allocators replaced by Context.Reset, so they never decrease.
type metrics struct {
	registerer prometheus.Registerer
	collectors []prometheus.Collector

	programFailures prometheus.Counter
	droppedErrors   prometheus.Counter
}

// newMetrics creates and registers the metrics of ctx. Registration failures are logged and the metric dropped.
func newMetrics(ctx *Context, registerer prometheus.Registerer) *metrics {
	m := &metrics{registerer: registerer}
	labels := prometheus.Labels{"context": ctx.id.String(), "program": ctx.program.Name}
	counterFunc := func(subsystem, name, help string, extraLabels prometheus.Labels, fn func() float64) {
		m.add(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: mergeLabels(labels, extraLabels),
		}, fn))
	}
	gaugeFunc := func(subsystem, name, help string, fn func() float64) {
		m.add(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, fn))
	}

	counterFunc("memory", "device_allocations_total", "Allocations requested from the device.", nil,
		func() float64 { return float64(ctx.allocCounts().FreshAllocations) })
	counterFunc("memory", "free_list_hits_total", "Allocations satisfied from the free list.", nil,
		func() float64 { return float64(ctx.allocCounts().Reuses) })
	counterFunc("memory", "evictions_total", "Free blocks returned to the device.", prometheus.Labels{"reason": "undersize"},
		func() float64 { return float64(ctx.allocCounts().UndersizeEvictions) })
	counterFunc("memory", "evictions_total", "Free blocks returned to the device.", prometheus.Labels{"reason": "pressure"},
		func() float64 { return float64(ctx.allocCounts().PressureEvictions) })
	gaugeFunc("memory", "bytes_in_use", "Bytes of device memory lent out.",
		func() float64 { return float64(ctx.alloc.Stats().BytesInUse) })
	gaugeFunc("memory", "peak_bytes_in_use", "Peak of bytes of device memory lent out.",
		func() float64 { return float64(ctx.alloc.Stats().PeakBytesInUse) })
	gaugeFunc("memory", "free_list_bytes", "Bytes of device memory held in the free list.",
		func() float64 { return float64(ctx.alloc.Stats().BytesInFreeList) })
	counterFunc("build", "cache_hits_total", "Builds loaded from the build cache.", nil,
		func() float64 { return float64(ctx.cache.Stats().Hits) })
	counterFunc("build", "cache_misses_total", "Builds not found in the build cache.", nil,
		func() float64 { return float64(ctx.cache.Stats().Misses) })
	counterFunc("build", "compile_failures_total", "Failed compilations.", nil,
		func() float64 { return float64(ctx.cache.Stats().CompileFailures) })

	m.programFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "program_failures_total",
		Help:        "Failures signaled by the device code.",
		ConstLabels: labels,
	})
	m.add(m.programFailures)
	m.droppedErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "dropped_errors_total",
		Help:        "Errors discarded because an earlier error was not consumed.",
		ConstLabels: labels,
	})
	m.add(m.droppedErrors)
	return m
}

func mergeLabels(base, extra prometheus.Labels) prometheus.Labels {
	if len(extra) == 0 {
		return base
	}
	merged := make(prometheus.Labels, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func (m *metrics) add(c prometheus.Collector) {
	if err := m.registerer.Register(c); err != nil {
		klog.Errorf("failed to register metric: %v", err)
		return
	}
	m.collectors = append(m.collectors, c)
}

// unregister all the metrics.
func (m *metrics) unregister() {
	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
	m.collectors = nil
}

func (m *metrics) incProgramFailures() {
	if m != nil {
		m.programFailures.Inc()
	}
}

func (m *metrics) incDroppedErrors() {
	if m != nil {
		m.droppedErrors.Inc()
	}
}
