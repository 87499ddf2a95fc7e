// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rts

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/pkg/support/xslices"
	"github.com/pkg/errors"
)

// initialProfilingCapacity of the buffer of pending profiling records. It doubles when full.
const initialProfilingCapacity = 200

// KernelProfile accumulates the runs of a kernel.
type KernelProfile struct {
	Runs    int
	Runtime time.Duration
}

// profilingRecord is a kernel run whose time is not yet known.
type profilingRecord struct {
	start, end backends.Event
	target     *KernelProfile
}

type profiler struct {
	paused  bool
	records []profilingRecord
	kernels map[string]*KernelProfile
}

func newProfiler() profiler {
	return profiler{
		records: make([]profilingRecord, 0, initialProfilingCapacity),
		kernels: make(map[string]*KernelProfile),
	}
}

// add a pending record, doubling the capacity of the buffer if it is full.
func (p *profiler) add(record profilingRecord) {
	if len(p.records) == cap(p.records) {
		grown := make([]profilingRecord, len(p.records), 2*cap(p.records))
		copy(grown, p.records)
		p.records = grown
	}
	p.records = append(p.records, record)
}

// ProfilingActive returns whether kernel runs should be profiled: profiling is enabled and not paused.
func (ctx *Context) ProfilingActive() bool {
	return ctx.profiling && !ctx.profiler.paused
}

// PauseProfiling stops profiling until UnpauseProfiling.
func (ctx *Context) PauseProfiling() {
	ctx.profiler.paused = true
}

// UnpauseProfiling resumes profiling.
func (ctx *Context) UnpauseProfiling() {
	ctx.profiler.paused = false
}

// ProfilingEvents creates the pair of events to be recorded before and after a run of the named kernel.
// The elapsed time between them is added to the kernel's profile by TallyProfiling.
func (ctx *Context) ProfilingEvents(kernel string) (start, end backends.Event, err error) {
	ctx.checkUsable()
	start, err = ctx.backend.NewEvent()
	if err != nil {
		return nil, nil, errors.WithMessage(err, "creating profiling start event")
	}
	end, err = ctx.backend.NewEvent()
	if err != nil {
		_ = ctx.backend.DestroyEvent(start)
		return nil, nil, errors.WithMessage(err, "creating profiling end event")
	}
	target, found := ctx.profiler.kernels[kernel]
	if !found {
		target = &KernelProfile{}
		ctx.profiler.kernels[kernel] = target
	}
	ctx.profiler.add(profilingRecord{start: start, end: end, target: target})
	return start, end, nil
}

// PendingProfilingRecords returns the number of kernel runs not yet tallied.
func (ctx *Context) PendingProfilingRecords() int {
	return len(ctx.profiler.records)
}

// TallyProfiling adds the elapsed time of every pending kernel run to its kernel profile, and releases the
// events. The buffer of pending records is emptied, but keeps its capacity.
//
// It stops at the first failure, and the records not yet tallied remain pending.
func (ctx *Context) TallyProfiling() error {
	p := &ctx.profiler
	for ii, record := range p.records {
		elapsed, err := ctx.backend.ElapsedTime(record.start, record.end)
		if err == nil {
			err = ctx.backend.DestroyEvent(record.start)
		}
		if err == nil {
			err = ctx.backend.DestroyEvent(record.end)
		}
		if err != nil {
			remaining := copy(p.records, p.records[ii:])
			clear(p.records[remaining:])
			p.records = p.records[:remaining]
			return errors.WithMessage(err, "tallying profiling records")
		}
		record.target.Runs++
		record.target.Runtime += elapsed
	}
	clear(p.records)
	p.records = p.records[:0]
	return nil
}

// KernelProfiles returns a copy of the accumulated profile of each kernel.
func (ctx *Context) KernelProfiles() map[string]KernelProfile {
	profiles := make(map[string]KernelProfile, len(ctx.profiler.kernels))
	for name, kp := range ctx.profiler.kernels {
		profiles[name] = *kp
	}
	return profiles
}

// Report returns a human-readable report of the memory usage and of the profiled kernel runs.
// Pending profiling records are not included: call TallyProfiling first.
func (ctx *Context) Report() string {
	var sb strings.Builder
	stats := ctx.alloc.Stats()
	fmt.Fprintf(&sb, "Peak memory usage for space 'device': %s (%d bytes).\n",
		humanize.IBytes(stats.PeakBytesInUse), stats.PeakBytesInUse)
	fmt.Fprintf(&sb, "Memory in use: %s; held in free list: %s in %d blocks.\n",
		humanize.IBytes(stats.BytesInUse), humanize.IBytes(stats.BytesInFreeList), stats.BlocksInFreeList)
	if len(ctx.profiler.kernels) == 0 {
		return sb.String()
	}
	names := xslices.SortedKeys(ctx.profiler.kernels)
	width := xslices.Max(xslices.Map(names, func(name string) int { return len(name) }))
	profiles := xslices.Map(names, func(name string) KernelProfile { return *ctx.profiler.kernels[name] })
	for ii, kp := range profiles {
		var avg time.Duration
		if kp.Runs > 0 {
			avg = kp.Runtime / time.Duration(kp.Runs)
		}
		fmt.Fprintf(&sb, "%-*s ran %5d times; avg %10s; total %10s\n", width, names[ii], kp.Runs, avg, kp.Runtime)
	}
	totalRuns := xslices.Sum(xslices.Map(profiles, func(kp KernelProfile) int { return kp.Runs }))
	totalRuntime := xslices.Sum(xslices.Map(profiles, func(kp KernelProfile) time.Duration { return kp.Runtime }))
	fmt.Fprintf(&sb, "%d operations with cumulative runtime %s\n", totalRuns, totalRuntime)
	return sb.String()
}
