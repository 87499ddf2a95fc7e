// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rts is the runtime of an execution context on an accelerator device.
//
// A Context selects a device, builds the program for it (through a persistent build cache), and then manages the
// device memory of the program and the failures it signals, until it is freed.
//
// Errors are of two kinds: failures signaled by the program (*ProgramError) are kept in the context until
// consumed, and the context remains usable; failures the runtime cannot recover from (*FatalError) are raised
// as panics, except by New, which returns them.
//
// A Context is not safe for concurrent use.
package rts

import (
	"encoding/binary"
	"fmt"

	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/pkg/buildcache"
	"github.com/gomlx/accelrt/pkg/devices"
	"github.com/gomlx/accelrt/pkg/memory"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a Context.
type State int

const (
	StateUninitialized State = iota
	StateDeviceSelected
	StateProgramLoaded
	StateReady
	StateFaulted
	StateTornDown
)

var stateNames = [...]string{"Uninitialized", "DeviceSelected", "ProgramLoaded", "Ready", "Faulted", "TornDown"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// FailureTag is the allocation tag of the failure region.
const FailureTag = "global_failure"

// noFailure is the value of the failure index when no failure was signaled.
const noFailure int32 = -1

// Context is an execution context of a program on a device.
type Context struct {
	id      uuid.UUID
	cfg     *Config
	program *Program
	backend backends.Backend
	sink    EventSink
	state   State

	debugging, profiling bool

	device         backends.DeviceInfo
	deviceRetained bool
	limits         devices.Limits
	sizes          Sizes
	tuningParams   []int64

	cache  *buildcache.Cache
	build  *buildcache.Result
	module backends.Module

	alloc   *memory.Allocator
	retired memory.Stats // Event counts of the allocators replaced by Reset.
	failure memory.Block
	mayFail bool
	err     error

	profiler profiler
	metrics  *metrics
}

// New creates a Context running cfg's program on the given backend, and binds cfg to it.
//
// The device is selected according to the configured preference, the program is built for it (or restored from
// the build cache) and the failure region is allocated. Any failure is returned as a *FatalError, after releasing
// whatever was acquired.
//
// It panics if cfg is already bound to another Context.
func New(cfg *Config, backend backends.Backend) (*Context, error) {
	cfg.bind()
	ctx := &Context{
		id:        uuid.New(),
		cfg:       cfg,
		program:   cfg.program,
		backend:   backend,
		sink:      cfg.eventSink(),
		debugging: cfg.debugging,
		profiling: cfg.profiling,
		profiler:  newProfiler(),
	}
	ctx.resetAllocator()
	if fatal := exceptions.TryCatch[*FatalError](ctx.setup); fatal != nil {
		ctx.abandon()
		return nil, fatal
	}
	return ctx, nil
}

// MustNew is like New, but panics with the *FatalError on failure.
func MustNew(cfg *Config, backend backends.Backend) *Context {
	ctx, err := New(cfg, backend)
	if err != nil {
		panic(err)
	}
	return ctx
}

// setup runs the construction steps, panicking with a *FatalError on failure.
func (ctx *Context) setup() {
	check(ctx.program.Validate(), "validating program %q", ctx.program.Name)

	// Select device.
	devs, err := ctx.backend.Devices()
	check(err, "backend.Devices()")
	ctx.device, err = devices.Select(devs, ctx.cfg.device)
	check(err, "devices.Select(%q)", ctx.cfg.device)
	check(ctx.backend.RetainContext(ctx.device.Num), "backend.RetainContext(%d)", ctx.device.Num)
	ctx.deviceRetained = true
	ctx.state = StateDeviceSelected
	ctx.emit(EventDeviceSelected, "using device %s", ctx.device)

	// Fit the program to the device and build it.
	ctx.limits, err = devices.QueryLimits(ctx.backend, ctx.device.Num)
	check(err, "devices.QueryLimits(%d)", ctx.device.Num)
	ctx.limits = ctx.limits.Override(ctx.cfg.limitOverrides)
	ctx.sizes, ctx.tuningParams = ctx.setupSizes()
	ctx.openCache()
	ctx.buildModule()
	ctx.state = StateProgramLoaded

	// Failure region: the failure index followed by its arguments.
	ctx.failure = ctx.allocOrFatal(8*uint64(ctx.program.MaxFailureArgs+1), FailureTag)
	ctx.clearFailure()
	if ctx.cfg.registerer != nil {
		ctx.metrics = newMetrics(ctx, ctx.cfg.registerer)
	}
	ctx.state = StateReady
	ctx.emit(EventReady, "context ready")
}

// abandon releases what a failed setup acquired, logging any further problems.
func (ctx *Context) abandon() {
	if ctx.failure.Ptr != 0 {
		ctx.alloc.FreeBlock(ctx.failure)
		ctx.failure = memory.Block{}
	}
	if err := ctx.alloc.ReleaseAll(); err != nil {
		klog.Errorf("rts: releasing device memory of failed context: %v", err)
	}
	if ctx.module != nil {
		if err := ctx.backend.UnloadModule(ctx.module); err != nil {
			klog.Errorf("rts: unloading module of failed context: %v", err)
		}
		ctx.module = nil
	}
	if ctx.deviceRetained {
		if err := ctx.backend.ReleaseContext(ctx.device.Num); err != nil {
			klog.Errorf("rts: releasing device of failed context: %v", err)
		}
		ctx.deviceRetained = false
	}
	ctx.state = StateTornDown
	ctx.cfg.unbind()
}

// note reports a user-visible adjustment of the configuration.
func (ctx *Context) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	klog.Infof("Note: %s", msg)
	ctx.emit(EventLimitClamped, "%s", msg)
}

// checkUsable panics if the context was freed.
func (ctx *Context) checkUsable() {
	if ctx.state == StateTornDown {
		exceptions.Panicf("rts.Context %s used after Free", ctx.id)
	}
}

// resetAllocator replaces the allocator by a new empty one. The event counts of the replaced allocator are
// kept in ctx.retired.
func (ctx *Context) resetAllocator() {
	if ctx.alloc != nil {
		ctx.retired = ctx.allocCounts()
	}
	ctx.alloc = memory.New(ctx.backend)
	ctx.alloc.SetEventFunc(func(kind memory.EventKind, block memory.Block) {
		if ctx.debugging {
			ctx.emit(EventMemory, "%s %s", kind, block)
		}
	})
}

// allocCounts returns the allocator event counts accumulated over the lifetime of the context, across Reset.
// Only the counters are set: the byte and block fields of the returned Stats are zero.
func (ctx *Context) allocCounts() memory.Stats {
	current := ctx.alloc.Stats()
	return memory.Stats{
		FreshAllocations:   ctx.retired.FreshAllocations + current.FreshAllocations,
		Reuses:             ctx.retired.Reuses + current.Reuses,
		CrossTagReuses:     ctx.retired.CrossTagReuses + current.CrossTagReuses,
		UndersizeEvictions: ctx.retired.UndersizeEvictions + current.UndersizeEvictions,
		PressureEvictions:  ctx.retired.PressureEvictions + current.PressureEvictions,
		Releases:           ctx.retired.Releases + current.Releases,
	}
}

// ID uniquely identifies the context in logs and metrics.
func (ctx *Context) ID() uuid.UUID { return ctx.id }

// State of the context.
func (ctx *Context) State() State { return ctx.state }

// Config the context is bound to.
func (ctx *Context) Config() *Config { return ctx.cfg }

// Backend the context runs on.
func (ctx *Context) Backend() backends.Backend { return ctx.backend }

// Device selected.
func (ctx *Context) Device() backends.DeviceInfo { return ctx.device }

// Limits of the device, with the configured overrides.
func (ctx *Context) Limits() devices.Limits { return ctx.limits }

// SetLimits replaces the device limits. The program is not rebuilt.
func (ctx *Context) SetLimits(limits devices.Limits) { ctx.limits = limits }

// Sizes returns the default sizes fitted to the device.
func (ctx *Context) Sizes() Sizes { return ctx.sizes }

// TuningParams returns the value of each of the program's tuning parameters, in the program's order.
func (ctx *Context) TuningParams() []int64 {
	return append([]int64(nil), ctx.tuningParams...)
}

// TuningParam returns the value of the named tuning parameter.
func (ctx *Context) TuningParam(name string) (int64, bool) {
	idx := ctx.program.tuningParamIndex(name)
	if idx < 0 {
		return 0, false
	}
	return ctx.tuningParams[idx], true
}

// Module loaded for the program.
func (ctx *Context) Module() backends.Module { return ctx.module }

// BuildResult returns how the module was obtained.
func (ctx *Context) BuildResult() *buildcache.Result { return ctx.build }

// FailureRegion returns the device memory where the device code signals failures: an int32 failure index
// (-1 for none) at offset 0, and MaxFailureArgs int64 arguments from offset 8.
func (ctx *Context) FailureRegion() memory.Block { return ctx.failure }

// FailureArgs returns the address of the arguments of failures, or 0 if the program has none.
func (ctx *Context) FailureArgs() backends.DevicePtr {
	if ctx.program.MaxFailureArgs == 0 {
		return 0
	}
	return ctx.failure.Ptr.Offset(8)
}

// Allocator of the context's device memory.
func (ctx *Context) Allocator() *memory.Allocator { return ctx.alloc }

// allocOrFatal allocates, panicking with a *FatalError on failure.
func (ctx *Context) allocOrFatal(size uint64, tag string) memory.Block {
	block, err := ctx.alloc.Allocate(size, tag)
	check(err, "allocating %d bytes for %q", size, tag)
	return block
}

// Alloc allocates at least size bytes of device memory, for the given tag.
//
// It panics with a *FatalError if the device is out of memory even after returning all the free blocks to it,
// or if the device fails.
func (ctx *Context) Alloc(size uint64, tag string) memory.Block {
	ctx.checkUsable()
	return ctx.allocOrFatal(size, tag)
}

// FreeBlock returns the block to the context's free list, for reuse by later allocations.
func (ctx *Context) FreeBlock(block memory.Block) {
	ctx.checkUsable()
	ctx.alloc.FreeBlock(block)
}

// ClearCaches returns all the free device memory to the device.
// It panics with a *FatalError if the device fails.
func (ctx *Context) ClearCaches() {
	ctx.checkUsable()
	check(ctx.alloc.ReleaseAll(), "releasing free device memory")
}

// MayFail returns whether device code that may signal a failure was run since the context was created or reset.
func (ctx *Context) MayFail() bool { return ctx.mayFail }

// SetMayFail marks that device code that may signal a failure was run: Sync will check the failure region.
func (ctx *Context) SetMayFail() { ctx.mayFail = true }

// setError stores err in the error slot, unless it is already occupied. The first error wins.
func (ctx *Context) setError(err error) {
	if ctx.err != nil {
		klog.V(1).Infof("rts: context %s dropping error %q, an earlier one was not consumed", ctx.id, err)
		ctx.emit(EventErrorDropped, "dropped error: %v", err)
		ctx.metrics.incDroppedErrors()
		return
	}
	ctx.err = err
}

// Error returns the error stored in the context, without clearing it. It returns nil if there is none.
func (ctx *Context) Error() error { return ctx.err }

// TakeError returns the error stored in the context and clears it. It returns nil if there is none.
func (ctx *Context) TakeError() error {
	err := ctx.err
	ctx.err = nil
	if ctx.state == StateFaulted {
		ctx.state = StateReady
	}
	return err
}

// Sync waits for the device to complete the work issued, and checks whether the program signaled a failure.
//
// A failure is cleared from the failure region, stored in the context (if no earlier error is stored) and
// returned as a *ProgramError. Failures communicating with the device are stored and returned as well.
// In both cases the context is left in the Faulted state, and remains usable.
func (ctx *Context) Sync() error {
	ctx.checkUsable()
	if err := ctx.backend.Synchronize(); err != nil {
		return ctx.fault(errors.WithMessage(err, "synchronizing device"))
	}
	if !ctx.mayFail {
		return nil
	}
	var idxBuf [4]byte
	if err := ctx.backend.CopyFromDevice(idxBuf[:], ctx.failure.Ptr); err != nil {
		return ctx.fault(errors.WithMessage(err, "reading failure index"))
	}
	idx := int32(binary.LittleEndian.Uint32(idxBuf[:]))
	if idx < 0 {
		return nil
	}
	// Clear it for the next run.
	if err := ctx.clearFailureIndex(); err != nil {
		return ctx.fault(errors.WithMessage(err, "clearing failure index"))
	}
	args := make([]int64, ctx.program.MaxFailureArgs)
	if len(args) > 0 {
		argsBuf := make([]byte, 8*len(args))
		if err := ctx.backend.CopyFromDevice(argsBuf, ctx.FailureArgs()); err != nil {
			return ctx.fault(errors.WithMessage(err, "reading failure arguments"))
		}
		for ii := range args {
			args[ii] = int64(binary.LittleEndian.Uint64(argsBuf[8*ii:]))
		}
	}
	progErr := &ProgramError{Index: int(idx), Args: args, Message: ctx.program.FailureMessage(int(idx), args)}
	ctx.metrics.incProgramFailures()
	ctx.emit(EventProgramFailure, "program failure #%d: %s", idx, progErr.Message)
	return ctx.fault(progErr)
}

// fault stores err, moves to the Faulted state and returns err.
func (ctx *Context) fault(err error) error {
	ctx.setError(err)
	ctx.state = StateFaulted
	return err
}

func (ctx *Context) clearFailureIndex() error {
	idx := noFailure
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(idx))
	return ctx.backend.CopyToDevice(ctx.failure.Ptr, buf[:])
}

// clearFailure writes "no failure" in the failure region, panicking with a *FatalError on failure.
func (ctx *Context) clearFailure() {
	check(ctx.clearFailureIndex(), "backend.CopyToDevice(%s, <no failure>)", ctx.failure.Ptr)
}

// Reset returns all the free device memory to the device and reinitializes the context state: the error slot,
// the failure region and the allocator statistics. The device and the module are kept.
//
// Pending profiling records are tallied first: the returned error is a failure to tally them.
// It panics with a *FatalError if the device fails.
func (ctx *Context) Reset() error {
	ctx.checkUsable()
	tallyErr := ctx.TallyProfiling()
	check(ctx.alloc.ReleaseAll(), "releasing device memory")
	ctx.resetAllocator()
	ctx.err = nil
	ctx.mayFail = false
	ctx.clearFailure()
	ctx.state = StateReady
	ctx.emit(EventReset, "context reset")
	return tallyErr
}

// Free tears down the context: it releases the failure region and all the free device memory, tallies the
// pending profiling records, unloads the module and releases the device. The configuration is unbound.
//
// All steps are attempted, and the first problem found is returned. It panics with a *FatalError if the device
// fails while releasing memory. Freeing a context twice is an error.
func (ctx *Context) Free() error {
	if ctx.state == StateTornDown {
		return errors.Errorf("rts.Context %s already freed", ctx.id)
	}
	defer func() {
		ctx.state = StateTornDown
		if ctx.metrics != nil {
			ctx.metrics.unregister()
		}
		ctx.cfg.unbind()
	}()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ctx.alloc.FreeBlock(ctx.failure)
	ctx.failure = memory.Block{}
	check(ctx.alloc.ReleaseAll(), "releasing device memory")
	keep(ctx.TallyProfiling())
	if ctx.module != nil {
		keep(errors.WithMessagef(ctx.backend.UnloadModule(ctx.module), "unloading module %s", ctx.module.Name()))
		ctx.module = nil
	}
	if ctx.deviceRetained {
		keep(errors.WithMessagef(ctx.backend.ReleaseContext(ctx.device.Num), "releasing device %s", ctx.device))
		ctx.deviceRetained = false
	}
	ctx.emit(EventTeardown, "context freed")
	return firstErr
}
