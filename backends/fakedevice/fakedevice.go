// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fakedevice implements a simulated, pure-Go accelerator backend.
//
// It has a fixed memory capacity (so out-of-memory conditions can be reproduced deterministically), a toy
// compiler that turns source text into an artifact, a module loader that validates artifacts, and timing events
// driven by a manual clock. It is used by the tests of the runtime and by the accelrt tool when no real backend
// is available.
//
// Import it with import _ "github.com/gomlx/accelrt/backends/fakedevice" to register it as the "fake" backend.
package fakedevice

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/backends"
	"github.com/pkg/errors"
)

// BackendName to be used in ACCELRT_BACKEND to specify this backend.
const BackendName = "fake"

// Registers New() as the constructor for the "fake" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name       string
	Capability backends.Capability
	Prohibited bool
}

// Options configures the simulated hardware. All devices share the same limits and memory pool.
type Options struct {
	Devices []DeviceSpec

	// Capacity is the total device memory in bytes.
	Capacity uint64

	WarpSize                    int
	MaxThreadsPerBlock          int
	MaxGridDimX                 int
	MaxSharedMemoryPerBlock     int
	MultiprocessorCount         int
	MaxThreadsPerMultiprocessor int
}

// DefaultOptions returns a single mid-range device with 256MiB of memory.
func DefaultOptions() Options {
	return Options{
		Devices:                     []DeviceSpec{{Name: "Fake Accelerator", Capability: backends.Capability{Major: 8, Minor: 6}}},
		Capacity:                    256 << 20,
		WarpSize:                    32,
		MaxThreadsPerBlock:          1024,
		MaxGridDimX:                 1<<31 - 1,
		MaxSharedMemoryPerBlock:     48 << 10,
		MultiprocessorCount:         16,
		MaxThreadsPerMultiprocessor: 2048,
	}
}

// ParseOptions parses a configuration string of ";" separated "key=value" pairs on top of DefaultOptions.
//
// Keys:
//
//   - devices: comma separated list of "Name@Major.Minor", with a trailing "!" for compute-prohibited devices.
//   - capacity: memory capacity, e.g. "64MiB" or "4096".
//   - warp, maxthreads, maxgrid, sharedmem, sms, threadspersm: hardware limits.
func ParseOptions(config string) (Options, error) {
	opts := DefaultOptions()
	for _, part := range strings.Split(config, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return opts, errors.Errorf("backend %q: invalid configuration %q, expected key=value", BackendName, part)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		var err error
		switch key {
		case "devices":
			opts.Devices, err = parseDevices(value)
		case "capacity":
			opts.Capacity, err = humanize.ParseBytes(value)
		case "warp":
			opts.WarpSize, err = strconv.Atoi(value)
		case "maxthreads":
			opts.MaxThreadsPerBlock, err = strconv.Atoi(value)
		case "maxgrid":
			opts.MaxGridDimX, err = strconv.Atoi(value)
		case "sharedmem":
			var n uint64
			n, err = humanize.ParseBytes(value)
			opts.MaxSharedMemoryPerBlock = int(n)
		case "sms":
			opts.MultiprocessorCount, err = strconv.Atoi(value)
		case "threadspersm":
			opts.MaxThreadsPerMultiprocessor, err = strconv.Atoi(value)
		default:
			return opts, errors.Errorf("backend %q: unknown configuration key %q", BackendName, key)
		}
		if err != nil {
			return opts, errors.WithMessagef(err, "backend %q: parsing %q", BackendName, part)
		}
	}
	return opts, nil
}

func parseDevices(value string) ([]DeviceSpec, error) {
	var specs []DeviceSpec
	for _, devStr := range strings.Split(value, ",") {
		devStr = strings.TrimSpace(devStr)
		if devStr == "" {
			continue
		}
		var spec DeviceSpec
		if strings.HasSuffix(devStr, "!") {
			spec.Prohibited = true
			devStr = devStr[:len(devStr)-1]
		}
		name, ccStr, found := strings.Cut(devStr, "@")
		if !found {
			return nil, errors.Errorf("device %q has no compute capability, expected Name@Major.Minor", devStr)
		}
		majorStr, minorStr, _ := strings.Cut(ccStr, ".")
		var err error
		if spec.Capability.Major, err = strconv.Atoi(majorStr); err != nil {
			return nil, errors.Wrapf(err, "device %q", devStr)
		}
		if minorStr != "" {
			if spec.Capability.Minor, err = strconv.Atoi(minorStr); err != nil {
				return nil, errors.Wrapf(err, "device %q", devStr)
			}
		}
		spec.Name = name
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, errors.New("no devices given")
	}
	return specs, nil
}

// New constructs a new simulated Backend from a configuration string, see ParseOptions.
func New(config string) (*Backend, error) {
	opts, err := ParseOptions(config)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(opts), nil
}

// NewWithOptions constructs a new simulated Backend.
func NewWithOptions(opts Options) *Backend {
	return &Backend{
		opts:        opts,
		allocations: make(map[backends.DevicePtr]*allocation),
		retained:    make(map[backends.DeviceNum]int),
		nextPtr:     basePtr,
	}
}

// Backend implements backends.Backend with a simulated device.
type Backend struct {
	mu   sync.Mutex
	opts Options

	allocations map[backends.DevicePtr]*allocation
	nextPtr     backends.DevicePtr
	bytesInUse  uint64
	retained    map[backends.DeviceNum]int

	numModules   int
	loaded       map[*Module]struct{}
	clock        time.Duration
	unifications [][2]string
	stats        Stats
	finalized    bool

	// Injected failures, consumed by the next call.
	allocErr, freeErr error
}

// Stats counts the calls issued to the simulated device.
type Stats struct {
	Allocs, FailedAllocs, Frees      int
	Compiles, FailedCompiles         int
	Loads, FailedLoads, Unloads      int
	EventsCreated, EventsDestroyed   int
	Synchronizations                 int
	BytesInUse, PeakBytesInUse       uint64
	LiveAllocations, RetainedDevices int
}

// Compile-time check that fakedevice.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Simulated accelerator (" + humanize.IBytes(b.opts.Capacity) + ", " +
		strconv.Itoa(len(b.opts.Devices)) + " device(s))"
}

// Options returns the simulated hardware configuration.
func (b *Backend) Options() Options {
	return b.opts
}

// Stats returns a snapshot of the call counters.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.BytesInUse = b.bytesInUse
	s.LiveAllocations = len(b.allocations)
	for _, count := range b.retained {
		if count > 0 {
			s.RetainedDevices++
		}
	}
	return s
}

// Unifications returns the (lhs, rhs) tag pairs reported through UnifyTags, in order.
func (b *Backend) Unifications() [][2]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][2]string(nil), b.unifications...)
}

// SetCapacity changes the memory capacity. Existing allocations are kept even if they exceed it.
func (b *Backend) SetCapacity(capacity uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts.Capacity = capacity
}

// InjectAllocError makes the next call to Alloc fail with err.
func (b *Backend) InjectAllocError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocErr = err
}

// InjectFreeError makes the next call to Free fail with err.
func (b *Backend) InjectFreeError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freeErr = err
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
	b.allocations = make(map[backends.DevicePtr]*allocation)
	b.bytesInUse = 0
	b.loaded = nil
}

// Devices implements backends.DeviceInterface.
func (b *Backend) Devices() ([]backends.DeviceInfo, error) {
	if b.finalized {
		return nil, errFinalized
	}
	infos := make([]backends.DeviceInfo, len(b.opts.Devices))
	for ii, spec := range b.opts.Devices {
		infos[ii] = backends.DeviceInfo{
			Num:        backends.DeviceNum(ii),
			Name:       spec.Name,
			Capability: spec.Capability,
			Prohibited: spec.Prohibited,
		}
	}
	return infos, nil
}

// Attribute implements backends.DeviceInterface.
func (b *Backend) Attribute(device backends.DeviceNum, attr backends.Attribute) (int, error) {
	if err := b.checkDevice(device); err != nil {
		return 0, err
	}
	spec := b.opts.Devices[device]
	switch attr {
	case backends.AttrComputeCapabilityMajor:
		return spec.Capability.Major, nil
	case backends.AttrComputeCapabilityMinor:
		return spec.Capability.Minor, nil
	case backends.AttrComputeMode:
		if spec.Prohibited {
			return backends.ComputeModeProhibited, nil
		}
		return backends.ComputeModeDefault, nil
	case backends.AttrMaxThreadsPerBlock:
		return b.opts.MaxThreadsPerBlock, nil
	case backends.AttrMaxGridDimX:
		return b.opts.MaxGridDimX, nil
	case backends.AttrMaxSharedMemoryPerBlock:
		return b.opts.MaxSharedMemoryPerBlock, nil
	case backends.AttrWarpSize:
		return b.opts.WarpSize, nil
	case backends.AttrMultiprocessorCount:
		return b.opts.MultiprocessorCount, nil
	case backends.AttrMaxThreadsPerMultiprocessor:
		return b.opts.MaxThreadsPerMultiprocessor, nil
	}
	return 0, &backends.Error{Code: codeInvalidValue, Description: "invalid attribute " + attr.String()}
}

// RetainContext implements backends.DeviceInterface.
func (b *Backend) RetainContext(device backends.DeviceNum) error {
	if err := b.checkDevice(device); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained[device]++
	return nil
}

// ReleaseContext implements backends.DeviceInterface.
func (b *Backend) ReleaseContext(device backends.DeviceNum) error {
	if err := b.checkDevice(device); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retained[device] == 0 {
		return &backends.Error{Code: codeInvalidContext, Description: "context was not retained"}
	}
	b.retained[device]--
	return nil
}

func (b *Backend) checkDevice(device backends.DeviceNum) error {
	if b.finalized {
		return errFinalized
	}
	if device < 0 || int(device) >= len(b.opts.Devices) {
		return &backends.Error{Code: codeInvalidDevice, Description: "invalid device ordinal " + strconv.Itoa(int(device))}
	}
	return nil
}

// Error codes of the simulated driver.
const (
	codeInvalidValue   = 1
	codeOutOfMemory    = 2
	codeNotInitialized = 3
	codeInvalidImage   = 200
	codeInvalidContext = 201
	codeInvalidDevice  = 101
	codeNotReady       = 600
)

var errFinalized = &backends.Error{Code: codeNotInitialized, Description: "backend was finalized"}
