// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device driver and its kernel toolchain need to implement to be
// driven by the accelrt runtime.
//
// A Backend is the capability object injected into an execution context: it enumerates devices, reports their
// attributes, allocates and frees raw device memory, compiles source text into a loadable artifact and loads it
// as a module. Everything above this interface (allocator, build cache, device selection, context lifecycle) is
// implemented once in the pkg/ packages and can be tested against the pure-Go fakedevice backend.
//
// Backends return errors (never panic) for failures of the underlying driver: the runtime decides which of
// those are fatal.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by an accelrt backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "fake" for the simulated device.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// DeviceInterface enumerates devices and manages their contexts.
	DeviceInterface

	// MemoryInterface allocates raw device memory and transfers bytes to/from it.
	MemoryInterface

	// ToolchainInterface compiles source into artifacts and loads them as modules.
	ToolchainInterface

	// EventInterface creates and measures timing events, used for profiling.
	EventInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered backends, the first registered one first.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	if firstRegistered != "" {
		names = append(names, firstRegistered)
	}
	for name := range registeredConstructors {
		if name != firstRegistered {
			names = append(names, name)
		}
	}
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ACCELRT_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const ACCELRT_BACKEND = "ACCELRT_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment ACCELRT_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ACCELRT_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but panics in case of errors.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig takes a configurations string formated as
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "fake") and
// "<backend_configuration>" is backend specific.
//
// It panics if no backend was registered: that is a programming error, not a runtime condition.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for accelrt -- maybe import the simulated one with import _ "github.com/gomlx/accelrt/backends/fakedevice"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %q",
			backendName, config, Registered())
	}
	return constructor(backendConfig)
}
