// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rts

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/gomlx/accelrt/backends"
	"github.com/pkg/errors"
)

// FatalError is an error the runtime has no recovery strategy for: the device or toolchain failed during setup or
// teardown, the device memory is exhausted, or the driver state is corrupted.
//
// Context methods panic with a *FatalError, except New, which returns it.
type FatalError struct {
	// Call is the textual form of the failing call.
	Call string

	// Location in the Go source ("file.go:123") of the failing call.
	Location string

	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	var backendErr *backends.Error
	if errors.As(e.Err, &backendErr) {
		return fmt.Sprintf("%s: call\n  %s\nfailed with error code %d (%s)",
			e.Location, e.Call, backendErr.Code, backendErr.Description)
	}
	return fmt.Sprintf("%s: call\n  %s\nfailed: %v", e.Location, e.Call, e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// newFatal creates a FatalError located at the caller of the function calling newFatal.
func newFatal(err error, callFormat string, args ...any) *FatalError {
	location := "unknown"
	if _, file, line, ok := runtime.Caller(2); ok {
		location = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return &FatalError{
		Call:     fmt.Sprintf(callFormat, args...),
		Location: location,
		Err:      errors.WithStack(err),
	}
}

// check panics with a *FatalError if err is not nil.
func check(err error, callFormat string, args ...any) {
	if err != nil {
		panic(newFatal(err, callFormat, args...))
	}
}

// ProgramError is a failure signaled by the device code of the program.
// The context remains usable after it.
type ProgramError struct {
	Index   int
	Args    []int64
	Message string
}

// Error implements the error interface.
func (e *ProgramError) Error() string {
	return e.Message
}
