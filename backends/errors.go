package backends

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrOutOfMemory is matched (errors.Is) by device allocation failures caused by lack of device memory.
var ErrOutOfMemory = errors.New("out of device memory")

// Error is a failure reported by the device driver or toolchain, with its numeric code and description.
type Error struct {
	Code        int
	Description string

	// OutOfMemory marks the error as an out-of-memory condition: it then matches ErrOutOfMemory.
	OutOfMemory bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("error code %d (%s)", e.Code, e.Description)
}

// Is implements errors.Is matching of ErrOutOfMemory.
func (e *Error) Is(target error) bool {
	return e.OutOfMemory && target == ErrOutOfMemory
}

// CompileError is returned by ToolchainInterface.Compile when the program is rejected.
// Log holds the compiler diagnostics.
type CompileError struct {
	Log string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	return fmt.Sprintf("compilation failed.\n\n%s\n", e.Log)
}
