package backends

import "time"

// Module is a loaded executable module. It's opaque to the runtime, only the backend interprets it.
type Module interface {
	// Name of the module, for pretty-printing.
	Name() string
}

// ToolchainInterface is the sub-interface of Backend that builds and loads programs.
type ToolchainInterface interface {
	// Compile source text with the given options into a loadable artifact.
	// A rejected program must be reported as a *CompileError carrying the compiler diagnostics.
	Compile(source string, options []string) (artifact []byte, err error)

	// LoadModule loads an artifact as an executable module.
	// Corrupt or incompatible artifacts are reported as errors, they must never be loaded.
	LoadModule(artifact []byte) (Module, error)

	// UnloadModule releases a module loaded with LoadModule.
	UnloadModule(module Module) error
}

// Event is an opaque timing event.
type Event interface{}

// EventInterface is the sub-interface of Backend that measures elapsed device time.
type EventInterface interface {
	// NewEvent creates a timing event.
	NewEvent() (Event, error)

	// RecordEvent marks the event as reached in the device's work queue.
	RecordEvent(event Event) error

	// ElapsedTime between two recorded events.
	ElapsedTime(start, end Event) (time.Duration, error)

	// DestroyEvent releases the event.
	DestroyEvent(event Event) error
}
