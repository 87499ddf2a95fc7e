package fakedevice

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/gomlx/accelrt/backends"
)

// ArtifactMagic is the header of every artifact produced by the simulated compiler.
const ArtifactMagic = "FAKEBIN1\n"

// errorDirective marks a source line that makes the simulated compiler reject the program.
const errorDirective = "#error"

// Module is a module loaded by the simulated device.
type Module struct {
	name     string
	Options  []string
	Source   string
	Artifact []byte
}

// Name implements backends.Module.
func (m *Module) Name() string {
	return m.name
}

// Compile implements backends.ToolchainInterface.
//
// Every source line starting with "#error" is reported as a diagnostic and the program is rejected.
// Otherwise, the artifact is ArtifactMagic followed by the NUL separated options, a newline and the source.
func (b *Backend) Compile(source string, options []string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errFinalized
	}
	b.stats.Compiles++
	var diagnostics []string
	for lineNum, line := range strings.Split(source, "\n") {
		if rest, found := strings.CutPrefix(strings.TrimSpace(line), errorDirective); found {
			diagnostics = append(diagnostics, fmt.Sprintf("program.cu(%d): error: %s", lineNum+1, strings.TrimSpace(rest)))
		}
	}
	if len(diagnostics) > 0 {
		b.stats.FailedCompiles++
		return nil, &backends.CompileError{Log: strings.Join(diagnostics, "\n")}
	}
	var buf bytes.Buffer
	buf.WriteString(ArtifactMagic)
	buf.WriteString(strings.Join(options, "\x00"))
	buf.WriteByte('\n')
	buf.WriteString(source)
	return buf.Bytes(), nil
}

// LoadModule implements backends.ToolchainInterface. Artifacts not produced by Compile are rejected.
func (b *Backend) LoadModule(artifact []byte) (backends.Module, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errFinalized
	}
	rest, found := bytes.CutPrefix(artifact, []byte(ArtifactMagic))
	if !found {
		b.stats.FailedLoads++
		return nil, &backends.Error{Code: codeInvalidImage, Description: "device kernel image is invalid"}
	}
	optionsBytes, source, found := bytes.Cut(rest, []byte("\n"))
	if !found {
		b.stats.FailedLoads++
		return nil, &backends.Error{Code: codeInvalidImage, Description: "device kernel image is truncated"}
	}
	b.numModules++
	module := &Module{
		name:     fmt.Sprintf("fake-module-%d", b.numModules),
		Source:   string(source),
		Artifact: bytes.Clone(artifact),
	}
	if len(optionsBytes) > 0 {
		module.Options = strings.Split(string(optionsBytes), "\x00")
	}
	if b.loaded == nil {
		b.loaded = make(map[*Module]struct{})
	}
	b.loaded[module] = struct{}{}
	b.stats.Loads++
	return module, nil
}

// UnloadModule implements backends.ToolchainInterface.
func (b *Backend) UnloadModule(module backends.Module) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := module.(*Module)
	if !ok {
		return &backends.Error{Code: codeInvalidValue, Description: fmt.Sprintf("module %T is not a %q module", module, BackendName)}
	}
	if _, found := b.loaded[m]; !found {
		return &backends.Error{Code: codeInvalidValue, Description: "module " + m.name + " is not loaded"}
	}
	delete(b.loaded, m)
	b.stats.Unloads++
	return nil
}

// LoadedModules returns the number of modules currently loaded.
func (b *Backend) LoadedModules() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.loaded)
}

// event is a simulated timing event.
type event struct {
	at       time.Duration
	recorded bool
}

// Advance moves the simulated device clock forward, as if work of the given duration had executed.
func (b *Backend) Advance(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock += d
}

// NewEvent implements backends.EventInterface.
func (b *Backend) NewEvent() (backends.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errFinalized
	}
	b.stats.EventsCreated++
	return &event{}, nil
}

// RecordEvent implements backends.EventInterface.
func (b *Backend) RecordEvent(ev backends.Event) error {
	e, err := toEvent(ev)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e.at = b.clock
	e.recorded = true
	return nil
}

// ElapsedTime implements backends.EventInterface.
func (b *Backend) ElapsedTime(start, end backends.Event) (time.Duration, error) {
	s, err := toEvent(start)
	if err != nil {
		return 0, err
	}
	e, err := toEvent(end)
	if err != nil {
		return 0, err
	}
	if !s.recorded || !e.recorded {
		return 0, &backends.Error{Code: codeNotReady, Description: "event not recorded"}
	}
	return e.at - s.at, nil
}

// DestroyEvent implements backends.EventInterface.
func (b *Backend) DestroyEvent(ev backends.Event) error {
	if _, err := toEvent(ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.EventsDestroyed++
	return nil
}

func toEvent(ev backends.Event) (*event, error) {
	e, ok := ev.(*event)
	if !ok || e == nil {
		return nil, &backends.Error{Code: codeInvalidValue, Description: fmt.Sprintf("invalid event %T", ev)}
	}
	return e, nil
}
