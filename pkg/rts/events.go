// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rts

import (
	"fmt"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// EventKind identifies the lifecycle point an Event is reported from.
type EventKind int

const (
	EventDeviceSelected EventKind = iota
	EventLimitClamped
	EventBuildOptions
	EventCacheHit
	EventCacheMiss
	EventModuleLoaded
	EventReady
	EventMemory
	EventProgramFailure
	EventErrorDropped
	EventReset
	EventTeardown
)

var eventKindNames = [...]string{
	"device_selected", "limit_clamped", "build_options", "cache_hit", "cache_miss", "module_loaded", "ready",
	"memory", "program_failure", "error_dropped", "reset", "teardown",
}

// String implements fmt.Stringer.
func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventKindNames[k]
}

// Event reported by a Context to its EventSink.
type Event struct {
	Context uuid.UUID
	Kind    EventKind
	Message string
}

// EventSink receives the lifecycle events of a Context.
//
// Events are delivered synchronously, from the goroutine driving the Context.
type EventSink interface {
	Event(e Event)
}

// NopSink discards all events.
type NopSink struct{}

// Event implements EventSink.
func (NopSink) Event(Event) {}

// KlogSink logs events with klog.
type KlogSink struct {
	// Verbosity of the logged events.
	Verbosity klog.Level
}

// Event implements EventSink.
func (s KlogSink) Event(e Event) {
	klog.V(s.Verbosity).InfoS(e.Message, "context", e.Context, "event", e.Kind)
}

// emit an event to the context's sink.
func (ctx *Context) emit(kind EventKind, format string, args ...any) {
	ctx.sink.Event(Event{Context: ctx.id, Kind: kind, Message: fmt.Sprintf(format, args...)})
}
