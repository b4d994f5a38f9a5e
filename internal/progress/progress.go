/*
   deacon: a native Go orchestrator for devcontainer.json environments
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package progress implements the ordered, serializable progress event
// stream: a single log of lifecycle, build, feature, and command
// milestones emitted over the lifetime of one command invocation.
package progress

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deacon-dev/deacon/internal/redact"
)

// Kind enumerates the fixed event taxonomy from the progress event
// stream contract.
type Kind string

const (
	KindContainerCreateBegin Kind = "container.create.begin"
	KindContainerCreateEnd   Kind = "container.create.end"
	KindBuildBegin           Kind = "build.begin"
	KindBuildEnd             Kind = "build.end"
	KindFeatureInstallBegin  Kind = "feature.install.begin"
	KindFeatureInstallEnd    Kind = "feature.install.end"
	KindLifecyclePhaseBegin  Kind = "lifecycle.phase.begin"
	KindLifecyclePhaseEnd    Kind = "lifecycle.phase.end"
	KindLifecycleCmdBegin    Kind = "lifecycle.command.begin"
	KindLifecycleCmdEnd      Kind = "lifecycle.command.end"
)

// Event is the tagged-union progress record. Fields beyond the common
// header vary by Kind; unused fields are omitted from JSON so a single
// struct can realize the whole payload table without per-kind types.
type Event struct {
	ID        uint64 `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Type      Kind   `json:"type"`

	Name       string `json:"name,omitempty"`
	Context    string `json:"context,omitempty"`
	FeatureID  string `json:"featureId,omitempty"`
	Phase      string `json:"phase,omitempty"`
	CommandID  int    `json:"commandId,omitempty"`
	Command    string `json:"command,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
}

// Sink receives completed events in emission order. Implementations
// must not block the emitter for long and must never propagate a
// write failure back to the caller: §4.C requires sinks to log once
// and drop on error instead of failing the operation they're
// instrumenting.
type Sink interface {
	Emit(Event)
}

// Stream is the ordered event log for one process. Event IDs are
// strictly monotonic and timestamps are non-decreasing, satisfying the
// ordering invariants in §5.
type Stream struct {
	nextID uint64
	now    func() time.Time

	mu    sync.Mutex
	sinks []Sink
}

// NewStream returns a Stream using wall-clock time. Tests that need
// deterministic timestamps should set Stream.now directly.
func NewStream(sinks ...Sink) *Stream {
	return &Stream{now: time.Now, sinks: sinks}
}

// AddSink attaches an additional sink; existing emitted events are not
// replayed to it.
func (s *Stream) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// emit stamps common fields and fans the event out to every sink.
func (s *Stream) emit(e Event) Event {
	e.ID = atomic.AddUint64(&s.nextID, 1)
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	e.Timestamp = now().UnixMilli()

	s.mu.Lock()
	sinks := make([]Sink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.Emit(e)
	}
	return e
}

// ContainerCreateBegin emits a container.create.begin event.
func (s *Stream) ContainerCreateBegin(name string) Event {
	return s.emit(Event{Type: KindContainerCreateBegin, Name: name})
}

// ContainerCreateEnd emits the matching container.create.end event.
func (s *Stream) ContainerCreateEnd(name string, success bool, duration time.Duration) Event {
	return s.emit(Event{Type: KindContainerCreateEnd, Name: name, Success: &success, DurationMS: duration.Milliseconds()})
}

// BuildBegin emits a build.begin event.
func (s *Stream) BuildBegin(contextDir string) Event {
	return s.emit(Event{Type: KindBuildBegin, Context: contextDir})
}

// BuildEnd emits the matching build.end event.
func (s *Stream) BuildEnd(contextDir string, success bool, duration time.Duration) Event {
	return s.emit(Event{Type: KindBuildEnd, Context: contextDir, Success: &success, DurationMS: duration.Milliseconds()})
}

// FeatureInstallBegin emits a feature.install.begin event.
func (s *Stream) FeatureInstallBegin(featureID string) Event {
	return s.emit(Event{Type: KindFeatureInstallBegin, FeatureID: featureID})
}

// FeatureInstallEnd emits the matching feature.install.end event.
func (s *Stream) FeatureInstallEnd(featureID string, success bool, duration time.Duration) Event {
	return s.emit(Event{Type: KindFeatureInstallEnd, FeatureID: featureID, Success: &success, DurationMS: duration.Milliseconds()})
}

// PhaseBegin emits a lifecycle.phase.begin event.
func (s *Stream) PhaseBegin(phase string) Event {
	return s.emit(Event{Type: KindLifecyclePhaseBegin, Phase: phase})
}

// PhaseEnd emits the matching lifecycle.phase.end event.
func (s *Stream) PhaseEnd(phase string, success bool, duration time.Duration) Event {
	return s.emit(Event{Type: KindLifecyclePhaseEnd, Phase: phase, Success: &success, DurationMS: duration.Milliseconds()})
}

// CommandBegin emits a lifecycle.command.begin event.
func (s *Stream) CommandBegin(phase string, commandID int, command string) Event {
	return s.emit(Event{Type: KindLifecycleCmdBegin, Phase: phase, CommandID: commandID, Command: command})
}

// CommandEnd emits the matching lifecycle.command.end event. exitCode
// is nil for non-blocking commands recorded as dispatched rather than
// awaited.
func (s *Stream) CommandEnd(phase string, commandID int, success bool, duration time.Duration, exitCode *int) Event {
	return s.emit(Event{
		Type:       KindLifecycleCmdEnd,
		Phase:      phase,
		CommandID:  commandID,
		Success:    &success,
		DurationMS: duration.Milliseconds(),
		ExitCode:   exitCode,
	})
}

// WriterSink writes one JSON document per line to w, redacting the
// rendered line through registry before it leaves the process. It
// satisfies the "must not fail the operation on write errors" rule by
// logging the first failure only and discarding every failed event.
type WriterSink struct {
	w        io.Writer
	registry *redact.Registry

	mu      sync.Mutex
	warned  bool
	encoder *json.Encoder
}

// NewWriterSink returns a Sink that serializes events as JSON lines to
// w, redacting secrets with registry (defaults to redact.Default).
func NewWriterSink(w io.Writer, registry *redact.Registry) *WriterSink {
	if registry == nil {
		registry = redact.Default
	}
	return &WriterSink{w: w, registry: registry}
}

func (s *WriterSink) Emit(e Event) {
	raw, err := json.Marshal(e)
	if err != nil {
		s.warnOnce("marshal progress event", err)
		return
	}

	line := s.registry.Redact(string(raw)) + "\n"

	s.mu.Lock()
	_, werr := io.WriteString(s.w, line)
	s.mu.Unlock()
	if werr != nil {
		s.warnOnce("write progress event", werr)
	}
}

func (s *WriterSink) warnOnce(action string, err error) {
	s.mu.Lock()
	already := s.warned
	s.warned = true
	s.mu.Unlock()
	if !already {
		slog.Warn("progress sink dropping events after a write failure", "action", action, "error", err)
	}
}

// MemorySink accumulates events in order; used by tests and by
// in-process consumers (e.g. the CLI layer rendering a TUI) that don't
// want to round-trip through JSON.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a snapshot of everything emitted so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
