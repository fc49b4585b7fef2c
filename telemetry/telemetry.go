// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package telemetry carries the three independent observer channels of
// spec.md §4.8 (debugger, logger, telemetry), each holding at most one
// observer. Emission is synchronous and fire-and-forget: a slow observer
// slows the runtime, and observers must not mutate runtime state. vm and
// runtime hold a *Hooks and call into it; telemetry imports neither,
// keeping the dependency arrow one-way.
package telemetry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/probeum/corevm/value"
)

// DebugEvent is a debugger-channel event.
type DebugEvent struct {
	Kind   string // "ExecutionStarted", "ExecutionFinished", "ExecutionFailed"
	Run    uuid.UUID
	Result value.Value
	Err    error
}

// LogEvent is a logger-channel event.
type LogEvent struct {
	Run     uuid.UUID
	Source  string
	Message string
}

// Event is a telemetry-channel event.
type Event struct {
	Kind string // "ModuleLoaded", "DriverRegistered", "RegisterWrite",
	// "InterruptRaised", "TaskSpawn", "TaskComplete",
	// "TaskCancel", "TaskDeadline"
	Run     uuid.UUID
	Payload any
}

// DebugObserver receives debugger-channel events.
type DebugObserver func(DebugEvent)

// LogObserver receives logger-channel events.
type LogObserver func(LogEvent)

// EventObserver receives telemetry-channel events.
type EventObserver func(Event)

// Hooks holds at most one observer per channel, per spec.md §4.8.
type Hooks struct {
	mu       sync.RWMutex
	debugger DebugObserver
	logger   LogObserver
	events   EventObserver
}

// NewRun mints a correlation id for a single execute() call, threaded
// through every event that call produces.
func NewRun() uuid.UUID { return uuid.New() }

// SetDebugger installs (or, with nil, clears) the debugger-channel observer.
func (h *Hooks) SetDebugger(obs DebugObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.debugger = obs
}

// SetLogger installs (or, with nil, clears) the logger-channel observer.
func (h *Hooks) SetLogger(obs LogObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = obs
}

// SetEvents installs (or, with nil, clears) the telemetry-channel observer.
func (h *Hooks) SetEvents(obs EventObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = obs
}

// Debug fires a debugger-channel event if an observer is installed.
func (h *Hooks) Debug(ev DebugEvent) {
	h.mu.RLock()
	obs := h.debugger
	h.mu.RUnlock()
	if obs != nil {
		obs(ev)
	}
}

// Log fires a logger-channel event if an observer is installed.
func (h *Hooks) Log(ev LogEvent) {
	h.mu.RLock()
	obs := h.logger
	h.mu.RUnlock()
	if obs != nil {
		obs(ev)
	}
}

// Emit fires a telemetry-channel event if an observer is installed.
func (h *Hooks) Emit(ev Event) {
	h.mu.RLock()
	obs := h.events
	h.mu.RUnlock()
	if obs != nil {
		obs(ev)
	}
}
