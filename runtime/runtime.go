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

// Package runtime is the embedding API facade of spec.md §6/§8: the single
// entry point a host program uses to configure, load into, and execute
// against a corevm instance, wiring together vm, scheduler, loader,
// collector, arena, telemetry, and failsafe behind one small surface
// (runtime_new / runtime_configure / runtime_execute / runtime_load_module /
// runtime_spawn / runtime_register_builtin / runtime_set_hook).
package runtime

import (
	"context"
	"time"

	"github.com/probeum/corevm/arena"
	"github.com/probeum/corevm/bytecode"
	"github.com/probeum/corevm/collector"
	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/failsafe"
	"github.com/probeum/corevm/internal/config"
	"github.com/probeum/corevm/internal/logging"
	"github.com/probeum/corevm/loader"
	"github.com/probeum/corevm/scheduler"
	"github.com/probeum/corevm/telemetry"
	"github.com/probeum/corevm/value"
	"github.com/probeum/corevm/vm"
)

// arenaCapacityBytes is the arena's fixed budget. Nothing in spec.md ties
// it to the configurable knobs (cost limit, worker count, cache size), so a
// generous fixed default is used; an embedder that needs a different
// budget can construct arena.New itself and is not forced through Runtime.
const arenaCapacityBytes = 64 << 20 // 64 MiB

// Runtime is a configured corevm instance: one module, one interpreter, one
// scheduler pool, one heap, one fail-safe gate. runtime_new/
// runtime_configure build one of these; every other runtime_* operation is
// a method on it.
type Runtime struct {
	cfg    config.Config
	log    *logging.Logger
	hooks  *telemetry.Hooks
	sched  *scheduler.Pool
	heap   *collector.Heap
	arena  *arena.Arena
	loader *loader.Loader
	gate   *failsafe.Gate

	module *bytecode.Module
	vm     *vm.VM
}

// New is runtime_new: builds an unconfigured Runtime. Call Configure before
// LoadModule/Execute.
func New() *Runtime {
	return &Runtime{
		hooks: &telemetry.Hooks{},
		log:   logging.Default(),
	}
}

// Configure is runtime_configure: applies cfg (resolved against
// environment defaults) and starts the scheduler, heap, arena, module
// loader, and fail-safe gate.
func (r *Runtime) Configure(cfg config.Config, moduleRoots []string, failSafeStore failsafe.Store) error {
	cfg = cfg.Resolve()
	r.cfg = cfg
	r.sched = scheduler.New(cfg.WorkerCount)
	r.heap = collector.New(256)
	r.arena = arena.New(arenaCapacityBytes)

	l, err := loader.New(moduleRoots, cfg.ModuleCacheSize)
	if err != nil {
		return err
	}
	r.loader = l

	if failSafeStore != nil {
		gate, err := failsafe.NewGate(failSafeStore)
		if err != nil {
			return err
		}
		if cfg.FailSafe {
			if enabled, err := gate.Enabled(); err != nil {
				return err
			} else if !enabled {
				r.log.Warn("fail-safe requested but no passphrase has ever been set; runtime starts unlocked")
			}
		}
		r.gate = gate
	}
	return nil
}

// LoadModule is runtime_load_module: resolves name via the configured
// loader, decodes and validates it, and makes it the runtime's active
// module. A fresh *vm.VM is built over it, preserving any builtins already
// registered via RegisterBuiltin.
func (r *Runtime) LoadModule(ctx context.Context, name string) error {
	mod, err := r.loader.LoadModule(ctx, name)
	if err != nil {
		return err
	}
	return r.setModule(mod)
}

// LoadModuleBytes is the load_bytes half of runtime_load_module: decodes
// raw bytecode directly, bypassing the filesystem loader/cache entirely.
func (r *Runtime) LoadModuleBytes(data []byte) error {
	mod, err := loader.LoadBytes(data)
	if err != nil {
		return err
	}
	return r.setModule(mod)
}

func (r *Runtime) setModule(mod *bytecode.Module) error {
	var previousBuiltins map[string]vm.Builtin
	if r.vm != nil {
		previousBuiltins = r.vm.Builtins()
	}
	r.module = mod
	r.vm = vm.New(mod, r.heap, r.sched, r.hooks, r.cfg.CostLimit)
	vm.RegisterStandardBuiltins(r.vm)
	for name, fn := range previousBuiltins {
		r.vm.RegisterBuiltin(name, fn)
	}
	r.hooks.Emit(telemetry.Event{Kind: "ModuleLoaded", Run: telemetry.NewRun(), Payload: mod.Entry})
	return nil
}

// RegisterBuiltin is runtime_register_builtin: adds or replaces a named
// host function callable from bytecode via CallBuiltin.
func (r *Runtime) RegisterBuiltin(name string, fn vm.Builtin) {
	r.vm.RegisterBuiltin(name, fn)
	r.hooks.Emit(telemetry.Event{Kind: "DriverRegistered", Run: telemetry.NewRun(), Payload: name})
}

// SetDebugHook, SetLogHook, and SetEventHook are the three channels behind
// runtime_set_hook, kept distinct (rather than a single "set_hook(kind,
// fn)" call) so each channel's event type is known at the call site.
func (r *Runtime) SetDebugHook(obs telemetry.DebugObserver) { r.hooks.SetDebugger(obs) }
func (r *Runtime) SetLogHook(obs telemetry.LogObserver)     { r.hooks.SetLogger(obs) }
func (r *Runtime) SetEventHook(obs telemetry.EventObserver) { r.hooks.SetEvents(obs) }

// Execute is runtime_execute: runs the active module's entry function to
// completion, failing fast if the fail-safe gate is locked.
func (r *Runtime) Execute(ctx context.Context, args []value.Value) (value.Value, error) {
	if r.module == nil {
		return value.Null, errs.ErrIO
	}
	if r.gate != nil {
		if err := r.gate.Check(); err != nil {
			return value.Null, err
		}
	}
	run := telemetry.NewRun()
	r.hooks.Debug(telemetry.DebugEvent{Kind: "ExecutionStarted", Run: run})
	result, err := r.vm.Execute(ctx, r.module.Entry, args)
	if err != nil {
		r.hooks.Debug(telemetry.DebugEvent{Kind: "ExecutionFailed", Run: run, Err: err})
		return value.Null, err
	}
	r.hooks.Debug(telemetry.DebugEvent{Kind: "ExecutionFinished", Run: run, Result: result})
	return result, nil
}

// Spawn is runtime_spawn: schedules functionIndex (from the active
// module) to run asynchronously, returning its task ID without waiting for
// completion.
func (r *Runtime) Spawn(functionIndex uint32, args []value.Value) int64 {
	task := r.sched.Spawn(func(ctx context.Context) (value.Value, error) {
		return r.vm.Execute(ctx, functionIndex, args)
	})
	r.hooks.Emit(telemetry.Event{Kind: "TaskSpawn", Run: telemetry.NewRun(), Payload: task.ID})
	return task.ID
}

// Await blocks until a task spawned by Spawn (or CallAsync inside a
// running execution) completes, then returns its result.
func (r *Runtime) Await(ctx context.Context, taskID int64) (value.Value, error) {
	return r.sched.Await(ctx, taskID)
}

// Cancel requests cancellation of a running or pending task.
func (r *Runtime) Cancel(taskID int64) error {
	return r.sched.Cancel(taskID)
}

// SetTaskDeadline bounds a task's remaining execution time.
func (r *Runtime) SetTaskDeadline(taskID int64, deadline time.Time) error {
	return r.sched.SetDeadline(taskID, deadline)
}

// FailSafeEnable, FailSafeAuthenticate, and FailSafeDisable expose the
// fail-safe gate's operations to an embedder that configured Runtime with
// a failsafe.Store.
func (r *Runtime) FailSafeEnable(passphrase string) error {
	if r.gate == nil {
		return errs.ErrLocked
	}
	return r.gate.Enable(passphrase)
}

func (r *Runtime) FailSafeAuthenticate(passphrase string) error {
	if r.gate == nil {
		return nil
	}
	return r.gate.Authenticate(passphrase)
}

func (r *Runtime) FailSafeDisable() error {
	if r.gate == nil {
		return nil
	}
	return r.gate.Disable()
}

// Shutdown stops the scheduler's worker pool and the module loader's file
// watches. Callers should not use the Runtime afterward.
func (r *Runtime) Shutdown() {
	if r.sched != nil {
		r.sched.Shutdown()
	}
	if r.loader != nil {
		r.loader.Close()
	}
}

// Module returns the currently active module, or nil if none has been
// loaded yet.
func (r *Runtime) Module() *bytecode.Module { return r.module }

// Arena returns the runtime's off-heap allocator, for a builtin registered
// via RegisterBuiltin that needs capacity-bounded native storage outside
// the garbage-collected heap (large buffers, pinned memory for a host
// call) without going through collector.Heap.
func (r *Runtime) Arena() *arena.Arena { return r.arena }

// Disassemble renders the active module via bytecode's disassembly
// support, for an embedder's own diagnostics.
func (r *Runtime) Disassemble() (string, error) {
	if r.module == nil {
		return "", errs.ErrIO
	}
	return bytecode.Disassemble(r.module), nil
}
