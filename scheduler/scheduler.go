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

// Package scheduler implements the work-stealing task pool of spec.md §4.6:
// a fixed-size worker pool, each owning a double-ended queue, backed by a
// global injector for new spawns. Workers pop their own queue LIFO and
// steal from peers FIFO when idle.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/probeum/corevm/errs"
	"github.com/probeum/corevm/value"
)

// State is a task's lifecycle stage.
type State uint8

const (
	StatePending State = iota
	StateRunning
	StateDone
	StateFailed
	StateCancelled
)

// Func is the closure body a spawned task runs. It receives a context that
// is cancelled when the task is cancelled or finishes; a deadline does not
// cancel it and is observed only through Checkpoint. The
// implementation (the interpreter's call-function loop) must check ctx at
// its checkpoints (function prologue, backward jumps, every CallAsync,
// every Await), per spec.md §4.6.
type Func func(ctx context.Context) (value.Value, error)

// Task is a single scheduled unit of work.
type Task struct {
	ID int64

	mu       sync.Mutex
	state    State
	result   value.Value
	err      error
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	deadline time.Time
	run      func()
}

// Checkpoint reports the task's cancellation/deadline status, for the
// interpreter to call at its safe points (function prologue, backward
// jumps, every CallAsync, every Await), per spec.md §4.6 and §5.
func (t *Task) Checkpoint() error {
	t.mu.Lock()
	state := t.state
	deadline := t.deadline
	t.mu.Unlock()
	if state == StateCancelled {
		return errs.ErrCancelled
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return errs.ErrDeadlineExceeded
	}
	return nil
}

func (t *Task) setResult(v value.Value, err error) {
	t.mu.Lock()
	if t.state == StateCancelled {
		t.mu.Unlock()
		close(t.done)
		return
	}
	t.result = v
	if err != nil {
		t.state = StateFailed
		t.err = err
	} else {
		t.state = StateDone
	}
	t.mu.Unlock()
	close(t.done)
}

// Context returns the task's cancellation context, cancelled when the task
// is cancelled or finishes.
func (t *Task) Context() context.Context { return t.ctx }

// State reports the task's current lifecycle stage.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// deque is a per-worker double-ended queue: owner pushes/pops its own tail
// (LIFO), thieves steal from the head (FIFO).
type deque struct {
	mu    sync.Mutex
	items []*Task
}

func (d *deque) pushOwn(t *Task) {
	d.mu.Lock()
	d.items = append(d.items, t)
	d.mu.Unlock()
}

func (d *deque) popOwn() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.items)
	if n == 0 {
		return nil
	}
	t := d.items[n-1]
	d.items = d.items[:n-1]
	return t
}

func (d *deque) steal() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil
	}
	t := d.items[0]
	d.items = d.items[1:]
	return t
}

// Pool is the work-stealing scheduler of spec.md §4.6.
type Pool struct {
	workerCount int
	sema        *semaphore.Weighted
	queues      []*deque
	injector    *deque

	mu       sync.Mutex
	tasks    map[int64]*Task
	nextID   int64
	shutdown bool
	wg       sync.WaitGroup

	wake chan struct{}
}

// New starts a Pool with workerCount workers, each bounded from running
// concurrently beyond workerCount by a semaphore.Weighted, per SPEC_FULL's
// scheduler domain-stack wiring.
func New(workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	p := &Pool{
		workerCount: workerCount,
		sema:        semaphore.NewWeighted(int64(workerCount)),
		injector:    &deque{},
		tasks:       make(map[int64]*Task),
		wake:        make(chan struct{}, workerCount),
	}
	for i := 0; i < workerCount; i++ {
		p.queues = append(p.queues, &deque{})
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

// taskIDKey tags the context value carrying a spawned task's ID, so a
// callee running inside that task (e.g. the interpreter) can recover the
// *Task for Checkpoint without a separate side channel.
type taskIDKey struct{}

// Spawn registers a new task running fn and pushes it onto the injector
// queue. The handle is returned immediately, per spec.md §4.6.
func (p *Pool) Spawn(fn Func) *Task {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	ctx = context.WithValue(ctx, taskIDKey{}, id)

	t := &Task{ID: id, state: StatePending, done: make(chan struct{}), ctx: ctx, cancel: cancel}

	p.mu.Lock()
	p.tasks[id] = t
	p.mu.Unlock()

	p.injector.pushOwn(t)
	p.runWhenScheduled(ctx, t, fn)
	p.signalWorkers()
	return t
}

// runWhenScheduled stashes the closure alongside the task for a worker to
// invoke; kept simple (closure capture) rather than a separate job table.
func (p *Pool) runWhenScheduled(ctx context.Context, t *Task, fn Func) {
	t.mu.Lock()
	t.deadline = time.Time{}
	t.mu.Unlock()
	t.run = func() {
		defer t.cancel()
		if err := p.sema.Acquire(ctx, 1); err != nil {
			t.setResult(value.Null, errs.ErrCancelled)
			return
		}
		defer p.sema.Release(1)

		t.mu.Lock()
		if t.state == StatePending {
			t.state = StateRunning
		}
		t.mu.Unlock()

		v, err := fn(ctx)
		t.setResult(v, err)
	}
}

func (p *Pool) signalWorkers() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) workerLoop(idx int) {
	defer p.wg.Done()
	own := p.queues[idx]
	for {
		p.mu.Lock()
		down := p.shutdown
		p.mu.Unlock()

		t := own.popOwn()
		if t == nil {
			t = p.injector.steal()
		}
		if t == nil {
			for i := range p.queues {
				if i == idx {
					continue
				}
				if stolen := p.queues[i].steal(); stolen != nil {
					t = stolen
					break
				}
			}
		}
		if t == nil {
			if down {
				return
			}
			select {
			case <-p.wake:
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if t.run != nil {
			t.run()
		}
	}
}

// Cancel marks the task cancelled. A running task observes this only at its
// own checkpoints via ctx.Done(), per spec.md §4.6.
func (p *Pool) Cancel(id int64) error {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return errs.ErrTaskNotFound
	}
	t.mu.Lock()
	if t.state == StatePending || t.state == StateRunning {
		t.state = StateCancelled
	}
	t.mu.Unlock()
	t.cancel()
	return nil
}

// SetDeadline records an absolute instant; checkpoints observing now >
// deadline fail the task with errs.ErrDeadlineExceeded.
func (p *Pool) SetDeadline(id int64, deadline time.Time) error {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return errs.ErrTaskNotFound
	}
	t.mu.Lock()
	t.deadline = deadline
	t.mu.Unlock()
	return nil
}

// Await blocks until the task completes, then returns its result. A task's
// effects become visible to its awaiter before Await returns (ordering
// guaranteed by the done-channel close happens-before).
func (p *Pool) Await(ctx context.Context, id int64) (value.Value, error) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return value.Null, errs.ErrTaskNotFound
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return value.Null, errs.ErrCancelled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCancelled {
		return value.Null, errs.ErrCancelled
	}
	return t.result, t.err
}

// Checkpoint reports whether the task owning ctx (if any) has been
// cancelled or exceeded its deadline, for a callee such as the interpreter
// to call at its safe points. A ctx not produced by Spawn (e.g. the root
// execution's context.Background()) is checked only for Done().
func (p *Pool) Checkpoint(ctx context.Context) error {
	if id, ok := ctx.Value(taskIDKey{}).(int64); ok {
		p.mu.Lock()
		t, ok := p.tasks[id]
		p.mu.Unlock()
		if ok {
			if err := t.Checkpoint(); err != nil {
				return err
			}
		}
	}
	select {
	case <-ctx.Done():
		return errs.ErrCancelled
	default:
		return nil
	}
}

// Shutdown sets the shutdown flag and waits for every worker to drain its
// queue and exit. No new work is accepted once called.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	close(p.wake)
	p.wg.Wait()
}
