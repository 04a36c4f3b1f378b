// Package schedule implements a single background worker that fires a set
// of periodic tasks at their scheduled deadlines. It drives BlockPool's
// maintenance sweeps and any profiling hooks the host wants to attach: one
// worker goroutine services a min-heap of Timers, reschedules each task by
// nextTimeout += period after it fires, and sleeps until the new minimum.
package schedule

import (
	"reflect"
	"sync"
	"time"
	"unsafe"

	"github.com/kocubinski/blockpool/internal/heap"
	"github.com/kocubinski/blockpool/internal/log"
)

// Task is a short, non-blocking periodic callback. RunTask is invoked from
// the ScheduleThread's worker goroutine while the thread holds its lock, so
// implementations must return quickly.
type Task interface {
	RunTask(now time.Time)
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(now time.Time)

// RunTask implements Task.
func (f TaskFunc) RunTask(now time.Time) { f(now) }

type timer struct {
	nextTimeout time.Time
	period      time.Duration
	task        Task
	ownTask     bool
}

// Thread is a single background worker servicing a priority queue of
// Timers. The zero value is not usable; use New.
type Thread struct {
	mu        sync.Mutex
	cond      *sync.Cond
	timers    *heap.Heap[timer]
	terminate bool
	wg        sync.WaitGroup
}

// New starts a ScheduleThread's worker goroutine and returns the handle.
func New() *Thread {
	t := &Thread{
		timers: heap.New(func(a, b timer) bool {
			return a.nextTimeout.Before(b.nextTimeout)
		}),
	}
	t.cond = sync.NewCond(&t.mu)
	t.wg.Add(1)
	go t.worker()
	return t
}

// Add schedules task.RunTask to fire first at now+period and every period
// thereafter. ownTask is recorded on the timer only: Close drops owned and
// borrowed tasks alike with the heap, since Go has no destructor to invoke.
func (t *Thread) Add(period time.Duration, task Task, ownTask bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timers.Emplace(timer{
		nextTimeout: time.Now().Add(period),
		period:      period,
		task:        task,
		ownTask:     ownTask,
	})
	t.cond.Signal()
}

// Remove cancels the first timer whose task matches. Returns whether one
// was found. Safe to call concurrently with Add and with the worker; only
// future firings are cancelled, an in-flight RunTask runs to completion.
func (t *Thread) Remove(task Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	found := t.timers.Erase(func(tm timer) bool {
		ty := reflect.TypeOf(task)
		if ty == nil || ty.Comparable() || reflect.TypeOf(tm.task) != ty {
			return tm.task == task
		}
		if ty.Kind() != reflect.Func {
			return false
		}
		// Func-typed tasks such as TaskFunc cannot be compared with ==;
		// match them by the identity of the stored function value.
		type iface struct{ typ, data unsafe.Pointer }
		return (*iface)(unsafe.Pointer(&tm.task)).data == (*iface)(unsafe.Pointer(&task)).data
	})
	if found {
		t.cond.Signal()
	}
	return found
}

// Close terminates the worker goroutine and waits for it to exit. Owned
// tasks are simply dropped with the heap; there is nothing further to
// release in Go.
func (t *Thread) Close() {
	t.mu.Lock()
	t.terminate = true
	t.cond.Signal()
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Thread) worker() {
	defer t.wg.Done()

	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.terminate {
		if t.timers.Empty() {
			t.cond.Wait()
			continue
		}

		now := time.Now()
		for !t.timers.Empty() && !t.timers.Top().nextTimeout.After(now) {
			top := t.timers.Pop()
			t.runTask(top, now)
			top.nextTimeout = top.nextTimeout.Add(top.period)
			t.timers.Emplace(top)
		}

		if t.timers.Empty() {
			continue
		}
		t.waitUntil(t.timers.Top().nextTimeout)
	}
}

// runTask invokes task.RunTask while the lock is held. A panicking task is
// fatal: it brings down the process after being logged, rather than being
// silently swallowed.
func (t *Thread) runTask(tm timer, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger().Fatal().
				Interface("panic", r).
				Msg("schedule: task panicked, terminating process")
		}
	}()
	tm.task.RunTask(now)
}

// waitUntil sleeps on the condition variable until deadline or until
// signalled by Add/Remove/Close. sync.Cond has no timed wait, so a
// goroutine-plus-timer wakes the waiter at the deadline instead.
func (t *Thread) waitUntil(deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		t.mu.Lock()
		t.cond.Signal()
		t.mu.Unlock()
	})
	defer timer.Stop()
	t.cond.Wait()
}
