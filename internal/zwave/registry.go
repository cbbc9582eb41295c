package zwave

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/ozwatch/internal/logging"
)

const (
	DefaultCallbackWait        = 500 * time.Millisecond
	DefaultRegistryLockTimeout = 2500 * time.Millisecond
)

// Execution states of a single watcher callback.
const (
	execPending int32 = iota
	execRunning
	execCancelled
)

type registration struct {
	watcher Watcher
	context any
}

// execution tracks one watcher callback running on its own goroutine.
type execution struct {
	state atomic.Int32
	done  chan struct{}
}

func (e *execution) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// RegistryStats counts callback outcomes since the registry was created.
type RegistryStats struct {
	Watchers  int    `json:"watchers" yaml:"watchers"`
	Delivered uint64 `json:"delivered" yaml:"delivered"`
	Cancelled uint64 `json:"cancelled" yaml:"cancelled"`
	Slow      uint64 `json:"slow" yaml:"slow"`
	Aborted   uint64 `json:"aborted" yaml:"aborted"`
	Panicked  uint64 `json:"panicked" yaml:"panicked"`
	Parked    int    `json:"parked" yaml:"parked"`
}

// WatcherRegistry holds a manager's watcher registrations and delivers
// notifications to them. Each callback runs on its own goroutine and the
// delivering goroutine waits at most callbackWait for it. A callback that
// has not started by then is cancelled. One that started but is still
// running is logged as slow. Either way the execution is parked so Drain
// can wait for it later.
type WatcherRegistry struct {
	lock         chan struct{}
	entries      []registration
	generation   atomic.Uint64
	callbackWait time.Duration
	lockTimeout  time.Duration
	logger       *logging.Logger

	parkedMu sync.Mutex
	parked   []*execution

	delivered atomic.Uint64
	cancelled atomic.Uint64
	slow      atomic.Uint64
	aborted   atomic.Uint64
	panicked  atomic.Uint64
}

// NewWatcherRegistry creates a registry. Non-positive durations fall back
// to the library defaults; a nil logger discards output.
func NewWatcherRegistry(callbackWait, lockTimeout time.Duration, logger *logging.Logger) *WatcherRegistry {
	if callbackWait <= 0 {
		callbackWait = DefaultCallbackWait
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultRegistryLockTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &WatcherRegistry{
		lock:         make(chan struct{}, 1),
		callbackWait: callbackWait,
		lockTimeout:  lockTimeout,
		logger:       logger,
	}
}

func (r *WatcherRegistry) acquire() bool {
	timer := time.NewTimer(r.lockTimeout)
	defer timer.Stop()
	select {
	case r.lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (r *WatcherRegistry) release() {
	<-r.lock
}

// Generation identifies the current manager lifetime.
func (r *WatcherRegistry) Generation() uint64 {
	return r.generation.Load()
}

// Add registers w with ctx. A pair already registered is left alone and
// reported as success.
func (r *WatcherRegistry) Add(w Watcher, ctx any) error {
	if isNil(w) {
		return ErrNilWatcher
	}
	if !r.acquire() {
		return ErrRegistryLocked
	}
	defer r.release()

	if r.indexOf(w, ctx) >= 0 {
		return nil
	}
	r.entries = append(r.entries, registration{watcher: w, context: ctx})
	return nil
}

// Remove unregisters the pair and reports whether it was present.
func (r *WatcherRegistry) Remove(w Watcher, ctx any) (bool, error) {
	if isNil(w) {
		return false, ErrNilWatcher
	}
	if !r.acquire() {
		return false, ErrRegistryLocked
	}
	defer r.release()

	i := r.indexOf(w, ctx)
	if i < 0 {
		return false, nil
	}
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return true, nil
}

// Len returns the number of registrations.
func (r *WatcherRegistry) Len() int {
	if !r.acquire() {
		return -1
	}
	defer r.release()
	return len(r.entries)
}

func (r *WatcherRegistry) indexOf(w Watcher, ctx any) int {
	for i, e := range r.entries {
		if sameValue(e.watcher, w) && sameValue(e.context, ctx) {
			return i
		}
	}
	return -1
}

// Notify delivers n to every registered watcher in registration order.
// It never returns a callback's failure; only a registry lock timeout is
// reported.
func (r *WatcherRegistry) Notify(n Notification) error {
	if !r.acquire() {
		r.logger.Errorf("notification %s dropped: %v", describe(n), ErrRegistryLocked)
		return ErrRegistryLocked
	}
	targets := make([]registration, len(r.entries))
	copy(targets, r.entries)
	gen := r.generation.Load()
	r.release()

	for _, t := range targets {
		r.deliver(t.watcher, n, gen)
	}
	return nil
}

func (r *WatcherRegistry) deliver(w Watcher, n Notification, gen uint64) {
	exec := &execution{done: make(chan struct{})}

	go func() {
		defer close(exec.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.panicked.Add(1)
				r.logger.Errorf("notification execution caused an unhandled panic: %v", rec)
			}
		}()

		if !exec.state.CompareAndSwap(execPending, execRunning) {
			r.logger.Errorf("notification execution aborted as it has been canceled")
			return
		}
		if r.generation.Load() != gen {
			r.aborted.Add(1)
			r.logger.Errorf("notification execution aborted as it has become invalid")
			return
		}
		w.OnNotification(n)
		r.delivered.Add(1)
	}()

	r.reapParked()

	timer := time.NewTimer(r.callbackWait)
	defer timer.Stop()
	select {
	case <-exec.done:
		return
	case <-timer.C:
	}

	if exec.state.CompareAndSwap(execPending, execCancelled) {
		r.cancelled.Add(1)
	} else {
		r.slow.Add(1)
		r.logger.Warnf("notification execution takes too long (%s): %s", r.callbackWait, describe(n))
	}
	r.parkedMu.Lock()
	r.parked = append(r.parked, exec)
	r.parkedMu.Unlock()
}

func (r *WatcherRegistry) reapParked() {
	r.parkedMu.Lock()
	defer r.parkedMu.Unlock()
	kept := r.parked[:0]
	for _, e := range r.parked {
		if !e.finished() {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(r.parked); i++ {
		r.parked[i] = nil
	}
	r.parked = kept
}

// Pending returns the number of parked executions still running.
func (r *WatcherRegistry) Pending() int {
	r.reapParked()
	r.parkedMu.Lock()
	defer r.parkedMu.Unlock()
	return len(r.parked)
}

// Drain waits until every parked execution has finished or ctx is done.
func (r *WatcherRegistry) Drain(ctx context.Context) error {
	r.parkedMu.Lock()
	pending := make([]*execution, len(r.parked))
	copy(pending, r.parked)
	r.parkedMu.Unlock()

	for _, e := range pending {
		select {
		case <-e.done:
		case <-ctx.Done():
			return fmt.Errorf("drain watcher callbacks: %d still running: %w", r.Pending(), ctx.Err())
		}
	}
	r.reapParked()
	return nil
}

// Reset invalidates the current generation and clears all registrations,
// as happens when the manager is destroyed. Deliveries started under the
// old generation that have not yet invoked their watcher are aborted.
func (r *WatcherRegistry) Reset() {
	r.generation.Add(1)
	if !r.acquire() {
		r.logger.Warnf("watcher registry is already locked, continuing anyway")
		return
	}
	defer r.release()
	r.entries = nil
}

func (r *WatcherRegistry) Stats() RegistryStats {
	return RegistryStats{
		Watchers:  r.Len(),
		Delivered: r.delivered.Load(),
		Cancelled: r.cancelled.Load(),
		Slow:      r.slow.Load(),
		Aborted:   r.aborted.Load(),
		Panicked:  r.panicked.Load(),
		Parked:    r.Pending(),
	}
}

func describe(n Notification) string {
	if isNil(n) {
		return "<nil>"
	}
	return n.String()
}

// isNil catches both untyped nil and typed nil pointers in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// sameValue compares registration keys by identity. Values of
// non-comparable types never match.
func sameValue(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
