package harness

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/ozwatch/internal/zwave"
)

// WaitForReady blocks until the network is ready, maxAttempts poll ticks
// elapse or ctx is done, and returns the readiness flag at that point.
// Any state change wakes the waiter early without using up an attempt.
// Running out of attempts is not an error; callers inspect the result.
func WaitForReady(ctx context.Context, state *State, interval time.Duration, maxAttempts int) bool {
	if maxAttempts <= 0 || interval <= 0 {
		return state.NetworkReady()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < maxAttempts; {
		changed := state.Changed()
		if state.NetworkReady() {
			return true
		}
		select {
		case <-ctx.Done():
			return state.NetworkReady()
		case <-changed:
		case <-ticker.C:
			attempt++
		}
	}
	return state.NetworkReady()
}

// QueueWaiter shares one poll loop between concurrent waits on the same
// manager and home with the same budget. Each Harness owns one.
type QueueWaiter struct {
	group singleflight.Group
}

// WaitForQueue polls the manager's send queue depth for homeID until it
// is zero or below, or maxAttempts polls have been made. It returns the
// last depth seen. Exhausting the budget is not an error.
func WaitForQueue(ctx context.Context, mgr zwave.Manager, homeID uint32, interval time.Duration, maxAttempts int) (int32, error) {
	return pollQueue(ctx, mgr, homeID, interval, maxAttempts)
}

// Wait is WaitForQueue on this waiter's poll group. The shared loop is
// bounded by its attempt budget only, so one caller leaving never ends it
// for the others. Each caller stops early on its own ctx.
func (q *QueueWaiter) Wait(ctx context.Context, mgr zwave.Manager, homeID uint32, interval time.Duration, maxAttempts int) (int32, error) {
	key := fmt.Sprintf("%s/%08x/%s/%d", managerKey(mgr), homeID, interval, maxAttempts)
	loopCtx := context.WithoutCancel(ctx)
	ch := q.group.DoChan(key, func() (any, error) {
		return pollQueue(loopCtx, mgr, homeID, interval, maxAttempts)
	})
	select {
	case res := <-ch:
		depth, _ := res.Val.(int32)
		return depth, res.Err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// managerKey identifies a manager instance, not just its type.
func managerKey(mgr zwave.Manager) string {
	v := reflect.ValueOf(mgr)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.UnsafePointer:
		return fmt.Sprintf("%T@%x", mgr, v.Pointer())
	}
	return fmt.Sprintf("%T:%v", mgr, mgr)
}

func pollQueue(ctx context.Context, mgr zwave.Manager, homeID uint32, interval time.Duration, maxAttempts int) (int32, error) {
	for attempt := 1; ; attempt++ {
		depth, err := mgr.GetSendQueueCount(homeID)
		if err != nil {
			return depth, fmt.Errorf("wait for queue 0x%08x: %w", homeID, err)
		}
		if depth <= 0 || attempt >= maxAttempts {
			return depth, nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return depth, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
