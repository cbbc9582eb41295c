package harness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/zwave"
)

func TestWaitForReady_ReturnsEarlyOnReady(t *testing.T) {
	state := NewState(nil)
	d := NewDispatcher(state, DispatcherOptions{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Dispatch(zwave.Event{Kind: model.TypeAllNodesQueriedSomeDead})
	}()

	start := time.Now()
	ready := WaitForReady(context.Background(), state, time.Second, 20)
	assert.True(t, ready)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitForReady_AlreadyReady(t *testing.T) {
	state := NewState(nil)
	NewDispatcher(state, DispatcherOptions{}).Dispatch(zwave.Event{Kind: model.TypeAllNodesQueried})
	assert.True(t, WaitForReady(context.Background(), state, time.Hour, 1))
}

func TestWaitForReady_BudgetExhausted(t *testing.T) {
	state := NewState(nil)
	d := NewDispatcher(state, DispatcherOptions{})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// Unrelated notifications wake the waiter without using attempts.
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				d.Dispatch(zwave.Event{Kind: model.TypeValueChanged})
			}
		}
	}()

	start := time.Now()
	ready := WaitForReady(context.Background(), state, 10*time.Millisecond, 3)
	elapsed := time.Since(start)

	assert.False(t, ready)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestWaitForReady_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.False(t, WaitForReady(ctx, NewState(nil), time.Second, 20))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForReady_ZeroBudget(t *testing.T) {
	assert.False(t, WaitForReady(context.Background(), NewState(nil), time.Second, 0))
}

type queueManager struct {
	mu     sync.Mutex
	depths []int32
	calls  atomic.Int32
	err    error
	delay  time.Duration
}

func (m *queueManager) AddWatcher(zwave.Watcher, any) error            { return nil }
func (m *queueManager) RemoveWatcher(zwave.Watcher, any) (bool, error) { return true, nil }
func (m *queueManager) AddDriver(string) (bool, error)                 { return true, nil }
func (m *queueManager) RemoveDriver(string) (bool, error)              { return true, nil }
func (m *queueManager) Destroy() error                                 { return nil }

func (m *queueManager) GetSendQueueCount(uint32) (int32, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.depths) == 0 {
		return 0, nil
	}
	d := m.depths[0]
	if len(m.depths) > 1 {
		m.depths = m.depths[1:]
	}
	return d, nil
}

func TestWaitForQueue_Drains(t *testing.T) {
	mgr := &queueManager{depths: []int32{3, 2, 0}}
	depth, err := WaitForQueue(context.Background(), mgr, 1, time.Millisecond, 60)
	require.NoError(t, err)
	assert.Equal(t, int32(0), depth)
	assert.Equal(t, int32(3), mgr.calls.Load())
}

func TestWaitForQueue_BudgetExhausted(t *testing.T) {
	mgr := &queueManager{depths: []int32{5}}
	depth, err := WaitForQueue(context.Background(), mgr, 2, time.Millisecond, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(5), depth)
	assert.Equal(t, int32(4), mgr.calls.Load())
}

func TestWaitForQueue_ManagerError(t *testing.T) {
	mgr := &queueManager{err: zwave.ErrUnknownHome}
	_, err := WaitForQueue(context.Background(), mgr, 3, time.Millisecond, 4)
	assert.ErrorIs(t, err, zwave.ErrUnknownHome)
}

func TestWaitForQueue_ContextCancelled(t *testing.T) {
	mgr := &queueManager{depths: []int32{1}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := WaitForQueue(ctx, mgr, 4, time.Second, 60)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestQueueWaiter_ConcurrentWaitsShareOneLoop(t *testing.T) {
	var q QueueWaiter
	mgr := &queueManager{depths: []int32{2, 1, 0}, delay: 10 * time.Millisecond}

	var wg sync.WaitGroup
	results := make([]int32, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := q.Wait(context.Background(), mgr, 0xabc, time.Millisecond, 60)
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}
	wg.Wait()

	for _, d := range results {
		assert.Equal(t, int32(0), d)
	}
	assert.Less(t, mgr.calls.Load(), int32(3*len(results)), "waits should share poll loops")
}

func TestQueueWaiter_JoinerKeepsOwnContextAndBudget(t *testing.T) {
	var q QueueWaiter
	mgr := &queueManager{depths: []int32{5}}

	shortCtx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	var (
		wg         sync.WaitGroup
		shortErr   error
		longDepth  int32
		longErr    error
		longElapse time.Duration
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, shortErr = q.Wait(shortCtx, mgr, 7, 10*time.Millisecond, 100)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		start := time.Now()
		longDepth, longErr = q.Wait(context.Background(), mgr, 7, 10*time.Millisecond, 3)
		longElapse = time.Since(start)
	}()
	wg.Wait()

	assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
	require.NoError(t, longErr)
	assert.Equal(t, int32(5), longDepth)
	assert.Less(t, longElapse, time.Second)
}

func TestQueueWaiter_CancelledCallerDoesNotFailJoiner(t *testing.T) {
	var q QueueWaiter
	mgr := &queueManager{depths: []int32{5, 5, 5, 5, 0}}

	shortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var (
		wg        sync.WaitGroup
		shortErr  error
		longDepth int32
		longErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, shortErr = q.Wait(shortCtx, mgr, 7, 20*time.Millisecond, 60)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		longDepth, longErr = q.Wait(context.Background(), mgr, 7, 20*time.Millisecond, 60)
	}()
	wg.Wait()

	assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
	require.NoError(t, longErr)
	assert.Equal(t, int32(0), longDepth)
}

func TestQueueWaiter_DistinctManagersDoNotShareLoops(t *testing.T) {
	var q QueueWaiter
	busy := &queueManager{depths: []int32{5}, delay: 5 * time.Millisecond}
	idle := &queueManager{depths: []int32{0}, delay: 5 * time.Millisecond}

	var (
		wg                   sync.WaitGroup
		busyDepth, idleDepth int32
		busyErr, idleErr     error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		busyDepth, busyErr = q.Wait(context.Background(), busy, 7, time.Millisecond, 10)
	}()
	go func() {
		defer wg.Done()
		idleDepth, idleErr = q.Wait(context.Background(), idle, 7, time.Millisecond, 10)
	}()
	wg.Wait()

	require.NoError(t, busyErr)
	require.NoError(t, idleErr)
	assert.Equal(t, int32(5), busyDepth)
	assert.Equal(t, int32(0), idleDepth)
	assert.Equal(t, int32(1), idle.calls.Load())
	assert.Equal(t, int32(10), busy.calls.Load())
}

func TestManagerKey_IdentifiesInstances(t *testing.T) {
	a, b := &queueManager{}, &queueManager{}
	assert.NotEqual(t, managerKey(a), managerKey(b))
	assert.Equal(t, managerKey(a), managerKey(a))
}
