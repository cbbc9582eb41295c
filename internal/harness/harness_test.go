package harness

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/ozwatch/internal/events"
	"github.com/msageha/ozwatch/internal/lock"
	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/sim"
	"github.com/msageha/ozwatch/internal/zwave"
)

func testConfig(t *testing.T) model.Config {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Driver.Device = "/dev/ttyTEST0"
	cfg.Driver.LockDir = t.TempDir()
	cfg.Waiters.ReadyPollMs = 10
	cfg.Waiters.ReadyMaxAttempts = 200
	cfg.Waiters.QueuePollMs = 1
	cfg.Teardown.AckTimeoutMs = 500
	cfg.Sim = model.SimConfig{
		HomeID:     0x0184a3b0,
		QueueDepth: 4,
		Nodes: []model.SimNode{
			{ID: 1, Name: "controller"},
			{ID: 2, Name: "dimmer"},
			{ID: 5, Name: "sensor", Sleeping: true},
		},
	}
	return cfg
}

func newSimHarness(t *testing.T, cfg model.Config) *Harness {
	t.Helper()
	h, err := New(cfg, sim.NewFactory(cfg.Sim, nil, nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestHarness_StartWaitStop(t *testing.T) {
	cfg := testConfig(t)
	h := newSimHarness(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.Start(ctx), "second start is a no-op")
	assert.True(t, h.Running())
	assert.True(t, h.Options().AreLocked())

	require.True(t, h.WaitForReady(ctx))

	snap := h.State().Snapshot()
	assert.Equal(t, uint32(0x0184a3b0), snap.HomeID)
	assert.Equal(t, model.StateReady, snap.DriverState)
	assert.Equal(t, model.StateReady, snap.NetworkState)
	assert.True(t, snap.NetworkAwake)
	assert.Len(t, snap.Nodes, 3)

	depth, err := h.WaitForQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), depth)

	require.NoError(t, h.Stop(ctx))
	require.NoError(t, h.Stop(ctx), "second stop is a no-op")
	assert.False(t, h.Running())
	assert.False(t, h.State().Snapshot().DriverReady, "state is reset on stop")

	_, err = h.WaitForQueue(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)

	fl := lock.NewFileLock(lock.DevicePath(cfg.Driver.LockDir, cfg.Driver.Device))
	require.NoError(t, fl.TryLock(), "device lock released")
	fl.Unlock()
}

func TestHarness_StopWaitsForDriverRemoved(t *testing.T) {
	cfg := testConfig(t)
	h := newSimHarness(t, cfg)
	ctx := context.Background()

	seen := make(chan struct{}, 1)
	unsub := h.Bus().Subscribe(model.TypeDriverRemoved, func(events.Event) { seen <- struct{}{} })
	defer unsub()

	require.NoError(t, h.Start(ctx))
	require.True(t, h.WaitForReady(ctx))
	require.NoError(t, h.Stop(ctx))

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("DriverRemoved was not dispatched before stop returned")
	}
}

func TestHarness_SecondInstanceRejected(t *testing.T) {
	cfg := testConfig(t)
	h1 := newSimHarness(t, cfg)
	require.NoError(t, h1.Start(context.Background()))

	h2 := newSimHarness(t, cfg)
	err := h2.Start(context.Background())
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestHarness_NoDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Driver.Device = ""
	h := newSimHarness(t, cfg)
	assert.ErrorIs(t, h.Start(context.Background()), ErrNoDevice)
}

func TestHarness_BadCommandLine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Options.CmdLine = "--NoSuchOption 1"
	h := newSimHarness(t, cfg)
	assert.Error(t, h.Start(context.Background()))
	assert.False(t, h.Running())
}

func TestHarness_FailedDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Waiters.ReadyMaxAttempts = 5
	cfg.Sim.Fail = true
	h := newSimHarness(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.Start(ctx))
	assert.False(t, h.WaitForReady(ctx))
	assert.Equal(t, model.StateFailed, h.State().DriverState())
}

// silentManager never acknowledges driver removal.
type silentManager struct {
	queueManager
}

func TestHarness_StopBoundedWithoutAck(t *testing.T) {
	cfg := testConfig(t)
	cfg.Teardown.AckTimeoutMs = 30
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.LogLevelDebug, "test")

	h, err := New(cfg, func(*zwave.Options, *zwave.WatcherRegistry) (zwave.Manager, error) {
		return &silentManager{}, nil
	}, logger)
	require.NoError(t, err)
	defer h.Close(context.Background())

	require.NoError(t, h.Start(context.Background()))
	start := time.Now()
	require.NoError(t, h.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, buf.String(), "not acknowledged")
}

func TestHarness_DetachAttach(t *testing.T) {
	cfg := testConfig(t)
	h := newSimHarness(t, cfg)
	ctx := context.Background()

	assert.ErrorIs(t, h.AttachDriver(), ErrNotRunning)
	require.NoError(t, h.Start(ctx))
	require.True(t, h.WaitForReady(ctx))

	require.NoError(t, h.DetachDriver(ctx))
	assert.False(t, h.Attached())
	assert.True(t, h.State().DriverRemoved())

	require.NoError(t, h.AttachDriver())
	assert.True(t, h.Attached())
	require.True(t, h.WaitForReady(ctx))
}

func TestHarness_Journal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = filepath.Join(t.TempDir(), "notifications.cbor")
	cfg.Journal.Format = model.JournalFormatCBOR
	h := newSimHarness(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.Start(ctx))
	require.True(t, h.WaitForReady(ctx))
	require.NoError(t, h.Close(ctx))

	evs, err := events.ReadEvents(cfg.Journal.Path, model.JournalFormatCBOR)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, model.TypeDriverReady, evs[0].Kind)
	assert.Equal(t, model.TypeDriverRemoved, evs[len(evs)-1].Kind)
}
