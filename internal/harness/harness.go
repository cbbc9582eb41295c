package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/ozwatch/internal/events"
	"github.com/msageha/ozwatch/internal/lock"
	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/zwave"
)

var (
	ErrNotRunning = errors.New("harness is not running")
	ErrNoHomeID   = errors.New("home id not yet known")
	ErrNoDevice   = errors.New("driver.device is required")
)

// ManagerFactory creates a manager from locked options and the registry it
// must deliver notifications through.
type ManagerFactory func(opts *zwave.Options, registry *zwave.WatcherRegistry) (zwave.Manager, error)

// Harness owns a single manager session: the device lock, the options,
// the manager, the dispatcher registered on it and the reconciled state.
type Harness struct {
	cfg        model.Config
	factory    ManagerFactory
	logger     *logging.Logger
	state      *State
	bus        *events.Bus
	journal    *events.Journal
	dispatcher *Dispatcher
	queue      QueueWaiter

	mu       sync.Mutex
	mgr      zwave.Manager
	registry *zwave.WatcherRegistry
	options  *zwave.Options
	fileLock *lock.FileLock
	running  bool
	attached bool
}

// New builds a harness. The journal is opened here when configured so
// that a bad path fails before any device is touched.
func New(cfg model.Config, factory ManagerFactory, logger *logging.Logger) (*Harness, error) {
	if factory == nil {
		return nil, fmt.Errorf("harness: nil manager factory")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	h := &Harness{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With("harness"),
		state:   NewState(logger.With("reconciler")),
		bus:     events.NewBus(0),
	}

	opts := DispatcherOptions{
		Bus:         h.bus,
		ErrorBuffer: cfg.Watcher.ErrorBuffer,
		Logger:      logger.With("dispatcher"),
	}
	if cfg.Journal.Path != "" {
		j, err := events.NewJournal(cfg.Journal.Path, cfg.Journal.Format, cfg.Journal.MaxSizeBytes)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j.EnableChecksum(cfg.Journal.Checksum)
		h.journal = j
		opts.Journal = j
	}
	h.dispatcher = NewDispatcher(h.state, opts)
	return h, nil
}

func (h *Harness) Config() model.Config     { return h.cfg }
func (h *Harness) State() *State            { return h.state }
func (h *Harness) Bus() *events.Bus         { return h.bus }
func (h *Harness) Dispatcher() *Dispatcher  { return h.dispatcher }
func (h *Harness) Journal() *events.Journal { return h.journal }

func (h *Harness) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Harness) Attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attached
}

// Manager returns the active manager, or nil when stopped.
func (h *Harness) Manager() zwave.Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mgr
}

// Registry returns the active watcher registry, or nil when stopped.
func (h *Harness) Registry() *zwave.WatcherRegistry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry
}

func (h *Harness) Options() *zwave.Options {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.options
}

// Start locks the device, builds and locks the options, creates the
// manager, registers the dispatcher and adds the driver. Starting a
// running harness is a no-op.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	device := h.cfg.Driver.Device
	if device == "" {
		return ErrNoDevice
	}

	fl := lock.NewFileLock(lock.DevicePath(h.cfg.Driver.LockDir, device))
	if err := fl.TryLock(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	opts, err := zwave.DefaultOptions(h.cfg.Options.ConfigPath, h.cfg.Options.UserPath, h.cfg.Options.CmdLine)
	if err == nil {
		err = opts.Lock()
	}
	if err != nil {
		fl.Unlock()
		return fmt.Errorf("start: options: %w", err)
	}

	h.state.Reset()
	registry := zwave.NewWatcherRegistry(h.cfg.Watcher.CallbackWait(), h.cfg.Watcher.RegistryLockTimeout(), h.logger.With("registry"))
	mgr, err := h.factory(opts, registry)
	if err != nil {
		fl.Unlock()
		return fmt.Errorf("start: create manager: %w", err)
	}
	if err := mgr.AddWatcher(h.dispatcher, nil); err != nil {
		_ = mgr.Destroy()
		fl.Unlock()
		return fmt.Errorf("start: add watcher: %w", err)
	}

	h.mgr = mgr
	h.registry = registry
	h.options = opts
	h.fileLock = fl
	h.running = true

	if err := h.attach(); err != nil {
		h.teardown(ctx)
		return fmt.Errorf("start: %w", err)
	}
	h.logger.Infof("started device=%s lock=%s", device, fl.Path())
	return nil
}

func (h *Harness) attach() error {
	added, err := h.mgr.AddDriver(h.cfg.Driver.Device)
	if err != nil {
		return fmt.Errorf("add driver %s: %w", h.cfg.Driver.Device, err)
	}
	if !added {
		h.logger.Warnf("add driver %s: already present", h.cfg.Driver.Device)
	}
	h.attached = true
	return nil
}

// AttachDriver re-adds the driver after DetachDriver, starting a fresh
// session state.
func (h *Harness) AttachDriver() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrNotRunning
	}
	if h.attached {
		return nil
	}
	h.state.Reset()
	return h.attach()
}

// DetachDriver removes the driver and waits for its removal to be
// acknowledged, leaving the manager and watcher in place.
func (h *Harness) DetachDriver(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrNotRunning
	}
	return h.detach(ctx)
}

func (h *Harness) detach(ctx context.Context) error {
	if !h.attached {
		return nil
	}

	acked := make(chan struct{})
	var once sync.Once
	unsub := h.bus.Subscribe(model.TypeDriverRemoved, func(events.Event) {
		once.Do(func() { close(acked) })
	})
	defer unsub()

	removed, err := h.mgr.RemoveDriver(h.cfg.Driver.Device)
	if err != nil {
		return fmt.Errorf("remove driver %s: %w", h.cfg.Driver.Device, err)
	}
	h.attached = false
	if !removed {
		h.logger.Warnf("remove driver %s: not present", h.cfg.Driver.Device)
		return nil
	}

	timer := time.NewTimer(h.cfg.Teardown.AckTimeout())
	defer timer.Stop()
	select {
	case <-acked:
	case <-timer.C:
		h.logger.Warnf("driver_removed not acknowledged within %s, continuing", h.cfg.Teardown.AckTimeout())
	case <-ctx.Done():
		h.logger.Warnf("driver_removed wait cancelled: %v", ctx.Err())
	}
	return nil
}

// Stop tears the session down: remove the driver and wait for the
// acknowledgement, remove the watcher, drain parked callbacks, destroy
// the manager, reset state and release the device lock. Each wait is
// bounded; stopping a stopped harness is a no-op.
func (h *Harness) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return nil
	}
	return h.teardown(ctx)
}

func (h *Harness) teardown(ctx context.Context) error {
	var errs []error

	if err := h.detach(ctx); err != nil {
		errs = append(errs, err)
	}

	removed, err := h.mgr.RemoveWatcher(h.dispatcher, nil)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("remove watcher: %w", err))
	case !removed:
		h.logger.Warnf("remove watcher: dispatcher was not registered")
	}

	drainCtx, cancel := context.WithTimeout(ctx, h.cfg.Teardown.AckTimeout())
	if err := h.registry.Drain(drainCtx); err != nil {
		h.logger.Warnf("%v", err)
	}
	cancel()

	if err := h.mgr.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy manager: %w", err))
	}

	h.state.Reset()
	if err := h.fileLock.Unlock(); err != nil {
		errs = append(errs, err)
	}

	h.mgr = nil
	h.registry = nil
	h.options = nil
	h.fileLock = nil
	h.running = false
	h.logger.Infof("stopped device=%s", h.cfg.Driver.Device)
	return errors.Join(errs...)
}

// Close stops the harness and releases the journal and bus.
func (h *Harness) Close(ctx context.Context) error {
	err := h.Stop(ctx)
	if h.journal != nil {
		if cerr := h.journal.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	h.bus.Close()
	return err
}

// WaitForReady waits with the configured ready budget.
func (h *Harness) WaitForReady(ctx context.Context) bool {
	return WaitForReady(ctx, h.state, h.cfg.Waiters.ReadyInterval(), h.cfg.Waiters.ReadyMaxAttempts)
}

// WaitForQueue waits for the current home's send queue with the
// configured queue budget.
func (h *Harness) WaitForQueue(ctx context.Context) (int32, error) {
	return h.WaitForQueueBudget(ctx, h.cfg.Waiters.QueueInterval(), h.cfg.Waiters.QueueMaxAttempts)
}

// WaitForQueueBudget is WaitForQueue with an explicit poll interval and
// attempt budget.
func (h *Harness) WaitForQueueBudget(ctx context.Context, interval time.Duration, maxAttempts int) (int32, error) {
	mgr := h.Manager()
	if mgr == nil {
		return 0, ErrNotRunning
	}
	home, ok := h.state.HomeID()
	if !ok {
		return 0, ErrNoHomeID
	}
	return h.queue.Wait(ctx, mgr, home, interval, maxAttempts)
}
