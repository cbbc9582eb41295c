package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/zwave"
)

type driver struct {
	path   string
	home   uint32
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager implements zwave.Manager over a WatcherRegistry.
type Manager struct {
	registry   *zwave.WatcherRegistry
	logger     *logging.Logger
	queueDepth int32

	mu        sync.Mutex
	script    Script
	drivers   map[string]*driver
	queues    map[uint32]int32
	destroyed bool
	removals  sync.WaitGroup
}

var _ zwave.Manager = (*Manager)(nil)

// NewManager creates a simulated manager. The options must be locked, as
// the library requires before a manager can be created.
func NewManager(opts *zwave.Options, registry *zwave.WatcherRegistry, network model.SimConfig, logger *logging.Logger) (*Manager, error) {
	if opts == nil || !opts.AreLocked() {
		return nil, zwave.ErrOptionsUnlocked
	}
	if registry == nil {
		return nil, fmt.Errorf("sim: nil watcher registry")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		registry:   registry,
		logger:     logger,
		queueDepth: network.QueueDepth,
		script:     ScriptFromNetwork(network),
		drivers:    make(map[string]*driver),
		queues:     make(map[uint32]int32),
	}, nil
}

// SetScript replaces the script used by drivers added afterwards.
func (m *Manager) SetScript(s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = s
}

func (m *Manager) Registry() *zwave.WatcherRegistry {
	return m.registry
}

func (m *Manager) AddWatcher(w zwave.Watcher, ctx any) error {
	if m.isDestroyed() {
		return zwave.ErrManagerDestroyed
	}
	return m.registry.Add(w, ctx)
}

func (m *Manager) RemoveWatcher(w zwave.Watcher, ctx any) (bool, error) {
	if m.isDestroyed() {
		return false, zwave.ErrManagerDestroyed
	}
	return m.registry.Remove(w, ctx)
}

func (m *Manager) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// AddDriver starts replaying the current script for path.
func (m *Manager) AddDriver(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return false, zwave.ErrManagerDestroyed
	}
	if _, exists := m.drivers[path]; exists {
		m.logger.Warnf("driver %s already added", path)
		return false, nil
	}

	script := m.script
	ctx, cancel := context.WithCancel(context.Background())
	d := &driver{
		path:   path,
		home:   script.HomeID(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.drivers[path] = d
	m.queues[d.home] = m.queueDepth

	m.logger.Infof("driver %s added (home 0x%08x, %d scripted notifications)", path, d.home, len(script))
	go m.run(ctx, d, script)
	return true, nil
}

func (m *Manager) run(ctx context.Context, d *driver, script Script) {
	defer close(d.done)
	for _, st := range script {
		if st.Delay > 0 {
			timer := time.NewTimer(st.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		ev := st.Event
		ev.At = time.Now().UTC()
		if err := m.registry.Notify(ev); err != nil {
			m.logger.Errorf("driver %s: %v", d.path, err)
		}
	}
}

// RemoveDriver stops the driver's script and emits DriverRemoved from a
// separate goroutine, as the library does from its own thread.
func (m *Manager) RemoveDriver(path string) (bool, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return false, zwave.ErrManagerDestroyed
	}
	d, ok := m.drivers[path]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.drivers, path)
	delete(m.queues, d.home)
	m.removals.Add(1)
	m.mu.Unlock()

	d.cancel()
	<-d.done

	go func() {
		defer m.removals.Done()
		ev := zwave.Event{Kind: model.TypeDriverRemoved, Home: d.home, At: time.Now().UTC()}
		if err := m.registry.Notify(ev); err != nil {
			m.logger.Errorf("driver %s: %v", path, err)
		}
	}()
	m.logger.Infof("driver %s removed", path)
	return true, nil
}

// GetSendQueueCount returns the remaining simulated queue depth and
// drains it by one.
func (m *Manager) GetSendQueueCount(homeID uint32) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return 0, zwave.ErrManagerDestroyed
	}
	depth, ok := m.queues[homeID]
	if !ok {
		return 0, fmt.Errorf("send queue count for 0x%08x: %w", homeID, zwave.ErrUnknownHome)
	}
	if depth > 0 {
		m.queues[homeID] = depth - 1
	}
	return depth, nil
}

// SetQueueDepth sets the simulated outbound queue for an active home.
func (m *Manager) SetQueueDepth(homeID uint32, depth int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[homeID]; !ok {
		return fmt.Errorf("set queue depth for 0x%08x: %w", homeID, zwave.ErrUnknownHome)
	}
	m.queues[homeID] = depth
	return nil
}

// Emit delivers an out-of-script notification to the watchers.
func (m *Manager) Emit(ev zwave.Event) error {
	if m.isDestroyed() {
		return zwave.ErrManagerDestroyed
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return m.registry.Notify(ev)
}

// Drivers returns the paths of active drivers.
func (m *Manager) Drivers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.drivers))
	for p := range m.drivers {
		out = append(out, p)
	}
	return out
}

// Destroy stops every driver without emitting DriverRemoved, waits for
// pending removals and invalidates the registry generation. Calling it
// again is a no-op.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	drivers := make([]*driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		drivers = append(drivers, d)
	}
	m.drivers = make(map[string]*driver)
	m.queues = make(map[uint32]int32)
	m.mu.Unlock()

	for _, d := range drivers {
		d.cancel()
		<-d.done
	}
	m.removals.Wait()
	m.registry.Reset()
	m.logger.Infof("manager destroyed")
	return nil
}

// NewFactory returns a manager constructor for the harness. A nil script
// means the one generated from network.
func NewFactory(network model.SimConfig, script Script, logger *logging.Logger) func(*zwave.Options, *zwave.WatcherRegistry) (zwave.Manager, error) {
	return func(opts *zwave.Options, registry *zwave.WatcherRegistry) (zwave.Manager, error) {
		m, err := NewManager(opts, registry, network, logger)
		if err != nil {
			return nil, err
		}
		if script != nil {
			m.SetScript(script)
		}
		return m, nil
	}
}
