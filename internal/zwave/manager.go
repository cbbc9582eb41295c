package zwave

import "errors"

var (
	ErrNilWatcher       = errors.New("zwave: nil watcher")
	ErrRegistryLocked   = errors.New("zwave: watcher registry lock timed out")
	ErrUnknownHome      = errors.New("zwave: unknown home id")
	ErrManagerDestroyed = errors.New("zwave: manager destroyed")
	ErrOptionsLocked    = errors.New("zwave: options are locked")
	ErrOptionsUnlocked  = errors.New("zwave: options must be locked before creating a manager")
)

// Watcher receives every notification the manager emits. OnNotification
// runs on the manager's notification goroutine and must return quickly.
type Watcher interface {
	OnNotification(n Notification)
}

// WatcherFunc adapts a function to Watcher. Function values are not
// comparable, so a WatcherFunc is only usable through a pointer.
type WatcherFunc func(n Notification)

func (f *WatcherFunc) OnNotification(n Notification) { (*f)(n) }

// Manager is the library's top-level coordinator: it owns drivers and
// dispatches their notifications to registered watchers.
type Manager interface {
	// AddWatcher registers w with an opaque context value. Adding the same
	// pair twice is a successful no-op.
	AddWatcher(w Watcher, ctx any) error
	// RemoveWatcher reports whether a matching registration was removed.
	RemoveWatcher(w Watcher, ctx any) (bool, error)
	// AddDriver starts a driver for the controller at path. It reports
	// false if a driver for path already exists.
	AddDriver(path string) (bool, error)
	// RemoveDriver stops the driver at path, reporting false if none exists.
	RemoveDriver(path string) (bool, error)
	// GetSendQueueCount returns the outbound command queue depth for homeID.
	GetSendQueueCount(homeID uint32) (int32, error)
	// Destroy stops every driver and invalidates in-flight deliveries.
	Destroy() error
}
