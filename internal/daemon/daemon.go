// Package daemon runs a harness session as a long-lived process: it serves
// the control socket, follows the controller device node on disk and
// writes periodic state snapshots.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/ozwatch/internal/harness"
	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/uds"
	ozwyaml "github.com/msageha/ozwatch/internal/yaml"
)

// Daemon is the ozwatch daemon process.
type Daemon struct {
	cfg     model.Config
	version string
	device  string
	logger  *logging.Logger

	harness *harness.Harness
	server  *uds.Server
	watcher *fsnotify.Watcher
	ticker  *time.Ticker

	deviceGone atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}

	forceExit atomic.Bool
}

// New builds a daemon around a harness using factory for its manager.
func New(cfg model.Config, factory harness.ManagerFactory, version string, logger *logging.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	h, err := harness.New(cfg, factory, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := uds.NewServer(cfg.Daemon.SocketPath, logger.With("uds"))
	server.SetConnTimeout(connTimeout(cfg))

	return &Daemon{
		cfg:     cfg,
		version: version,
		device:  filepath.Clean(cfg.Driver.Device),
		logger:  logger.With("daemon"),
		harness: h,
		server:  server,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// connTimeout leaves room for the longest wait command.
func connTimeout(cfg model.Config) time.Duration {
	w := cfg.Waiters
	longest := max(w.ReadyInterval()*time.Duration(w.ReadyMaxAttempts), w.QueueInterval()*time.Duration(w.QueueMaxAttempts))
	return max(30*time.Second, longest+5*time.Second)
}

func (d *Daemon) Harness() *harness.Harness { return d.harness }

// Done is closed once shutdown has finished.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Run starts the daemon and blocks until it has shut down, either on a
// signal or through the shutdown command.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.logger.Warnf("received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.done:
	}
	<-d.done
	return nil
}

// Start brings the harness up and starts the background loops without
// waiting for signals.
func (d *Daemon) Start() error {
	d.logger.Infof("daemon starting pid=%d version=%s", os.Getpid(), d.version)

	if err := d.harness.Start(d.ctx); err != nil {
		_ = d.harness.Close(context.Background())
		return fmt.Errorf("start harness: %w", err)
	}

	if err := d.watchDevice(); err != nil {
		// The harness still works without hot-unplug tracking.
		d.logger.Warnf("device watch disabled: %v", err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.closeWatcher()
		_ = d.harness.Close(context.Background())
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", d.server.SocketPath())

	if d.cfg.Daemon.SnapshotPath != "" {
		d.ticker = time.NewTicker(time.Duration(d.cfg.Daemon.SnapshotIntervalSec) * time.Second)
		d.wg.Add(1)
		go d.snapshotLoop()
	}

	d.logger.Infof("daemon ready device=%s", d.device)
	return nil
}

func (d *Daemon) watchDevice() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(d.device)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	d.watcher = watcher
	d.wg.Add(1)
	go d.fsnotifyLoop()
	return nil
}

// fsnotifyLoop follows the device node: removal detaches the driver,
// re-creation attaches it again.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != d.device {
				continue
			}
			d.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				d.handleDeviceRemoved()
			case event.Has(fsnotify.Create):
				d.handleDeviceCreated()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) handleDeviceRemoved() {
	if !d.deviceGone.CompareAndSwap(false, true) {
		return
	}
	d.logger.Warnf("device_removed path=%s, detaching driver", d.device)
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Teardown.AckTimeout())
	defer cancel()
	if err := d.harness.DetachDriver(ctx); err != nil && !errors.Is(err, harness.ErrNotRunning) {
		d.logger.Errorf("detach driver: %v", err)
	}
}

func (d *Daemon) handleDeviceCreated() {
	if !d.deviceGone.CompareAndSwap(true, false) {
		return
	}
	d.logger.Infof("device_restored path=%s, re-adding driver", d.device)
	if err := d.harness.AttachDriver(); err != nil && !errors.Is(err, harness.ErrNotRunning) {
		d.logger.Errorf("attach driver: %v", err)
	}
}

func (d *Daemon) snapshotLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.writeSnapshot()
		}
	}
}

func (d *Daemon) writeSnapshot() {
	if d.cfg.Daemon.SnapshotPath == "" {
		return
	}
	if err := ozwyaml.WriteSnapshot(d.cfg.Daemon.SnapshotPath, d.device, d.harness.State().Snapshot()); err != nil {
		d.logger.Errorf("snapshot write failed path=%s: %v", d.cfg.Daemon.SnapshotPath, err)
		return
	}
	d.logger.Debugf("snapshot written path=%s", d.cfg.Daemon.SnapshotPath)
}

// Shutdown stops the daemon. It is idempotent; later calls return
// immediately.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")

		d.cancel()
		if d.ticker != nil {
			d.ticker.Stop()
		}
		d.closeWatcher()
		_ = d.server.Stop()

		timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			d.logger.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		d.writeSnapshot()
		if err := d.harness.Close(ctx); err != nil {
			d.logger.Errorf("harness close: %v", err)
		}

		d.logger.Infof("daemon stopped")
		close(d.done)
	})
}

func (d *Daemon) closeWatcher() {
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
}
