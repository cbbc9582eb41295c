package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/ozwatch/internal/harness"
	"github.com/msageha/ozwatch/internal/uds"
	"github.com/msageha/ozwatch/internal/zwave"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, d.handlePing)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdNodes, d.handleNodes)
	d.server.Handle(uds.CmdWaitReady, d.handleWaitReady)
	d.server.Handle(uds.CmdWaitQueue, d.handleWaitQueue)
	d.server.Handle(uds.CmdErrors, d.handleErrors)
	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handlePing(context.Context, *uds.Request) *uds.Response {
	return uds.SuccessResponse(uds.PingResult{
		Version: d.version,
		PID:     os.Getpid(),
		Device:  d.device,
		Running: d.harness.Attached(),
	})
}

func (d *Daemon) handleStatus(context.Context, *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.harness.State().Snapshot())
}

func (d *Daemon) handleNodes(context.Context, *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.harness.State().Snapshot().Nodes)
}

// ErrorsResult reports recent handler failures and delivery counters.
type ErrorsResult struct {
	Errors     []harness.HandlerError `json:"errors"`
	Dropped    uint64                 `json:"dropped"`
	BusDropped uint64                 `json:"bus_dropped"`
	Dispatched uint64                 `json:"dispatched"`
	Registry   *zwave.RegistryStats   `json:"registry,omitempty"`
}

func (d *Daemon) handleErrors(context.Context, *uds.Request) *uds.Response {
	disp := d.harness.Dispatcher()
	res := ErrorsResult{
		Errors:     disp.RecentErrors(),
		Dropped:    disp.DroppedErrors(),
		BusDropped: d.harness.Bus().Dropped(),
		Dispatched: disp.Dispatched(),
	}
	if reg := d.harness.Registry(); reg != nil {
		stats := reg.Stats()
		res.Registry = &stats
	}
	return uds.SuccessResponse(res)
}

// waitBudget resolves request params against the configured defaults.
func waitBudget(req *uds.Request, defInterval time.Duration, defAttempts int) (time.Duration, int, error) {
	var p uds.WaitParams
	if err := req.DecodeParams(&p); err != nil {
		return 0, 0, err
	}
	if p.Attempts < 0 || p.IntervalMs < 0 {
		return 0, 0, fmt.Errorf("attempts and interval_ms must not be negative")
	}
	interval, attempts := defInterval, defAttempts
	if p.IntervalMs > 0 {
		interval = time.Duration(p.IntervalMs) * time.Millisecond
	}
	if p.Attempts > 0 {
		attempts = p.Attempts
	}
	return interval, attempts, nil
}

func (d *Daemon) handleWaitReady(ctx context.Context, req *uds.Request) *uds.Response {
	interval, attempts, err := waitBudget(req, d.cfg.Waiters.ReadyInterval(), d.cfg.Waiters.ReadyMaxAttempts)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if !d.harness.Running() {
		return uds.ErrorResponse(uds.ErrCodeNotRunning, harness.ErrNotRunning.Error())
	}

	start := time.Now()
	ready := harness.WaitForReady(ctx, d.harness.State(), interval, attempts)
	if !ready && ctx.Err() != nil {
		return uds.ErrorResponse(uds.ErrCodeCancelled, ctx.Err().Error())
	}
	return uds.SuccessResponse(uds.WaitReadyResult{
		Ready:     ready,
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}

func (d *Daemon) handleWaitQueue(ctx context.Context, req *uds.Request) *uds.Response {
	interval, attempts, err := waitBudget(req, d.cfg.Waiters.QueueInterval(), d.cfg.Waiters.QueueMaxAttempts)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	mgr := d.harness.Manager()
	if mgr == nil {
		return uds.ErrorResponse(uds.ErrCodeNotRunning, harness.ErrNotRunning.Error())
	}
	home, ok := d.harness.State().HomeID()
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeNotRunning, harness.ErrNoHomeID.Error())
	}

	start := time.Now()
	depth, err := d.harness.WaitForQueueBudget(ctx, interval, attempts)
	switch {
	case errors.Is(err, harness.ErrNotRunning), errors.Is(err, harness.ErrNoHomeID):
		return uds.ErrorResponse(uds.ErrCodeNotRunning, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return uds.ErrorResponse(uds.ErrCodeCancelled, err.Error())
	case err != nil:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(uds.WaitQueueResult{
		HomeID:    home,
		Depth:     depth,
		Drained:   depth <= 0,
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}
