// Package replay feeds a recorded notification journal back through a
// fresh harness over the simulated manager.
package replay

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/ozwatch/internal/events"
	"github.com/msageha/ozwatch/internal/harness"
	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/sim"
)

// Options control a replay run.
type Options struct {
	// Format overrides the journal format guessed from the extension.
	Format string
	// Delay is inserted between replayed notifications.
	Delay time.Duration
	// Timeout bounds the whole replay.
	Timeout time.Duration
}

// Result is the outcome of a replay.
type Result struct {
	Journal  string              `json:"journal" yaml:"journal"`
	Records  int                 `json:"records" yaml:"records"`
	Verified int                 `json:"verified" yaml:"verified"`
	Replayed int                 `json:"replayed" yaml:"replayed"`
	Complete bool                `json:"complete" yaml:"complete"`
	State    model.StateSnapshot `json:"state" yaml:"state"`
}

// Run replays the journal at path and returns the reconciled state as it
// stood after the last notification, before teardown.
func Run(ctx context.Context, path string, cfg model.Config, opts Options, logger *logging.Logger) (Result, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	format := opts.Format
	if format == "" {
		format = events.FormatForPath(path)
	}

	evs, err := events.ReadEvents(path, format)
	if err != nil {
		return Result{}, fmt.Errorf("read journal: %w", err)
	}
	total, valid, err := events.VerifyJournal(path, format)
	if err != nil {
		return Result{}, fmt.Errorf("verify journal: %w", err)
	}
	if valid < total {
		logger.Warnf("journal %s: %d of %d records failed checksum", path, total-valid, total)
	}

	script := sim.ScriptFromEvents(evs, opts.Delay)
	res := Result{Journal: path, Records: total, Verified: valid}

	// A replay never writes a journal and never contends with a live
	// daemon for the real device lock.
	cfg.Journal.Path = ""
	cfg.Driver.Device = "replay:" + filepath.Base(path)

	h, err := harness.New(cfg, sim.NewFactory(cfg.Sim, script, logger), logger)
	if err != nil {
		return res, err
	}
	defer func() { _ = h.Close(context.Background()) }()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if err := h.Start(ctx); err != nil {
		return res, fmt.Errorf("start harness: %w", err)
	}

	res.Complete = waitDelivered(ctx, h, len(script))
	if !res.Complete {
		logger.Warnf("replay of %s incomplete: %v", path, ctx.Err())
	}
	res.State = h.State().Snapshot()
	res.Replayed = int(h.Dispatcher().Dispatched()) + res.State.Unknown
	return res, nil
}

func waitDelivered(ctx context.Context, h *harness.Harness, want int) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		changed := h.State().Changed()
		if int(h.Dispatcher().Dispatched())+h.State().Snapshot().Unknown >= want {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-changed:
		case <-ticker.C:
		}
	}
}
