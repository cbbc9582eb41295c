// Package status reports a harness daemon's reconciled state, falling back
// to the last snapshot on disk when no daemon answers.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/uds"
	ozwyaml "github.com/msageha/ozwatch/internal/yaml"
)

const (
	SourceDaemon   = "daemon"
	SourceSnapshot = "snapshot"
	SourceNone     = "none"
)

type Report struct {
	Daemon      DaemonStatus         `json:"daemon"`
	Source      string               `json:"source"`
	SnapshotAt  *time.Time           `json:"snapshot_at,omitempty"`
	State       *model.StateSnapshot `json:"state,omitempty"`
	SnapshotErr string               `json:"snapshot_error,omitempty"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Pid     int    `json:"pid,omitempty"`
	Version string `json:"version,omitempty"`
	Device  string `json:"device,omitempty"`
	Driver  bool   `json:"driver_attached"`
}

// Options select where the report is gathered from.
type Options struct {
	SocketPath   string
	SnapshotPath string
	Timeout      time.Duration
	Logger       *logging.Logger
}

// Collect asks the daemon first and reads the snapshot file otherwise.
func Collect(opts Options) Report {
	client := uds.NewClient(opts.SocketPath)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	report := Report{Source: SourceNone}
	if ping, err := client.Ping(); err == nil {
		report.Daemon = DaemonStatus{
			Running: true,
			Pid:     ping.PID,
			Version: ping.Version,
			Device:  ping.Device,
			Driver:  ping.Running,
		}
		var snap model.StateSnapshot
		err := client.Call(uds.CmdStatus, nil, &snap)
		if err == nil {
			report.Source = SourceDaemon
			report.State = &snap
			return report
		}
		opts.Logger.Debugf("status query failed: %v", err)
	}

	if opts.SnapshotPath == "" {
		return report
	}
	f, err := ozwyaml.LoadSnapshot(opts.SnapshotPath, opts.Logger)
	if err != nil {
		report.SnapshotErr = err.Error()
		return report
	}
	report.Source = SourceSnapshot
	report.State = &f.State
	at := f.WrittenAt
	report.SnapshotAt = &at
	if report.Daemon.Device == "" {
		report.Daemon.Device = f.Device
	}
	return report
}

// Run collects a report and prints it to w.
func Run(w io.Writer, opts Options, jsonOutput bool) error {
	report := Collect(opts)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(w, report)
	return nil
}

func printReport(w io.Writer, r Report) {
	if r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid %d, version %s)\n", r.Daemon.Pid, r.Daemon.Version)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}
	if r.Daemon.Device != "" {
		fmt.Fprintf(w, "Device: %s\n", r.Daemon.Device)
	}

	switch r.Source {
	case SourceNone:
		if r.SnapshotErr != "" {
			fmt.Fprintf(w, "\nState: unavailable (%s)\n", r.SnapshotErr)
		} else {
			fmt.Fprintln(w, "\nState: unavailable")
		}
		return
	case SourceSnapshot:
		fmt.Fprintf(w, "\nState (snapshot %s):\n", r.SnapshotAt.Format(time.RFC3339))
	default:
		fmt.Fprintln(w, "\nState:")
	}

	s := r.State
	fmt.Fprintf(w, "  driver:   %-8s  ready=%t failed=%t removed=%t\n",
		s.DriverState, s.DriverReady, s.DriverFailed, s.DriverRemoved)
	fmt.Fprintf(w, "  network:  %-8s  ready=%t awake=%t\n", s.NetworkState, s.NetworkReady, s.NetworkAwake)
	if s.HomeIDSet {
		fmt.Fprintf(w, "  home_id:  0x%08x\n", s.HomeID)
	}
	if s.Unknown > 0 {
		fmt.Fprintf(w, "  unknown:  %d\n", s.Unknown)
	}

	if len(s.Nodes) == 0 {
		fmt.Fprintln(w, "\nNodes: none")
		return
	}
	fmt.Fprintln(w, "\nNodes:")
	fmt.Fprintf(w, "  %4s  %-5s  %-5s  %-7s  %5s  %s\n", "ID", "ADDED", "NAMED", "REMOVED", "COUNT", "LAST")
	for _, n := range s.Nodes {
		fmt.Fprintf(w, "  %4d  %-5t  %-5t  %-7t  %5d  %s\n",
			n.ID, n.Added, n.Named, n.Removed, n.Notifications, n.LastType)
	}
}
