package status

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/uds"
	ozwyaml "github.com/msageha/ozwatch/internal/yaml"
)

func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "ozw-st-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func readySnapshot() model.StateSnapshot {
	return model.StateSnapshot{
		DriverState:  model.StateReady,
		NetworkState: model.StateReady,
		DriverReady:  true,
		NetworkReady: true,
		HomeID:       0x0184e3f1,
		HomeIDSet:    true,
		Nodes: []model.NodeRecord{
			{ID: 1, Added: true, Named: true, LastType: model.TypeNodeQueriesComplete, Notifications: 6},
			{ID: 4, Added: true, LastType: model.TypeNotification, Notifications: 2},
		},
	}
}

func TestCollect_FromDaemon(t *testing.T) {
	sock := shortSockPath(t)
	srv := uds.NewServer(sock, nil)
	srv.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(uds.PingResult{Version: "0.1.0", PID: 1234, Device: "/dev/ttyUSB0", Running: true})
	})
	srv.Handle(uds.CmdStatus, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(readySnapshot())
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop()

	r := Collect(Options{SocketPath: sock, Timeout: 2 * time.Second})
	if !r.Daemon.Running || r.Daemon.Pid != 1234 || !r.Daemon.Driver {
		t.Fatalf("daemon: got %+v", r.Daemon)
	}
	if r.Source != SourceDaemon {
		t.Fatalf("source: got %q", r.Source)
	}
	if r.State == nil || r.State.HomeID != 0x0184e3f1 || len(r.State.Nodes) != 2 {
		t.Fatalf("state: got %+v", r.State)
	}
}

func TestCollect_FallsBackToSnapshot(t *testing.T) {
	snapPath := filepath.Join(t.TempDir(), "state.yaml")
	if err := ozwyaml.WriteSnapshot(snapPath, "/dev/ttyACM0", readySnapshot()); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	r := Collect(Options{
		SocketPath:   filepath.Join(t.TempDir(), "absent.sock"),
		SnapshotPath: snapPath,
		Timeout:      500 * time.Millisecond,
	})
	if r.Daemon.Running {
		t.Error("daemon should not be running")
	}
	if r.Source != SourceSnapshot {
		t.Fatalf("source: got %q", r.Source)
	}
	if r.SnapshotAt == nil {
		t.Error("expected snapshot time")
	}
	if r.Daemon.Device != "/dev/ttyACM0" {
		t.Errorf("device: got %q", r.Daemon.Device)
	}
}

func TestCollect_NothingAvailable(t *testing.T) {
	r := Collect(Options{
		SocketPath:   filepath.Join(t.TempDir(), "absent.sock"),
		SnapshotPath: filepath.Join(t.TempDir(), "absent.yaml"),
		Timeout:      500 * time.Millisecond,
	})
	if r.Source != SourceNone || r.State != nil {
		t.Fatalf("got %+v", r)
	}
	if r.SnapshotErr == "" {
		t.Error("expected snapshot error")
	}
}

func TestRun_HumanOutput(t *testing.T) {
	snapPath := filepath.Join(t.TempDir(), "state.yaml")
	if err := ozwyaml.WriteSnapshot(snapPath, "", readySnapshot()); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	var buf bytes.Buffer
	opts := Options{SocketPath: filepath.Join(t.TempDir(), "absent.sock"), SnapshotPath: snapPath, Timeout: 500 * time.Millisecond}
	if err := Run(&buf, opts, false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"Daemon: stopped", "State (snapshot", "home_id:  0x0184e3f1", "NodeQueriesComplete"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	opts := Options{SocketPath: filepath.Join(t.TempDir(), "absent.sock"), Timeout: 500 * time.Millisecond}
	if err := Run(&buf, opts, true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var r Report
	if err := json.Unmarshal(buf.Bytes(), &r); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, buf.String())
	}
	if r.Daemon.Running || r.Source != SourceNone {
		t.Errorf("got %+v", r)
	}
}
