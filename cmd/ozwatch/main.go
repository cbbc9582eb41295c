package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/msageha/ozwatch/internal/buildcfg"
	"github.com/msageha/ozwatch/internal/daemon"
	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/replay"
	"github.com/msageha/ozwatch/internal/sim"
	"github.com/msageha/ozwatch/internal/status"
	"github.com/msageha/ozwatch/internal/uds"
	"github.com/msageha/ozwatch/templates"
)

const version = "0.1.0"

// errUsage marks errors already reported together with the usage text.
var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		err = runDaemon(args)
	case "status":
		err = runStatus(args, os.Stdout)
	case "wait-ready":
		err = runWaitReady(args, os.Stdout)
	case "build-config":
		err = runBuildConfig(args, os.Stdout, os.Getenv)
	case "replay":
		err = runReplay(args, os.Stdout)
	case "init":
		err = runInit(args)
	case "version":
		fmt.Printf("ozwatch %s\n", version)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}

	switch {
	case err == nil:
	case errors.Is(err, pflag.ErrHelp):
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "ozwatch %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("ozwatch "+name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (model.Config, error) {
	if path == "" {
		return model.DefaultConfig(), nil
	}
	return model.LoadConfig(path)
}

func newLogger(w io.Writer, level, component string) *logging.Logger {
	return logging.New(w, logging.ParseLogLevel(level), component)
}

func runDaemon(args []string) error {
	fs := newFlagSet("run")
	configPath := fs.StringP("config", "c", "", "config file (.yaml or .toml)")
	useSim := fs.Bool("sim", false, "drive the harness with the simulated manager")
	device := fs.String("device", "", "controller device path (overrides driver.device)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (overrides logging.level)")
	logFile := fs.String("log-file", "", "append logs to this file instead of stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *device != "" {
		cfg.Driver.Device = *device
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		if err := os.MkdirAll(filepath.Dir(*logFile), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}
	logger := newLogger(out, cfg.Logging.Level, "ozwatch")

	if !*useSim {
		return fmt.Errorf("no native manager is linked into this build; run with --sim")
	}
	if cfg.Driver.Device == "" {
		cfg.Driver.Device = filepath.Join(os.TempDir(), "ozwatch-sim0")
	}
	if err := ensureSimDevice(cfg.Driver.Device); err != nil {
		return err
	}

	d, err := daemon.New(cfg, sim.NewFactory(cfg.Sim, nil, logger.With("sim")), version, logger)
	if err != nil {
		return err
	}
	return d.Run()
}

// ensureSimDevice creates a placeholder device node so the daemon's
// device watch can be exercised by deleting and recreating it.
func ensureSimDevice(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create sim device dir: %w", err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return fmt.Errorf("create sim device: %w", err)
	}
	return nil
}

// socketFlags registers the flags shared by the socket clients and
// resolves the socket path from them.
type socketFlags struct {
	config  *string
	socket  *string
	timeout *time.Duration
}

func addSocketFlags(fs *pflag.FlagSet) socketFlags {
	return socketFlags{
		config:  fs.StringP("config", "c", "", "config file used to locate the socket"),
		socket:  fs.String("socket", "", "control socket path (overrides daemon.socket_path)"),
		timeout: fs.Duration("timeout", 0, "request timeout (default: enough for the wait budget)"),
	}
}

func (s socketFlags) resolve() (model.Config, string, error) {
	cfg, err := loadConfig(*s.config)
	if err != nil {
		return model.Config{}, "", err
	}
	path := cfg.Daemon.SocketPath
	if *s.socket != "" {
		path = *s.socket
	}
	return cfg, path, nil
}

func runStatus(args []string, w io.Writer) error {
	fs := newFlagSet("status")
	sock := addSocketFlags(fs)
	jsonOutput := fs.Bool("json", false, "print JSON")
	snapshot := fs.String("snapshot", "", "snapshot file to read when the daemon is not running (default: daemon.snapshot_path)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, socketPath, err := sock.resolve()
	if err != nil {
		return err
	}
	snapPath := cfg.Daemon.SnapshotPath
	if *snapshot != "" {
		snapPath = *snapshot
	}
	timeout := *sock.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return status.Run(w, status.Options{
		SocketPath:   socketPath,
		SnapshotPath: snapPath,
		Timeout:      timeout,
		Logger:       logging.New(os.Stderr, logging.LogLevelWarn, "status"),
	}, *jsonOutput)
}

type waitReport struct {
	Ready *uds.WaitReadyResult `json:"ready"`
	Queue *uds.WaitQueueResult `json:"queue,omitempty"`
}

func runWaitReady(args []string, w io.Writer) error {
	fs := newFlagSet("wait-ready")
	sock := addSocketFlags(fs)
	attempts := fs.Int("attempts", 0, "poll attempts (default: waiters.ready_max_attempts)")
	interval := fs.Int("interval-ms", 0, "poll interval in ms (default: waiters.ready_poll_ms)")
	queue := fs.Bool("queue", false, "also wait for the send queue to drain")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, socketPath, err := sock.resolve()
	if err != nil {
		return err
	}

	client := uds.NewClient(socketPath)
	timeout := *sock.timeout
	if timeout <= 0 {
		timeout = waitTimeout(cfg, *attempts, *interval, *queue)
	}
	client.SetTimeout(timeout)

	var report waitReport
	ready, err := client.WaitReady(uds.WaitParams{Attempts: *attempts, IntervalMs: *interval}, timeout)
	if err != nil {
		return err
	}
	report.Ready = &ready
	if ready.Ready && *queue {
		drained, err := client.WaitQueue(uds.WaitParams{}, timeout)
		if err != nil {
			return err
		}
		report.Queue = &drained
	}

	if *jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "ready: %t (%dms)\n", report.Ready.Ready, report.Ready.ElapsedMs)
		if report.Queue != nil {
			fmt.Fprintf(w, "queue: home 0x%08x depth %d drained=%t (%dms)\n",
				report.Queue.HomeID, report.Queue.Depth, report.Queue.Drained, report.Queue.ElapsedMs)
		}
	}

	if !report.Ready.Ready {
		return fmt.Errorf("network not ready")
	}
	if report.Queue != nil && !report.Queue.Drained {
		return fmt.Errorf("send queue not drained (depth %d)", report.Queue.Depth)
	}
	return nil
}

// waitTimeout is the wait budget plus slack for the round trip.
func waitTimeout(cfg model.Config, attempts, intervalMs int, queue bool) time.Duration {
	if attempts <= 0 {
		attempts = cfg.Waiters.ReadyMaxAttempts
	}
	interval := cfg.Waiters.ReadyInterval()
	if intervalMs > 0 {
		interval = time.Duration(intervalMs) * time.Millisecond
	}
	total := time.Duration(attempts)*interval + 5*time.Second
	if queue {
		total += time.Duration(cfg.Waiters.QueueMaxAttempts) * cfg.Waiters.QueueInterval()
	}
	return total
}

func runBuildConfig(args []string, w io.Writer, getenv func(string) string) error {
	fs := newFlagSet("build-config")
	osName := fs.String("os", runtime.GOOS, "target platform (darwin, linux, freebsd, windows/win32)")
	format := fs.String("format", "yaml", "output format: yaml, json or env")
	ver := fs.String("version", "", "binding version for the "+buildcfg.VersionMacro+" macro")
	include := fs.String("binding-include", "", "binding include directory placed before lib")
	noPkgConfig := fs.Bool("no-pkg-config", false, "do not fall back to pkg-config")
	sdist := fs.Bool("sdist", false, "print the source distribution file list instead")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *sdist {
		for _, f := range buildcfg.DistributionFiles(fs.Args()) {
			fmt.Fprintln(w, f)
		}
		return nil
	}

	in := buildcfg.InputFromEnv(getenv)
	in.OS = *osName
	in.Version = *ver
	in.BindingInclude = *include
	if !*noPkgConfig {
		in.Resolver = buildcfg.LookupPkgConfig()
	}

	ext, err := buildcfg.Configure(in)
	if err != nil {
		return err
	}

	switch *format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(ext); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ext)
	case "env":
		env := ext.CgoEnv()
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s=%q\n", k, env[k])
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want yaml, json or env)", *format)
	}
}

func runReplay(args []string, w io.Writer) error {
	fs := newFlagSet("replay")
	configPath := fs.StringP("config", "c", "", "config file supplying waiter and watcher budgets")
	format := fs.String("format", "", "journal format: jsonl or cbor (default: from extension)")
	delay := fs.Duration("delay", 0, "delay between replayed notifications")
	timeout := fs.Duration("timeout", 30*time.Second, "overall replay timeout")
	jsonOutput := fs.Bool("json", false, "print JSON instead of YAML")
	logLevel := fs.String("log-level", "warn", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ozwatch replay [flags] <journal>")
		return errUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg.Driver.LockDir = os.TempDir()
	logger := newLogger(os.Stderr, *logLevel, "replay")

	res, err := replay.Run(context.Background(), fs.Arg(0), cfg, replay.Options{
		Format:  *format,
		Delay:   *delay,
		Timeout: *timeout,
	}, logger)
	if err != nil {
		return err
	}

	if *jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(res)
	} else {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		err = enc.Encode(res)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return err
	}
	if !res.Complete {
		return fmt.Errorf("replay incomplete: %d of %d notifications delivered", res.Replayed, res.Records)
	}
	return nil
}

func runInit(args []string) error {
	fs := newFlagSet("init")
	format := fs.String("format", "", "yaml or toml (default: from the file extension)")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "ozwatch.yaml"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	name := templates.ConfigYAML
	switch {
	case *format == "toml", *format == "" && strings.EqualFold(filepath.Ext(path), ".toml"):
		name = templates.ConfigTOML
	case *format == "", *format == "yaml":
	default:
		return fmt.Errorf("unknown format %q (want yaml or toml)", *format)
	}

	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	data, err := templates.FS.ReadFile(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: ozwatch <command> [flags]

Commands:
  run            run the harness daemon (--config, --sim, --device)
  status         show daemon and network state (--json, --snapshot)
  wait-ready     wait for the network to become ready (--queue, --attempts, --interval-ms)
  build-config   print the native extension build description (--os, --format yaml|json|env, --sdist)
  replay         replay a recorded journal through the simulator
  init           write an example config file
  version        print the version
  help           show this help

Run "ozwatch <command> --help" for command flags.
`)
}
