package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"skytrack/pkg/bridge/foxglove"
	"skytrack/pkg/client"
	"skytrack/pkg/config"
	"skytrack/pkg/console"
	"skytrack/pkg/engine"
	"skytrack/pkg/link"
	"skytrack/pkg/link/crtp"
	"skytrack/pkg/logger"
	"skytrack/pkg/remote"
	"skytrack/pkg/transport"
	"skytrack/pkg/vision"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "run":
		return runDaemon(args[1:], stdout, stderr, false)
	case "console":
		return runDaemon(args[1:], stdout, stderr, true)
	case "init-config":
		return runInitConfig(args[1:], stdout, stderr)
	case "mock-camera":
		return runMockCamera(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

type daemonFlags struct {
	configPath string
	auto       string
	logFormat  string
	logLevel   string
	logFile    string
}

func parseDaemonFlags(name string, args []string, stderr io.Writer) (daemonFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f daemonFlags
	fs.StringVar(&f.configPath, "config", config.DefaultConfigPath, "config file path")
	fs.StringVar(&f.auto, "auto", "", "start an autonomous run immediately (target|live|waypoint)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format (text|json), overrides config")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (debug|info|warn|error), overrides config")
	fs.StringVar(&f.logFile, "log-file", "", "write logs to file instead of stderr")

	if err := fs.Parse(args); err != nil {
		return daemonFlags{}, err
	}
	if fs.NArg() > 0 {
		return daemonFlags{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

func runDaemon(args []string, stdout io.Writer, stderr io.Writer, withConsole bool) int {
	name := "run"
	if withConsole {
		name = "console"
	}
	flags, err := parseDaemonFlags(name, args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}

	cfg, exists, err := config.LoadOrDefault(flags.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "load config:", err)
		return 1
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}

	var logOut io.Writer = stderr
	if flags.logFile != "" {
		file, err := os.OpenFile(flags.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(stderr, "failed to open log file:", err)
			return 1
		}
		defer file.Close()
		logOut = file
	} else if withConsole {
		// The console owns the terminal.
		logOut = io.Discard
	}
	log, err := newLogger(logOut, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if !exists {
		log.Warn("config file not found, using defaults", "path", flags.configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := serve(ctx, cfg, flags.auto, withConsole, log); err != nil {
		log.Error("skytrackd stopped", "error", err)
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg config.SkytrackConfig, auto string, withConsole bool, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)

	detector, closeDetector, err := openDetector(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDetector()

	lk, closeLink, err := openLink(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLink()

	law, err := cfg.ControlConfig()
	if err != nil {
		return err
	}
	seq, err := cfg.FlightConfig()
	if err != nil {
		return err
	}

	c, err := client.New(client.Config{
		Addr: cfg.Stream.Addr,
		Stream: []transport.Option{
			transport.WithChunkSize(cfg.Stream.ChunkSize),
			transport.WithReadTimeout(cfg.ReadTimeout()),
			transport.WithDialTimeout(cfg.DialTimeout()),
			transport.WithMaxBuffer(cfg.Stream.MaxBuffer),
		},
		SampleInterval: cfg.SampleInterval(),
		Law:            law,
		Flight:         seq,
		Tick:           cfg.Tick(),
	}, detector, lk, hub, client.WithLogger(log))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runSessions(gctx, c, cfg.Reconnect(), log)
	})

	if cfg.Foxglove.Enabled {
		srv := foxglove.NewServer(cfg.FoxgloveConfig(), hub, log)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if cfg.Log.JSONL != "" {
		file, err := os.Create(cfg.Log.JSONL)
		if err != nil {
			return fmt.Errorf("open event journal: %w", err)
		}
		defer file.Close()
		var opts []logger.Option
		if !cfg.Log.Frames {
			opts = append(opts, logger.WithoutFrames())
		}
		journal := logger.NewJSONLWriter(file, opts...)
		sub := hub.Subscribe()
		g.Go(func() error {
			journal.Consume(gctx, sub)
			return nil
		})
	}

	if cfg.MQTT.Enabled {
		rcfg := remote.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      cfg.MQTT.QoS,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}
		mq, err := remote.Connect(rcfg, log)
		if err != nil {
			return err
		}
		defer mq.Disconnect(250)
		handler := remote.NewHandler(rcfg, mq, c, remote.WithLogger(log))
		sub := hub.Subscribe()
		g.Go(func() error {
			return handler.Run(gctx, sub)
		})
	}

	if withConsole {
		sub := hub.Subscribe()
		g.Go(func() error {
			err := console.Run(gctx, c, sub)
			// Quitting the console ends the daemon.
			cancel()
			return err
		})
	}

	if auto != "" {
		runID, err := c.StartAutonomous(auto)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("start %s run: %w", auto, err)
		}
		log.Info("autonomous run requested", "mode", auto, "run_id", runID)
	}

	<-gctx.Done()
	c.CancelAutonomous()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = c.Wait(waitCtx)
	waitCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runSessions keeps a camera session alive. With reconnect disabled a lost
// session is reported once and the daemon keeps serving without video.
func runSessions(ctx context.Context, c *client.Client, reconnect time.Duration, log *slog.Logger) error {
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if reconnect <= 0 {
			log.Warn("camera session ended, reconnect disabled", "error", err)
			return nil
		}
		log.Info("camera session ended, reconnecting", "error", err, "delay", reconnect)
		if !sleepBackoff(ctx, reconnect) {
			return nil
		}
	}
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func openDetector(ctx context.Context, cfg config.SkytrackConfig, log *slog.Logger) (vision.Detector, func(), error) {
	noop := func() {}
	switch cfg.Tracker.Detector {
	case "process":
		d, err := vision.StartProcessDetector(ctx, vision.ProcessConfig{
			Command: cfg.Tracker.Command,
			Args:    cfg.Tracker.Args,
			Policy:  cfg.Tracker.Policy,
			Timeout: cfg.DetectorTimeout(),
			Logger:  log,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("start detector: %w", err)
		}
		return d, func() { _ = d.Close() }, nil
	case "opencv":
		d, err := vision.NewOpenCVDetector(cfg.Policy(), cfg.Tracker.Cascade)
		if err != nil {
			return nil, noop, err
		}
		return d, func() { _ = d.Close() }, nil
	case "spot":
		return vision.NewSpotDetector(cfg.Tracker.SpotThreshold), noop, nil
	default:
		log.Warn("no detector configured, vision runs will fly without corrections")
		return nil, noop, nil
	}
}

func openLink(ctx context.Context, cfg config.SkytrackConfig, log *slog.Logger) (link.Link, func(), error) {
	switch cfg.Link.Kind {
	case "log":
		return link.NewLogLink(log), func() {}, nil
	default:
		lk, err := crtp.Dial(ctx, cfg.Link.Addr)
		if err != nil {
			return nil, func() {}, fmt.Errorf("open command link: %w", err)
		}
		log.Info("command link ready", "addr", cfg.Link.Addr)
		return lk, func() { _ = lk.Close() }, nil
	}
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func runInitConfig(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", config.DefaultConfigPath, "config file path")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Fprintln(stderr, "config already exists (use --force to overwrite):", *path)
		return 1
	}
	cfg := config.Default()
	if err := cfg.Save(*path); err != nil {
		fmt.Fprintln(stderr, "write config:", err)
		return 1
	}
	fmt.Fprintln(stdout, "wrote", *path)
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  skytrackd run [--config skytrack.toml] [--auto target|live|waypoint] [--log-format text|json] [--log-level info] [--log-file path]")
	fmt.Fprintln(w, "  skytrackd console [--config skytrack.toml] [--auto mode] [--log-file path]")
	fmt.Fprintln(w, "  skytrackd init-config [--config skytrack.toml] [--force]")
	fmt.Fprintln(w, "  skytrackd mock-camera [--addr 127.0.0.1:8081] [--fps 20] [--width 320] [--height 240]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          fly headless; Foxglove, MQTT and the event journal per config")
	fmt.Fprintln(w, "  console      run with the interactive operator console")
	fmt.Fprintln(w, "  init-config  write the default configuration")
	fmt.Fprintln(w, "  mock-camera  serve a synthetic MJPEG camera with a moving bright target")
}
