// go-wayfind: navigation guidance daemon
// Turns a stream of position fixes into spoken turn-by-turn instructions
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/teslashibe/go-wayfind/internal/config"
	"github.com/teslashibe/go-wayfind/internal/geo"
	"github.com/teslashibe/go-wayfind/internal/gnss"
	"github.com/teslashibe/go-wayfind/internal/health"
	"github.com/teslashibe/go-wayfind/internal/position"
	"github.com/teslashibe/go-wayfind/internal/relay"
	"github.com/teslashibe/go-wayfind/internal/route"
	"github.com/teslashibe/go-wayfind/internal/server"
	"github.com/teslashibe/go-wayfind/internal/session"
	"github.com/teslashibe/go-wayfind/internal/speech"
)

var (
	version     = "0.3.0"
	configPath  = flag.String("config", "/etc/go-wayfind/config.yaml", "config file path")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	routePath   = flag.String("route", "", "route file to navigate on startup (exits on arrival)")
	sourceName  = flag.String("source", "", "override position.source (none, replay, simulate, usb, serial)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-wayfind %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *sourceName != "" {
		cfg.Position.Source = *sourceName
	}

	logger := setupLogger(cfg.Logging)

	logger.Info("starting go-wayfind",
		"version", version,
		"config", *configPath,
		"port", cfg.Server.Port,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewChecker(version)

	// Sinks receive every event of every session
	var sinks []session.Sink

	var speaker *speech.Sink
	if cfg.Speech.Enabled {
		speaker = speech.NewSink(speech.Config{
			Command:        cfg.Speech.Command,
			Args:           cfg.Speech.Args,
			Timeout:        cfg.Speech.Timeout,
			ArrivalMessage: cfg.Speech.ArrivalMessage,
		}, logger)
		sinks = append(sinks, speaker)
		checker.Register("speech", health.ComponentProbe(speaker))
	}

	var relayClient *relay.Client
	if cfg.Relay.Enabled {
		relayClient = relay.NewClient(relay.Config{
			URL:              cfg.Relay.URL,
			ReconnectBackoff: cfg.Relay.InitialBackoff,
			MaxBackoff:       cfg.Relay.MaxBackoff,
			PingInterval:     cfg.Relay.PingInterval,
			WriteTimeout:     cfg.Relay.WriteTimeout,
		}, logger)
		sinks = append(sinks, relayClient)
		checker.Register("relay", health.ComponentProbe(relayClient))
	}

	manager := session.NewManager(session.Config{
		Thresholds:       cfg.Guidance.Thresholds(),
		RetryDelay:       cfg.Position.RetryDelay,
		SubscriberBuffer: cfg.Session.SubscriberBuffer,
		SinkBuffer:       cfg.Session.SinkBuffer,
		SinkTimeout:      cfg.Session.SinkTimeout,
	}, logger, sinks...)

	checker.Register("sessions", func() (bool, string) {
		st := manager.Stats()
		return true, fmt.Sprintf("%d active of %d", st.Active, st.Sessions)
	})

	if relayClient != nil {
		relayClient.OnFix(func(id string, fix geo.Fix) error {
			s, err := manager.Get(id)
			if err != nil {
				return err
			}
			_, err = s.HandleFix(fix)
			return err
		})
		if err := relayClient.Connect(ctx); err != nil {
			logger.Warn("relay connect failed", "error", err)
		}
		defer relayClient.Close()
	}

	if cfg.Session.PruneInterval > 0 {
		go pruneLoop(ctx, manager, cfg.Session.PruneInterval, logger)
	}

	srv := server.New(cfg, manager, checker, logger, version)
	if relayClient != nil {
		srv.AddStats("relay", func() interface{} { return relayClient.GetStats() })
	}
	if speaker != nil {
		srv.AddStats("speech", func() interface{} { return speaker.Stats() })
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Optional CLI session
	var arrived <-chan struct{}
	if *routePath != "" {
		s, err := startRoute(ctx, cfg, manager, checker, srv, *routePath, logger)
		if err != nil {
			logger.Error("failed to start route", "route", *routePath, "error", err)
			os.Exit(1)
		}
		arrived = waitDrained(s)
	}

	printStartupBanner(cfg, version, *routePath)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-arrived:
		logger.Info("route finished")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	// Stop in order: server -> sessions -> sinks
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("stopping sessions...")
	cancel()
	manager.Close()

	logger.Info("go-wayfind stopped")
}

// startRoute creates a session for the route file and attaches the
// configured position source to it
func startRoute(ctx context.Context, cfg *config.Config, manager *session.Manager, checker *health.Checker, srv *server.Server, path string, logger *slog.Logger) (*session.Session, error) {
	r, err := route.Load(path)
	if err != nil {
		return nil, err
	}

	s, _, err := manager.Create(r.GuidanceSteps(), r.Mode)
	if err != nil {
		return nil, err
	}

	logger.Info("route session created",
		"session", s.ID(),
		"route", r.Name,
		"steps", len(r.Steps),
		"mode", r.Mode.String(),
	)

	src, err := openSource(cfg.Position, r, logger)
	if err != nil {
		manager.Cancel(s.ID())
		return nil, err
	}
	if src == nil {
		logger.Info("no position source configured, waiting for fixes over HTTP", "session", s.ID())
		return s, nil
	}

	checker.Register("position_source", health.ComponentProbe(src))
	if usb, ok := src.(*gnss.USBSource); ok {
		srv.AddStats("usb", func() interface{} { return usb.Stats() })
	}
	if rs, ok := src.(*gnss.ReaderSource); ok {
		srv.AddStats("serial", func() interface{} { return rs.Stats() })
	}

	logger.Info("position source ready",
		"type", src.Name(),
		"healthy", src.Healthy(),
	)

	if err := manager.Attach(ctx, s.ID(), src); err != nil {
		src.Close()
		return nil, err
	}
	return s, nil
}

// openSource builds the configured position source. It returns nil for
// the "none" source.
func openSource(cfg config.PositionConfig, r *route.Route, logger *slog.Logger) (position.Source, error) {
	switch cfg.Source {
	case config.SourceNone:
		return nil, nil

	case config.SourceReplay:
		track, err := route.LoadTrack(cfg.Replay.File)
		if err != nil {
			return nil, err
		}
		interval := track.Interval
		if cfg.Replay.Interval > 0 {
			interval = cfg.Replay.Interval
		}
		return position.NewReplaySource(track.Fixes, interval), nil

	case config.SourceSimulate:
		waypoints, err := r.Waypoints()
		if err != nil {
			return nil, err
		}
		start, _ := r.StartPoint()
		return position.NewSimulator(position.SimulatorConfig{
			SpeedMps: cfg.Simulate.SpeedMps,
			Interval: cfg.Simulate.Interval,
		}, start, waypoints), nil

	case config.SourceUSB:
		usbCfg := gnss.DefaultUSBSourceConfig()
		usbCfg.VendorID = uint16(cfg.USB.VendorID)
		usbCfg.ProductID = uint16(cfg.USB.ProductID)
		usbCfg.Config = cfg.USB.Config
		usbCfg.Interface = cfg.USB.Interface
		usbCfg.Endpoint = cfg.USB.Endpoint
		src, err := gnss.NewUSBSource(usbCfg, logger)
		if err != nil {
			return nil, err
		}
		return src, nil

	case config.SourceSerial:
		src, err := gnss.OpenSerial(cfg.Serial.Device, logger)
		if err != nil {
			return nil, err
		}
		return src, nil

	default:
		return nil, fmt.Errorf("unknown position source: %q", cfg.Source)
	}
}

// waitDrained closes the returned channel once the session has ended and
// its sinks have spoken the last event
func waitDrained(s *session.Session) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		<-s.Done()
		<-s.Drained()
		close(out)
	}()
	return out
}

func pruneLoop(ctx context.Context, manager *session.Manager, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := manager.Prune(); n > 0 {
				logger.Debug("pruned ended sessions", "count", n)
			}
		}
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "pretty":
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version, routeFile string) {
	fmt.Println()
	fmt.Println("🧭 go-wayfind v" + version)
	fmt.Println("   Navigation guidance daemon")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	if routeFile != "" {
		fmt.Printf("   Route: %s (source: %s)\n", routeFile, cfg.Position.Source)
	}
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET    /health                  - Health check")
	fmt.Println("   POST   /api/sessions            - Start a session")
	fmt.Println("   GET    /api/sessions            - List sessions")
	fmt.Println("   GET    /api/sessions/:id        - Session snapshot")
	fmt.Println("   DELETE /api/sessions/:id        - Cancel a session")
	fmt.Println("   POST   /api/sessions/:id/fixes  - Submit a position fix")
	fmt.Println("   WS     /api/sessions/:id/events - Live guidance events")
	fmt.Println("   GET    /api/stats               - Statistics")
	fmt.Println("   GET    /metrics                 - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
