// Command colliectl is a diagnostic CLI for robot sessions: it
// discovers robots on the LAN, connects and logs telemetry, and can
// relay telemetry to websocket clients for dashboards.
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

	"github.com/collie-robotics/collie"
	"github.com/collie-robotics/collie/cdiscover"
	"github.com/collie-robotics/collie/crouter"
)

func main() {
	var (
		configPath = flag.String("config", "colliectl.toml", "path to TOML config")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	if err := run(ctx, log, *configPath, flag.Arg(0)); err != nil {
		log.Error("Exiting with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, configPath, cmd string) error {
	switch cmd {
	case "discover":
		return runDiscover(ctx, log)
	case "connect", "":
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		return runConnect(ctx, log, cfg, nil)
	case "serve":
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		return runServe(ctx, log, cfg)
	default:
		return fmt.Errorf("unknown subcommand %q (want discover, connect, or serve)", cmd)
	}
}

func runDiscover(ctx context.Context, log *slog.Logger) error {
	scanner := cdiscover.NewScanner(cdiscover.ScannerConfig{
		Log: log.With("sys", "discover"),
	})

	robots, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}
	if len(robots) == 0 {
		fmt.Println("no robots answered")
		return nil
	}
	for _, r := range robots {
		fmt.Printf("%s\t%s\n", r.Serial, r.IP)
	}
	return nil
}

// runConnect brings up a session, subscribes to the configured
// topics, and logs until interrupted. A non-nil sink additionally
// receives every delivered message.
func runConnect(
	ctx context.Context, log *slog.Logger, cfg Config, sink func(crouter.Inbound),
) error {
	method, err := cfg.SessionMethod()
	if err != nil {
		return err
	}

	sess := collie.NewSession(collie.SessionConfig{
		Log:           log.With("sys", "session"),
		Method:        method,
		LidarTopic:    cfg.LidarTopic,
		AutoReconnect: cfg.AutoReconnect,
		KnownTopics:   cfg.Topics,
		OnDecodeError: func(topic string, err error) {
			log.Warn("LiDAR decode failed", "topic", topic, "err", err)
		},
	})
	defer sess.Disconnect()

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	log.Info("Connected", "id", sess.ID(), "state", sess.State())

	for _, topic := range cfg.Topics {
		topic := topic
		_, err := sess.Subscribe(topic, func(msg crouter.Inbound) {
			if msg.Voxel != nil {
				log.Info(
					"LiDAR frame",
					"topic", topic,
					"points", msg.Voxel.PointCount,
					"faces", msg.Voxel.FaceCount,
				)
			} else {
				log.Info(
					"Telemetry",
					"topic", topic,
					"data", string(msg.Envelope.Data),
				)
			}
			if sink != nil {
				sink(msg)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		log.Info("Subscribed", "topic", topic)
	}

	// High-rate topics need the firmware's bandwidth limiter off.
	if cfg.LidarTopic != "-" {
		tctx, tcancel := context.WithTimeout(ctx, 10*time.Second)
		if err := sess.DisableTrafficSaving(tctx, true); err != nil {
			log.Warn("Failed to disable traffic saving", "err", err)
		}
		tcancel()
	}

	<-ctx.Done()
	log.Info("Interrupted, disconnecting")
	return nil
}
