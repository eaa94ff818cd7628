package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gousb"

	"github.com/e7canasta/depthcast/internal/camera"
	"github.com/e7canasta/depthcast/internal/config"
	"github.com/e7canasta/depthcast/internal/frame"
	"github.com/e7canasta/depthcast/internal/health"
	"github.com/e7canasta/depthcast/internal/server"
	"github.com/e7canasta/depthcast/internal/usb"
)

const defaultConfigPath = "config/depthcast.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(*configPath); err != nil {
		slog.Error("depthcastd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"cameras", len(cfg.Cameras),
		"listen_port", cfg.ListenPortID,
	)

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	// A camera that crosses the consecutive-failure threshold is torn down
	// by its fatal handler; the error then lands here and ends the run
	// loop cleanly.
	fatalCh := make(chan error, 1)

	cameras, err := openCameras(usbCtx, cfg, fatalCh)
	if err != nil {
		return err
	}
	defer func() {
		for _, cam := range cameras {
			if cerr := cam.Close(); cerr != nil {
				slog.Warn("closing camera", "serial", cam.Serial(), "error", cerr)
			}
		}
	}()
	if len(cameras) == 0 {
		slog.Warn("no configured cameras found on the bus; serving an empty stream set")
	}

	sources := make([]server.Source, len(cameras))
	for i, cam := range cameras {
		sources[i] = cam
	}
	srv := server.New(sources)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPortID))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.ListenPortID, err)
	}
	if err := srv.Start(ln); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MQTT.Broker != "" {
		emitter := health.New(health.Config{
			Broker:     cfg.MQTT.Broker,
			Topic:      cfg.MQTT.HealthTopic,
			InstanceID: cfg.InstanceID,
			Interval:   time.Duration(cfg.MQTT.IntervalS) * time.Second,
		}, srv)
		if err := emitter.Connect(); err != nil {
			slog.Warn("health emitter disabled", "error", err)
		} else {
			go emitter.Run(ctx)
		}
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case ferr := <-fatalCh:
		slog.Error("camera torn down after fatal streaming failure, shutting down", "error", ferr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("depthcastd stopped")
	return nil
}

// openCameras finds each configured sensor by serial number and applies
// its per-camera settings. Missing cameras are logged and skipped; the
// server runs with whatever subset was found.
func openCameras(usbCtx *gousb.Context, cfg *config.Config, fatalCh chan<- error) ([]*camera.Camera, error) {
	var cameras []*camera.Camera

	for _, cc := range cfg.Cameras {
		dev, err := usb.OpenBySerial(usbCtx, cc.SerialNumber)
		if err != nil {
			slog.Error("camera not found on bus, skipping",
				"name", cc.Name, "serial", cc.SerialNumber, "error", err)
			continue
		}

		cam := camera.New(dev)
		cam.SetFatalHandler(func(c *camera.Camera, ferr error) {
			slog.Error("tearing down camera after fatal streaming failure",
				"serial", c.Serial(), "error", ferr)
			if serr := c.StopStreaming(); serr != nil {
				slog.Warn("stopping failed camera", "serial", c.Serial(), "error", serr)
			}
			select {
			case fatalCh <- ferr:
			default: // a fatal error is already being handled
			}
		})
		if err := configureCamera(cam, cc); err != nil {
			cam.Close()
			return nil, fmt.Errorf("configure camera %s: %w", cc.Name, err)
		}
		cameras = append(cameras, cam)
		slog.Info("camera initialized", "name", cc.Name, "serial", cc.SerialNumber)
	}
	return cameras, nil
}

func configureCamera(cam *camera.Camera, cc config.CameraConfig) error {
	if cc.HighResColor {
		if err := cam.SetFrameSize(frame.Color, camera.FrameSize1280x1024); err != nil {
			return err
		}
		if err := cam.SetFrameRate(frame.Color, camera.FrameRate15Hz); err != nil {
			return err
		}
	}
	if cc.CompressDepth {
		if err := cam.SetCompressDepthFrames(true); err != nil {
			return err
		}
	}

	if !cc.RemoveBackground {
		return nil
	}

	if cc.BackgroundFile != "" {
		if err := cam.LoadBackground(cc.BackgroundFile); err != nil {
			return err
		}
	}
	if cc.CaptureBackgroundFrames > 0 {
		cam.CaptureBackground(int(cc.CaptureBackgroundFrames), false, func(c *camera.Camera) {
			slog.Info("background capture complete", "serial", c.Serial())
		})
	}
	if cc.MaxDepth > 0 {
		cam.SetMaxDepth(uint16(cc.MaxDepth), false)
	}
	cam.SetBackgroundRemovalFuzz(int16(cc.BackgroundFuzz))
	cam.SetRemoveBackground(true)
	return nil
}
