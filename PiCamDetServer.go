package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	adhoc "PiCamDetServer/Adhoc"
	"PiCamDetServer/camera"
	"PiCamDetServer/codec"
	"PiCamDetServer/config"
	"PiCamDetServer/engine"
	backend "PiCamDetServer/gRPC"
	"PiCamDetServer/hailo"
	iface "PiCamDetServer/interface"
	"PiCamDetServer/logger"
	"PiCamDetServer/monitor"
	"PiCamDetServer/server"
	"PiCamDetServer/stream"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newFrameSource(cfg config.Config, log *zap.Logger) iface.FrameSource {
	switch cfg.Camera.Backend {
	case camera.BackendHailo:
		return hailo.NewSource(cfg.Hailo, cfg.Camera.CaptureTimeout, log)
	case camera.BackendTest:
		return camera.New(cfg.Camera, camera.OpenSolid, log)
	default:
		return camera.New(cfg.Camera, camera.OpenVideoCapture, log)
	}
}

// newInferer loads the detector. The Hailo pipeline annotates on the
// accelerator, so frames from it pass through.
func newInferer(cfg config.Config, log *zap.Logger) (iface.Inferer, error) {
	if cfg.Camera.Backend == camera.BackendHailo {
		return engine.Passthrough{}, nil
	}
	return engine.Load(cfg.Detection, log)
}

func banner(cfg config.Config) {
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" HTTP  Addr:", cfg.ListenAddr())
	fmt.Println(" Metrics Port:", cfg.Monitor.Port)
	if cfg.GRPC.Port > 0 {
		fmt.Println(" gRPC  Port:", cfg.GRPC.Port)
	}
	fmt.Println(" Camera:", cfg.Camera.Backend, fmt.Sprintf("%dx%d@%d", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.Framerate))
	fmt.Println(strings.Repeat("#", 64))
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.Log()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !devMode && !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	banner(cfg)

	inferer, err := newInferer(cfg, logger.Named("engine"))
	if err != nil {
		// model load failure is the one fatal startup error
		return errors.Wrap(err, "load detector")
	}
	defer inferer.Destroy()

	placeholder, err := codec.Placeholder(cfg.Encoder.Placeholder, cfg.Encoder.Quality)
	if err != nil {
		return err
	}

	b := stream.NewBroadcaster()
	metrics, err := monitor.NewMetrics(b.Subscribers)
	if err != nil {
		return err
	}
	loop, err := stream.NewLoop(stream.Options{
		Source:        newFrameSource(cfg, logger.Named("camera")),
		Inferer:       inferer,
		Encoder:       codec.NewEncoder(cfg.Encoder),
		Placeholder:   placeholder,
		Broadcaster:   b,
		Config:        cfg.Stream,
		RetryInterval: cfg.Camera.RetryInterval,
		MaxFailures:   cfg.Camera.MaxFailures,
		Observer:      metrics,
		Logger:        logger.Named("stream"),
	})
	if err != nil {
		return err
	}
	host := monitor.NewHostCollector()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = loop.Run(ctx)
	}()

	if cfg.Monitor.Port > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.StartMon(ctx, cfg.Monitor.Port, cfg.Monitor.Interval, logger.Named("monitor"))
		}()
	}

	if cfg.GRPC.Port > 0 {
		grpcServer, err := backend.StartGRPCServer(cfg.GRPC.Port, &backend.Server{
			Broadcaster: b,
			Loop:        loop,
			Host:        host,
			Observe:     metrics.ObserveGRPC,
			Log:         logger.Named("grpc"),
		})
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		defer grpcServer.GracefulStop()
	}

	if cfg.Registry.Enabled {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			log.Warn("failed to get outbound IP, registry heartbeat disabled", zap.Error(err))
		} else {
			hb := adhoc.NewHeartbeat(cfg.Registry, ip, cfg.Server.Port,
				func() string { return string(loop.State()) }, logger.Named("registry"))
			hb.Observe = metrics.ObserveHeartbeat
			wg.Add(1)
			go func() {
				defer wg.Done()
				hb.Run(ctx)
			}()
		}
	} else {
		log.Info("registry disabled, skipping registration")
	}

	// streaming handlers only return once their subscription ends
	go func() {
		<-ctx.Done()
		b.Close()
	}()

	app := server.New(b, loop, host, logger.Named("http"))
	app.Camera = cfg.Camera
	app.Detector = inferer.CheckConfig()
	err = app.Run(ctx, cfg.ListenAddr())
	cancel()
	wg.Wait()
	log.Info("safely exited")
	return err
}
