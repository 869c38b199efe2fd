// Package main is the entry point for the kernelbridge API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sevir/kernelbridge/internal/config"
	"github.com/sevir/kernelbridge/internal/registry"
	"github.com/sevir/kernelbridge/internal/server"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		host        = flag.String("host", "", "Server host (default: 127.0.0.1)")
		port        = flag.Int("port", 0, "Server port (default: 8799)")
		runtimeDir  = flag.String("runtime-dir", "", "Directory for connection files and kernel logs")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
		initConfig  = flag.Bool("init", false, "Initialize default config and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("kernelbridge %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Override with flags
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *runtimeDir != "" {
		cfg.Kernel.RuntimeDir = *runtimeDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration initialized")
		os.Exit(0)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	reg := registry.New(registry.Config{
		RuntimeDir:        cfg.Kernel.RuntimeDir,
		IP:                cfg.Kernel.IP,
		Argv:              cfg.Kernel.Argv,
		ProbeArgs:         cfg.Kernel.ProbeArgs,
		ConnectTimeout:    cfg.ConnectTimeout(),
		StopTimeout:       cfg.StopTimeout(),
		EnableStdin:       cfg.Kernel.EnableStdin,
		EnableHeartbeat:   cfg.Kernel.EnableHeartbeat,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, logger.Named("registry"))

	srv := server.New(server.Config{
		Addr:     cfg.Address(),
		Registry: reg,
		Version:  version,
		Commit:   commit,
		Logger:   logger.Named("server"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", zap.Error(err))
		}
		reg.Close()
	}()

	logger.Info("kernelbridge starting",
		zap.String("version", version),
		zap.String("addr", cfg.Address()),
		zap.String("runtime_dir", cfg.Kernel.RuntimeDir))

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		select {
		case <-ctx.Done():
			// expected shutdown
		default:
			logger.Fatal("server error", zap.Error(err))
		}
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}
