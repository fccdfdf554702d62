package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"impact_verifier/pkg/config"
	"impact_verifier/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Mirror logs to stderr")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, rotator, err := utils.NewLogger(&utils.LogConfig{
		Level:      cfg.GetLogLevel().String(),
		OutputPath: cfg.Log.OutputPath,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
		Debug:      *debug || cfg.IsDevelopment(),
		Fields:     map[string]string{"environment": cfg.Environment},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	err = app.start(initCtx)
	initCancel()
	if err != nil {
		app.stop(context.Background())
		logger.Fatal("Failed to start services", zap.Error(err))
	}

	setupGracefulShutdown(ctx, cancel, app, logger)
	setupLogRotation(ctx, rotator, logger)

	<-ctx.Done()
}

func setupGracefulShutdown(ctx context.Context, cancel context.CancelFunc, app *App, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-ctx.Done():
			logger.Info("Context cancelled")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := app.stop(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
			os.Exit(1)
		}

		cancel()
	}()
}

// setupLogRotation rotates the log file on SIGHUP.
func setupLogRotation(ctx context.Context, rotator utils.Rotator, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				if err := rotator.Rotate(); err != nil {
					logger.Error("Failed to rotate log file", zap.Error(err))
					continue
				}
				logger.Info("Log file rotated")
			case <-ctx.Done():
				return
			}
		}
	}()
}
