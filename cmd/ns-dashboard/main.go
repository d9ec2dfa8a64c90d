package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/dashboard"
	"PcapSentry/internal/logging"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "Path to the YAML configuration")
	listenAddr := pflag.String("listen", "", "Listen address (overrides dashboard.listen_addr)")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString("Failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Dashboard.ListenAddr = *listenAddr
	}

	logger, closeLog, err := logging.New(logging.Options{Level: cfg.Logging.Level, Console: true})
	if err != nil {
		os.Stderr.WriteString("Failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer closeLog()

	srv, err := dashboard.NewServer(cfg, logger.Named("dashboard"))
	if err != nil {
		logger.Fatal("Failed to create dashboard", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Dashboard.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Dashboard starting", zap.String("addr", server.Addr), zap.String("logs_dir", cfg.Output.Dir))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Could not listen", zap.String("addr", server.Addr), zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Dashboard shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Dashboard exited.")
}
