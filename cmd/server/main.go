// Package main runs the media-to-text server: the HTTP API, the dispatch
// loop, the remote job poller and the gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/phrazzld/mediatext/internal/api"
	"github.com/phrazzld/mediatext/internal/app"
	"github.com/phrazzld/mediatext/internal/config"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"google.golang.org/grpc"
)

// requestTimeout bounds JSON API handlers.
const requestTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// run loads configuration, starts every component and blocks until ctx is
// cancelled, then shuts down in reverse order.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (default $MEDIATEXT_CONFIG or ./config.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPCPort,
		"database_driver", cfg.Database.Driver,
		"log_level", cfg.Log.Level)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close resources", "error", err)
		}
	}()

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	server := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.Server.Port),
		Handler: api.NewRouter(api.RouterDeps{
			Service:        a.Submission,
			JWT:            a.JWT,
			Engines:        a.Engines.Registry,
			Logger:         log,
			RequestTimeout: requestTimeout,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Server.GRPCPort))
		if err != nil {
			_ = server.Close()
			return fmt.Errorf("failed to listen on gRPC port: %w", err)
		}
		grpcServer = app.NewGRPCServer(a.Health)
		go func() {
			log.Info("starting gRPC health server", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("gRPC server failed: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	log.Info("server shutdown completed")
	return runErr
}
