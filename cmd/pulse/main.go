package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stoqline/pulse/internal/config"
	"github.com/stoqline/pulse/internal/conn"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/internal/manager"
	"github.com/stoqline/pulse/internal/status"
	"github.com/stoqline/pulse/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML configuration file")
	baseURL := flag.String("base-url", "", "Backend API base URL")
	dataDir := flag.String("data-dir", "", "Directory for persistent state")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	role := flag.String("role", "", "Authenticated user role")
	subject := flag.String("subject", "", "Authenticated user identifier")
	flag.Parse()

	if err := run(*configFile, *baseURL, *dataDir, *logLevel, *role, *subject); err != nil {
		fmt.Fprintf(os.Stderr, "pulse: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, baseURL, dataDir, logLevel, role, subject string) error {
	cfg, err := config.LoadConfig(configFile, baseURL, dataDir, logLevel)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger := logging.Component("main")

	if role == "" {
		role = os.Getenv("PULSE_ROLE")
	}
	if subject == "" {
		subject = os.Getenv("PULSE_SUBJECT_ID")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Caught signal, initiating shutdown")
		cancel()
	}()

	telShutdown, err := telemetry.Setup(ctx, cfg.ToTelemetryConfig())
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		defer func() {
			if err := telShutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Failed to shut down telemetry")
			}
		}()
	}

	m, err := manager.New(cfg, manager.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize manager: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close manager")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.Start(conn.Identity{Role: role, SubjectID: subject})
		<-ctx.Done()
		m.Stop()
		return nil
	})

	if cfg.Status.Enabled {
		statusServer := status.NewServer(status.Config{Addr: cfg.Status.Addr}, m)
		g.Go(func() error {
			return statusServer.Start(ctx)
		})
		g.Go(func() error {
			<-ctx.Done()
			return statusServer.Shutdown(context.Background())
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("error running daemon: %w", err)
	}

	logger.Info().Msg("Pulse daemon shut down successfully")
	return nil
}
