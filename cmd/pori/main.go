// Command pori is the tunneling agent binary. It loads Settings from flags,
// an optional YAML file, and environment fallback, wires the Local HTTP
// Client, Control-Channel Client, Request Forwarder, and Coordination
// Fabric together, optionally starts the dashboard HTTP server, and shuts
// down gracefully on SIGINT or SIGTERM.
package main

import (
	"context"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pori-dev/pori/internal/app"
	"github.com/pori-dev/pori/internal/config"
	"github.com/pori-dev/pori/internal/controlchannel"
	"github.com/pori-dev/pori/internal/dashboard"
	"github.com/pori-dev/pori/internal/forwarder"
	"github.com/pori-dev/pori/internal/localclient"
	"github.com/pori-dev/pori/internal/signals"
)

// Exit codes, per the CLI surface contract.
const (
	exitOK             = 0
	exitAuthFatal      = 1
	exitConfigError    = 2
	exitFatalRuntime   = 3
	dashboardDBEnvName = "PORI_DASHBOARD_DB"
	jwtPubKeyEnvName   = "PORI_DASHBOARD_JWT_PUBLIC_KEY"
)

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := config.Load(os.Args[1:], nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pori: %v\n", err)
		return exitConfigError
	}

	logger := newLogger(settings.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("remote_url", settings.RemoteURL),
		slog.String("local_origin", settings.LocalOrigin()),
		slog.Int("max_connections", settings.MaxConnections),
		slog.Bool("dashboard_enabled", settings.DashboardEnabled),
	)

	localClient, err := localclient.New(settings.LocalOrigin(), settings.VerifySSL)
	if err != nil {
		logger.Error("failed to build local HTTP client", slog.Any("error", err))
		return exitConfigError
	}

	stats := app.NewStats()

	var history *dashboard.HistoryStore
	if settings.DashboardEnabled {
		dbPath := os.Getenv(dashboardDBEnvName)
		if dbPath == "" {
			dbPath = "pori-dashboard.db"
		}
		history, err = dashboard.NewHistoryStore(dbPath)
		if err != nil {
			logger.Error("failed to open dashboard history store", slog.Any("error", err))
			return exitConfigError
		}
		defer history.Close()
	}

	var bus *app.DashboardBus
	if history != nil {
		bus = app.NewDashboardBus(history)
	} else {
		bus = app.NewDashboardBus(nil)
	}

	fwd := forwarder.New(localClient, stats, bus, settings.MaxConnections, settings.Timeout)
	ctrl := controlchannel.New(settings.RemoteURL, settings.Token, settings.MaxReconnects, stats, bus, logger)

	fabric := app.New(settings, stats, bus, fwd, ctrl)

	ctx, stop := signals.WithShutdown(context.Background())
	defer stop()

	var dashboardServer *http.Server
	dashboardErrCh := make(chan error, 1)
	if settings.DashboardEnabled {
		pubKey, err := loadJWTPublicKey(os.Getenv(jwtPubKeyEnvName))
		if err != nil {
			logger.Error("failed to load dashboard JWT public key", slog.Any("error", err))
			return exitConfigError
		}

		dashSrv := dashboard.NewServer(fabric.Stats(), fabric.Bus(), history)
		dashboardServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", settings.DashboardPort),
			Handler:      dashboard.NewRouter(dashSrv, pubKey),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // the SSE stream is long-lived
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			logger.Info("dashboard server listening", slog.Int("port", settings.DashboardPort))
			if err := dashboardServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				dashboardErrCh <- fmt.Errorf("dashboard server: %w", err)
				return
			}
			dashboardErrCh <- nil
		}()
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- fabric.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case dashErr := <-dashboardErrCh:
		if dashErr != nil {
			logger.Error("dashboard server failed", slog.Any("error", dashErr))
		}
		stop()
		runErr = <-runErrCh
	}

	if dashboardServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dashboardServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("dashboard server shutdown error", slog.Any("error", err))
		}
	}

	if runErr == nil {
		logger.Info("pori exited cleanly")
		return exitOK
	}

	if errors.Is(runErr, controlchannel.ErrAuthFatal) {
		logger.Error("authentication rejected", slog.Any("error", runErr))
		return exitAuthFatal
	}

	logger.Error("fatal runtime error", slog.Any("error", runErr))
	return exitFatalRuntime
}

// loadJWTPublicKey reads and parses a PEM-encoded RSA public key at path.
// An empty path disables dashboard JWT validation (the default).
func loadJWTPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%q does not contain PEM data", path)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parsing RSA public key in %q: %w", path, err)
	}
	return key, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
