package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/convid/tunnel-broker/internal/accounts"
	internalhttp "github.com/convid/tunnel-broker/internal/api/http"
	"github.com/convid/tunnel-broker/internal/db"
	"github.com/convid/tunnel-broker/internal/machines"
	"github.com/convid/tunnel-broker/internal/metrics"
	"github.com/convid/tunnel-broker/internal/registration"
	"github.com/convid/tunnel-broker/internal/token"
	"github.com/convid/tunnel-broker/internal/tunnel"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Convid Tunnel Broker", "version", AppVersion)

	if err := db.RunMigrations(config.Db.Url, config.Db.Schema); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.InitDB(ctx, config.Db.Url, config.Db.Schema)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	allocator, err := tunnel.NewAllocator(config.Tunnel.PortRange.Start, config.Tunnel.PortRange.End)
	if err != nil {
		slog.Error("Invalid tunnel port range", "error", err)
		os.Exit(1)
	}

	issuer, err := token.NewIssuer(config.Token)
	if err != nil {
		slog.Error("Failed to load token signing keys", "error", err)
		os.Exit(1)
	}

	accountStore := accounts.NewStore(pool)
	machineStore := machines.NewStore(pool)

	registrationService := registration.NewService(accountStore, machineStore, allocator, issuer, registration.Config{
		SSHHost:         config.Ssh.Host,
		SSHPort:         config.Ssh.Port,
		SSHPortInternal: config.Ssh.InternalPort,
		TOTPRequired:    config.Totp.Required,
		TOTPIssuer:      config.Totp.Issuer,
	})

	registry := prometheus.NewRegistry()
	appMetrics := metrics.New(registry)
	go appMetrics.StartUptimeCounter(ctx)

	services := &internalhttp.Services{
		Accounts:     accountStore,
		Registration: registrationService,
		Metrics:      appMetrics,
		Registry:     registry,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Location"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services, config.Http)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	slog.Info("Shutdown complete")
}
