package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"meteo-platform/internal/config"
	"meteo-platform/internal/handlers"
	"meteo-platform/internal/repository"
	"meteo-platform/internal/scheduler"
	"meteo-platform/internal/services"
	"meteo-platform/internal/status"
	"meteo-platform/internal/tecdottir"
	"meteo-platform/pkg/database"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("meteo-api", version, logging.ParseLevel(cfg.Logging.Level))
	loc, _ := time.LoadLocation(cfg.Timezone)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[STARTUP] Starting meteo platform server", logging.Fields{
		"version":     version,
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_host":     cfg.Database.Host,
		"db_schema":   cfg.Database.Schema,
		"stations":    cfg.Stations,
	})

	metricsCollector := metrics.NewCollector("meteo_platform", prometheus.DefaultRegisterer)

	db, err := database.NewPostgresDB(databaseConfig(cfg), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	weatherRepo := repository.NewWeatherRepository(db, logger, metricsCollector)
	if err := weatherRepo.CreateDatabase(ctx, cfg.Stations); err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to create station tables", logging.Fields{}, err)
	}

	tracker := status.NewTracker(func(s status.Snapshot) {
		metricsCollector.SetLive(s.IsLive)
	})

	if cfg.Ingestion.SeedOnStart {
		seeder := services.NewIngestionService(seedConfig(cfg), weatherRepo, nil, logger, metricsCollector)
		if _, err := seeder.SeedStations(ctx, cfg.Stations); err != nil {
			logger.Error(ctx, "[STARTUP_SEED_ERROR] Seeding from CSV failed", logging.Fields{}, err)
		}
	}

	fetcher := tecdottir.NewClient(tecdottir.Config{
		BaseURL:        cfg.Remote.BaseURL,
		RequestTimeout: cfg.Remote.RequestTimeout,
		RetryDelay:     cfg.Remote.RetryDelay,
	}, nil, logger, metricsCollector)

	catchUp := services.NewCatchUpService(catchUpConfig(cfg), weatherRepo, fetcher, tracker, logger, metricsCollector)
	if err := catchUp.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(ctx, "[STARTUP_CATCHUP_ERROR] Historical catch-up failed", logging.Fields{}, err)
	}

	weatherService := services.NewWeatherService(weatherRepo, tracker, cfg.Stations, loc, logger, metricsCollector)
	statsService := services.NewStatisticsService(weatherService, logger, metricsCollector)
	weatherHandler := handlers.NewWeatherHandler(weatherService, statsService, logger, metricsCollector)
	health := scheduler.New(weatherService, cfg.Ingestion.HealthInterval, logger)

	router := mux.NewRouter()
	weatherHandler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(gctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := catchUp.RunPeriodic(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return health.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Service stopped with error", logging.Fields{}, err)
		os.Exit(1)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		Schema:          cfg.Database.Schema,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
}

func seedConfig(cfg *config.Config) services.SeedConfig {
	return services.SeedConfig{
		CSVBaseURL: cfg.Remote.CSVBaseURL,
		CSVDir:     cfg.Ingestion.CSVDir,
		ChunkSize:  cfg.Ingestion.CSVChunkSize,
		Download:   cfg.Ingestion.DownloadCSV,
	}
}

func catchUpConfig(cfg *config.Config) services.CatchUpConfig {
	return services.CatchUpConfig{
		Stations:            cfg.Stations,
		PollInterval:        cfg.Ingestion.PollInterval,
		RestartDelay:        cfg.Ingestion.RestartDelay,
		ForceQueryLastEntry: cfg.Ingestion.ForceQueryLastEntry,
		EmptyStationStart:   cfg.Ingestion.EmptyStationStart,
	}
}
