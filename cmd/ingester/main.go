package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"meteo-platform/internal/config"
	"meteo-platform/internal/repository"
	"meteo-platform/internal/services"
	"meteo-platform/internal/status"
	"meteo-platform/internal/tecdottir"
	"meteo-platform/pkg/database"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

func main() {
	// Parse command-line flags
	csvDir := flag.String("csv-dir", "", "Directory holding the station CSV archives (default from CSV_DIR)")
	chunkSize := flag.Int("chunk-size", 0, "Number of CSV rows written per batch (default from CSV_CHUNK_SIZE)")
	seed := flag.Bool("seed", true, "Seed the store from the CSV archives before catching up")
	download := flag.Bool("download", true, "Download the current yearly CSV archives before seeding")
	reset := flag.Bool("reset", false, "Drop and recreate the store before ingesting")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *csvDir != "" {
		cfg.Ingestion.CSVDir = *csvDir
	}
	if *chunkSize > 0 {
		cfg.Ingestion.CSVChunkSize = *chunkSize
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("meteo-ingester", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[INGESTER_START] Starting weather data ingestion", logging.Fields{
		"version":    "1.0.0",
		"csv_dir":    cfg.Ingestion.CSVDir,
		"chunk_size": cfg.Ingestion.CSVChunkSize,
		"seed":       *seed,
		"reset":      *reset,
		"stations":   cfg.Stations,
	})

	metricsCollector := metrics.NewCollector("meteo_ingester", prometheus.NewRegistry())

	dbConfig := &database.Config{
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

	db, err := database.NewPostgresDB(dbConfig, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[INGESTER_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	weatherRepo := repository.NewWeatherRepository(db, logger, metricsCollector)

	fetcher := tecdottir.NewClient(tecdottir.Config{
		BaseURL:        cfg.Remote.BaseURL,
		RequestTimeout: cfg.Remote.RequestTimeout,
		RetryDelay:     cfg.Remote.RetryDelay,
	}, nil, logger, metricsCollector)

	tracker := status.NewTracker()
	catchUp := services.NewCatchUpService(services.CatchUpConfig{
		Stations:            cfg.Stations,
		PollInterval:        cfg.Ingestion.PollInterval,
		RestartDelay:        cfg.Ingestion.RestartDelay,
		ForceQueryLastEntry: cfg.Ingestion.ForceQueryLastEntry,
		EmptyStationStart:   cfg.Ingestion.EmptyStationStart,
	}, weatherRepo, fetcher, tracker, logger, metricsCollector)

	if *reset {
		if err := weatherRepo.DropDatabase(ctx); err != nil {
			logger.Fatal(ctx, "[INGESTER_ERROR] Failed to drop database", logging.Fields{}, err)
		}
		catchUp.ResetCache()
	}
	if err := weatherRepo.CreateDatabase(ctx, cfg.Stations); err != nil {
		logger.Fatal(ctx, "[INGESTER_ERROR] Failed to create database", logging.Fields{}, err)
	}

	var results []*services.IngestionResult
	if *seed {
		seeder := services.NewIngestionService(services.SeedConfig{
			CSVBaseURL: cfg.Remote.CSVBaseURL,
			CSVDir:     cfg.Ingestion.CSVDir,
			ChunkSize:  cfg.Ingestion.CSVChunkSize,
			Download:   *download && cfg.Ingestion.DownloadCSV,
		}, weatherRepo, nil, logger, metricsCollector)

		results, err = seeder.SeedStations(ctx, cfg.Stations)
		if err != nil {
			logger.Fatal(ctx, "[INGESTION_ERROR] Seeding failed", logging.Fields{}, err)
		}
	}

	if err := catchUp.RunOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn(ctx, "[INGESTER_CANCELLED] Catch-up interrupted", logging.Fields{})
			os.Exit(130)
		}
		logger.Fatal(ctx, "[INGESTION_ERROR] Catch-up failed", logging.Fields{}, err)
	}

	// Print results
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("INGESTION COMPLETE")
	fmt.Println(strings.Repeat("=", 80))
	for _, r := range results {
		fmt.Printf("%-16s file=%s total=%d ok=%d failed=%d chunks=%d duration=%v\n",
			r.Station, r.File, r.TotalRecords, r.SuccessfulRecords, r.FailedRecords, r.Chunks, r.Duration)
	}
	for _, station := range cfg.Stations {
		if last, ok := catchUp.Cache().Get(station); ok {
			fmt.Printf("%-16s last entry %s\n", station, last.Format("2006-01-02 15:04:05 MST"))
		}
	}

	logger.Info(ctx, "[INGESTER_COMPLETE] Ingestion completed successfully", logging.Fields{
		"seeded_files": len(results),
	})
}
