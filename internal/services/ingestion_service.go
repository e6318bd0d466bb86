package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meteo-platform/internal/models"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

// BatchWriter writes records for one station
type BatchWriter interface {
	WriteBatch(ctx context.Context, station string, records []models.Record) error
}

// SeedConfig configures the bulk CSV seed
type SeedConfig struct {
	CSVBaseURL string
	CSVDir     string
	ChunkSize  int
	Download   bool
}

// IngestionService seeds the store from the yearly station CSV archives
type IngestionService struct {
	cfg     SeedConfig
	store   BatchWriter
	http    *http.Client
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// IngestionResult contains ingestion statistics for one file
type IngestionResult struct {
	Station           string
	File              string
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	Chunks            int
	Duration          time.Duration
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(cfg SeedConfig, store BatchWriter, httpClient *http.Client, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10000
	}
	if cfg.CSVDir == "" {
		cfg.CSVDir = "./csv"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &IngestionService{
		cfg:     cfg,
		store:   store,
		http:    httpClient,
		logger:  logger,
		metrics: metricsCollector,
		now:     time.Now,
	}
}

// LocalPath returns where the CSV archive of station is kept
func (s *IngestionService) LocalPath(station string) string {
	return filepath.Join(s.cfg.CSVDir, "messwerte_"+station+".csv")
}

// SeedStations refreshes and imports the CSV archive of every station. A failed
// download falls back to the file already on disk; a missing file is skipped.
func (s *IngestionService) SeedStations(ctx context.Context, stations []string) ([]*IngestionResult, error) {
	results := make([]*IngestionResult, 0, len(stations))

	for _, station := range stations {
		if s.cfg.Download {
			if _, err := s.DownloadLatestCSV(ctx, station, s.now().Year()); err != nil {
				if ctx.Err() != nil {
					return results, ctx.Err()
				}
				s.logger.Warn(ctx, "[SEED_DOWNLOAD_FALLBACK] Download failed, using local file", logging.Fields{
					"station": station,
					"file":    s.LocalPath(station),
					"error":   err.Error(),
				})
			}
		}

		result, err := s.ImportCSVFile(ctx, station, s.LocalPath(station), s.cfg.ChunkSize)
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info(ctx, "[SEED_SKIP] No CSV file for station", logging.Fields{
				"station": station,
				"file":    s.LocalPath(station),
			})
			continue
		}
		if err != nil {
			return results, fmt.Errorf("failed to import %s: %w", station, err)
		}
		results = append(results, result)
	}

	return results, nil
}

// DownloadLatestCSV fetches the archive of station for year and stores it at
// LocalPath. Only a 200 response with a text/csv body replaces the local file.
func (s *IngestionService) DownloadLatestCSV(ctx context.Context, station string, year int) (string, error) {
	target := fmt.Sprintf("%s/messwerte_%s_%d.csv", strings.TrimRight(s.cfg.CSVBaseURL, "/"), station, year)
	dest := s.LocalPath(station)

	s.logger.Info(ctx, "[SEED_DOWNLOAD] Downloading latest CSV file", logging.Fields{
		"station": station,
		"url":     target,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", target, err)
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK || mediaType != "text/csv" {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("download %s: status %d, content type %q", target, resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".messwerte-*.csv")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("download %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}

	s.logger.Info(ctx, "[SEED_DOWNLOAD_OK] Downloaded latest CSV file", logging.Fields{
		"station": station,
		"file":    dest,
	})
	return dest, nil
}

// ImportCSVFile streams path into the store in chunks of chunkSize rows.
// The timestamp column may be named timestamp or timestamp_utc; timestamp_cet
// and unknown columns are ignored. Unparseable rows are counted and skipped.
func (s *IngestionService) ImportCSVFile(ctx context.Context, station, path string, chunkSize int) (*IngestionResult, error) {
	startTime := time.Now()
	if chunkSize <= 0 {
		chunkSize = s.cfg.ChunkSize
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	s.logger.Info(ctx, "[INGEST_START] Starting CSV import", logging.Fields{
		"station":    station,
		"file":       path,
		"chunk_size": chunkSize,
	})

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	layout, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	result := &IngestionResult{Station: station, File: path}
	chunk := make([]models.Record, 0, chunkSize)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := s.store.WriteBatch(ctx, station, chunk); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", result.Chunks+1, err)
		}
		result.Chunks++
		result.SuccessfulRecords += len(chunk)
		s.logger.Debug(ctx, "[INGEST_CHUNK] Chunk written", logging.Fields{
			"station": station,
			"from":    chunk[0].Time.Format(time.RFC3339),
			"to":      chunk[len(chunk)-1].Time.Format(time.RFC3339),
			"count":   len(chunk),
		})
		chunk = make([]models.Record, 0, chunkSize)
		return nil
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading file: %w", err)
		}
		result.TotalRecords++

		rec, err := layout.record(row)
		if err != nil {
			result.FailedRecords++
			s.metrics.RecordIngestionError(string(models.KindParse))
			continue
		}
		chunk = append(chunk, rec)

		if len(chunk) >= chunkSize {
			if err := flush(); err != nil {
				return nil, err
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	result.Duration = time.Since(startTime)
	s.logger.Info(ctx, "[INGEST_COMPLETE] CSV import completed", logging.Fields{
		"station":            station,
		"total_records":      result.TotalRecords,
		"successful_records": result.SuccessfulRecords,
		"failed_records":     result.FailedRecords,
		"chunks":             result.Chunks,
		"duration_seconds":   result.Duration.Seconds(),
	})
	return result, nil
}

type csvLayout struct {
	timestamp int
	fields    map[int]models.Field
}

func parseHeader(header []string) (*csvLayout, error) {
	layout := &csvLayout{timestamp: -1, fields: make(map[int]models.Field)}
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		switch name {
		case "timestamp", "timestamp_utc":
			layout.timestamp = i
		case "timestamp_cet":
		default:
			if f := models.Field(name); f.Valid() {
				layout.fields[i] = f
			}
		}
	}
	if layout.timestamp < 0 {
		return nil, &models.ValidationError{
			Field:   "header",
			Value:   strings.Join(header, ","),
			Message: "csv header has no timestamp or timestamp_utc column",
		}
	}
	return layout, nil
}

func (l *csvLayout) record(row []string) (models.Record, error) {
	if l.timestamp >= len(row) {
		return models.Record{}, fmt.Errorf("row has %d columns, timestamp expected at %d", len(row), l.timestamp)
	}
	ts, err := models.ParseTimestamp(row[l.timestamp])
	if err != nil {
		return models.Record{}, err
	}

	rec := models.Record{Time: ts, Values: make(map[models.Field]float64, len(models.Fields))}
	for i, f := range l.fields {
		if i >= len(row) {
			continue
		}
		v, err := models.ParseValue(row[i])
		if err != nil {
			return models.Record{}, err
		}
		rec.Values[f] = v
	}
	rec.Complete()
	return rec, nil
}
