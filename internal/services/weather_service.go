package services

import (
	"context"
	"fmt"
	"time"

	"meteo-platform/internal/models"
	"meteo-platform/internal/query"
	"meteo-platform/internal/status"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

// QueryStore executes read queries against the store
type QueryStore interface {
	Execute(ctx context.Context, station, queryString string) (*models.Table, error)
}

// WeatherService handles weather data queries and health checks
type WeatherService struct {
	repo     QueryStore
	tracker  *status.Tracker
	stations []string
	location *time.Location
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewWeatherService creates a new weather service. Results are converted to
// loc unless a query asks for another zone; nil means UTC.
func NewWeatherService(
	repo QueryStore,
	tracker *status.Tracker,
	stations []string,
	loc *time.Location,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *WeatherService {
	if loc == nil {
		loc = time.UTC
	}
	if tracker == nil {
		tracker = status.NewTracker()
	}
	return &WeatherService{
		repo:     repo,
		tracker:  tracker,
		stations: append([]string(nil), stations...),
		location: loc,
		logger:   logger,
		metrics:  metricsCollector,
	}
}

// RunQuery executes q and returns its rows with timestamps in loc, or the
// service zone when loc is nil. A failed or empty result is ErrUnavailable.
func (s *WeatherService) RunQuery(ctx context.Context, q query.WeatherQuery, loc *time.Location) (*models.Table, error) {
	if !s.HasStation(q.Station) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownStation, q.Station)
	}

	table, err := s.repo.Execute(ctx, q.Station, q.Statement())
	if err != nil {
		s.logger.Error(ctx, "[QUERY_FAILED] Query failed", logging.Fields{
			"station": q.Station,
			"query":   q.String(),
		}, err)
		return nil, fmt.Errorf("%w: %w", models.ErrUnavailable, err)
	}
	if table.Empty() {
		s.logger.Debug(ctx, "[QUERY_EMPTY] Query returned no rows", logging.Fields{
			"station": q.Station,
			"query":   q.String(),
		})
		return nil, models.ErrUnavailable
	}

	if loc == nil {
		loc = s.location
	}
	return table.InLocation(loc), nil
}

// Stations returns the configured stations in order
func (s *WeatherService) Stations() []string {
	return append([]string(nil), s.stations...)
}

// HasStation reports whether station is configured
func (s *WeatherService) HasStation(station string) bool {
	for _, st := range s.stations {
		if st == station {
			return true
		}
	}
	return false
}

// Freshness returns whether the service is live and when data was last fetched
func (s *WeatherService) Freshness() (bool, *time.Time) {
	return s.tracker.Status()
}

// Status returns the full freshness state
func (s *WeatherService) Status() status.Snapshot {
	return s.tracker.Snapshot()
}

// Units returns the unit of every field
func (s *WeatherService) Units() map[models.Field]string {
	return models.Units()
}

// Location returns the default result zone
func (s *WeatherService) Location() *time.Location {
	return s.location
}

// HealthCheck reads the latest air temperature of the first station. Success
// marks the service live at that record's time; failure marks it down.
func (s *WeatherService) HealthCheck(ctx context.Context) bool {
	if len(s.stations) == 0 {
		s.tracker.MarkDown()
		return false
	}

	table, err := s.RunQuery(ctx, query.Latest(s.stations[0], models.AirTemperature), time.UTC)
	if err != nil {
		s.metrics.HealthChecksTotal.WithLabelValues("failure").Inc()
		s.logger.Error(ctx, "[HEALTH_CHECK_FAILED] Health check failed", logging.Fields{
			"station": s.stations[0],
		}, err)
		s.tracker.MarkDown()
		return false
	}

	last, _ := table.Last()
	s.tracker.MarkLive(last.Time)
	s.metrics.HealthChecksTotal.WithLabelValues("success").Inc()
	s.logger.Debug(ctx, "[HEALTH_CHECK_OK] Health check successful", logging.Fields{
		"station":     s.stations[0],
		"last_record": last.Time.Format(time.RFC3339),
	})
	return true
}
