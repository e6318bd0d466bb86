package services

import (
	"context"
	"math"
	"time"

	"meteo-platform/internal/models"
	"meteo-platform/internal/query"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

// FieldStatistics summarises one field over a time range
type FieldStatistics struct {
	Field models.Field `json:"field"`
	Unit  string       `json:"unit"`
	Count int          `json:"count"`
	Min   float64      `json:"min"`
	Max   float64      `json:"max"`
	Mean  float64      `json:"mean"`
	// Last is the value of the most recent record in the range.
	Last float64 `json:"last"`
}

// StationStatistics is the summary of a station over [Start, Stop]
type StationStatistics struct {
	Station string            `json:"station"`
	Start   time.Time         `json:"start"`
	Stop    time.Time         `json:"stop"`
	Fields  []FieldStatistics `json:"fields"`
}

// StatisticsService calculates range statistics on top of the query layer
type StatisticsService struct {
	weather *WeatherService
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewStatisticsService creates a new statistics service
func NewStatisticsService(weather *WeatherService, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *StatisticsService {
	return &StatisticsService{
		weather: weather,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Calculate summarises fields of station within [start, stop]. No fields means
// every known field. Errors are those of WeatherService.RunQuery.
func (s *StatisticsService) Calculate(ctx context.Context, station string, start, stop time.Time, fields ...models.Field) (*StationStatistics, error) {
	table, err := s.weather.RunQuery(ctx, query.Range(station, start, stop, fields...), time.UTC)
	if err != nil {
		return nil, err
	}

	if len(fields) == 0 {
		fields = table.Columns
	}

	stats := &StationStatistics{
		Station: station,
		Start:   start.UTC(),
		Stop:    stop.UTC(),
		Fields:  make([]FieldStatistics, 0, len(fields)),
	}
	for _, f := range fields {
		stats.Fields = append(stats.Fields, summarise(f, table.Column(f)))
	}

	s.logger.Debug(ctx, "[STATS_CALC_COMPLETE] Statistics calculated", logging.Fields{
		"station": station,
		"rows":    table.Len(),
		"fields":  len(fields),
	})
	return stats, nil
}

func summarise(f models.Field, values []float64) FieldStatistics {
	fs := FieldStatistics{Field: f, Count: len(values)}
	if f.Valid() {
		fs.Unit = models.Unit(f)
	}
	if len(values) == 0 {
		return fs
	}

	fs.Min, fs.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range values {
		fs.Min = math.Min(fs.Min, v)
		fs.Max = math.Max(fs.Max, v)
		sum += v
	}
	fs.Mean = sum / float64(len(values))
	fs.Last = values[len(values)-1]
	return fs
}
