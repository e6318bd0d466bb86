package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"meteo-platform/internal/models"
	"meteo-platform/internal/query"
	"meteo-platform/pkg/database"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

// WeatherRepository is the store client for station measurement tables
type WeatherRepository interface {
	// Lifecycle operations
	CreateDatabase(ctx context.Context, stations []string) error
	DropDatabase(ctx context.Context) error

	// Read operations
	Execute(ctx context.Context, station, queryString string) (*models.Table, error)
	LatestTimestamp(ctx context.Context, station string) (time.Time, bool, error)

	// Write operations
	WriteBatch(ctx context.Context, station string, records []models.Record) error

	// Utility operations
	HealthCheck(ctx context.Context) error
}

type weatherRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewWeatherRepository creates a new weather repository
func NewWeatherRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) WeatherRepository {
	return &weatherRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// CreateDatabase creates the schema and one table per station. Safe to call on every start.
func (r *weatherRepository) CreateDatabase(ctx context.Context, stations []string) error {
	if err := r.db.CreateSchema(ctx); err != nil {
		return err
	}

	for _, station := range stations {
		if _, err := r.db.ExecContext(ctx, "create_station_table", createTableStatement(r.db.Schema(), station)); err != nil {
			return fmt.Errorf("failed to create table for %s: %w", station, err)
		}
		r.logger.Debug(ctx, "[REPO_CREATE_TABLE] Station table ready", logging.Fields{
			"station": station,
			"schema":  r.db.Schema(),
		})
	}

	return nil
}

// DropDatabase drops the schema with all station tables
func (r *weatherRepository) DropDatabase(ctx context.Context) error {
	return r.db.DropSchema(ctx)
}

// Execute runs a read query and returns its rows as an ascending table.
// An empty result is not an error.
func (r *weatherRepository) Execute(ctx context.Context, station, queryString string) (*models.Table, error) {
	rows, err := r.db.QueryContext(ctx, "execute_query", queryString)
	if err != nil {
		return nil, &QueryError{Query: queryString, Err: err}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, &QueryError{Query: queryString, Err: err}
	}

	table := &models.Table{Station: station}
	for _, c := range columns {
		if c == models.TimeColumn {
			continue
		}
		table.Columns = append(table.Columns, models.Field(c))
	}

	for rows.Next() {
		raw := make(map[string]interface{}, len(columns))
		if err := rows.MapScan(raw); err != nil {
			return nil, &QueryError{Query: queryString, Err: err}
		}

		rec, err := recordFromRow(raw)
		if err != nil {
			return nil, &QueryError{Query: queryString, Err: err}
		}
		table.Rows = append(table.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Query: queryString, Err: err}
	}

	table.Normalize()
	return table, nil
}

// LatestTimestamp returns the time of the most recent stored record.
// The bool is false if the station has no data yet.
func (r *weatherRepository) LatestTimestamp(ctx context.Context, station string) (time.Time, bool, error) {
	table, err := r.Execute(ctx, station, query.Latest(station, models.AirTemperature).Statement())
	if err != nil {
		r.logger.Warn(ctx, "[REPO_LAST_ENTRY_FALLBACK] Last entry query failed, retrying with all columns", logging.Fields{
			"station": station,
			"error":   err.Error(),
		})
		table, err = r.Execute(ctx, station, query.Latest(station).Statement())
		if err != nil {
			return time.Time{}, false, err
		}
	}

	last, ok := table.Last()
	if !ok {
		return time.Time{}, false, nil
	}
	return last.Time, true, nil
}

// WriteBatch upserts records into the station table in a single transaction.
// Rows with an existing timestamp are overwritten.
func (r *weatherRepository) WriteBatch(ctx context.Context, station string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	timer := time.Now()
	defer func() {
		r.logger.Debug(ctx, "[REPO_BATCH_WRITE] Batch write completed", logging.Fields{
			"station":     station,
			"count":       len(records),
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertStatement(r.db.Schema(), station))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	sorted := models.SortDedupe(records)
	args := make([]interface{}, len(models.Fields)+1)
	for _, rec := range sorted {
		args[0] = rec.Time.UTC().Truncate(time.Second)
		for i, f := range models.Fields {
			args[i+1] = rec.Values[f]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to write record at %s: %w", rec.Time.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.metrics.RecordWrite(station, len(sorted), sorted[len(sorted)-1].Time)
	return nil
}

// HealthCheck performs a repository health check
func (r *weatherRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func qualified(schema, station string) string {
	if schema == "" {
		return pq.QuoteIdentifier(station)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(station)
}

func createTableStatement(schema, station string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(qualified(schema, station))
	b.WriteString(" (time TIMESTAMPTZ PRIMARY KEY")
	for _, f := range models.Fields {
		b.WriteString(", ")
		b.WriteString(string(f))
		b.WriteString(" DOUBLE PRECISION NOT NULL DEFAULT 0")
	}
	b.WriteString(")")
	return b.String()
}

func upsertStatement(schema, station string) string {
	cols := make([]string, 0, len(models.Fields)+1)
	params := make([]string, 0, len(models.Fields)+1)
	updates := make([]string, 0, len(models.Fields))

	cols = append(cols, models.TimeColumn)
	params = append(params, "$1")
	for i, f := range models.Fields {
		cols = append(cols, string(f))
		params = append(params, "$"+strconv.Itoa(i+2))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", f, f))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (time) DO UPDATE SET %s",
		qualified(schema, station),
		strings.Join(cols, ", "),
		strings.Join(params, ", "),
		strings.Join(updates, ", "),
	)
}

func recordFromRow(raw map[string]interface{}) (models.Record, error) {
	rec := models.Record{Values: make(map[models.Field]float64, len(raw))}

	ts, ok := raw[models.TimeColumn]
	if !ok {
		return rec, fmt.Errorf("result has no %s column", models.TimeColumn)
	}
	t, ok := ts.(time.Time)
	if !ok {
		return rec, fmt.Errorf("unexpected %s value %T", models.TimeColumn, ts)
	}
	rec.Time = t.UTC()

	for col, v := range raw {
		if col == models.TimeColumn {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return rec, fmt.Errorf("column %s: %w", col, err)
		}
		rec.Values[models.Field(col)] = f
	}
	return rec, nil
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case []byte:
		return models.ParseValue(string(x))
	case string:
		return models.ParseValue(x)
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

// QueryError is a failed store read
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %q failed: %v", e.Query, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsTransient returns true; a failed read is retried on the next cycle
func (e *QueryError) IsTransient() bool {
	return true
}
