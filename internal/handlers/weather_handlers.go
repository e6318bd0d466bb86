package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"meteo-platform/internal/models"
	"meteo-platform/internal/query"
	"meteo-platform/internal/services"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// defaultStatisticsWindow is used when a statistics request has no start
const defaultStatisticsWindow = 24 * time.Hour

// WeatherHandler handles weather API endpoints
type WeatherHandler struct {
	weatherService *services.WeatherService
	statsService   *services.StatisticsService
	logger         *logging.StructuredLogger
	metrics        *metrics.Collector
	now            func() time.Time
}

// NewWeatherHandler creates a new weather handler
func NewWeatherHandler(
	weatherService *services.WeatherService,
	statsService *services.StatisticsService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *WeatherHandler {
	return &WeatherHandler{
		weatherService: weatherService,
		statsService:   statsService,
		logger:         logger,
		metrics:        metricsCollector,
		now:            time.Now,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// StationsResponse lists the configured stations
type StationsResponse struct {
	Stations []string `json:"stations"`
}

// GetStations handles GET /api/stations
func (h *WeatherHandler) GetStations(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, StationsResponse{Stations: h.weatherService.Stations()}, http.StatusOK)
}

// GetUnits handles GET /api/units
func (h *WeatherHandler) GetUnits(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.weatherService.Units(), http.StatusOK)
}

// GetStatus handles GET /api/status
func (h *WeatherHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, h.weatherService.Status(), http.StatusOK)
}

// GetMeasurements handles GET /api/weather/{station}.
//
// Without start and stop the latest record is returned. A start without stop
// is bounded by the current time.
func (h *WeatherHandler) GetMeasurements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	station := mux.Vars(r)["station"]
	params := r.URL.Query()

	fields, err := parseFields(params.Get("fields"))
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	start, stop, err := parseRange(params.Get("start"), params.Get("stop"))
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	loc, err := parseLocation(params.Get("tz"))
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	q := query.Latest(station, fields...)
	if !start.IsZero() || !stop.IsZero() {
		if stop.IsZero() {
			stop = h.now()
		}
		q = query.Range(station, start, stop, fields...)
	}

	table, err := h.weatherService.RunQuery(ctx, q, loc)
	if err != nil {
		h.sendServiceError(w, r, station, err)
		return
	}

	h.logger.Debug(ctx, "[API_GET_MEASUREMENTS] Measurements served", logging.Fields{
		"station": station,
		"rows":    table.Len(),
	})
	h.sendJSON(w, table, http.StatusOK)
}

// GetStatistics handles GET /api/weather/{station}/statistics
func (h *WeatherHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	station := mux.Vars(r)["station"]
	params := r.URL.Query()

	fields, err := parseFields(params.Get("fields"))
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	start, stop, err := parseRange(params.Get("start"), params.Get("stop"))
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	if stop.IsZero() {
		stop = h.now()
	}
	if start.IsZero() {
		start = stop.Add(-defaultStatisticsWindow)
	}

	stats, err := h.statsService.Calculate(ctx, station, start, stop, fields...)
	if err != nil {
		h.sendServiceError(w, r, station, err)
		return
	}
	h.sendJSON(w, stats, http.StatusOK)
}

// HealthCheck handles GET /health. It reports the freshness state and answers
// 503 while the store is not live.
func (h *WeatherHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshot := h.weatherService.Status()

	body := map[string]interface{}{
		"status":      "healthy",
		"is_live":     snapshot.IsLive,
		"last_fetch":  snapshot.LastFetch,
		"last_update": snapshot.LastUpdate,
		"timestamp":   h.now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !snapshot.IsLive {
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{
		"is_live": snapshot.IsLive,
	})
	h.sendJSON(w, body, code)
}

// sendServiceError maps service errors to HTTP status codes
func (h *WeatherHandler) sendServiceError(w http.ResponseWriter, r *http.Request, station string, err error) {
	switch {
	case errors.Is(err, models.ErrUnknownStation):
		h.sendError(w, r, "unknown station "+strconv.Quote(station), http.StatusNotFound)
	case errors.Is(err, models.ErrUnavailable):
		h.metrics.RecordAPIError("unavailable", routeName(r))
		h.sendError(w, r, "data is not available", http.StatusServiceUnavailable)
	default:
		h.logger.Error(r.Context(), "[API_ERROR] Request failed", logging.Fields{
			"station": station,
			"path":    r.URL.Path,
		}, err)
		h.metrics.RecordAPIError("internal_error", routeName(r))
		h.sendError(w, r, "request failed", http.StatusInternalServerError)
	}
}

// sendJSON sends a JSON response
func (h *WeatherHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *WeatherHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   message,
		Code:      statusCode,
		RequestID: logging.RequestID(r.Context()),
	}

	h.sendJSON(w, response, statusCode)
}

// RequestID assigns every request an id, taken from the incoming header when
// present, and stores it in the request context for logging.
func (h *WeatherHandler) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// Instrument records request count and duration per route template
func (h *WeatherHandler) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeName(r)
		timer := h.metrics.NewTimer(h.metrics.APIRequestDuration.WithLabelValues(route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := timer.ObserveDuration()
		h.metrics.RecordAPIRequest(route, r.Method, strconv.Itoa(rec.status))
		h.logger.Debug(r.Context(), "[API_REQUEST] Request completed", logging.Fields{
			"route":       route,
			"method":      r.Method,
			"status":      rec.status,
			"duration_ms": duration.Milliseconds(),
		})
	})
}

// RegisterRoutes registers all weather API routes
func (h *WeatherHandler) RegisterRoutes(router *mux.Router) {
	router.Use(h.RequestID, h.Instrument)

	router.HandleFunc("/api/stations", h.GetStations).Methods("GET")
	router.HandleFunc("/api/units", h.GetUnits).Methods("GET")
	router.HandleFunc("/api/status", h.GetStatus).Methods("GET")
	router.HandleFunc("/api/weather/{station}", h.GetMeasurements).Methods("GET")
	router.HandleFunc("/api/weather/{station}/statistics", h.GetStatistics).Methods("GET")
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func parseFields(raw string) ([]models.Field, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	fields := make([]models.Field, 0, len(parts))
	for _, p := range parts {
		f, err := models.ParseField(p)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func parseRange(rawStart, rawStop string) (time.Time, time.Time, error) {
	start, err := parseTime("start", rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	stop, err := parseTime("stop", rawStop)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !start.IsZero() && !stop.IsZero() && stop.Before(start) {
		return time.Time{}, time.Time{}, &models.ValidationError{
			Field:   "stop",
			Value:   rawStop,
			Message: "stop must not be before start",
		}
	}
	return start, stop, nil
}

// parseTime accepts RFC 3339 timestamps, the feed timestamp formats and plain
// dates. Empty means unset.
func parseTime(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := models.ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, &models.ValidationError{
			Field:   name,
			Value:   raw,
			Message: "invalid " + name + " time " + strconv.Quote(raw),
		}
	}
	return t, nil
}

func parseLocation(raw string) (*time.Location, error) {
	if raw == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(raw)
	if err != nil {
		return nil, &models.ValidationError{
			Field:   "tz",
			Value:   raw,
			Message: "unknown time zone " + strconv.Quote(raw),
		}
	}
	return loc, nil
}
