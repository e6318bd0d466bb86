// Package tecdottir fetches day-bucketed station measurements from the
// tecdottir API.
package tecdottir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"meteo-platform/internal/models"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

const dateLayout = "2006-01-02"

// Config holds client settings
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	RetryDelay     time.Duration
}

// Value is one measured channel as delivered by the API.
type Value struct {
	Value  json.RawMessage `json:"value"`
	Unit   string          `json:"unit"`
	Status string          `json:"status"`
}

// Measurement is one ten-minute sample of a station.
type Measurement struct {
	Station   string           `json:"station"`
	Timestamp string           `json:"timestamp"`
	Values    map[string]Value `json:"values"`
}

// DayPayload is the response body for one day window.
type DayPayload struct {
	OK     bool          `json:"ok"`
	Result []Measurement `json:"result"`
}

// Records converts the payload into complete records, ascending by time.
// Unknown channels are ignored and missing values become 0.
func (p *DayPayload) Records() ([]models.Record, error) {
	if p == nil {
		return nil, nil
	}

	records := make([]models.Record, 0, len(p.Result))
	for _, m := range p.Result {
		ts, err := models.ParseTimestamp(m.Timestamp)
		if err != nil {
			return nil, err
		}

		rec := models.Record{Time: ts, Values: make(map[models.Field]float64, len(models.Fields))}
		for name, v := range flatten(m.Values) {
			f, ok := models.RemoteKeyMapping[name]
			if !ok {
				continue
			}
			val, err := rawValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s at %s: %w", name, m.Timestamp, err)
			}
			rec.Values[f] = val
		}
		rec.Complete()
		records = append(records, rec)
	}

	return models.SortDedupe(records), nil
}

// flatten keys channel values the way the API's tabular export names them.
func flatten(values map[string]Value) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(values))
	for name, v := range values {
		out["values."+name+".value"] = v.Value
	}
	return out
}

func rawValue(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, err
		}
		s = str
	}
	return models.ParseValue(s)
}

// Client is the remote fetcher. Transport failures are retried without limit
// after a fixed delay; the retry loop only ends when the context does.
type Client struct {
	baseURL    string
	http       *http.Client
	retryDelay time.Duration
	breaker    *gobreaker.CircuitBreaker
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. A nil httpClient gets one with cfg.RequestTimeout.
func NewClient(cfg Config, httpClient *http.Client, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 10 * time.Second
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       httpClient,
		retryDelay: retryDelay,
		logger:     logger,
		metrics:    metricsCollector,
		sleep:      sleepContext,
	}

	// While open the breaker short-circuits attempts, which still wait out the
	// retry delay. Only transport errors count as failures.
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tecdottir",
		Timeout: 6 * retryDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "[FETCH_BREAKER] Circuit breaker state changed", logging.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return c
}

// DayURL returns the request URL for station and the UTC day containing day.
func (c *Client) DayURL(station string, day time.Time) string {
	start := models.TruncateDay(day)
	q := url.Values{}
	q.Set("startDate", start.Format(dateLayout))
	q.Set("endDate", start.AddDate(0, 0, 1).Format(dateLayout))
	return fmt.Sprintf("%s/measurements/%s?%s", c.baseURL, url.PathEscape(station), q.Encode())
}

// FetchDay downloads one day window for station. A nil payload with a nil
// error means the server answered but had nothing usable.
func (c *Client) FetchDay(ctx context.Context, station string, day time.Time) (*DayPayload, error) {
	target := c.DayURL(station, day)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &models.IngestionError{Kind: models.KindTransport, Station: station, Day: models.TruncateDay(day), Err: err}
	}
	req.Header.Set("Accept", "application/json")

	timer := c.metrics.NewTimer(c.metrics.FetchDuration)
	defer timer.ObserveDuration()

	var resp *http.Response
	for attempt := 1; ; attempt++ {
		resp, err = c.do(req)
		if err == nil {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		c.metrics.FetchRetriesTotal.WithLabelValues(station).Inc()
		c.logger.Warn(ctx, "[FETCH_RETRY] Remote unreachable, retrying", logging.Fields{
			"station":  station,
			"url":      target,
			"attempt":  attempt,
			"retry_in": c.retryDelay.String(),
			"error":    err.Error(),
		})
		if err := c.sleep(ctx, c.retryDelay); err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.metrics.RecordFetch(station, "rejected")
		c.logger.Warn(ctx, "[FETCH_REJECTED] Remote returned error status", logging.Fields{
			"station": station,
			"url":     target,
			"status":  resp.StatusCode,
		})
		return nil, nil
	}

	var payload DayPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.metrics.RecordFetch(station, "invalid")
		return nil, &models.IngestionError{
			Kind:    models.KindParse,
			Station: station,
			Day:     models.TruncateDay(day),
			Err:     fmt.Errorf("decode payload: %w", err),
		}
	}

	if !payload.OK && len(payload.Result) == 0 {
		c.metrics.RecordFetch(station, "empty")
		return nil, nil
	}

	c.metrics.RecordFetch(station, "ok")
	c.logger.Debug(ctx, "[FETCH_DAY] Day fetched", logging.Fields{
		"station": station,
		"day":     models.TruncateDay(day).Format(dateLayout),
		"count":   len(payload.Result),
	})
	return &payload, nil
}

// FetchRecords fetches one day window and converts it to records.
func (c *Client) FetchRecords(ctx context.Context, station string, day time.Time) ([]models.Record, error) {
	payload, err := c.FetchDay(ctx, station, day)
	if err != nil {
		return nil, err
	}
	records, err := payload.Records()
	if err != nil {
		return nil, &models.IngestionError{Kind: models.KindParse, Station: station, Day: models.TruncateDay(day), Err: err}
	}
	return records, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.http.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("remote marked unreachable: %w", err)
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
