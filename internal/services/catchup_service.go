package services

import (
	"context"
	"errors"
	"time"

	"meteo-platform/internal/models"
	"meteo-platform/internal/status"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

// MeasurementStore is the part of the store client used by the catch-up engine
type MeasurementStore interface {
	LatestTimestamp(ctx context.Context, station string) (time.Time, bool, error)
	WriteBatch(ctx context.Context, station string, records []models.Record) error
}

// DayFetcher retrieves the remote records of one UTC day. A nil slice with a
// nil error means the remote had nothing for that day.
type DayFetcher interface {
	FetchRecords(ctx context.Context, station string, day time.Time) ([]models.Record, error)
}

// CatchUpConfig configures the catch-up engine
type CatchUpConfig struct {
	Stations     []string
	PollInterval time.Duration
	RestartDelay time.Duration
	// ForceQueryLastEntry always asks the store for the last entry instead of
	// trusting the in-memory cache.
	ForceQueryLastEntry bool
	// EmptyStationStart is the first day fetched for a station without data.
	// Zero means today.
	EmptyStationStart time.Time
}

// CatchUpService walks each station forward day by day from its last stored
// record to today, then optionally keeps polling.
type CatchUpService struct {
	cfg     CatchUpConfig
	store   MeasurementStore
	fetcher DayFetcher
	tracker *status.Tracker
	cache   *LastEntryCache
	logger  *logging.StructuredLogger
	metrics *metrics.Collector

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCatchUpService creates a new catch-up engine
func NewCatchUpService(
	cfg CatchUpConfig,
	store MeasurementStore,
	fetcher DayFetcher,
	tracker *status.Tracker,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *CatchUpService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Minute
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 3 * time.Second
	}
	if tracker == nil {
		tracker = status.NewTracker()
	}

	return &CatchUpService{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		tracker: tracker,
		cache:   NewLastEntryCache(),
		logger:  logger.With(logging.Fields{"component": "catchup"}),
		metrics: metricsCollector,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}
}

// Cache returns the engine's last-entry cache
func (s *CatchUpService) Cache() *LastEntryCache {
	return s.cache
}

// ResetCache clears the last-entry cache. Call it after dropping the store.
func (s *CatchUpService) ResetCache() {
	s.cache.Reset()
}

// RunOnce catches every station up to today, makes one extra pass over
// today's partial window and returns.
func (s *CatchUpService) RunOnce(ctx context.Context) error {
	return s.run(ctx, false)
}

// RunPeriodic catches up and then polls on every interval boundary until ctx is
// done. A failed run marks the service down and is restarted after the restart
// delay, without limit.
func (s *CatchUpService) RunPeriodic(ctx context.Context) error {
	for restarts := 0; ; restarts++ {
		if restarts > 0 {
			s.metrics.CatchUpRestartsTotal.Inc()
			s.logger.Info(ctx, "[CATCHUP_RESTART] Restarting periodic read", logging.Fields{
				"attempt": restarts,
			})
		} else {
			s.logger.Info(ctx, "[CATCHUP_START] Periodic read started", logging.Fields{
				"stations":      s.cfg.Stations,
				"poll_interval": s.cfg.PollInterval.String(),
			})
		}

		err := s.run(ctx, true)
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.logger.Info(ctx, "[CATCHUP_STOP] Periodic read stopped", logging.Fields{})
			return ctxErr
		}
		if err == nil {
			err = errors.New("periodic read returned unexpectedly")
		}

		s.tracker.MarkDown()
		s.metrics.RecordIngestionError(string(models.KindOf(err)))
		s.logger.Error(ctx, "[CATCHUP_FAILED] Periodic read failed", logging.Fields{
			"attempt":    restarts,
			"restart_in": s.cfg.RestartDelay.String(),
			"error_kind": string(models.KindOf(err)),
		}, err)

		if err := s.sleep(ctx, s.cfg.RestartDelay); err != nil {
			return err
		}
	}
}

func (s *CatchUpService) run(ctx context.Context, periodic bool) error {
	today := models.TruncateDay(s.now())

	lastDays := make(map[string]time.Time, len(s.cfg.Stations))
	for _, station := range s.cfg.Stations {
		ts, ok, err := s.lastEntry(ctx, station)
		if err != nil {
			return &models.IngestionError{Kind: models.KindStore, Station: station, Err: err}
		}
		lastDays[station] = s.startDay(ts, ok, today)
	}

	cursor := today
	for _, day := range lastDays {
		if day.Before(cursor) {
			cursor = day
		}
	}

	s.logger.Info(ctx, "[CATCHUP_PLAN] Catch-up starting", logging.Fields{
		"from":     cursor.Format("2006-01-02"),
		"to":       today.Format("2006-01-02"),
		"periodic": periodic,
	})

	firstCycle, lastCycle := true, false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !cursor.Before(today) {
			if periodic && !firstCycle {
				wait := s.untilNextTick()
				s.logger.Debug(ctx, "[CATCHUP_SLEEP] Caught up, waiting for next poll", logging.Fields{
					"sleep": wait.String(),
				})
				if err := s.sleep(ctx, wait); err != nil {
					return err
				}
				today = models.TruncateDay(s.now())
			}
			if !periodic {
				if lastCycle {
					s.logger.Info(ctx, "[CATCHUP_COMPLETE] Historical catch-up finished", logging.Fields{
						"day": cursor.Format("2006-01-02"),
					})
					return nil
				}
				lastCycle = true
			}
		}

		if err := s.pass(ctx, cursor, lastDays); err != nil {
			return err
		}

		if cursor.Before(today) {
			cursor = cursor.AddDate(0, 0, 1)
		} else if periodic {
			cursor = today
		}
		firstCycle = false
	}
}

// pass processes one day for every station that is due. Station failures are
// logged and counted; only cancellation aborts the pass.
//
// The service is marked down when every due station failed, otherwise live at
// the newest stored record time.
func (s *CatchUpService) pass(ctx context.Context, day time.Time, lastDays map[string]time.Time) error {
	timer := s.metrics.NewTimer(s.metrics.CatchUpPassDuration)
	defer timer.ObserveDuration()

	due, failed := 0, 0
	for _, station := range s.cfg.Stations {
		if lastDays[station].After(day) {
			continue
		}
		due++

		written, err := s.ingestDay(ctx, station, day, lastDays)
		if err != nil {
			failed++
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.metrics.RecordIngestionError(string(models.KindOf(err)))
			s.logger.Error(ctx, "[CATCHUP_STATION_ERROR] Station day failed", logging.Fields{
				"station":    station,
				"day":        day.Format("2006-01-02"),
				"error_kind": string(models.KindOf(err)),
			}, err)
			continue
		}

		if written == 0 {
			s.logger.Debug(ctx, "[CATCHUP_NO_DATA] No new data received", logging.Fields{
				"station": station,
				"day":     day.Format("2006-01-02"),
			})
		}
	}

	if due > 0 && failed == due {
		s.logger.Warn(ctx, "[CATCHUP_PASS_FAILED] Every due station failed", logging.Fields{
			"day":      day.Format("2006-01-02"),
			"stations": due,
		})
		s.tracker.MarkDown()
		return nil
	}

	s.tracker.MarkLive(s.newestEntry())
	return nil
}

// newestEntry returns the latest cached Last-Known-Entry over all stations,
// zero if none is known.
func (s *CatchUpService) newestEntry() time.Time {
	var newest time.Time
	for _, station := range s.cfg.Stations {
		if ts, ok := s.cache.Get(station); ok && ts.After(newest) {
			newest = ts
		}
	}
	return newest
}

// ingestDay fetches one day for station, drops rows already stored and writes
// the rest. It returns the number of records written.
func (s *CatchUpService) ingestDay(ctx context.Context, station string, day time.Time, lastDays map[string]time.Time) (int, error) {
	last, hasLast, err := s.lastEntry(ctx, station)
	if err != nil {
		return 0, &models.IngestionError{Kind: models.KindStore, Station: station, Day: day, Err: err}
	}
	if hasLast {
		lastDays[station] = models.TruncateDay(last)
	}

	records, err := s.fetcher.FetchRecords(ctx, station, day)
	if err != nil {
		var ie *models.IngestionError
		if errors.As(err, &ie) {
			return 0, err
		}
		return 0, &models.IngestionError{Kind: models.KindTransport, Station: station, Day: day, Err: err}
	}

	if hasLast {
		records = models.After(records, last)
	}
	if len(records) == 0 {
		return 0, nil
	}

	if err := s.store.WriteBatch(ctx, station, records); err != nil {
		return 0, &models.IngestionError{Kind: models.KindStore, Station: station, Day: day, Err: err}
	}

	newest := records[0].Time
	for _, r := range records[1:] {
		if r.Time.After(newest) {
			newest = r.Time
		}
	}
	s.cache.Update(station, newest.Truncate(time.Second))

	s.logger.Debug(ctx, "[CATCHUP_WRITE] Station day written", logging.Fields{
		"station": station,
		"day":     day.Format("2006-01-02"),
		"count":   len(records),
		"newest":  newest.Format(time.RFC3339),
	})
	return len(records), nil
}

// lastEntry returns the newest stored timestamp, cache first unless forced.
func (s *CatchUpService) lastEntry(ctx context.Context, station string) (time.Time, bool, error) {
	if !s.cfg.ForceQueryLastEntry {
		if ts, ok := s.cache.Get(station); ok {
			return ts, true, nil
		}
	}

	ts, ok, err := s.store.LatestTimestamp(ctx, station)
	if err != nil {
		return time.Time{}, false, err
	}
	if ok {
		s.cache.Update(station, ts)
	}
	return ts, ok, nil
}

func (s *CatchUpService) startDay(last time.Time, ok bool, today time.Time) time.Time {
	switch {
	case ok:
		return models.TruncateDay(last)
	case !s.cfg.EmptyStationStart.IsZero():
		return models.TruncateDay(s.cfg.EmptyStationStart)
	default:
		return today
	}
}

// untilNextTick returns the wait until the next poll interval boundary.
func (s *CatchUpService) untilNextTick() time.Duration {
	now := s.now()
	return now.Truncate(s.cfg.PollInterval).Add(s.cfg.PollInterval).Sub(now)
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
