package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"meteo-platform/internal/models"
	"meteo-platform/internal/status"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

var day1 = time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)

// memoryStore is an in-memory MeasurementStore with upsert semantics.
type memoryStore struct {
	mu        sync.Mutex
	rows      map[string]map[time.Time]models.Record
	writes    int
	latestErr error
	writeErr  map[string]error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string]map[time.Time]models.Record), writeErr: make(map[string]error)}
}

func (m *memoryStore) LatestTimestamp(_ context.Context, station string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestErr != nil {
		return time.Time{}, false, m.latestErr
	}
	var latest time.Time
	for ts := range m.rows[station] {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest, !latest.IsZero(), nil
}

func (m *memoryStore) WriteBatch(_ context.Context, station string, records []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr[station]; err != nil {
		return err
	}
	if m.rows[station] == nil {
		m.rows[station] = make(map[time.Time]models.Record)
	}
	for _, r := range records {
		m.rows[station][r.Time.Truncate(time.Second)] = r
	}
	m.writes++
	return nil
}

func (m *memoryStore) sorted(station string) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Record, 0, len(m.rows[station]))
	for _, r := range m.rows[station] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// dayFetcher serves 144 ten-minute records for every day in [first, last].
type dayFetcher struct {
	mu     sync.Mutex
	first  time.Time
	last   time.Time
	calls  map[string]int
	failOn map[string]error
}

func newDayFetcher(first, last time.Time) *dayFetcher {
	return &dayFetcher{first: first, last: last, calls: make(map[string]int), failOn: make(map[string]error)}
}

func (f *dayFetcher) FetchRecords(_ context.Context, station string, day time.Time) ([]models.Record, error) {
	f.mu.Lock()
	f.calls[station]++
	err := f.failOn[station]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if day.Before(f.first) || day.After(f.last) {
		return nil, nil
	}
	return daySamples(day), nil
}

func daySamples(day time.Time) []models.Record {
	out := make([]models.Record, 0, 144)
	for i := 0; i < 144; i++ {
		r := models.Record{
			Time:   day.Add(time.Duration(i) * 10 * time.Minute),
			Values: map[models.Field]float64{models.AirTemperature: float64(i) / 10},
		}
		r.Complete()
		out = append(out, r)
	}
	return out
}

func newTestEngine(t *testing.T, cfg CatchUpConfig, store MeasurementStore, fetcher DayFetcher, now time.Time) (*CatchUpService, *status.Tracker, *metrics.Collector) {
	t.Helper()
	if cfg.Stations == nil {
		cfg.Stations = []string{"mythenquai"}
	}
	tracker := status.NewTracker()
	m := metrics.NewCollector("catchuptest", prometheus.NewRegistry())
	svc := NewCatchUpService(cfg, store, fetcher, tracker, logging.NewNopLogger(), m)
	svc.now = func() time.Time { return now }
	svc.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return svc, tracker, m
}

func TestRunOnce_EmptyStoreThreeDays(t *testing.T) {
	store := newMemoryStore()
	day3 := day1.AddDate(0, 0, 2)
	fetcher := newDayFetcher(day1, day3)
	now := day3.Add(12 * time.Hour)

	svc, tracker, _ := newTestEngine(t, CatchUpConfig{EmptyStationStart: day1}, store, fetcher, now)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	rows := store.sorted("mythenquai")
	if len(rows) != 432 {
		t.Fatalf("stored %d records, want 432", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if !rows[i].Time.After(rows[i-1].Time) {
			t.Fatalf("records not strictly ascending at %d", i)
		}
	}

	wantLast := day3.Add(23*time.Hour + 50*time.Minute)
	if got, ok := svc.Cache().Get("mythenquai"); !ok || !got.Equal(wantLast) {
		t.Errorf("last entry = %v, %v; want %v", got, ok, wantLast)
	}

	snap := tracker.Snapshot()
	if !snap.IsLive || snap.LastFetch == nil || !snap.LastFetch.Equal(wantLast) {
		t.Errorf("freshness = %+v, want live at newest record %v", snap, wantLast)
	}
}

func TestRunOnce_Idempotent(t *testing.T) {
	store := newMemoryStore()
	day3 := day1.AddDate(0, 0, 2)
	fetcher := newDayFetcher(day1, day3)

	svc, _, _ := newTestEngine(t, CatchUpConfig{EmptyStationStart: day1}, store, fetcher, day3.Add(time.Hour))
	ctx := context.Background()

	if err := svc.RunOnce(ctx); err != nil {
		t.Fatalf("first RunOnce() error = %v", err)
	}
	before, _ := svc.Cache().Get("mythenquai")
	writes := store.writes

	if err := svc.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	after, _ := svc.Cache().Get("mythenquai")

	if got := len(store.sorted("mythenquai")); got != 432 {
		t.Errorf("stored %d records after rerun, want 432", got)
	}
	if !after.Equal(before) {
		t.Errorf("last entry moved from %v to %v", before, after)
	}
	if store.writes != writes {
		t.Errorf("rerun issued %d extra writes", store.writes-writes)
	}
}

func TestIngestDay_DropsAlreadyStoredRows(t *testing.T) {
	store := newMemoryStore()
	cutoff := day1.Add(12 * time.Hour)
	var existing []models.Record
	for _, r := range daySamples(day1) {
		if !r.Time.After(cutoff) {
			existing = append(existing, r)
		}
	}
	if err := store.WriteBatch(context.Background(), "mythenquai", existing); err != nil {
		t.Fatal(err)
	}

	svc, _, _ := newTestEngine(t, CatchUpConfig{}, store, newDayFetcher(day1, day1), day1.Add(13*time.Hour))
	lastDays := map[string]time.Time{"mythenquai": day1}

	written, err := svc.ingestDay(context.Background(), "mythenquai", day1, lastDays)
	if err != nil {
		t.Fatalf("ingestDay() error = %v", err)
	}
	if want := 144 - len(existing); written != want {
		t.Errorf("written = %d, want %d", written, want)
	}
	if got := len(store.sorted("mythenquai")); got != 144 {
		t.Errorf("stored %d, want 144", got)
	}
}

func TestIngestDay_RepeatIsNoop(t *testing.T) {
	store := newMemoryStore()
	svc, _, _ := newTestEngine(t, CatchUpConfig{ForceQueryLastEntry: true}, store, newDayFetcher(day1, day1), day1)
	lastDays := map[string]time.Time{"mythenquai": day1}
	ctx := context.Background()

	if _, err := svc.ingestDay(ctx, "mythenquai", day1, lastDays); err != nil {
		t.Fatal(err)
	}
	snapshot := store.sorted("mythenquai")

	written, err := svc.ingestDay(ctx, "mythenquai", day1, lastDays)
	if err != nil {
		t.Fatal(err)
	}
	if written != 0 {
		t.Errorf("second ingest wrote %d records", written)
	}
	again := store.sorted("mythenquai")
	if len(again) != len(snapshot) {
		t.Fatalf("row count changed %d -> %d", len(snapshot), len(again))
	}
	for i := range again {
		if !again[i].Time.Equal(snapshot[i].Time) || again[i].Value(models.AirTemperature) != snapshot[i].Value(models.AirTemperature) {
			t.Fatalf("row %d drifted", i)
		}
	}
}

func TestRunOnce_StationFailureIsIsolated(t *testing.T) {
	store := newMemoryStore()
	day2 := day1.AddDate(0, 0, 1)
	fetcher := newDayFetcher(day1, day2)
	fetcher.failOn["tiefenbrunnen"] = errors.New("connection reset")
	store.writeErr["broken"] = errors.New("disk full")

	cfg := CatchUpConfig{
		Stations:          []string{"tiefenbrunnen", "broken", "mythenquai"},
		EmptyStationStart: day1,
	}
	svc, tracker, m := newTestEngine(t, cfg, store, fetcher, day2.Add(time.Hour))

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got := len(store.sorted("mythenquai")); got != 288 {
		t.Errorf("healthy station stored %d, want 288", got)
	}
	if got := len(store.sorted("tiefenbrunnen")); got != 0 {
		t.Errorf("failing station stored %d, want 0", got)
	}
	if got := testutil.ToFloat64(m.IngestionErrorsTotal.WithLabelValues(string(models.KindTransport))); got == 0 {
		t.Error("transport errors not counted")
	}
	if got := testutil.ToFloat64(m.IngestionErrorsTotal.WithLabelValues(string(models.KindStore))); got == 0 {
		t.Error("store errors not counted")
	}
	snap := tracker.Snapshot()
	if !snap.IsLive {
		t.Error("a pass with one healthy station must keep the service live")
	}
	wantLast := day2.Add(23*time.Hour + 50*time.Minute)
	if snap.LastFetch == nil || !snap.LastFetch.Equal(wantLast) {
		t.Errorf("LastFetch = %v, want newest record %v", snap.LastFetch, wantLast)
	}
}

func TestRunOnce_AllStationsFailMarksDown(t *testing.T) {
	tests := []struct {
		name  string
		setup func(store *memoryStore, fetcher *dayFetcher)
	}{
		{
			name: "fetch failures",
			setup: func(_ *memoryStore, fetcher *dayFetcher) {
				fetcher.failOn["mythenquai"] = errors.New("connection reset")
				fetcher.failOn["tiefenbrunnen"] = &models.IngestionError{Kind: models.KindParse, Err: errors.New("bad json")}
			},
		},
		{
			name: "write failures",
			setup: func(store *memoryStore, _ *dayFetcher) {
				store.writeErr["mythenquai"] = errors.New("disk full")
				store.writeErr["tiefenbrunnen"] = errors.New("disk full")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			fetcher := newDayFetcher(day1, day1)
			tt.setup(store, fetcher)

			cfg := CatchUpConfig{Stations: []string{"mythenquai", "tiefenbrunnen"}, EmptyStationStart: day1}
			svc, tracker, _ := newTestEngine(t, cfg, store, fetcher, day1.Add(6*time.Hour))

			earlier := day1.Add(-time.Hour)
			tracker.MarkLive(earlier)

			if err := svc.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}

			snap := tracker.Snapshot()
			if snap.IsLive {
				t.Error("nothing was ingested but the service is live")
			}
			if snap.LastFetch == nil || !snap.LastFetch.Equal(earlier) {
				t.Errorf("LastFetch = %v, want preserved %v", snap.LastFetch, earlier)
			}
			if snap.LastUpdate == nil || !snap.LastUpdate.Equal(earlier) {
				t.Errorf("LastUpdate = %v, want preserved %v", snap.LastUpdate, earlier)
			}
		})
	}
}

func TestLastEntry_MonotonicAcrossFailures(t *testing.T) {
	store := newMemoryStore()
	day2 := day1.AddDate(0, 0, 1)
	fetcher := newDayFetcher(day1, day2)
	svc, _, _ := newTestEngine(t, CatchUpConfig{EmptyStationStart: day1}, store, fetcher, day2.Add(time.Hour))
	ctx := context.Background()

	if err := svc.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	high, _ := svc.Cache().Get("mythenquai")

	// A later cycle that fails on write, then one that sees stale data.
	store.writeErr["mythenquai"] = errors.New("timeout")
	if err := svc.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := svc.Cache().Get("mythenquai"); got.Before(high) {
		t.Errorf("last entry went backwards: %v < %v", got, high)
	}

	if svc.Cache().Update("mythenquai", day1) {
		t.Error("cache accepted an older timestamp")
	}
	if got, _ := svc.Cache().Get("mythenquai"); !got.Equal(high) {
		t.Errorf("last entry = %v, want %v", got, high)
	}
}

func TestRunPeriodic_WaitsForNextBoundary(t *testing.T) {
	store := newMemoryStore()
	now := day1.Add(12*time.Hour + 3*time.Minute + 20*time.Second)
	svc, _, _ := newTestEngine(t, CatchUpConfig{}, store, newDayFetcher(day1, day1), now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		cancel()
		return ctx.Err()
	}

	err := svc.RunPeriodic(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunPeriodic() error = %v, want context.Canceled", err)
	}
	if len(waits) != 1 || waits[0] != 6*time.Minute+40*time.Second {
		t.Errorf("waits = %v, want [6m40s]", waits)
	}
	if got := len(store.sorted("mythenquai")); got != 144 {
		t.Errorf("stored %d, want 144 for today", got)
	}
}

func TestRunPeriodic_RestartsAndMarksDown(t *testing.T) {
	store := newMemoryStore()
	store.latestErr = errors.New("connection refused")
	svc, tracker, m := newTestEngine(t, CatchUpConfig{RestartDelay: time.Second}, store, newDayFetcher(day1, day1), day1)

	earlier := day1.Add(-time.Hour)
	tracker.MarkLive(earlier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeps := 0
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		if d != time.Second {
			t.Errorf("restart delay = %v, want 1s", d)
		}
		if sleeps++; sleeps == 3 {
			cancel()
		}
		return ctx.Err()
	}

	if err := svc.RunPeriodic(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunPeriodic() error = %v", err)
	}

	snap := tracker.Snapshot()
	if snap.IsLive {
		t.Error("failed cycles must mark the service down")
	}
	if snap.LastFetch == nil || !snap.LastFetch.Equal(earlier) {
		t.Errorf("LastFetch = %v, want preserved %v", snap.LastFetch, earlier)
	}
	if got := testutil.ToFloat64(m.CatchUpRestartsTotal); got != 2 {
		t.Errorf("restarts = %v, want 2", got)
	}
}

func TestUntilNextTick(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Duration
	}{
		{day1.Add(3 * time.Minute), 7 * time.Minute},
		{day1, 10 * time.Minute},
		{day1.Add(59*time.Minute + 59*time.Second), time.Second},
	}
	for _, tt := range tests {
		svc, _, _ := newTestEngine(t, CatchUpConfig{}, newMemoryStore(), newDayFetcher(day1, day1), tt.now)
		if got := svc.untilNextTick(); got != tt.want {
			t.Errorf("untilNextTick() at %v = %v, want %v", tt.now, got, tt.want)
		}
	}
}
