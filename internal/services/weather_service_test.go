package services

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"meteo-platform/internal/models"
	"meteo-platform/internal/query"
	"meteo-platform/internal/status"
	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

type stubQueryStore struct {
	table   *models.Table
	err     error
	queries []string
}

func (s *stubQueryStore) Execute(_ context.Context, station, q string) (*models.Table, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	return s.table, nil
}

func newTestWeatherService(t *testing.T, store QueryStore) (*WeatherService, *status.Tracker, *metrics.Collector) {
	t.Helper()
	zurich, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	tracker := status.NewTracker()
	m := metrics.NewCollector("querytest", prometheus.NewRegistry())
	return NewWeatherService(store, tracker, []string{"mythenquai", "tiefenbrunnen"}, zurich, logging.NewNopLogger(), m), tracker, m
}

func sampleTable(times ...time.Time) *models.Table {
	t := &models.Table{Station: "mythenquai", Columns: []models.Field{models.AirTemperature}}
	for i, ts := range times {
		t.Rows = append(t.Rows, models.Record{Time: ts, Values: map[models.Field]float64{models.AirTemperature: float64(i)}})
	}
	return t
}

func TestRunQuery(t *testing.T) {
	ts := time.Date(2021, 7, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		store   *stubQueryStore
		query   query.WeatherQuery
		wantErr error
	}{
		{
			name:  "converts to service zone",
			store: &stubQueryStore{table: sampleTable(ts)},
			query: query.Latest("mythenquai", models.AirTemperature),
		},
		{
			name:    "unknown station",
			store:   &stubQueryStore{table: sampleTable(ts)},
			query:   query.Latest("atlantis"),
			wantErr: models.ErrUnknownStation,
		},
		{
			name:    "store error",
			store:   &stubQueryStore{err: errors.New("connection refused")},
			query:   query.Latest("mythenquai"),
			wantErr: models.ErrUnavailable,
		},
		{
			name:    "empty result",
			store:   &stubQueryStore{table: &models.Table{}},
			query:   query.Latest("mythenquai"),
			wantErr: models.ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestWeatherService(t, tt.store)
			table, err := svc.RunQuery(context.Background(), tt.query, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("RunQuery() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("RunQuery() error = %v", err)
			}
			got := table.Rows[0].Time
			if got.Location().String() != "Europe/Zurich" || got.Hour() != 12 {
				t.Errorf("time = %v, want 12:00 Europe/Zurich", got)
			}
			if !got.Equal(ts) {
				t.Error("conversion must not change the instant")
			}
		})
	}
}

func TestRunQuery_UsesExecutableStatement(t *testing.T) {
	store := &stubQueryStore{table: sampleTable(time.Now())}
	svc, _, _ := newTestWeatherService(t, store)

	if _, err := svc.RunQuery(context.Background(), query.Latest("mythenquai", models.Humidity), time.UTC); err != nil {
		t.Fatal(err)
	}
	want := "SELECT time,humidity FROM mythenquai ORDER BY time DESC LIMIT 1"
	if len(store.queries) != 1 || store.queries[0] != want {
		t.Errorf("queries = %v, want [%s]", store.queries, want)
	}
}

func TestHealthCheck(t *testing.T) {
	last := time.Date(2021, 7, 1, 10, 0, 0, 0, time.UTC)

	t.Run("success marks live with record time", func(t *testing.T) {
		store := &stubQueryStore{table: sampleTable(last.Add(-10*time.Minute), last)}
		svc, tracker, m := newTestWeatherService(t, store)

		if !svc.HealthCheck(context.Background()) {
			t.Fatal("HealthCheck() = false")
		}
		if store.queries[0] != "SELECT time,air_temperature FROM mythenquai ORDER BY time DESC LIMIT 1" {
			t.Errorf("query = %q", store.queries[0])
		}
		live, fetched := tracker.Status()
		if !live || fetched == nil || !fetched.Equal(last) {
			t.Errorf("status = %v, %v; want live at %v", live, fetched, last)
		}
		if got := testutil.ToFloat64(m.HealthChecksTotal.WithLabelValues("success")); got != 1 {
			t.Errorf("success count = %v", got)
		}
	})

	t.Run("failure marks down and keeps timestamps", func(t *testing.T) {
		store := &stubQueryStore{err: errors.New("timeout")}
		svc, tracker, _ := newTestWeatherService(t, store)
		tracker.MarkLive(last)

		if svc.HealthCheck(context.Background()) {
			t.Fatal("HealthCheck() = true")
		}
		snap := tracker.Snapshot()
		if snap.IsLive || snap.LastFetch == nil || !snap.LastFetch.Equal(last) {
			t.Errorf("snapshot = %+v", snap)
		}
	})
}

func TestStations_ReturnsCopy(t *testing.T) {
	svc, _, _ := newTestWeatherService(t, &stubQueryStore{})
	st := svc.Stations()
	st[0] = "changed"
	if svc.Stations()[0] != "mythenquai" {
		t.Error("Stations() must not expose internal slice")
	}
}
