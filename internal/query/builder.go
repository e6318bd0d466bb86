// Package query turns structured weather requests into store query strings.
package query

import (
	"strings"
	"time"

	"meteo-platform/internal/models"
)

// DateLayout is the UTC ISO-8601 form used for time bounds.
const DateLayout = "2006-01-02T15:04:05Z"

// WeatherQuery describes a read against one station.
//
// With neither Start nor Stop it selects the latest record. With both it selects
// the inclusive range [Start, Stop]. With only Start the bound is rendered as
// "now() minus Start", i.e. Start is treated as a relative offset rather than an
// instant. That asymmetry is kept on purpose; callers wanting an absolute lower
// bound must also set Stop.
type WeatherQuery struct {
	Station string
	Fields  []models.Field
	Start   time.Time
	Stop    time.Time
}

// Latest returns a query for the most recent record of station.
func Latest(station string, fields ...models.Field) WeatherQuery {
	return WeatherQuery{Station: station, Fields: fields}
}

// Range returns a query for all records of station within [start, stop].
func Range(station string, start, stop time.Time, fields ...models.Field) WeatherQuery {
	return WeatherQuery{Station: station, Fields: fields, Start: start, Stop: stop}
}

// String renders the query. It performs no validation; a malformed request
// surfaces as a store-side error.
func (q WeatherQuery) String() string {
	return q.render(false)
}

// Statement renders the query for execution. The store does not return the
// time column implicitly, so it is prepended to an explicit field list.
func (q WeatherQuery) Statement() string {
	return q.render(true)
}

func (q WeatherQuery) render(withTime bool) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if withTime && len(q.Fields) > 0 {
		b.WriteString(models.TimeColumn)
		b.WriteString(",")
	}
	b.WriteString(fieldList(q.Fields))
	b.WriteString(" FROM ")
	b.WriteString(q.Station)

	if where, ok := timeFilter(q.Start, q.Stop); ok {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	} else {
		b.WriteString(" ORDER BY time DESC LIMIT 1")
	}
	return b.String()
}

// FormatTime serialises t as UTC with a Z suffix.
func FormatTime(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func fieldList(fields []models.Field) string {
	if len(fields) == 0 {
		return "*"
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ",")
}

func timeFilter(start, stop time.Time) (string, bool) {
	switch {
	case start.IsZero() && stop.IsZero():
		return "", false
	case stop.IsZero():
		return "time > now() - " + FormatTime(start), true
	default:
		return "time >= '" + FormatTime(start) + "' AND time <= '" + FormatTime(stop) + "'", true
	}
}
