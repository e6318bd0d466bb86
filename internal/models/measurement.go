package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Field is a named numeric measurement channel. The value is the store column name.
type Field string

const (
	AirTemperature    Field = "air_temperature"
	WaterTemperature  Field = "water_temperature"
	DewPoint          Field = "dew_point"
	Precipitation     Field = "precipitation"
	WaterLevel        Field = "water_level"
	Pressure          Field = "barometric_pressure_qfe"
	Humidity          Field = "humidity"
	WindDirection     Field = "wind_direction"
	WindForceAvg10Min Field = "wind_force_avg_10min"
	WindGustMax10Min  Field = "wind_gust_max_10min"
	WindSpeedAvg10Min Field = "wind_speed_avg_10min"
	WindChill         Field = "windchill"
	GlobalRadiation   Field = "global_radiation"
)

// TimeColumn is the store column holding the record timestamp.
const TimeColumn = "time"

// Fields lists every known field in store column order.
var Fields = []Field{
	AirTemperature,
	WaterTemperature,
	DewPoint,
	Precipitation,
	WaterLevel,
	Pressure,
	Humidity,
	WindDirection,
	WindForceAvg10Min,
	WindGustMax10Min,
	WindSpeedAvg10Min,
	WindChill,
	GlobalRadiation,
}

// Units taken from https://data.stadt-zuerich.ch/dataset/sid_wapo_wetterstationen
var units = map[Field]string{
	AirTemperature:    "°C",
	WaterTemperature:  "°C",
	DewPoint:          "°C",
	Precipitation:     "mm",
	WaterLevel:        "m",
	Pressure:          "hPa",
	Humidity:          "%",
	WindDirection:     "°",
	WindForceAvg10Min: "bft",
	WindGustMax10Min:  "m/s",
	WindSpeedAvg10Min: "m/s",
	WindChill:         "°C",
	GlobalRadiation:   "W/m²",
}

// Unit returns the unit of measure for f. Every entry of Fields has one;
// a missing entry is a programming error and panics.
func Unit(f Field) string {
	u, ok := units[f]
	if !ok {
		panic(fmt.Sprintf("models: no unit for field %q", string(f)))
	}
	return u
}

// Units returns a copy of the field to unit table.
func Units() map[Field]string {
	out := make(map[Field]string, len(units))
	for k, v := range units {
		out[k] = v
	}
	return out
}

// Valid reports whether f belongs to the known field set.
func (f Field) Valid() bool {
	_, ok := units[f]
	return ok
}

// ParseField resolves a store column name to a Field.
func ParseField(name string) (Field, error) {
	f := Field(strings.TrimSpace(name))
	if !f.Valid() {
		return "", &ValidationError{
			Field:   "field",
			Value:   name,
			Message: fmt.Sprintf("unknown measurement field %q", name),
		}
	}
	return f, nil
}

// RemoteKeyMapping maps flattened remote payload keys to store fields.
var RemoteKeyMapping = map[string]Field{
	"values.air_temperature.value":         AirTemperature,
	"values.barometric_pressure_qfe.value": Pressure,
	"values.dew_point.value":               DewPoint,
	"values.global_radiation.value":        GlobalRadiation,
	"values.humidity.value":                Humidity,
	"values.precipitation.value":           Precipitation,
	"values.water_level.value":             WaterLevel,
	"values.water_temperature.value":       WaterTemperature,
	"values.wind_direction.value":          WindDirection,
	"values.wind_force_avg_10min.value":    WindForceAvg10Min,
	"values.wind_gust_max_10min.value":     WindGustMax10Min,
	"values.wind_speed_avg_10min.value":    WindSpeedAvg10Min,
	"values.windchill.value":               WindChill,
}

// ParseValue converts a raw upstream value into a float.
//
// Missing values ("", ".", "null") become 0. The upstream data has always been
// stored this way, so a stored 0 cannot be told apart from "no reading".
func ParseValue(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	switch s {
	case "", ".", "null", "NaN", "nan":
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ValidationError{
			Field:   "value",
			Value:   raw,
			Message: fmt.Sprintf("invalid numeric value %q", raw),
		}
	}
	return v, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07:00",
	"02.01.2006 15:04:05",
}

// ParseTimestamp parses the timestamp formats found in the live feed and the CSV
// archives. Values without an offset are taken as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{
		Field:   "timestamp",
		Value:   raw,
		Message: fmt.Sprintf("unrecognised timestamp %q", raw),
	}
}

// Record is one timestamped tuple of field values for one station.
type Record struct {
	Time   time.Time         `json:"time"`
	Values map[Field]float64 `json:"values"`
}

// Complete fills every known field that has no value with 0.
func (r *Record) Complete() {
	if r.Values == nil {
		r.Values = make(map[Field]float64, len(Fields))
	}
	for _, f := range Fields {
		if _, ok := r.Values[f]; !ok {
			r.Values[f] = 0
		}
	}
}

// Value returns the value of f, or 0 if the record does not carry it.
func (r Record) Value(f Field) float64 {
	return r.Values[f]
}

// TruncateDay returns midnight UTC of the day containing t.
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
