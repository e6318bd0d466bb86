package models

import (
	"sort"
	"time"
)

// Table is a time-indexed result set for one station.
// Rows are strictly ascending by time once Normalize has run.
type Table struct {
	Station string   `json:"station"`
	Columns []Field  `json:"columns"`
	Rows    []Record `json:"rows"`
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Empty reports whether the table is nil or has no rows.
func (t *Table) Empty() bool {
	return t.Len() == 0
}

// Last returns the most recent row.
func (t *Table) Last() (Record, bool) {
	if t.Empty() {
		return Record{}, false
	}
	return t.Rows[len(t.Rows)-1], true
}

// Column returns the values of f in row order.
func (t *Table) Column(f Field) []float64 {
	out := make([]float64, 0, t.Len())
	for _, r := range t.Rows {
		out = append(out, r.Values[f])
	}
	return out
}

// Normalize sorts rows ascending by time and collapses duplicate timestamps,
// keeping the row that appeared last.
func (t *Table) Normalize() {
	t.Rows = SortDedupe(t.Rows)
}

// InLocation returns a copy of the table with every timestamp expressed in loc.
func (t *Table) InLocation(loc *time.Location) *Table {
	if t == nil || loc == nil {
		return t
	}
	out := &Table{
		Station: t.Station,
		Columns: append([]Field(nil), t.Columns...),
		Rows:    make([]Record, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = Record{Time: r.Time.In(loc), Values: r.Values}
	}
	return out
}

// SortDedupe returns records ordered by time with duplicate timestamps removed.
// For duplicates the later element of the input wins.
func SortDedupe(records []Record) []Record {
	if len(records) < 2 {
		return records
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	out := sorted[:0]
	for _, r := range sorted {
		if n := len(out); n > 0 && out[n-1].Time.Equal(r.Time) {
			out[n-1] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

// After returns the records strictly later than cutoff, in input order.
func After(records []Record, cutoff time.Time) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Time.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}
