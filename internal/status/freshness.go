// Package status tracks whether the store is live and when it last advanced.
package status

import (
	"sync"
	"time"
)

// Snapshot is a consistent copy of the freshness state.
type Snapshot struct {
	IsLive     bool       `json:"is_live"`
	LastFetch  *time.Time `json:"last_fetch"`
	LastUpdate *time.Time `json:"last_update"`
}

// Observer is notified after every state change.
type Observer func(Snapshot)

// Tracker holds the freshness state shared by the catch-up engine, the health
// check and readers. The zero value is ready to use and reports not live.
type Tracker struct {
	mu         sync.RWMutex
	live       bool
	lastFetch  time.Time
	lastUpdate time.Time
	observers  []Observer
}

// NewTracker returns a tracker in the not-live state.
func NewTracker(observers ...Observer) *Tracker {
	return &Tracker{observers: observers}
}

// MarkLive sets the state live and records ts as fetch and update time.
// Timestamps never move backwards; an older ts only flips the live flag.
func (t *Tracker) MarkLive(ts time.Time) {
	t.mu.Lock()
	t.live = true
	if ts.After(t.lastFetch) {
		t.lastFetch = ts
	}
	if ts.After(t.lastUpdate) {
		t.lastUpdate = ts
	}
	snap := t.snapshotLocked()
	observers := t.observers
	t.mu.Unlock()

	notify(observers, snap)
}

// MarkDown sets the state not live and keeps the last known timestamps.
func (t *Tracker) MarkDown() {
	t.mu.Lock()
	t.live = false
	snap := t.snapshotLocked()
	observers := t.observers
	t.mu.Unlock()

	notify(observers, snap)
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Status returns the live flag and the last fetch time, nil if never fetched.
func (t *Tracker) Status() (bool, *time.Time) {
	s := t.Snapshot()
	return s.IsLive, s.LastFetch
}

func (t *Tracker) snapshotLocked() Snapshot {
	s := Snapshot{IsLive: t.live}
	if !t.lastFetch.IsZero() {
		lf := t.lastFetch
		s.LastFetch = &lf
	}
	if !t.lastUpdate.IsZero() {
		lu := t.lastUpdate
		s.LastUpdate = &lu
	}
	return s
}

func notify(observers []Observer, s Snapshot) {
	for _, o := range observers {
		o(s)
	}
}
