// Package hotness scores how often an area is requested and turns that
// score into a cache lifetime.
package hotness

import "time"

type Interface interface {
	// Inc records one request for key and returns the updated score.
	Inc(key string) float64
	Score(key string) float64
	Reset(keys ...string)
}

// TTLPolicy gives hot keys a longer cache lifetime.
type TTLPolicy struct {
	Tracker   Interface
	Threshold float64
	Default   time.Duration
	Hot       time.Duration
}

// TTL returns the lifetime for key and whether key counted as hot. With no
// tracker, a non-positive threshold or no hot TTL, every key gets Default.
func (p TTLPolicy) TTL(key string) (time.Duration, bool) {
	if p.Tracker == nil || p.Threshold <= 0 || p.Hot <= 0 || key == "" {
		return p.Default, false
	}
	if p.Tracker.Score(key) >= p.Threshold {
		return p.Hot, true
	}
	return p.Default, false
}

// Key scopes a grid cell to one source.
func Key(source, cell string) string {
	if cell == "" {
		return ""
	}
	return source + "|" + cell
}
