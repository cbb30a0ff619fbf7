package model

import (
	"encoding/json"
	"time"
)

// CacheEntry is a single cached API response with its expiry metadata.
// Value is held as raw JSON so the store copies bytes rather than sharing
// caller-visible structures.
type CacheEntry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
}

// Expired reports whether the entry's lifetime has elapsed at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.StoredAt.Add(e.TTL))
}
