package models

import (
	"encoding/json"
	"time"
)

// Checkpoint is the durable, validated output of one phase instance, keyed
// by (JobID, Phase, Index). Exactly one checkpoint exists per key; a write
// that finds the key occupied loses the race and is discarded.
type Checkpoint struct {
	JobID       string          `json:"jobId" db:"job_id"`
	Phase       string          `json:"phase" db:"phase"`
	Index       int             `json:"index" db:"idx"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Fingerprint string          `json:"fingerprint" db:"fingerprint"`
	Usage       Usage           `json:"usage" db:"-"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// Decode unmarshals the payload into the phase's typed output
func (c *Checkpoint) Decode(v any) error {
	return json.Unmarshal(c.Payload, v)
}

// CacheEntry is a content-addressed record of a prior expensive generation.
// Entries are shared across jobs and evicted by TTL, never by job deletion.
// Text payloads are stored inline; binary artifacts by blob location.
type CacheEntry struct {
	Fingerprint string          `json:"fingerprint" db:"fingerprint"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	Location    string          `json:"location,omitempty" db:"location"`
	ContentHash string          `json:"contentHash,omitempty" db:"content_hash"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	LastHitAt   time.Time       `json:"lastHitAt" db:"last_hit_at"`
}
