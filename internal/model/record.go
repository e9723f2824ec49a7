// Package model defines the core memory data types.
package model

import (
	"fmt"
	"time"
)

// Tier is a named storage bucket with its own retention and promotion
// semantics. Records enter at Interact and move toward Assets.
type Tier string

const (
	TierInteract Tier = "interact"
	TierInsights Tier = "insights"
	TierAssets   Tier = "assets"
)

// Tiers lists all tiers in recall priority order. The order is also the
// promotion chain: each tier promotes into the next one.
var Tiers = []Tier{TierInteract, TierInsights, TierAssets}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierInteract, TierInsights, TierAssets:
		return true
	}
	return false
}

// Next returns the promotion destination for t. Assets is terminal.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierInteract:
		return TierInsights, true
	case TierInsights:
		return TierAssets, true
	}
	return "", false
}

// ParseTier converts a tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Record is the atomic stored memory unit. The id is immutable once
// assigned; the embedding vector is produced externally and owned by
// the record.
type Record struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Tier        Tier      `json:"tier"`
	Kind        string    `json:"kind"`
	Tags        []string  `json:"tags,omitempty"`
	Project     string    `json:"project"`
	Session     string    `json:"session"`
	Score       float64   `json:"score"`
	AccessCount uint32    `json:"access_count"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
}

// Validate checks the record invariants that storage relies on.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is empty")
	}
	if !r.Tier.Valid() {
		return fmt.Errorf("record %s: unknown tier %q", r.ID, r.Tier)
	}
	if r.AccessCount < 1 {
		return fmt.Errorf("record %s: access_count must be >= 1", r.ID)
	}
	if r.LastAccess.Before(r.CreatedAt) {
		return fmt.Errorf("record %s: last_access before created_at", r.ID)
	}
	return nil
}

// Age returns how long ago the record was created.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// HasTag reports whether the record carries the given tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PromotionPolicy governs movement out of one tier into the next.
// A record is promoted when its access count reaches MinAccessCount
// or it carries one of the force-promotion tags; otherwise it expires
// once older than TTL.
type PromotionPolicy struct {
	MinAccessCount     uint32        `json:"min_access_count"`
	TTL                time.Duration `json:"ttl_seconds"`
	ForcePromotionTags []string      `json:"force_promotion_tags,omitempty"`
}

// ShouldPromote applies the promotion test. Promotion is always checked
// before expiry so a record eligible for both is promoted, never dropped.
func (p PromotionPolicy) ShouldPromote(r *Record) bool {
	if r.AccessCount >= p.MinAccessCount {
		return true
	}
	for _, tag := range p.ForcePromotionTags {
		if r.HasTag(tag) {
			return true
		}
	}
	return false
}

// ShouldExpire reports whether a non-promoted record has outlived its TTL.
func (p PromotionPolicy) ShouldExpire(r *Record, now time.Time) bool {
	return r.Age(now) > p.TTL
}
