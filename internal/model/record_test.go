package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() *Record {
	now := time.Now().UTC()
	return &Record{
		ID:          "r1",
		Text:        "something worth keeping",
		Tier:        TierInteract,
		Kind:        "general",
		Project:     "default",
		Session:     "s1",
		Score:       0.5,
		AccessCount: 1,
		CreatedAt:   now,
		LastAccess:  now,
	}
}

func TestTierChain(t *testing.T) {
	next, ok := TierInteract.Next()
	require.True(t, ok)
	assert.Equal(t, TierInsights, next)

	next, ok = TierInsights.Next()
	require.True(t, ok)
	assert.Equal(t, TierAssets, next)

	_, ok = TierAssets.Next()
	assert.False(t, ok, "assets is terminal")
}

func TestParseTier(t *testing.T) {
	for _, name := range []string{"interact", "insights", "assets"} {
		tier, err := ParseTier(name)
		require.NoError(t, err)
		assert.True(t, tier.Valid())
	}
	_, err := ParseTier("archive")
	assert.Error(t, err)
	_, err = ParseTier("")
	assert.Error(t, err)
}

func TestRecordValidate(t *testing.T) {
	assert.NoError(t, validRecord().Validate())

	r := validRecord()
	r.ID = ""
	assert.Error(t, r.Validate())

	r = validRecord()
	r.Tier = "archive"
	assert.Error(t, r.Validate())

	r = validRecord()
	r.AccessCount = 0
	assert.Error(t, r.Validate())

	r = validRecord()
	r.LastAccess = r.CreatedAt.Add(-time.Second)
	assert.Error(t, r.Validate())
}

func TestShouldPromote(t *testing.T) {
	policy := PromotionPolicy{MinAccessCount: 5, TTL: time.Hour, ForcePromotionTags: []string{"pinned"}}

	r := validRecord()
	r.AccessCount = 5
	assert.True(t, policy.ShouldPromote(r))

	r.AccessCount = 4
	assert.False(t, policy.ShouldPromote(r))

	r.Tags = []string{"pinned"}
	assert.True(t, policy.ShouldPromote(r), "force tag overrides access count")
}

func TestShouldExpire(t *testing.T) {
	policy := PromotionPolicy{MinAccessCount: 5, TTL: time.Hour}
	now := time.Now()

	r := validRecord()
	r.CreatedAt = now.Add(-30 * time.Minute)
	assert.False(t, policy.ShouldExpire(r, now))

	r.CreatedAt = now.Add(-2 * time.Hour)
	assert.True(t, policy.ShouldExpire(r, now))

	// Exactly at the boundary is not yet expired.
	r.CreatedAt = now.Add(-time.Hour)
	assert.False(t, policy.ShouldExpire(r, now))
}
