package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDedupKeysAreStablePerUnit(t *testing.T) {
	campaignID := uuid.New()

	assert.Equal(t, CampaignStartDedupKey(campaignID), CampaignStartDedupKey(campaignID))
	assert.Equal(t, BatchDedupKey(campaignID, 3), BatchDedupKey(campaignID, 3))
	assert.NotEqual(t, BatchDedupKey(campaignID, 3), BatchDedupKey(campaignID, 4))
	assert.NotEqual(t, CampaignStartDedupKey(campaignID), CampaignCheckDedupKey(campaignID))
}

func TestAttemptBackoffGrowsAndCaps(t *testing.T) {
	first := AttemptBackoff(1)
	second := AttemptBackoff(2)
	third := AttemptBackoff(3)

	assert.Equal(t, BackoffBase, first)
	assert.True(t, second > first)
	assert.True(t, third > second)

	large := AttemptBackoff(20)
	assert.Equal(t, BackoffCap, large)
}

func TestOutcomeHelpers(t *testing.T) {
	assert.False(t, Completed.Retry)
	assert.Equal(t, "", Completed.FailReason)

	r := RetryAfter(2 * time.Second)
	assert.True(t, r.Retry)
	assert.Equal(t, 2*time.Second, r.After)

	f := Failed("permanent template rejection")
	assert.False(t, f.Retry)
	assert.Equal(t, "permanent template rejection", f.FailReason)
}
