package domain

import (
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewMessageRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	long := strings.Repeat("é", MaxContentPreview)

	rec := NewMessageRecord("campaign-1:target-9", MessageAttributes{
		TenantID:   "t1",
		Recipient:  "+15550001",
		Content:    long,
		MaxRetries: 0,
	}, now)

	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 1, rec.MaxRetries)
	assert.Equal(t, "quota:campaign-1:target-9", rec.QuotaIdempotencyKey)
	assert.Equal(t, LinkNone, rec.Link.Type)
	assert.LessOrEqual(t, len(rec.Content), MaxContentPreview)
	assert.True(t, utf8.ValidString(rec.Content))
	assert.Equal(t, ContentHash(long), rec.ContentHash)
	assert.Len(t, rec.ContentHash, 64)
}

func TestMessageRecord_ClaimRules(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	stale := 5 * time.Minute
	claimID := uuid.New()
	recent := now.Add(-time.Minute)
	old := now.Add(-10 * time.Minute)

	sendingRecent := &MessageRecord{Status: StatusSending, ProcessingClaimID: &claimID, ProcessingClaimedAt: &recent}
	sendingOld := &MessageRecord{Status: StatusSending, ProcessingClaimID: &claimID, ProcessingClaimedAt: &old}

	assert.True(t, sendingRecent.IsClaimed(now, stale))
	assert.False(t, sendingRecent.Claimable(now, stale))
	assert.False(t, sendingOld.IsClaimed(now, stale))
	assert.True(t, sendingOld.Claimable(now, stale))

	assert.True(t, (&MessageRecord{Status: StatusPending}).Claimable(now, stale))
	assert.True(t, (&MessageRecord{Status: StatusFailed, Retryable: true, RetryCount: 1, MaxRetries: 3}).Claimable(now, stale))
	assert.False(t, (&MessageRecord{Status: StatusFailed, Retryable: true, RetryCount: 3, MaxRetries: 3}).Claimable(now, stale))
	assert.False(t, (&MessageRecord{Status: StatusFailed, Retryable: false, MaxRetries: 3}).Claimable(now, stale))
	assert.False(t, (&MessageRecord{Status: StatusSent}).Claimable(now, stale))
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: 30 * time.Second, Max: 5 * time.Minute}
	assert.Equal(t, 30*time.Second, b.Delay(1))
	assert.Equal(t, time.Minute, b.Delay(2))
	assert.Equal(t, 4*time.Minute, b.Delay(4))
	assert.Equal(t, 5*time.Minute, b.Delay(10))

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Nil(t, b.RetryAfter(NewFailure(CategoryInvalidRecipient, "", ""), 1, now))

	rl := b.RetryAfter(NewFailure(CategoryRateLimit, "130429", ""), 1, now)
	if assert.NotNil(t, rl) {
		assert.Equal(t, now.Add(RateLimitFloor), *rl)
	}
}

func TestBackoff_UncappedSaturates(t *testing.T) {
	b := Backoff{Base: 30 * time.Second}
	assert.Equal(t, 8*time.Minute, b.Delay(5))

	prev := b.Delay(1)
	for _, attempt := range []int{20, 40, 60, 64, 100, 1 << 20} {
		d := b.Delay(attempt)
		assert.Positive(t, d, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), b.Delay(100))

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	at := b.RetryAfter(NewFailure(CategoryNetwork, "", ""), 100, now)
	if assert.NotNil(t, at) {
		assert.True(t, at.After(now))
	}
}

func TestErrorCategory_Retryable(t *testing.T) {
	for _, c := range []ErrorCategory{CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryUnknown} {
		assert.True(t, c.Retryable(), c)
	}
	for _, c := range []ErrorCategory{CategoryInvalidRecipient, CategoryBlocked, CategoryQuotaExceeded, CategoryTemplateMissing} {
		assert.False(t, c.Retryable(), c)
	}
}
