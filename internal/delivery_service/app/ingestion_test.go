package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/delivery_service/provider"
)

func callback(eventID, providerMessageID, status string, ts time.Time) []byte {
	body := map[string]any{
		"provider_message_id": providerMessageID,
		"status":              status,
	}
	if eventID != "" {
		body["event_id"] = eventID
	}
	if !ts.IsZero() {
		body["timestamp"] = ts
	}
	b, _ := json.Marshal(body)
	return b
}

// sendRecord drives key through the orchestrator so a sent record with providerMessageID exists.
func sendRecord(t *testing.T, f *fixture, key, providerMessageID string) *domain.MessageRecord {
	t.Helper()
	var calls atomic.Int32
	out, err := f.orchestrator.Send(context.Background(), key, attrs(), countingCall(providerMessageID, &calls, 0))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSent, out.Kind)
	return f.record(key)
}

func ingestOne(t *testing.T, f *fixture, payload []byte) domain.IngestionResult {
	t.Helper()
	results, err := f.pipeline.Ingest(context.Background(), payload, provider.MockProviderName, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0]
}

func TestIngest_AppliesTransitionAndPropagates(t *testing.T) {
	f := newFixture()
	rec := sendRecord(t, f, "k1", "wamid.1")
	f.clock.Advance(10 * time.Second)

	res := ingestOne(t, f, callback("e1", "wamid.1", "delivered", f.clock.Now()))
	assert.Equal(t, domain.ResultProcessed, res.Result)
	assert.Equal(t, domain.StatusSent, res.StatusBefore)
	assert.Equal(t, domain.StatusDelivered, res.StatusAfter)
	require.NotNil(t, res.MessageRecordID)
	assert.Equal(t, rec.ID, *res.MessageRecordID)

	stored := f.record("k1")
	assert.Equal(t, domain.StatusDelivered, stored.Status)
	require.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, f.clock.Now(), *stored.DeliveredAt)

	updates := f.store.LinkedUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, domain.Link{Type: domain.LinkCampaignTarget, ID: "target-1"}, updates[0].Link)
	assert.Equal(t, domain.StatusDelivered, updates[0].Status)

	events := f.notifier.all()
	require.Len(t, events, 2)
	assert.Equal(t, "webhook", events[1].Source)
	assert.Equal(t, domain.StatusDelivered, events[1].StatusAfter)
}

func TestIngest_ConcurrentRedeliveriesProcessOnce(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		name := "StoreOnly"
		if withCache {
			name = "WithDedupCache"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			if withCache {
				f.pipeline.seen = NewDedupCache(1000, time.Hour)
			}
			sendRecord(t, f, "k1", "wamid.1")
			payload := callback("e-dup", "wamid.1", "delivered", f.clock.Now())

			const m = 20
			results := make([]domain.IngestionResult, m)
			var wg sync.WaitGroup
			for i := 0; i < m; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rs, err := f.pipeline.Ingest(context.Background(), payload, provider.MockProviderName, "")
					assert.NoError(t, err)
					if len(rs) == 1 {
						results[i] = rs[0]
					}
				}(i)
			}
			wg.Wait()

			counts := map[domain.ProcessResult]int{}
			for _, r := range results {
				counts[r.Result]++
			}
			assert.Equal(t, 1, counts[domain.ResultProcessed])
			assert.Equal(t, m-1, counts[domain.ResultDuplicate])
			assert.Len(t, f.store.Events(), m)
			assert.Equal(t, domain.StatusDelivered, f.record("k1").Status)
			assert.Len(t, f.store.LinkedUpdates(), 1)
		})
	}
}

func TestIngest_StatusNeverMovesBackwards(t *testing.T) {
	f := newFixture()
	sendRecord(t, f, "k1", "wamid.1")

	read := ingestOne(t, f, callback("e-read", "wamid.1", "read", f.clock.Now()))
	assert.Equal(t, domain.ResultProcessed, read.Result)

	cases := []struct {
		eventID string
		status  string
		reason  string
	}{
		{"e-delivered", "delivered", domain.ReasonBackwardTransition},
		{"e-sent", "sent", domain.ReasonBackwardTransition},
		{"e-failed", "failed", domain.ReasonBackwardTransition},
		{"e-read-2", "read", domain.ReasonSameStatus},
	}
	for _, tc := range cases {
		res := ingestOne(t, f, callback(tc.eventID, "wamid.1", tc.status, f.clock.Now()))
		assert.Equal(t, domain.ResultIgnored, res.Result, tc.status)
		assert.Equal(t, tc.reason, res.Reason, tc.status)
		assert.True(t, res.IsOutOfOrder, tc.status)
		assert.Equal(t, domain.StatusRead, res.StatusAfter, tc.status)
	}
	assert.Equal(t, domain.StatusRead, f.record("k1").Status)
}

func TestIngest_FailedRecordRecoversOnDelivery(t *testing.T) {
	f := newFixture()
	sendRecord(t, f, "k1", "wamid.1")

	// sent -> failed is rejected; the provider already accepted the message.
	res := ingestOne(t, f, callback("e-f", "wamid.1", "undeliverable", f.clock.Now()))
	assert.Equal(t, domain.ResultIgnored, res.Result)

	res = ingestOne(t, f, callback("e-d", "wamid.1", "delivered", f.clock.Now()))
	assert.Equal(t, domain.ResultProcessed, res.Result)
}

func TestIngest_TooOldEventIsIgnored(t *testing.T) {
	f := newFixture()
	sendRecord(t, f, "k1", "wamid.1")

	res := ingestOne(t, f, callback("e-old", "wamid.1", "delivered", f.clock.Now().Add(-8*24*time.Hour)))
	assert.Equal(t, domain.ResultIgnored, res.Result)
	assert.Equal(t, domain.ReasonTooOld, res.Reason)
	assert.Equal(t, domain.StatusSent, f.record("k1").Status)

	again := ingestOne(t, f, callback("e-old", "wamid.1", "delivered", f.clock.Now().Add(-8*24*time.Hour)))
	assert.Equal(t, domain.ResultDuplicate, again.Result)
}

func TestIngest_MissingTimestampUsesReceiveTime(t *testing.T) {
	f := newFixture()
	sendRecord(t, f, "k1", "wamid.1")

	res := ingestOne(t, f, callback("e1", "wamid.1", "delivered", time.Time{}))
	assert.Equal(t, domain.ResultProcessed, res.Result)
	assert.Equal(t, f.clock.Now(), *f.record("k1").DeliveredAt)
}

func TestIngest_MalformedThenCanonicalDelivery(t *testing.T) {
	f := newFixture()
	sendRecord(t, f, "k1", "wamid.1")

	_, err := f.pipeline.Ingest(context.Background(), []byte(`{"provider_message_id": "wamid.1", "status"`), provider.MockProviderName, "")
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	assert.Empty(t, f.store.Events())

	// The provider's first attempt spells the status loosely; its retry is canonical.
	loose := ingestOne(t, f, []byte(`{"provider_message_id":"wamid.1","status":" Delivered ","extra":{"a":1}}`))
	assert.Equal(t, domain.ResultProcessed, loose.Result)

	canonical := ingestOne(t, f, callback("", "wamid.1", "delivered", f.clock.Now()))
	assert.Equal(t, domain.ResultDuplicate, canonical.Result)
	assert.Equal(t, loose.IdempotencyKey, canonical.IdempotencyKey)
	assert.Equal(t, "msg:mock:wamid.1:delivered", canonical.IdempotencyKey)
	assert.Len(t, f.store.Events(), 2)
}

func TestIngest_LinkedUpdateFailureDoesNotFailEvent(t *testing.T) {
	f := newFixture()
	sendRecord(t, f, "k1", "wamid.1")
	f.store.LinkedUpdateErr = errors.New("campaign db down")

	res := ingestOne(t, f, callback("e1", "wamid.1", "delivered", f.clock.Now()))
	assert.Equal(t, domain.ResultProcessed, res.Result)
	assert.Equal(t, domain.StatusDelivered, f.record("k1").Status)
}

func TestIngest_RejectsUnknownProviderAndBadSignature(t *testing.T) {
	f := newFixture()
	f.registry.Register(provider.NewGenericProvider(testLogger(), "http://example.invalid", "key", "webhook-secret", nil))

	_, err := f.pipeline.Ingest(context.Background(), []byte(`{}`), "nope", "")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	payload := []byte(`{"provider_message_id":"p1","status":"delivered"}`)
	_, err = f.pipeline.Ingest(context.Background(), payload, "generic", "sha256=deadbeef")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Empty(t, f.store.Events())

	results, err := f.pipeline.Ingest(context.Background(), payload, "generic", provider.SignPayload("webhook-secret", payload))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ResultStoredOrphan, results[0].Result)
}
