package app

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/delivery_service/provider"
)

func TestSendJobConsumer_HandleJob(t *testing.T) {
	f := newFixture()
	var calls atomic.Int32
	c := NewSendJobConsumer(f.orchestrator, countingCall("wamid.J", &calls, 0), provider.MockProviderName, 3, testLogger())

	job := SendJob{
		IdempotencyKey: "inbox-7",
		TenantID:       "tenant-1",
		Recipient:      "+15550001",
		Content:        "hi",
		LinkType:       "inbox_message",
		LinkID:         "7",
		QuotaCost:      1,
	}
	data, _ := json.Marshal(job)

	out, err := c.HandleJob(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSent, out.Kind)

	rec := f.record("inbox-7")
	assert.Equal(t, "text", rec.MessageType)
	assert.Equal(t, provider.MockProviderName, rec.ProviderName)
	assert.Equal(t, 3, rec.MaxRetries)
	assert.Equal(t, domain.Link{Type: domain.LinkInboxMessage, ID: "7"}, rec.Link)

	out, err = c.HandleJob(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadySent, out.Kind)
}

func TestSendJobConsumer_RejectsInvalidJobs(t *testing.T) {
	f := newFixture()
	var calls atomic.Int32
	c := NewSendJobConsumer(f.orchestrator, countingCall("wamid.J", &calls, 0), provider.MockProviderName, 3, testLogger())

	_, err := c.HandleJob(context.Background(), []byte(`not json`))
	assert.Error(t, err)

	_, err = c.HandleJob(context.Background(), []byte(`{"idempotency_key":"x","tenant_id":"t","recipient":"12345","content":"hi"}`))
	assert.Error(t, err, "recipient must be E.164")

	_, err = c.HandleJob(context.Background(), []byte(`{"tenant_id":"t","recipient":"+15550001","content":"hi"}`))
	assert.Error(t, err, "idempotency key is required")
	assert.Zero(t, calls.Load())
}

func TestProviderFromSubject(t *testing.T) {
	name, err := providerFromSubject("wa.dlr.raw.meta")
	require.NoError(t, err)
	assert.Equal(t, "meta", name)

	for _, bad := range []string{"dlr.raw.meta", "wa.dlr.raw.*", "wa.dlr.raw", "wa.dlr.raw.meta.extra"} {
		_, err := providerFromSubject(bad)
		assert.Error(t, err, bad)
	}
}

func TestDLRRelayConsumer_HandleMessage(t *testing.T) {
	f := newFixture()
	sendRecord(t, f, "k1", "wamid.1")
	c := NewDLRRelayConsumer(f.pipeline, testLogger())

	env, _ := json.Marshal(DLREnvelope{Payload: callback("e1", "wamid.1", "read", f.clock.Now())})
	require.NoError(t, c.HandleMessage(context.Background(), "wa.dlr.raw.mock", env))
	assert.Equal(t, domain.StatusRead, f.record("k1").Status)

	assert.Error(t, c.HandleMessage(context.Background(), "wa.dlr.raw.mock", []byte(`{`)))
	assert.ErrorIs(t, c.HandleMessage(context.Background(), "wa.dlr.raw.other", env), domain.ErrUnknownProvider)
}
