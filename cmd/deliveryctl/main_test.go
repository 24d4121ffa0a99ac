package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/wa_gateway/internal/delivery_service/bootstrap"
	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/delivery_service/provider"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
	"github.com/aradsms/wa_gateway/internal/platform/config"
)

func memorySession(t *testing.T) *session {
	t.Helper()
	cfg := &config.Config{
		StorageBackend:        bootstrap.BackendMemory,
		QuotaLedgerMode:       bootstrap.BackendMemory,
		NotifierBackend:       bootstrap.BackendNone,
		DefaultProvider:       provider.MockProviderName,
		EnableMockProvider:    true,
		ClaimStaleAfter:       5 * time.Minute,
		ProviderTimeout:       time.Second,
		BackoffBase:           time.Second,
		BackoffMax:            time.Minute,
		SendRatePerSecond:     100,
		EventFreshnessHorizon: time.Hour,
		OrphanReconcileWindow: time.Hour,
		ReconcileBatchSize:    10,
		RetryBatchSize:        10,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	deps, err := bootstrap.Build(ctx, cfg, bootstrap.Options{ClientName: "test"}, logger)
	require.NoError(t, err)
	pipeline, err := bootstrap.NewPipeline(ctx, cfg, deps, clock.System(), logger)
	require.NoError(t, err)
	return &session{cfg: cfg, deps: deps, pipeline: pipeline}
}

func run(t *testing.T, s *session, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func(context.Context, string) (*session, error) { return s, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestQuotaCommands(t *testing.T) {
	s := memorySession(t)

	out, err := run(t, s, "quota", "topup", "tenant-1", "25", "--key", "invoice-7")
	require.NoError(t, err)
	var topUp struct {
		Balance int64 `json:"balance"`
		Applied bool  `json:"applied"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &topUp))
	assert.True(t, topUp.Applied)
	assert.Equal(t, int64(25), topUp.Balance)

	out, err = run(t, s, "quota", "topup", "tenant-1", "25", "--key", "invoice-7")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &topUp))
	assert.False(t, topUp.Applied)
	assert.Equal(t, int64(25), topUp.Balance)

	out, err = run(t, s, "quota", "balance", "tenant-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"balance": 25`)

	_, err = run(t, s, "quota", "topup", "tenant-1", "ten", "--key", "invoice-8")
	assert.ErrorContains(t, err, "amount")

	_, err = run(t, s, "quota", "topup", "tenant-1", "5")
	assert.Error(t, err)
}

func TestQuotaCommands_RemoteLedger(t *testing.T) {
	s := memorySession(t)
	s.deps.QuotaService = nil

	_, err := run(t, s, "quota", "balance", "tenant-1")
	assert.ErrorIs(t, err, errLedgerRemote)
}

func TestInspectCommand(t *testing.T) {
	s := memorySession(t)
	ctx := context.Background()

	_, _, err := s.deps.QuotaService.TopUp(ctx, "tenant-1", 5, "seed", nil)
	require.NoError(t, err)
	outcome, err := s.pipeline.Orchestrator.Send(ctx, "cli-1", domain.MessageAttributes{
		TenantID:     "tenant-1",
		Recipient:    "+15550002222",
		MessageType:  "text",
		Content:      "hi",
		ProviderName: provider.MockProviderName,
		MaxRetries:   3,
		QuotaCost:    1,
	}, s.pipeline.Call)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSent, outcome.Kind)

	out, err := run(t, s, "inspect", "cli-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"IdempotencyKey": "cli-1"`)
	assert.Contains(t, out, outcome.ProviderMessageID)

	_, err = run(t, s, "inspect", "missing")
	assert.ErrorContains(t, err, `no message record for key "missing"`)
}

func TestSweepCommands_Empty(t *testing.T) {
	s := memorySession(t)

	out, err := run(t, s, "retry-due")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	out, err = run(t, s, "reconcile", "--rounds", "3")
	require.NoError(t, err)
	var report map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Zero(t, report["scanned"])
	assert.Zero(t, report["processed"])
}
