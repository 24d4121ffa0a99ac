package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
)

// RuleSnapshot is an immutable view of the blocked-recipient rules, swapped as a whole on Refresh.
// The owner decides when to refresh; readers never trigger a load.
type RuleSnapshot struct {
	source domain.BlockedRecipientSource
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	entries  map[string]string
	version  int64
	loadedAt time.Time
}

func NewRuleSnapshot(source domain.BlockedRecipientSource, clk clock.Clock, logger *slog.Logger) *RuleSnapshot {
	return &RuleSnapshot{
		source:  source,
		clock:   clk,
		logger:  logger.With("component", "rule_snapshot"),
		entries: map[string]string{},
		version: -1,
	}
}

// Refresh reloads the rules and reports whether the version changed.
// On error the previous snapshot stays in place.
func (s *RuleSnapshot) Refresh(ctx context.Context) (bool, error) {
	entries, version, err := s.source.LoadBlockedRecipients(ctx)
	if err != nil {
		return false, fmt.Errorf("refresh blocked recipients: %w", err)
	}

	s.mu.Lock()
	changed := version != s.version
	s.entries = entries
	s.version = version
	s.loadedAt = s.clock.Now()
	s.mu.Unlock()

	if changed {
		ruleSnapshotVersionGauge.Set(float64(version))
		s.logger.InfoContext(ctx, "Blocked recipient rules loaded", "version", version, "count", len(entries))
	}
	return changed, nil
}

// IsBlocked checks the tenant-scoped entry first, then the global one.
func (s *RuleSnapshot) IsBlocked(tenantID, recipient string) (reason string, blocked bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if reason, ok := s.entries[tenantID+"|"+recipient]; ok {
		return reason, true
	}
	if reason, ok := s.entries["*|"+recipient]; ok {
		return reason, true
	}
	return "", false
}

func (s *RuleSnapshot) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *RuleSnapshot) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Run refreshes on every tick until ctx is done. Refresh failures are logged and retried on the next tick.
func (s *RuleSnapshot) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.WarnContext(ctx, "Rule refresh failed, keeping previous snapshot", "version", s.Version(), "error", err)
			}
		}
	}
}
