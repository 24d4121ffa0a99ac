package memory

import (
	"context"
	"time"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

// Block adds a blocked recipient. tenantID "*" blocks for every tenant.
func (s *Store) Block(tenantID, recipient, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[tenantID+"|"+recipient] = reason
	s.blockedVersion++
}

func (s *Store) LoadBlockedRecipients(context.Context) (map[string]string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.blocked))
	for k, v := range s.blocked {
		out[k] = v
	}
	return out, s.blockedVersion, nil
}

func (s *Store) UpdateLinkedStatus(_ context.Context, link domain.Link, status domain.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LinkedUpdateErr != nil {
		return s.LinkedUpdateErr
	}
	s.linkedUpdates = append(s.linkedUpdates, LinkedUpdate{Link: link, Status: status, At: at})
	return nil
}

// LinkedUpdates returns every propagation recorded so far.
func (s *Store) LinkedUpdates() []LinkedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LinkedUpdate(nil), s.linkedUpdates...)
}

var (
	_ domain.BlockedRecipientSource = (*Store)(nil)
	_ domain.LinkedStatusUpdater    = (*Store)(nil)
)
