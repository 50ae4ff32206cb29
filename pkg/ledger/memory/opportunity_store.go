package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/models"
)

// OpportunityStore keeps the most recent opportunity records in insertion order.
type OpportunityStore struct {
	mu        sync.RWMutex
	records   []models.OpportunityRecord
	retention int
}

func NewOpportunityStore(retention int) (*OpportunityStore, error) {
	if retention <= 0 {
		return nil, ledger.ErrInvalidRetention
	}
	return &OpportunityStore{retention: retention}, nil
}

func (s *OpportunityStore) Record(_ context.Context, rec models.OpportunityRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	rec.Reasons = append(models.ReasonSet(nil), rec.Reasons...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if n := len(s.records) - s.retention; n > 0 {
		s.records = append([]models.OpportunityRecord(nil), s.records[n:]...)
	}
	return rec.ID, nil
}

func (s *OpportunityStore) LinkTrade(_ context.Context, id, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].WasExecuted = true
			s.records[i].TradeID = tradeID
			return nil
		}
	}
	return ledger.ErrNotFound
}

// ListRecent returns records newest first, optionally filtered by execution.
func (s *OpportunityStore) ListRecent(_ context.Context, limit int, executed *bool) ([]models.OpportunityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filter(limit, executed), nil
}

func (s *OpportunityStore) Stats(_ context.Context, executed *bool) (models.OpportunityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ledger.ComputeStats(s.filter(0, executed)), nil
}

func (s *OpportunityStore) filter(limit int, executed *bool) []models.OpportunityRecord {
	var out []models.OpportunityRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if executed != nil && r.WasExecuted != *executed {
			continue
		}
		r.Reasons = append(models.ReasonSet(nil), r.Reasons...)
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

var _ ledger.OpportunityStore = (*OpportunityStore)(nil)
