package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps usage in process. It backs the gateway when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	logs []*UsageLog
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) LogUsage(ctx context.Context, log *UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.ID = uuid.New().String()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now()
	}
	entry := *log
	s.logs = append(s.logs, &entry)
	return nil
}

func (s *MemoryStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*UsageLog
	for _, l := range s.logs {
		if l.TenantID != tenantID || l.CreatedAt.Before(from) || l.CreatedAt.After(to) {
			continue
		}
		entry := *l
		out = append(out, &entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	logs, err := s.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, l := range logs {
		total += l.CostUSD
	}
	return total, nil
}
