package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type CallHistory struct {
	mu      sync.Mutex
	records []domain.CallRecord
}

func NewCallHistory() *CallHistory {
	return &CallHistory{
		records: make([]domain.CallRecord, 0),
	}
}

func (h *CallHistory) Record(ctx context.Context, rec domain.CallRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

// List returns id's calls, newest first.
func (h *CallHistory) List(ctx context.Context, id domain.Identity, limit int) ([]domain.CallRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.CallRecord, 0)
	for _, rec := range h.records {
		if rec.Local == id {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
