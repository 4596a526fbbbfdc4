package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type PresenceStore struct {
	mu      sync.Mutex
	records map[domain.Identity]domain.PresenceRecord
	writes  int
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		records: make(map[domain.Identity]domain.PresenceRecord),
	}
}

func (s *PresenceStore) SetOnline(ctx context.Context, id domain.Identity, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = domain.PresenceRecord{Identity: id, Online: online, LastSeenAt: at}
	s.writes++
	return nil
}

func (s *PresenceStore) Get(id domain.Identity) (domain.PresenceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *PresenceStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
