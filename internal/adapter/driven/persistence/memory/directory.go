package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type Directory struct {
	mu       sync.RWMutex
	profiles map[domain.Identity]domain.Profile
}

func NewDirectory(profiles ...domain.Profile) *Directory {
	d := &Directory{
		profiles: make(map[domain.Identity]domain.Profile),
	}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

func (d *Directory) Put(p domain.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *Directory) Resolve(ctx context.Context, id domain.Identity) (domain.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	if !ok {
		return domain.Profile{}, domain.ErrUnknownIdentity
	}
	return p, nil
}
