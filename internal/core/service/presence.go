package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	presenceWriteTimeout     = 5 * time.Second
)

// PresenceHeartbeat keeps the local identity's online flag fresh in the
// presence store. It is independent of call state.
type PresenceHeartbeat struct {
	id       domain.Identity
	store    port.PresenceStore
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu         sync.Mutex
	foreground bool
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewPresenceHeartbeat(id domain.Identity, store port.PresenceStore, interval time.Duration) *PresenceHeartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &PresenceHeartbeat{
		id:         id,
		store:      store,
		interval:   interval,
		now:        time.Now,
		log:        log.With().Str("identity", id.String()).Logger(),
		foreground: true,
	}
}

// Start marks the identity online and refreshes it every interval while in
// the foreground.
func (p *PresenceHeartbeat) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.foreground = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.write(ctx, true)
	go p.loop(loopCtx)
}

func (p *PresenceHeartbeat) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			fg := p.foreground
			p.mu.Unlock()
			if fg {
				p.write(ctx, true)
			}
		}
	}
}

// SetForeground records a visibility change and writes it immediately.
func (p *PresenceHeartbeat) SetForeground(ctx context.Context, foreground bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.foreground = foreground
	p.mu.Unlock()
	p.write(ctx, foreground)
}

// Stop ends the heartbeat and marks the identity offline.
func (p *PresenceHeartbeat) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done

	ctx, stop := context.WithTimeout(context.Background(), presenceWriteTimeout)
	defer stop()
	p.write(ctx, false)
}

func (p *PresenceHeartbeat) write(ctx context.Context, online bool) {
	ctx, cancel := context.WithTimeout(ctx, presenceWriteTimeout)
	defer cancel()
	if err := p.store.SetOnline(ctx, p.id, online, p.now().UTC()); err != nil {
		p.log.Warn().Err(err).Bool("online", online).Msg("Error updating presence")
		return
	}
	p.log.Debug().Bool("online", online).Msg("Presence updated")
}
