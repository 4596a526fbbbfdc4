package null

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
)

var errClosed = errors.New("null transport closed")

// Engine is a media engine without media. Transports connect as soon as
// both descriptions are set, which makes it usable for signaling-only runs.
type Engine struct {
	mu         sync.Mutex
	held       int
	open       int
	transports int
}

var _ port.MediaEngine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{}
}

// Held counts acquired media handles that were not released.
func (e *Engine) Held() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

// Open counts transports that were not closed.
func (e *Engine) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

func (e *Engine) AcquireLocalMedia(ctx context.Context) (port.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.held++
	e.mu.Unlock()
	return &handle{engine: e, id: uuid.New().String()}, nil
}

func (e *Engine) NewTransport(remote domain.Identity, media port.MediaHandle, cb port.TransportCallbacks) (port.Transport, error) {
	e.mu.Lock()
	e.open++
	e.transports++
	n := e.transports
	e.mu.Unlock()
	return &transport{engine: e, remote: remote, cb: cb, seq: n}, nil
}

type handle struct {
	engine   *Engine
	id       string
	mu       sync.Mutex
	released bool
}

func (h *handle) ID() string {
	return h.id
}

func (h *handle) SetAudioEnabled(bool) {}

func (h *handle) SetVideoEnabled(bool) {}

func (h *handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errors.New("null media already released")
	}
	h.released = true
	h.engine.mu.Lock()
	h.engine.held--
	h.engine.mu.Unlock()
	return nil
}

type transport struct {
	engine *Engine
	remote domain.Identity
	cb     port.TransportCallbacks
	seq    int

	mu        sync.Mutex
	local     bool
	remoteSet bool
	connected bool
	closed    bool
}

func (t *transport) describe(kind domain.SDPType) domain.SessionDescription {
	return domain.SessionDescription{
		Type: kind,
		SDP:  fmt.Sprintf("v=0\r\no=- %d 0 IN IP4 127.0.0.1\r\ns=null\r\n", t.seq),
	}
}

func (t *transport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return t.setLocal(ctx, domain.SDPOffer)
}

func (t *transport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	remoteSet := t.remoteSet
	t.mu.Unlock()
	if !remoteSet {
		return domain.SessionDescription{}, errors.New("answer requires a remote offer")
	}
	return t.setLocal(ctx, domain.SDPAnswer)
}

func (t *transport) setLocal(ctx context.Context, kind domain.SDPType) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.SessionDescription{}, errClosed
	}
	t.local = true
	t.mu.Unlock()

	if t.cb.OnCandidate != nil {
		mid := "0"
		t.cb.OnCandidate(domain.Candidate{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 9 typ host", t.seq),
			SDPMid:    &mid,
		})
	}
	t.maybeConnect()
	return t.describe(kind), nil
}

func (t *transport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errClosed
	}
	t.remoteSet = true
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

func (t *transport) AddCandidate(ctx context.Context, c domain.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errClosed
	}
	if !t.remoteSet {
		return errors.New("candidate before remote description")
	}
	return nil
}

func (t *transport) maybeConnect() {
	t.mu.Lock()
	ready := t.local && t.remoteSet && !t.connected && !t.closed
	if ready {
		t.connected = true
	}
	t.mu.Unlock()
	if ready && t.cb.OnStateChange != nil {
		t.cb.OnStateChange(domain.TransportConnecting)
		t.cb.OnStateChange(domain.TransportConnected)
	}
}

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.engine.mu.Lock()
	t.engine.open--
	t.engine.mu.Unlock()
	return nil
}
