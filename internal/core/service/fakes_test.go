package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	relaymem "github.com/Wyydra/yacall/internal/adapter/driven/relay/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

const waitTimeout = 3 * time.Second

var errNoCamera = errors.New("no camera")

type fakeHandle struct {
	id string

	mu       sync.Mutex
	audio    bool
	video    bool
	releases int
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) SetAudioEnabled(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = v
}

func (h *fakeHandle) SetVideoEnabled(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.video = v
}

func (h *fakeHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releases++
	return nil
}

func (h *fakeHandle) Releases() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}

type fakeTransport struct {
	remote domain.Identity
	media  port.MediaHandle
	cb     port.TransportCallbacks

	mu         sync.Mutex
	remoteDesc *domain.SessionDescription
	candidates []domain.Candidate
	early      int
	closes     int
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	t.cb.OnCandidate(domain.Candidate{Candidate: "candidate:offerer " + t.remote.String()})
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: "offer-for-" + t.remote.String()}, nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	t.cb.OnCandidate(domain.Candidate{Candidate: "candidate:answerer " + t.remote.String()})
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: "answer-for-" + t.remote.String()}, nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteDesc = &desc
	return nil
}

func (t *fakeTransport) AddCandidate(ctx context.Context, c domain.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteDesc == nil {
		t.early++
		return errors.New("remote description not set")
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) Candidates() []domain.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Candidate(nil), t.candidates...)
}

func (t *fakeTransport) Early() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.early
}

func (t *fakeTransport) establish() {
	t.cb.OnStateChange(domain.TransportConnecting)
	t.cb.OnStateChange(domain.TransportConnected)
}

type fakeMedia struct {
	mu         sync.Mutex
	acquireErr error
	handles    []*fakeHandle
	transports []*fakeTransport
}

func (m *fakeMedia) AcquireLocalMedia(ctx context.Context) (port.MediaHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	h := &fakeHandle{id: fmt.Sprintf("media-%d", len(m.handles)+1), audio: true, video: true}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *fakeMedia) NewTransport(remote domain.Identity, media port.MediaHandle, cb port.TransportCallbacks) (port.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &fakeTransport{remote: remote, media: media, cb: cb}
	m.transports = append(m.transports, t)
	return t, nil
}

func (m *fakeMedia) failAcquire(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireErr = err
}

func (m *fakeMedia) Handles() []*fakeHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeHandle(nil), m.handles...)
}

func (m *fakeMedia) Transports() []*fakeTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeTransport(nil), m.transports...)
}

func (m *fakeMedia) transportFor(t *testing.T, remote domain.Identity) *fakeTransport {
	t.Helper()
	var found *fakeTransport
	for _, tr := range m.Transports() {
		if tr.remote == remote {
			found = tr
		}
	}
	if found == nil {
		t.Fatalf("no transport towards %s", remote)
	}
	return found
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Notify(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) find(kind domain.EventKind) (domain.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return domain.Event{}, false
}

func (l *eventLog) errorMatching(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == domain.EventError && errors.Is(ev.Err, target) {
			return true
		}
	}
	return false
}

type peer struct {
	id      domain.Identity
	conn    *relaymem.Conn
	sig     *SignalingClient
	svc     *CallService
	media   *fakeMedia
	events  *eventLog
	history *memory.CallHistory
}

var testDirectory = memory.NewDirectory(
	domain.Profile{ID: "alice", DisplayName: "Alice"},
	domain.Profile{ID: "bob", DisplayName: "Bob"},
	domain.Profile{ID: "carol", DisplayName: "Carol"},
	domain.Profile{ID: "host", DisplayName: "Meeting Room"},
)

func newPeer(t *testing.T, r *relaymem.Relay, id domain.Identity, opts ...CallOption) *peer {
	t.Helper()
	p := &peer{
		id:      id,
		conn:    r.Connect(),
		media:   &fakeMedia{},
		events:  &eventLog{},
		history: memory.NewCallHistory(),
	}
	p.sig = NewSignalingClient(id, p.conn,
		WithAckTimeout(500*time.Millisecond),
		WithUnsubscribeGrace(20*time.Millisecond),
	)
	opts = append([]CallOption{
		WithDirectory(testDirectory),
		WithNotifier(p.events),
		WithHistory(p.history),
	}, opts...)
	p.svc = NewCallService(id, p.sig, p.media, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go p.svc.Run(ctx)
	if err := p.sig.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start signaling for %s: %v", id, err)
	}
	t.Cleanup(func() {
		cancel()
		<-p.svc.Done()
		p.sig.Stop()
	})
	return p
}

func (p *peer) waitStatus(t *testing.T, want domain.CallStatus) domain.CallSession {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		s := p.svc.Session()
		if s.Status == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s status=%s, want %s", p.id, s.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// connect runs a full call from caller to callee and confirms both transports.
func connect(t *testing.T, caller, callee *peer) {
	t.Helper()
	ctx := context.Background()
	if err := caller.svc.StartCall(ctx, callee.id); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callee.waitStatus(t, domain.StatusIncoming)
	if err := callee.svc.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	caller.waitStatus(t, domain.StatusConnected)
	caller.media.transportFor(t, callee.id).establish()
	callee.media.transportFor(t, caller.id).establish()
	waitFor(t, "both sides confirmed", func() bool {
		return caller.svc.Session().Confirmed && callee.svc.Session().Confirmed
	})
}
