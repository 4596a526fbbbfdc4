package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Signaler is the part of the signaling client the call service uses.
type Signaler interface {
	Handle(kind domain.MessageKind, fn HandlerFunc)
	SendOffer(ctx context.Context, to domain.Identity, offer domain.SessionDescription) error
	SendAnswer(ctx context.Context, to domain.Identity, answer domain.SessionDescription) error
	SendIceCandidate(ctx context.Context, to domain.Identity, cand domain.Candidate) error
	SendEndCall(ctx context.Context, to domain.Identity) error
	SendDecline(ctx context.Context, to domain.Identity) error
}

type BusyPolicy string

const (
	// BusyDecline answers a call arriving during another session with a decline.
	BusyDecline BusyPolicy = "decline"
	// BusyQueue holds calls arriving during another session and rings them
	// in arrival order once the session ends.
	BusyQueue BusyPolicy = "queue"
)

const (
	DefaultQueueDepth = 3
	opsBuffer         = 64
)

type CallOption func(*CallService)

func WithDirectory(d port.Directory) CallOption {
	return func(s *CallService) {
		s.directory = d
	}
}

func WithNotifier(n port.Notifier) CallOption {
	return func(s *CallService) {
		s.notifier = n
	}
}

func WithHistory(h port.CallHistory) CallOption {
	return func(s *CallService) {
		s.history = h
	}
}

func WithBusyPolicy(p BusyPolicy, depth int) CallOption {
	return func(s *CallService) {
		s.busy = p
		s.queueDepth = depth
	}
}

func WithClock(now func() time.Time) CallOption {
	return func(s *CallService) {
		s.now = now
	}
}

// NotifyFunc adapts a function to port.Notifier.
type NotifyFunc func(domain.Event)

func (f NotifyFunc) Notify(ev domain.Event) {
	f(ev)
}

type operation struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// admitMode selects how an inbound offer joins the session.
type admitMode int

const (
	// admitAccept answers the pending call and makes its caller the remote party.
	admitAccept admitMode = iota
	// admitHost adds the caller as a participant of a hosted session.
	admitHost
)

type pendingCall struct {
	from       domain.Identity
	offer      domain.SessionDescription
	profile    domain.Profile
	candidates []domain.Candidate
	receivedAt time.Time
}

type link struct {
	remote      domain.Identity
	transport   port.Transport
	remoteSet   bool
	signaled    bool
	confirmed   bool
	inbound     []domain.Candidate
	outbound    []domain.Candidate
	seen        map[string]struct{}
	startedAt   time.Time
	connectedAt time.Time
	direction   domain.Direction
}

type callState struct {
	status      domain.CallStatus
	remote      domain.Identity
	direction   domain.Direction
	callID      domain.CallID
	hosting     bool
	confirmed   bool
	pending     *pendingCall
	queue       []*pendingCall
	media       port.MediaHandle
	audio       bool
	video       bool
	links       map[domain.Identity]*link
	startedAt   time.Time
	connectedAt time.Time
}

// CallService runs the call session state machine. All state is owned by
// the Run goroutine; local actions, inbound messages and transport events
// are queued as operations and applied one at a time.
type CallService struct {
	local      domain.Identity
	signaling  Signaler
	media      port.MediaEngine
	directory  port.Directory
	notifier   port.Notifier
	history    port.CallHistory
	busy       BusyPolicy
	queueDepth int
	now        func() time.Time
	log        zerolog.Logger

	ops     chan operation
	done    chan struct{}
	running atomic.Bool
	runCtx  context.Context
	bg      sync.WaitGroup

	st callState

	snapMu sync.RWMutex
	snap   domain.CallSession
}

func NewCallService(local domain.Identity, sig Signaler, media port.MediaEngine, opts ...CallOption) *CallService {
	s := &CallService{
		local:      local,
		signaling:  sig,
		media:      media,
		busy:       BusyDecline,
		queueDepth: DefaultQueueDepth,
		now:        time.Now,
		log:        log.With().Str("identity", local.String()).Logger(),
		ops:        make(chan operation, opsBuffer),
		done:       make(chan struct{}),
		runCtx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetState()
	s.publishSnapshot()

	sig.Handle(domain.KindCall, s.handleCall)
	sig.Handle(domain.KindAnswer, s.handleAnswer)
	sig.Handle(domain.KindIceCandidate, s.handleCandidate)
	sig.Handle(domain.KindEndCall, s.handleEndCall)
	sig.Handle(domain.KindDecline, s.handleDecline)
	return s
}

// Run applies queued operations until ctx is done, then tears down any
// active session.
func (s *CallService) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("call service already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = runCtx
	defer close(s.done)

	s.log.Info().Msg("Call service started")
	for {
		select {
		case <-ctx.Done():
			s.teardown(context.WithoutCancel(ctx), s.localEndOutcome())
			s.publishSnapshot()
			s.bg.Wait()
			s.log.Info().Msg("Call service stopped")
			return ctx.Err()
		case op := <-s.ops:
			opCtx := op.ctx
			if opCtx == nil {
				opCtx = runCtx
			}
			err := op.fn(opCtx)
			s.publishSnapshot()
			if op.result != nil {
				op.result <- err
			}
		}
	}
}

// Done is closed when Run has returned.
func (s *CallService) Done() <-chan struct{} {
	return s.done
}

func (s *CallService) do(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	select {
	case s.ops <- operation{ctx: ctx, fn: fn, result: res}:
	case <-s.done:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		select {
		case err := <-res:
			return err
		default:
			return domain.ErrClosed
		}
	}
}

func (s *CallService) post(fn func(ctx context.Context)) {
	op := operation{fn: func(ctx context.Context) error {
		fn(ctx)
		return nil
	}}
	select {
	case s.ops <- op:
	case <-s.done:
	}
}

// postAsync never blocks the caller, which may be a transport goroutine
// that the actor is waiting on.
func (s *CallService) postAsync(fn func(ctx context.Context)) {
	op := operation{fn: func(ctx context.Context) error {
		fn(ctx)
		return nil
	}}
	select {
	case s.ops <- op:
	default:
		go s.post(fn)
	}
}

// Session returns a snapshot of the current state.
func (s *CallService) Session() domain.CallSession {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap := s.snap
	snap.Participants = append([]domain.Identity(nil), s.snap.Participants...)
	snap.Queued = append([]domain.Identity(nil), s.snap.Queued...)
	return snap
}

func (s *CallService) publishSnapshot() {
	snap := domain.CallSession{
		Status:       s.st.status,
		Local:        s.local,
		Remote:       s.st.remote,
		Confirmed:    s.st.confirmed,
		Hosting:      s.st.hosting,
		AudioEnabled: s.st.audio,
		VideoEnabled: s.st.video,
	}
	for id := range s.st.links {
		snap.Participants = append(snap.Participants, id)
	}
	sort.Slice(snap.Participants, func(i, j int) bool { return snap.Participants[i] < snap.Participants[j] })
	for _, pc := range s.st.queue {
		snap.Queued = append(snap.Queued, pc.from)
	}

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

func (s *CallService) StartCall(ctx context.Context, target domain.Identity) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.startCall(ctx, target)
	})
}

func (s *CallService) Accept(ctx context.Context) error {
	return s.do(ctx, s.accept)
}

func (s *CallService) Decline(ctx context.Context) error {
	return s.do(ctx, s.decline)
}

func (s *CallService) EndCall(ctx context.Context) error {
	return s.do(ctx, s.endCall)
}

// StartHosting opens a session that accepts every inbound call as a
// participant, sharing one local media handle.
func (s *CallService) StartHosting(ctx context.Context) error {
	return s.do(ctx, s.startHosting)
}

func (s *CallService) ToggleAudio(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.do(ctx, func(ctx context.Context) error {
		if s.st.media == nil {
			return domain.NewCallError("toggle audio", s.st.remote, domain.ErrMediaUnavailable)
		}
		s.st.audio = !s.st.audio
		s.st.media.SetAudioEnabled(s.st.audio)
		enabled = s.st.audio
		return nil
	})
	return enabled, err
}

func (s *CallService) ToggleVideo(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.do(ctx, func(ctx context.Context) error {
		if s.st.media == nil {
			return domain.NewCallError("toggle video", s.st.remote, domain.ErrMediaUnavailable)
		}
		s.st.video = !s.st.video
		s.st.media.SetVideoEnabled(s.st.video)
		enabled = s.st.video
		return nil
	})
	return enabled, err
}

func (s *CallService) handleCall(_ context.Context, msg domain.ControlMessage) {
	s.post(func(ctx context.Context) { s.onCall(ctx, msg) })
}

func (s *CallService) handleAnswer(_ context.Context, msg domain.ControlMessage) {
	s.post(func(ctx context.Context) { s.onAnswer(ctx, msg) })
}

func (s *CallService) handleCandidate(_ context.Context, msg domain.ControlMessage) {
	s.post(func(ctx context.Context) { s.onCandidate(ctx, msg) })
}

func (s *CallService) handleEndCall(_ context.Context, msg domain.ControlMessage) {
	s.post(func(ctx context.Context) { s.onEndCall(ctx, msg) })
}

func (s *CallService) handleDecline(_ context.Context, msg domain.ControlMessage) {
	s.post(func(ctx context.Context) { s.onDecline(ctx, msg) })
}

func (s *CallService) startCall(ctx context.Context, target domain.Identity) error {
	const op = "start call"
	if s.st.status != domain.StatusIdle {
		return domain.NewCallError(op, target, domain.ErrSessionBusy)
	}
	if target.IsZero() || target == s.local {
		return domain.NewCallError(op, target, domain.ErrUnknownIdentity)
	}
	if _, err := s.resolve(ctx, target); err != nil {
		return domain.NewCallError(op, target, err)
	}

	s.begin(target, domain.DirectionOutgoing)
	s.setStatus(domain.StatusCalling)

	media, err := s.media.AcquireLocalMedia(ctx)
	if err != nil {
		return s.abort(ctx, domain.NewCallError(op, target, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)))
	}
	s.st.media = media

	l, err := s.openLink(target, domain.DirectionOutgoing)
	if err != nil {
		return s.abort(ctx, domain.NewCallError(op, target, err))
	}
	offer, err := l.transport.CreateOffer(ctx)
	if err != nil {
		return s.abort(ctx, domain.NewCallError(op, target, fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)))
	}
	if err := s.signaling.SendOffer(ctx, target, offer); err != nil {
		return s.abort(ctx, err)
	}
	s.markSignaled(l)
	s.log.Info().Str("remote", target.String()).Msg("Calling")
	return nil
}

// abort reports err and tears the session down without messaging the peer.
func (s *CallService) abort(ctx context.Context, err error) error {
	s.log.Error().Err(err).Msg("Call aborted")
	s.notifyError(err)
	s.teardown(ctx, domain.OutcomeFailed)
	return err
}

func (s *CallService) accept(ctx context.Context) error {
	if s.st.status == domain.StatusConnected && s.st.pending == nil && !s.st.hosting {
		return nil
	}
	if s.st.status != domain.StatusIncoming || s.st.pending == nil {
		return domain.NewCallError("accept", "", domain.ErrNoPendingCall)
	}
	return s.admit(ctx, s.st.pending, admitAccept)
}

// admit answers pc's offer. Manual accept and host auto-accept share this
// path; local media already held by the session is reused.
func (s *CallService) admit(ctx context.Context, pc *pendingCall, mode admitMode) error {
	op := "accept"
	if mode == admitHost {
		op = "auto-accept"
	}

	fail := func(err error, decline bool) error {
		err = domain.NewCallError(op, pc.from, err)
		s.log.Error().Err(err).Msg("Admission failed")
		s.notifyError(err)
		if decline {
			s.sendAsync(pc.from, "decline", s.signaling.SendDecline)
		}
		if mode == admitHost {
			if l := s.st.links[pc.from]; l != nil {
				s.dropLink(ctx, l, domain.OutcomeFailed)
			}
		} else {
			s.teardown(ctx, domain.OutcomeFailed)
		}
		return err
	}

	if s.st.media == nil {
		media, err := s.media.AcquireLocalMedia(ctx)
		if err != nil {
			return fail(fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err), true)
		}
		s.st.media = media
	}

	l, err := s.openLink(pc.from, domain.DirectionIncoming)
	if err != nil {
		return fail(err, true)
	}
	if err := l.transport.SetRemoteDescription(ctx, pc.offer); err != nil {
		return fail(fmt.Errorf("%w: %w", domain.ErrTransportFailure, err), true)
	}
	l.remoteSet = true
	s.applyCandidates(ctx, l, pc.candidates...)

	answer, err := l.transport.CreateAnswer(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", domain.ErrTransportFailure, err), true)
	}
	if err := s.signaling.SendAnswer(ctx, pc.from, answer); err != nil {
		return fail(err, false)
	}
	s.markSignaled(l)

	if mode == admitAccept {
		s.st.pending = nil
		s.setStatus(domain.StatusConnected)
		s.log.Info().Str("remote", pc.from.String()).Msg("Call accepted")
		return nil
	}
	profile := pc.profile
	s.notify(domain.Event{Kind: domain.EventParticipantJoined, Remote: pc.from, Profile: &profile})
	s.log.Info().Str("remote", pc.from.String()).Int("participants", len(s.st.links)).Msg("Participant joined")
	return nil
}

func (s *CallService) decline(ctx context.Context) error {
	if s.st.status != domain.StatusIncoming || s.st.pending == nil {
		return domain.NewCallError("decline", "", domain.ErrNoPendingCall)
	}
	caller := s.st.pending.from
	err := s.signaling.SendDecline(ctx, caller)
	s.teardown(ctx, domain.OutcomeDeclined)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", caller.String()).Msg("Decline not delivered")
		return err
	}
	s.log.Info().Str("remote", caller.String()).Msg("Call declined")
	return nil
}

func (s *CallService) endCall(ctx context.Context) error {
	switch s.st.status {
	case domain.StatusIdle:
		return nil
	case domain.StatusIncoming:
		return s.decline(ctx)
	}

	peers := s.peers()
	s.teardown(ctx, s.localEndOutcome())

	var errs []error
	for _, peer := range peers {
		if err := s.signaling.SendEndCall(ctx, peer); err != nil {
			s.log.Warn().Err(err).Str("remote", peer.String()).Msg("End call not delivered")
			errs = append(errs, err)
		}
	}
	s.log.Info().Int("peers", len(peers)).Msg("Call ended")
	return errors.Join(errs...)
}

func (s *CallService) localEndOutcome() domain.Outcome {
	switch s.st.status {
	case domain.StatusCalling:
		return domain.OutcomeCancelled
	case domain.StatusIncoming:
		return domain.OutcomeMissed
	}
	return domain.OutcomeAnswered
}

func (s *CallService) startHosting(ctx context.Context) error {
	const op = "start hosting"
	if s.st.status != domain.StatusIdle {
		return domain.NewCallError(op, "", domain.ErrSessionBusy)
	}
	media, err := s.media.AcquireLocalMedia(ctx)
	if err != nil {
		err = domain.NewCallError(op, "", fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err))
		s.notifyError(err)
		return err
	}
	s.begin("", domain.DirectionIncoming)
	s.st.media = media
	s.st.hosting = true
	s.st.confirmed = true
	s.setStatus(domain.StatusConnected)
	s.log.Info().Msg("Hosting started")
	return nil
}

func (s *CallService) onCall(ctx context.Context, msg domain.ControlMessage) {
	pc := &pendingCall{
		from:       msg.From,
		offer:      *msg.Description,
		receivedAt: s.now(),
	}
	l := s.log.With().Str("remote", msg.From.String()).Logger()

	switch {
	case s.st.hosting:
		if _, ok := s.st.links[msg.From]; ok {
			l.Debug().Msg("Duplicate call from participant")
			return
		}
		pc.profile = s.profileOf(ctx, msg.From)
		_ = s.admit(ctx, pc, admitHost)
	case s.st.status == domain.StatusIdle:
		s.ring(ctx, pc)
	case s.st.status == domain.StatusCalling && msg.From == s.st.remote:
		s.onGlare(ctx, pc)
	case msg.From == s.st.remote:
		l.Debug().Msg("Duplicate call from remote")
	default:
		s.onBusy(ctx, pc)
	}
}

// onGlare resolves two parties calling each other at once. The lower
// identity keeps its outgoing call and ignores the crossing offer; the
// higher one drops its own offer and answers the inbound call with the
// media it already holds.
func (s *CallService) onGlare(ctx context.Context, pc *pendingCall) {
	if s.local < pc.from {
		s.log.Info().Str("remote", pc.from.String()).Msg("Call glare, keeping outgoing call")
		return
	}
	if old := s.st.links[pc.from]; old != nil {
		delete(s.st.links, pc.from)
		if err := old.transport.Close(); err != nil {
			s.log.Warn().Err(err).Str("remote", pc.from.String()).Msg("Error closing transport")
		}
		// candidates that raced ahead of the offer belong to the caller's
		// transport and stay valid
		pc.candidates = append(old.inbound, pc.candidates...)
	}
	pc.profile = s.profileOf(ctx, pc.from)
	s.st.direction = domain.DirectionIncoming
	s.st.pending = pc
	s.log.Info().Str("remote", pc.from.String()).Msg("Call glare, answering inbound call")
	_ = s.admit(ctx, pc, admitAccept)
}

func (s *CallService) ring(ctx context.Context, pc *pendingCall) {
	if pc.profile.ID.IsZero() {
		pc.profile = s.profileOf(ctx, pc.from)
	}
	s.begin(pc.from, domain.DirectionIncoming)
	s.st.startedAt = pc.receivedAt
	s.st.pending = pc
	s.setStatus(domain.StatusIncoming)
	profile := pc.profile
	s.notify(domain.Event{Kind: domain.EventIncomingCall, Remote: pc.from, Profile: &profile})
	s.log.Info().Str("remote", pc.from.String()).Str("name", profile.Name()).Msg("Incoming call")
}

func (s *CallService) onBusy(ctx context.Context, pc *pendingCall) {
	for _, q := range s.st.queue {
		if q.from == pc.from {
			return
		}
	}
	if s.busy == BusyQueue && len(s.st.queue) < s.queueDepth {
		pc.profile = s.profileOf(ctx, pc.from)
		s.st.queue = append(s.st.queue, pc)
		s.notifyError(domain.NewCallError("queue call", pc.from, domain.ErrSessionBusy))
		s.log.Info().Str("remote", pc.from.String()).Int("queued", len(s.st.queue)).Msg("Call queued")
		return
	}
	s.notifyError(domain.NewCallError("decline call", pc.from, domain.ErrSessionBusy))
	s.log.Info().Str("remote", pc.from.String()).Msg("Busy, declining call")
	s.sendAsync(pc.from, "decline", s.signaling.SendDecline)
}

func (s *CallService) onAnswer(ctx context.Context, msg domain.ControlMessage) {
	l := s.st.links[msg.From]
	if s.st.status != domain.StatusCalling || msg.From != s.st.remote || l == nil {
		s.log.Debug().Str("remote", msg.From.String()).Str("status", string(s.st.status)).Msg("Ignoring answer")
		return
	}
	if l.remoteSet {
		return
	}
	if err := l.transport.SetRemoteDescription(ctx, *msg.Description); err != nil {
		err = domain.NewCallError("apply answer", msg.From, fmt.Errorf("%w: %w", domain.ErrTransportFailure, err))
		s.notifyError(err)
		s.log.Error().Err(err).Msg("Answer rejected")
		s.sendAsync(msg.From, "end call", s.signaling.SendEndCall)
		s.teardown(ctx, domain.OutcomeFailed)
		return
	}
	l.remoteSet = true
	s.applyCandidates(ctx, l, l.inbound...)
	l.inbound = nil
	s.setStatus(domain.StatusConnected)
	s.log.Info().Str("remote", msg.From.String()).Msg("Call answered")
}

func (s *CallService) onCandidate(ctx context.Context, msg domain.ControlMessage) {
	cand := *msg.Candidate
	if pc := s.st.pending; pc != nil && pc.from == msg.From {
		pc.candidates = append(pc.candidates, cand)
		return
	}
	if l := s.st.links[msg.From]; l != nil {
		s.applyCandidates(ctx, l, cand)
		return
	}
	for _, q := range s.st.queue {
		if q.from == msg.From {
			q.candidates = append(q.candidates, cand)
			return
		}
	}
	s.log.Debug().Str("remote", msg.From.String()).Msg("Dropping candidate for unknown session")
}

func (s *CallService) onEndCall(ctx context.Context, msg domain.ControlMessage) {
	from := msg.From
	if s.dequeue(from) {
		return
	}
	if s.st.hosting {
		if l := s.st.links[from]; l != nil {
			s.dropLink(ctx, l, domain.OutcomeAnswered)
		}
		return
	}
	if s.st.status == domain.StatusIdle || from != s.st.remote {
		s.log.Debug().Str("remote", from.String()).Msg("Ignoring end call")
		return
	}

	outcome := domain.OutcomeAnswered
	switch s.st.status {
	case domain.StatusIncoming:
		outcome = domain.OutcomeMissed
	case domain.StatusCalling:
		outcome = domain.OutcomeCancelled
	}
	s.log.Info().Str("remote", from.String()).Msg("Remote ended call")
	s.teardown(ctx, outcome)
}

func (s *CallService) onDecline(ctx context.Context, msg domain.ControlMessage) {
	from := msg.From
	if s.st.hosting {
		if l := s.st.links[from]; l != nil {
			s.dropLink(ctx, l, domain.OutcomeDeclined)
		}
		return
	}
	if s.st.status == domain.StatusIdle || from != s.st.remote {
		s.log.Debug().Str("remote", from.String()).Msg("Ignoring decline")
		return
	}
	s.log.Info().Str("remote", from.String()).Msg("Call declined by remote")
	s.teardown(ctx, domain.OutcomeDeclined)
}

func (s *CallService) onTransportState(ctx context.Context, l *link, state domain.TransportState) {
	if !s.current(l) {
		return
	}
	switch {
	case state == domain.TransportConnected:
		if l.confirmed {
			return
		}
		l.confirmed = true
		l.connectedAt = s.now()
		if !s.st.hosting {
			s.st.confirmed = true
			s.st.connectedAt = l.connectedAt
		}
		s.notify(domain.Event{Kind: domain.EventCallConnected, Remote: l.remote})
		s.log.Info().Str("remote", l.remote.String()).Msg("Transport connected")
	case state.Terminal():
		err := domain.NewCallError("transport "+string(state), l.remote, domain.ErrTransportFailure)
		s.notifyError(err)
		s.log.Warn().Err(err).Msg("Transport lost")
		if s.st.hosting {
			s.dropLink(ctx, l, domain.OutcomeFailed)
			return
		}
		outcome := domain.OutcomeFailed
		if l.confirmed {
			outcome = domain.OutcomeAnswered
		}
		s.teardown(ctx, outcome)
	}
}

func (s *CallService) onLocalCandidate(l *link, cand domain.Candidate) {
	if !s.current(l) {
		return
	}
	if !l.signaled {
		l.outbound = append(l.outbound, cand)
		return
	}
	s.sendCandidates(l.remote, []domain.Candidate{cand})
}

func (s *CallService) onRemoteMedia(l *link, m domain.RemoteMedia) {
	if !s.current(l) {
		return
	}
	media := m
	s.notify(domain.Event{Kind: domain.EventRemoteMedia, Remote: l.remote, Media: &media})
}

func (s *CallService) openLink(remote domain.Identity, dir domain.Direction) (*link, error) {
	l := &link{
		remote:    remote,
		seen:      make(map[string]struct{}),
		startedAt: s.now(),
		direction: dir,
	}
	cb := port.TransportCallbacks{
		OnCandidate: func(c domain.Candidate) {
			s.postAsync(func(context.Context) { s.onLocalCandidate(l, c) })
		},
		OnRemoteMedia: func(m domain.RemoteMedia) {
			s.postAsync(func(context.Context) { s.onRemoteMedia(l, m) })
		},
		OnStateChange: func(state domain.TransportState) {
			s.postAsync(func(ctx context.Context) { s.onTransportState(ctx, l, state) })
		},
	}
	t, err := s.media.NewTransport(remote, s.st.media, cb)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
	}
	l.transport = t
	s.st.links[remote] = l
	return l, nil
}

// current reports whether l is still the live link for its remote.
func (s *CallService) current(l *link) bool {
	return s.st.links[l.remote] == l
}

func (s *CallService) markSignaled(l *link) {
	l.signaled = true
	if len(l.outbound) == 0 {
		return
	}
	batch := l.outbound
	l.outbound = nil
	s.sendCandidates(l.remote, batch)
}

func (s *CallService) sendCandidates(to domain.Identity, batch []domain.Candidate) {
	ctx := s.runCtx
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		for _, c := range batch {
			if err := s.signaling.SendIceCandidate(ctx, to, c); err != nil {
				s.log.Warn().Err(err).Str("remote", to.String()).Msg("Candidate not delivered")
				return
			}
		}
	}()
}

func (s *CallService) sendAsync(to domain.Identity, what string, send func(context.Context, domain.Identity) error) {
	ctx := s.runCtx
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := send(ctx, to); err != nil {
			s.log.Warn().Err(err).Str("remote", to.String()).Str("message", what).Msg("Message not delivered")
		}
	}()
}

func (s *CallService) applyCandidates(ctx context.Context, l *link, cands ...domain.Candidate) {
	for _, c := range cands {
		key := c.Key()
		if _, dup := l.seen[key]; dup {
			continue
		}
		if !l.remoteSet {
			l.inbound = append(l.inbound, c)
			continue
		}
		l.seen[key] = struct{}{}
		if err := l.transport.AddCandidate(ctx, c); err != nil {
			s.log.Warn().Err(err).Str("remote", l.remote.String()).Msg("Error adding candidate")
		}
	}
}

func (s *CallService) dequeue(from domain.Identity) bool {
	for i, q := range s.st.queue {
		if q.from == from {
			s.st.queue = append(s.st.queue[:i], s.st.queue[i+1:]...)
			s.record(q.from, domain.DirectionIncoming, domain.OutcomeMissed, q.receivedAt, time.Time{})
			s.log.Info().Str("remote", from.String()).Msg("Queued call withdrawn")
			return true
		}
	}
	return false
}

func (s *CallService) peers() []domain.Identity {
	peers := make([]domain.Identity, 0, len(s.st.links)+1)
	for id := range s.st.links {
		peers = append(peers, id)
	}
	if !s.st.remote.IsZero() && s.st.links[s.st.remote] == nil {
		peers = append(peers, s.st.remote)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (s *CallService) dropLink(ctx context.Context, l *link, outcome domain.Outcome) {
	if !s.current(l) {
		return
	}
	delete(s.st.links, l.remote)
	if err := l.transport.Close(); err != nil {
		s.log.Warn().Err(err).Str("remote", l.remote.String()).Msg("Error closing transport")
	}
	s.record(l.remote, l.direction, outcome, l.startedAt, l.connectedAt)
	s.notify(domain.Event{Kind: domain.EventParticipantLeft, Remote: l.remote})
	s.log.Info().Str("remote", l.remote.String()).Int("participants", len(s.st.links)).Msg("Participant left")
}

// teardown is the single exit path of a session: transports are closed,
// local media released once, history recorded, and the state reset to
// idle. The next queued call, if any, starts ringing.
func (s *CallService) teardown(ctx context.Context, outcome domain.Outcome) {
	if s.st.status == domain.StatusIdle && s.st.media == nil && len(s.st.links) == 0 {
		return
	}

	for remote, l := range s.st.links {
		delete(s.st.links, remote)
		if err := l.transport.Close(); err != nil {
			s.log.Warn().Err(err).Str("remote", remote.String()).Msg("Error closing transport")
		}
		if s.st.hosting {
			s.record(remote, l.direction, domain.OutcomeAnswered, l.startedAt, l.connectedAt)
		}
	}
	if s.st.media != nil {
		if err := s.st.media.Release(); err != nil {
			s.log.Warn().Err(err).Msg("Error releasing local media")
		}
		s.st.media = nil
	}
	if !s.st.hosting && !s.st.remote.IsZero() {
		s.record(s.st.remote, s.st.direction, outcome, s.st.startedAt, s.st.connectedAt)
	}

	s.setStatus(domain.StatusEnded)
	s.resetState()
	s.setStatus(domain.StatusIdle)

	if len(s.st.queue) > 0 {
		next := s.st.queue[0]
		s.st.queue = s.st.queue[1:]
		s.ring(ctx, next)
	}
}

func (s *CallService) begin(remote domain.Identity, dir domain.Direction) {
	s.st.remote = remote
	s.st.direction = dir
	s.st.callID = domain.NewCallID()
	s.st.startedAt = s.now()
}

func (s *CallService) resetState() {
	queue := s.st.queue
	s.st = callState{
		status: s.st.status,
		queue:  queue,
		audio:  true,
		video:  true,
		links:  make(map[domain.Identity]*link),
	}
	if s.st.status == "" {
		s.st.status = domain.StatusIdle
	}
}

func (s *CallService) setStatus(status domain.CallStatus) {
	if s.st.status == status {
		return
	}
	s.st.status = status
	s.notify(domain.Event{Kind: domain.EventStatusChanged, Status: status, Remote: s.st.remote})
}

func (s *CallService) resolve(ctx context.Context, id domain.Identity) (domain.Profile, error) {
	if s.directory == nil {
		return domain.Profile{ID: id}, nil
	}
	return s.directory.Resolve(ctx, id)
}

// profileOf never fails: unknown callers are shown by identity.
func (s *CallService) profileOf(ctx context.Context, id domain.Identity) domain.Profile {
	p, err := s.resolve(ctx, id)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", id.String()).Msg("Caller profile unavailable")
		return domain.Profile{ID: id}
	}
	return p
}

func (s *CallService) record(remote domain.Identity, dir domain.Direction, outcome domain.Outcome, started, connected time.Time) {
	if s.history == nil {
		return
	}
	rec := domain.CallRecord{
		ID:          domain.NewCallID(),
		Local:       s.local,
		Remote:      remote,
		Direction:   dir,
		Outcome:     outcome,
		StartedAt:   started,
		ConnectedAt: connected,
		EndedAt:     s.now(),
	}
	if !s.st.hosting && remote == s.st.remote && s.st.callID != "" {
		rec.ID = s.st.callID
	}
	if err := s.history.Record(context.WithoutCancel(s.runCtx), rec); err != nil {
		s.log.Warn().Err(err).Str("remote", remote.String()).Msg("Error recording call")
	}
}

func (s *CallService) notify(ev domain.Event) {
	if s.notifier == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if ev.Status == "" {
		ev.Status = s.st.status
	}
	s.notifier.Notify(ev)
}

func (s *CallService) notifyError(err error) {
	var remote domain.Identity
	var ce *domain.CallError
	if errors.As(err, &ce) {
		remote = ce.Remote
	}
	s.notify(domain.Event{Kind: domain.EventError, Remote: remote, Err: err})
}
