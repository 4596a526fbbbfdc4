package service

import (
	"context"
	"errors"
	"testing"
	"time"

	relaymem "github.com/Wyydra/yacall/internal/adapter/driven/relay/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
)

func TestCallConnects(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")

	connect(t, alice, bob)

	if ev, ok := bob.events.find(domain.EventIncomingCall); !ok || ev.Profile == nil || ev.Profile.DisplayName != "Alice" {
		t.Fatalf("incoming-call event=%+v, want Alice's profile", ev)
	}
	if _, ok := alice.events.find(domain.EventCallConnected); !ok {
		t.Fatal("alice got no call-connected event")
	}
	for _, p := range []*peer{alice, bob} {
		if got := len(p.media.Transports()); got != 1 {
			t.Fatalf("%s created %d transports, want 1", p.id, got)
		}
		if got := len(p.media.Handles()); got != 1 {
			t.Fatalf("%s acquired %d media handles, want 1", p.id, got)
		}
	}

	s := bob.svc.Session()
	if s.Remote != "alice" || s.Status != domain.StatusConnected {
		t.Fatalf("bob session=%+v", s)
	}

	// alice's candidate reached bob while he was still ringing and must be
	// applied once the offer is set, not before.
	bt := bob.media.transportFor(t, "alice")
	waitFor(t, "bob applies alice's candidate", func() bool { return len(bt.Candidates()) == 1 })
	if bt.Early() != 0 {
		t.Fatalf("bob added %d candidates before the remote description", bt.Early())
	}
	at := alice.media.transportFor(t, "bob")
	waitFor(t, "alice applies bob's candidate", func() bool { return len(at.Candidates()) == 1 })
}

func TestEndCallReleasesOnce(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	connect(t, alice, bob)

	ctx := context.Background()
	if err := alice.svc.EndCall(ctx); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if s := alice.svc.Session(); s.Status != domain.StatusIdle {
		t.Fatalf("alice status=%s after EndCall, want idle", s.Status)
	}
	bob.waitStatus(t, domain.StatusIdle)

	if err := alice.svc.EndCall(ctx); err != nil {
		t.Fatalf("second EndCall: %v", err)
	}
	// A late duplicate end-call must be harmless.
	if err := alice.sig.SendEndCall(ctx, "bob"); err != nil {
		t.Fatalf("SendEndCall: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	for _, p := range []*peer{alice, bob} {
		if got := p.media.Handles()[0].Releases(); got != 1 {
			t.Fatalf("%s released media %d times, want 1", p.id, got)
		}
		if got := p.media.Transports()[0].Closes(); got != 1 {
			t.Fatalf("%s closed transport %d times, want 1", p.id, got)
		}
		if s := p.svc.Session(); s.Status != domain.StatusIdle {
			t.Fatalf("%s status=%s, want idle", p.id, s.Status)
		}
	}

	recs, _ := alice.history.List(ctx, "alice", 0)
	if len(recs) != 1 || recs[0].Outcome != domain.OutcomeAnswered || recs[0].Direction != domain.DirectionOutgoing {
		t.Fatalf("alice history=%+v, want one answered outgoing call", recs)
	}
	if recs[0].ConnectedAt.IsZero() {
		t.Fatal("answered call has no connect time")
	}
}

func TestRemoteDecline(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	ctx := context.Background()

	if err := alice.svc.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	bob.waitStatus(t, domain.StatusIncoming)
	if err := bob.svc.Decline(ctx); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if s := bob.svc.Session(); s.Status != domain.StatusIdle {
		t.Fatalf("bob status=%s after Decline", s.Status)
	}
	alice.waitStatus(t, domain.StatusIdle)

	if got := len(bob.media.Handles()); got != 0 {
		t.Fatalf("bob acquired %d media handles while declining", got)
	}
	if got := alice.media.Handles()[0].Releases(); got != 1 {
		t.Fatalf("alice released media %d times, want 1", got)
	}
	if got := alice.media.Transports()[0].Closes(); got != 1 {
		t.Fatalf("alice closed transport %d times, want 1", got)
	}

	recs, _ := alice.history.List(ctx, "alice", 0)
	if len(recs) != 1 || recs[0].Outcome != domain.OutcomeDeclined {
		t.Fatalf("alice history=%+v, want declined", recs)
	}
	if err := bob.svc.Decline(ctx); !errors.Is(err, domain.ErrNoPendingCall) {
		t.Fatalf("second Decline err=%v, want ErrNoPendingCall", err)
	}
}

func TestCallerCancelsBeforeAnswer(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	ctx := context.Background()

	if err := alice.svc.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	bob.waitStatus(t, domain.StatusIncoming)
	if err := alice.svc.EndCall(ctx); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	bob.waitStatus(t, domain.StatusIdle)

	aliceRecs, _ := alice.history.List(ctx, "alice", 0)
	if len(aliceRecs) != 1 || aliceRecs[0].Outcome != domain.OutcomeCancelled {
		t.Fatalf("alice history=%+v, want cancelled", aliceRecs)
	}
	bobRecs, _ := bob.history.List(ctx, "bob", 0)
	if len(bobRecs) != 1 || bobRecs[0].Outcome != domain.OutcomeMissed || bobRecs[0].Direction != domain.DirectionIncoming {
		t.Fatalf("bob history=%+v, want missed incoming", bobRecs)
	}
	if err := bob.svc.Accept(ctx); !errors.Is(err, domain.ErrNoPendingCall) {
		t.Fatalf("Accept after cancel err=%v, want ErrNoPendingCall", err)
	}
}

func TestStartCallWhileBusy(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	newPeer(t, r, "bob")
	ctx := context.Background()

	if err := alice.svc.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	before := alice.svc.Session()
	err := alice.svc.StartCall(ctx, "carol")
	if !errors.Is(err, domain.ErrSessionBusy) {
		t.Fatalf("second StartCall err=%v, want ErrSessionBusy", err)
	}
	after := alice.svc.Session()
	if after.Status != before.Status || after.Remote != before.Remote {
		t.Fatalf("session changed from %+v to %+v", before, after)
	}
	if got := len(alice.media.Handles()); got != 1 {
		t.Fatalf("alice acquired %d media handles, want 1", got)
	}
}

func TestStartCallUnknownIdentity(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")

	err := alice.svc.StartCall(context.Background(), "mallory")
	if !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("StartCall err=%v, want ErrUnknownIdentity", err)
	}
	if s := alice.svc.Session(); s.Status != domain.StatusIdle {
		t.Fatalf("status=%s, want idle", s.Status)
	}
}

func TestBusyDecline(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	carol := newPeer(t, r, "carol")
	connect(t, alice, bob)

	if err := carol.svc.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	carol.waitStatus(t, domain.StatusIdle)

	s := bob.svc.Session()
	if s.Status != domain.StatusConnected || s.Remote != "alice" {
		t.Fatalf("bob session=%+v, want connected with alice", s)
	}
	if !bob.events.errorMatching(domain.ErrSessionBusy) {
		t.Fatal("bob was not notified about the busy decline")
	}
	recs, _ := carol.history.List(context.Background(), "carol", 0)
	if len(recs) != 1 || recs[0].Outcome != domain.OutcomeDeclined {
		t.Fatalf("carol history=%+v, want declined", recs)
	}
}

func TestBusyQueue(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob", WithBusyPolicy(BusyQueue, 1))
	carol := newPeer(t, r, "carol")
	connect(t, alice, bob)
	ctx := context.Background()

	if err := carol.svc.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, "carol queued", func() bool { return len(bob.svc.Session().Queued) == 1 })
	if s := carol.svc.Session(); s.Status != domain.StatusCalling {
		t.Fatalf("carol status=%s while queued, want calling", s.Status)
	}

	if err := bob.svc.EndCall(ctx); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	s := bob.waitStatus(t, domain.StatusIncoming)
	if s.Remote != "carol" || len(s.Queued) != 0 {
		t.Fatalf("bob session=%+v, want carol ringing", s)
	}

	if err := bob.svc.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	carol.waitStatus(t, domain.StatusConnected)
	bt := bob.media.transportFor(t, "carol")
	waitFor(t, "queued candidate applied", func() bool { return len(bt.Candidates()) >= 1 })
}

func TestQueuedCallerWithdraws(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob", WithBusyPolicy(BusyQueue, 2))
	carol := newPeer(t, r, "carol")
	connect(t, alice, bob)
	ctx := context.Background()

	if err := carol.svc.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, "carol queued", func() bool { return len(bob.svc.Session().Queued) == 1 })
	if err := carol.svc.EndCall(ctx); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	waitFor(t, "carol dequeued", func() bool { return len(bob.svc.Session().Queued) == 0 })

	if err := bob.svc.EndCall(ctx); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if s := bob.svc.Session(); s.Status != domain.StatusIdle {
		t.Fatalf("bob status=%s, want idle", s.Status)
	}
}

func TestHostAutoAccept(t *testing.T) {
	r := relaymem.New()
	host := newPeer(t, r, "host")
	alice := newPeer(t, r, "alice")
	carol := newPeer(t, r, "carol")
	ctx := context.Background()

	if err := host.svc.StartHosting(ctx); err != nil {
		t.Fatalf("StartHosting: %v", err)
	}
	for _, p := range []*peer{alice, carol} {
		if err := p.svc.StartCall(ctx, "host"); err != nil {
			t.Fatalf("%s StartCall: %v", p.id, err)
		}
		p.waitStatus(t, domain.StatusConnected)
	}

	waitFor(t, "two participants", func() bool { return len(host.svc.Session().Participants) == 2 })
	if got := len(host.media.Handles()); got != 1 {
		t.Fatalf("host acquired %d media handles, want 1", got)
	}
	trs := host.media.Transports()
	if len(trs) != 2 || trs[0] == trs[1] {
		t.Fatalf("host transports=%v, want two independent ones", trs)
	}
	for _, tr := range trs {
		if tr.media != host.media.Handles()[0] {
			t.Fatal("participant transport does not share the host media handle")
		}
	}

	if err := alice.svc.EndCall(ctx); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	waitFor(t, "alice removed", func() bool {
		s := host.svc.Session()
		return len(s.Participants) == 1 && s.Participants[0] == "carol"
	})
	s := host.svc.Session()
	if s.Status != domain.StatusConnected || !s.Hosting {
		t.Fatalf("host session=%+v, want hosting", s)
	}
	if got := host.media.Handles()[0].Releases(); got != 0 {
		t.Fatalf("host media released %d times while still hosting", got)
	}
	if got := host.media.transportFor(t, "alice").Closes(); got != 1 {
		t.Fatalf("alice's transport closed %d times, want 1", got)
	}
	if _, ok := host.events.find(domain.EventParticipantLeft); !ok {
		t.Fatal("no participant-left event")
	}

	if err := host.svc.EndCall(ctx); err != nil {
		t.Fatalf("host EndCall: %v", err)
	}
	carol.waitStatus(t, domain.StatusIdle)
	if got := host.media.Handles()[0].Releases(); got != 1 {
		t.Fatalf("host media released %d times, want 1", got)
	}
}

func TestMediaUnavailableOnAccept(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	bob.media.failAcquire(errNoCamera)
	ctx := context.Background()

	if err := alice.svc.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	bob.waitStatus(t, domain.StatusIncoming)
	err := bob.svc.Accept(ctx)
	if !errors.Is(err, domain.ErrMediaUnavailable) || !errors.Is(err, errNoCamera) {
		t.Fatalf("Accept err=%v, want ErrMediaUnavailable wrapping the cause", err)
	}
	if s := bob.svc.Session(); s.Status != domain.StatusIdle {
		t.Fatalf("bob status=%s, want idle", s.Status)
	}
	alice.waitStatus(t, domain.StatusIdle)
}

func TestMediaUnavailableOnStart(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	alice.media.failAcquire(errNoCamera)

	err := alice.svc.StartCall(context.Background(), "bob")
	if !errors.Is(err, domain.ErrMediaUnavailable) {
		t.Fatalf("StartCall err=%v, want ErrMediaUnavailable", err)
	}
	if s := alice.svc.Session(); s.Status != domain.StatusIdle {
		t.Fatalf("alice status=%s, want idle", s.Status)
	}
	time.Sleep(50 * time.Millisecond)
	if s := bob.svc.Session(); s.Status != domain.StatusIdle {
		t.Fatalf("bob status=%s, want idle: no offer should have been sent", s.Status)
	}
	if r.Delivered() != 0 {
		t.Fatalf("relay delivered %d messages, want 0", r.Delivered())
	}
}

func TestChannelUnavailable(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	newPeer(t, r, "bob")
	r.SetUnavailable(true)

	err := alice.svc.StartCall(context.Background(), "bob")
	if !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Fatalf("StartCall err=%v, want ErrChannelUnavailable", err)
	}
	if s := alice.svc.Session(); s.Status != domain.StatusIdle {
		t.Fatalf("alice status=%s, want idle", s.Status)
	}
	if got := alice.media.Handles()[0].Releases(); got != 1 {
		t.Fatalf("media released %d times, want 1", got)
	}
	if got := alice.media.Transports()[0].Closes(); got != 1 {
		t.Fatalf("transport closed %d times, want 1", got)
	}
	if !alice.events.errorMatching(domain.ErrChannelUnavailable) {
		t.Fatal("no error event for the unavailable channel")
	}
}

func TestTransportFailureEndsCall(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	connect(t, alice, bob)

	tr := alice.media.transportFor(t, "bob")
	tr.cb.OnStateChange(domain.TransportFailed)
	alice.waitStatus(t, domain.StatusIdle)
	if !alice.events.errorMatching(domain.ErrTransportFailure) {
		t.Fatal("no transport failure event")
	}

	// Events from a transport that is no longer current are ignored.
	tr.cb.OnStateChange(domain.TransportConnected)
	time.Sleep(20 * time.Millisecond)
	if s := alice.svc.Session(); s.Status != domain.StatusIdle || s.Confirmed {
		t.Fatalf("stale event changed session: %+v", s)
	}
	if got := alice.media.Handles()[0].Releases(); got != 1 {
		t.Fatalf("media released %d times, want 1", got)
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	ctx := context.Background()

	if err := bob.svc.Accept(ctx); !errors.Is(err, domain.ErrNoPendingCall) {
		t.Fatalf("Accept without call err=%v, want ErrNoPendingCall", err)
	}
	if err := alice.svc.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	bob.waitStatus(t, domain.StatusIncoming)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- bob.svc.Accept(ctx) }()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}
	if got := len(bob.media.Transports()); got != 1 {
		t.Fatalf("bob created %d transports, want 1", got)
	}
	if got := len(bob.media.Handles()); got != 1 {
		t.Fatalf("bob acquired %d media handles, want 1", got)
	}
}

func TestToggleMedia(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	ctx := context.Background()

	if _, err := alice.svc.ToggleAudio(ctx); !errors.Is(err, domain.ErrMediaUnavailable) {
		t.Fatalf("ToggleAudio while idle err=%v, want ErrMediaUnavailable", err)
	}
	connect(t, alice, bob)

	on, err := alice.svc.ToggleAudio(ctx)
	if err != nil || on {
		t.Fatalf("ToggleAudio=%v,%v, want muted", on, err)
	}
	h := alice.media.Handles()[0]
	h.mu.Lock()
	audio := h.audio
	h.mu.Unlock()
	if audio {
		t.Fatal("media handle audio still enabled")
	}
	if s := alice.svc.Session(); s.AudioEnabled || !s.VideoEnabled {
		t.Fatalf("session=%+v, want audio off video on", s)
	}
	if on, _ := alice.svc.ToggleVideo(ctx); on {
		t.Fatal("ToggleVideo did not turn video off")
	}
}

func TestRunTearsDownOnShutdown(t *testing.T) {
	r := relaymem.New()
	bob := newPeer(t, r, "bob")

	conn := r.Connect()
	sig := NewSignalingClient("alice", conn, WithUnsubscribeGrace(10*time.Millisecond))
	media := &fakeMedia{}
	svc := NewCallService("alice", sig, media, WithDirectory(testDirectory))
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	if err := sig.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sig.Stop()

	if err := svc.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	bob.waitStatus(t, domain.StatusIncoming)
	cancel()
	<-svc.Done()

	if got := media.Handles()[0].Releases(); got != 1 {
		t.Fatalf("media released %d times on shutdown, want 1", got)
	}
	if err := svc.EndCall(context.Background()); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("EndCall after shutdown err=%v, want ErrClosed", err)
	}
}

func TestSimultaneousCallsConnect(t *testing.T) {
	// the ack delay holds both offers back until each side is already calling
	r := relaymem.New(relaymem.WithAckDelay(100 * time.Millisecond))
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")

	ctx := context.Background()
	errs := make(chan error, 2)
	go func() { errs <- alice.svc.StartCall(ctx, "bob") }()
	go func() { errs <- bob.svc.StartCall(ctx, "alice") }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("StartCall: %v", err)
		}
	}

	alice.waitStatus(t, domain.StatusConnected)
	bob.waitStatus(t, domain.StatusConnected)

	// bob yields: his own offer is dropped and alice's is answered
	bobTransports := bob.media.Transports()
	if len(bobTransports) != 2 {
		t.Fatalf("bob created %d transports, want 2", len(bobTransports))
	}
	if got := bobTransports[0].Closes(); got != 1 {
		t.Fatalf("bob's abandoned offer closed %d times, want 1", got)
	}
	if got := len(bob.media.Handles()); got != 1 {
		t.Fatalf("bob acquired %d media handles, want 1", got)
	}
	if got := len(alice.media.Transports()); got != 1 {
		t.Fatalf("alice created %d transports, want 1", got)
	}

	alice.media.transportFor(t, "bob").establish()
	bob.media.transportFor(t, "alice").establish()
	waitFor(t, "both sides confirmed", func() bool {
		return alice.svc.Session().Confirmed && bob.svc.Session().Confirmed
	})

	for _, p := range []*peer{alice, bob} {
		if p.events.errorMatching(domain.ErrSessionBusy) {
			t.Fatalf("%s reported a busy error", p.id)
		}
	}
}

func TestDuplicateCandidateIgnored(t *testing.T) {
	r := relaymem.New()
	alice := newPeer(t, r, "alice")
	bob := newPeer(t, r, "bob")
	ctx := context.Background()

	if err := alice.svc.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	bob.waitStatus(t, domain.StatusIncoming)

	ringing := domain.Candidate{Candidate: "candidate:7 1 udp 2122260223 10.0.0.7 50007 typ host"}
	for i := 0; i < 2; i++ {
		if err := alice.sig.SendIceCandidate(ctx, "bob", ringing); err != nil {
			t.Fatalf("SendIceCandidate: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	if err := bob.svc.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	alice.waitStatus(t, domain.StatusConnected)

	connected := domain.Candidate{Candidate: "candidate:8 1 udp 2122260223 10.0.0.8 50008 typ host"}
	for i := 0; i < 2; i++ {
		if err := alice.sig.SendIceCandidate(ctx, "bob", connected); err != nil {
			t.Fatalf("SendIceCandidate: %v", err)
		}
	}

	bt := bob.media.transportFor(t, "alice")
	// alice's own offer candidate plus one copy of each duplicate
	waitFor(t, "bob applies candidates", func() bool { return len(bt.Candidates()) >= 3 })
	time.Sleep(50 * time.Millisecond)

	counts := make(map[string]int)
	for _, c := range bt.Candidates() {
		counts[c.Key()]++
	}
	if counts[ringing.Key()] != 1 || counts[connected.Key()] != 1 {
		t.Fatalf("applied counts=%v, want each duplicate once", counts)
	}
	if len(bt.Candidates()) != 3 {
		t.Fatalf("bob applied %d candidates, want 3", len(bt.Candidates()))
	}
	if bt.Early() != 0 {
		t.Fatalf("bob added %d candidates before the remote description", bt.Early())
	}
	if s := bob.svc.Session(); s.Status != domain.StatusConnected {
		t.Fatalf("bob status=%s, want connected", s.Status)
	}
	if _, ok := bob.events.find(domain.EventError); ok {
		t.Fatal("duplicate candidates raised an error event")
	}
}
