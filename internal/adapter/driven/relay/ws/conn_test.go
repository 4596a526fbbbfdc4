package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	httpadapter "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

func startRelay(t *testing.T) (string, *gateway.Hub) {
	t.Helper()
	hub := gateway.NewHub()
	go hub.Run()
	srv := httptest.NewServer(httpadapter.NewHandler(hub).NewRouter())
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", hub
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func subscribe(t *testing.T, c *Conn, id domain.Identity) port.Mailbox {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	mb, err := c.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe(%s): %v", id, err)
	}
	return mb
}

func receive(t *testing.T, mb port.Mailbox) domain.ControlMessage {
	t.Helper()
	select {
	case msg := <-mb.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message on mailbox %s", mb.Identity())
	}
	return domain.ControlMessage{}
}

func waitStats(t *testing.T, hub *gateway.Hub, cond func(gateway.Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond(hub.Stats()) {
		if time.Now().After(deadline) {
			t.Fatalf("hub stats never matched: %+v", hub.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMessageReachesSubscriber(t *testing.T) {
	url, _ := startRelay(t)
	bob := dial(t, url)
	alice := dial(t, url)

	inbox := subscribe(t, bob, "bob")
	outbox := subscribe(t, alice, "bob")
	defer outbox.Close()

	msg := domain.NewCallMessage("bob", domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0"}).Stamp("alice")
	if err := alice.Publish(context.Background(), "bob", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := receive(t, inbox)
	if got.ID != msg.ID || got.Kind != domain.KindCall || got.From != "alice" {
		t.Fatalf("received %+v, want %+v", got, msg)
	}
	if got.Description == nil || got.Description.SDP != "v=0" {
		t.Fatalf("description lost in transit: %+v", got.Description)
	}
}

func TestPublishWithoutSubscriptionIsDropped(t *testing.T) {
	url, hub := startRelay(t)
	bob := dial(t, url)
	alice := dial(t, url)
	inbox := subscribe(t, bob, "bob")

	msg := domain.NewEndCallMessage("bob").Stamp("alice")
	if err := alice.Publish(context.Background(), "bob", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitStats(t, hub, func(s gateway.Stats) bool { return s.Dropped == 1 })

	select {
	case m := <-inbox.Messages():
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMailboxCloseUnsubscribes(t *testing.T) {
	url, hub := startRelay(t)
	c := dial(t, url)

	mb := subscribe(t, c, "carol")
	waitStats(t, hub, func(s gateway.Stats) bool { return s.Subscriptions == 1 })

	if err := mb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-mb.Done():
	default:
		t.Fatal("mailbox not done after Close")
	}
	waitStats(t, hub, func(s gateway.Stats) bool { return s.Subscriptions == 0 && s.Mailboxes == 0 })

	// second close is a no-op
	if err := mb.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConnectionLossClosesMailboxes(t *testing.T) {
	url, _ := startRelay(t)
	c := dial(t, url)
	mb := subscribe(t, c, "dave")

	c.Close()

	select {
	case <-mb.Done():
	case <-time.After(time.Second):
		t.Fatal("mailbox still open after connection closed")
	}
	if _, err := c.Subscribe(context.Background(), "dave"); err != ErrConnClosed {
		t.Fatalf("Subscribe after close err=%v, want ErrConnClosed", err)
	}
}

func TestCancelledSubscribeLeavesNoSubscription(t *testing.T) {
	url, hub := startRelay(t)
	c := dial(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// an ack can race the cancelled context; a subscription that wins must
	// still be released by Close
	if mb, err := c.Subscribe(ctx, "erin"); err == nil {
		mb.Close()
	}
	waitStats(t, hub, func(s gateway.Stats) bool { return s.Subscriptions == 0 })
}
