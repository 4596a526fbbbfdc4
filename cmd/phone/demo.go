package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/null"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	relaymem "github.com/Wyydra/yacall/internal/adapter/driven/relay/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/spf13/cobra"
)

const demoStepTimeout = 5 * time.Second

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted call between two local parties",
	Long: `Run alice and bob in one process over an in-memory relay with
signaling-only media, and print every event both sides see.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo(cmd.Context())
	},
}

type demoParty struct {
	id      domain.Identity
	sig     *service.SignalingClient
	calls   *service.CallService
	history *memory.CallHistory
}

func newDemoParty(ctx context.Context, relay *relaymem.Relay, dir *memory.Directory, id domain.Identity) (*demoParty, error) {
	p := &demoParty{id: id, history: memory.NewCallHistory()}
	p.sig = service.NewSignalingClient(id, relay.Connect(),
		service.WithUnsubscribeGrace(100*time.Millisecond),
	)
	p.calls = service.NewCallService(id, p.sig, null.NewEngine(),
		service.WithDirectory(dir),
		service.WithHistory(p.history),
		service.WithNotifier(newEventPrinter(os.Stdout, id.String())),
	)
	go p.calls.Run(ctx)
	if err := p.sig.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *demoParty) close() {
	<-p.calls.Done()
	p.sig.Stop()
}

func (p *demoParty) await(ctx context.Context, what string, cond func(domain.CallSession) bool) error {
	ctx, cancel := context.WithTimeout(ctx, demoStepTimeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond(p.calls.Session()) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: timed out waiting for %s", p.id, what)
		case <-ticker.C:
		}
	}
	return nil
}

func runDemo(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	relay := relaymem.New()
	dir := memory.NewDirectory(
		domain.Profile{ID: "alice", DisplayName: "Alice"},
		domain.Profile{ID: "bob", DisplayName: "Bob"},
	)

	alice, err := newDemoParty(ctx, relay, dir, "alice")
	if err != nil {
		cancel()
		return err
	}
	bob, err := newDemoParty(ctx, relay, dir, "bob")
	if err != nil {
		cancel()
		alice.close()
		return err
	}
	defer func() {
		cancel()
		alice.close()
		bob.close()
	}()

	fmt.Println(TitleStyle.Render("alice calls bob"))
	if err := alice.calls.StartCall(ctx, bob.id); err != nil {
		return err
	}
	if err := bob.await(ctx, "ringing", func(s domain.CallSession) bool { return s.Status == domain.StatusIncoming }); err != nil {
		return err
	}

	fmt.Println(TitleStyle.Render("bob answers"))
	if err := bob.calls.Accept(ctx); err != nil {
		return err
	}
	confirmed := func(s domain.CallSession) bool { return s.Status == domain.StatusConnected && s.Confirmed }
	if err := alice.await(ctx, "connection", confirmed); err != nil {
		return err
	}
	if err := bob.await(ctx, "connection", confirmed); err != nil {
		return err
	}

	if _, err := bob.calls.ToggleVideo(ctx); err != nil {
		return err
	}
	fmt.Println(MutedStyle.Render("[alice] ") + renderSession(alice.calls.Session()))
	fmt.Println(MutedStyle.Render("[bob] ") + renderSession(bob.calls.Session()))

	fmt.Println(TitleStyle.Render("alice hangs up"))
	if err := alice.calls.EndCall(ctx); err != nil {
		return err
	}
	if err := bob.await(ctx, "hang up", func(s domain.CallSession) bool { return s.Status == domain.StatusIdle }); err != nil {
		return err
	}

	for _, p := range []*demoParty{alice, bob} {
		records, err := p.history.List(ctx, p.id, 0)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Println(MutedStyle.Render(fmt.Sprintf("[%s] ", p.id)) + renderRecord(r))
		}
	}
	fmt.Println(SuccessStyle.Render(fmt.Sprintf("relay delivered %d and dropped %d messages", relay.Delivered(), relay.Dropped())))
	return nil
}
