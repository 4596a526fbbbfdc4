package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/null"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/sqlite"
	"github.com/Wyydra/yacall/internal/adapter/driven/relay/gossip"
	relayws "github.com/Wyydra/yacall/internal/adapter/driven/relay/ws"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog/log"
)

const (
	mediaPion = "pion"
	mediaNull = "null"
)

func errUnknownMedia(kind string) error {
	return fmt.Errorf("unknown media engine %q (want pion or null)", kind)
}

// app is one running phone: relay connection, signaling, call service and
// presence heartbeat around a local store.
type app struct {
	id       domain.Identity
	store    *sqlite.Store
	sig      *service.SignalingClient
	calls    *service.CallService
	presence *service.PresenceHeartbeat

	cancel  context.CancelFunc
	closers []func() error
}

func openStore(cfg config.Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func newMediaEngine(kind string, cfg config.Config) (port.MediaEngine, error) {
	switch kind {
	case mediaPion:
		engine, err := pion.NewEngine(cfg.ICEServers())
		if err != nil {
			return nil, err
		}
		return engine, nil
	case mediaNull:
		return null.NewEngine(), nil
	}
	return nil, errUnknownMedia(kind)
}

func (a *app) dialRelay(ctx context.Context, cfg config.Config) (port.RelayChannel, error) {
	switch cfg.RelayKind {
	case config.RelayWebSocket:
		conn, err := relayws.Dial(ctx, cfg.RelayURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		return conn, nil
	case config.RelayGossip:
		h, err := gossip.NewHost(ctx, gossip.HostConfig{
			Listen:   cfg.GossipListen,
			Peers:    cfg.GossipPeers,
			Discover: true,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, h.Close)
		relay, err := gossip.New(ctx, h)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, relay.Close)
		return relay, nil
	}
	return nil, fmt.Errorf("relay %q is not available to the phone", cfg.RelayKind)
}

// startApp wires and starts every component. The returned app must be
// closed.
func startApp(ctx context.Context, cfg config.Config, mediaKind string, notifier port.Notifier) (*app, error) {
	id, err := domain.ParseIdentity(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("--id: %w", err)
	}
	media, err := newMediaEngine(mediaKind, cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a := &app{id: id, store: store, cancel: cancel}
	a.closers = append(a.closers, store.Close)

	relay, err := a.dialRelay(runCtx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sig = service.NewSignalingClient(id, relay,
		service.WithAckTimeout(cfg.AckTimeout),
		service.WithUnsubscribeGrace(cfg.UnsubscribeGrace),
	)
	a.calls = service.NewCallService(id, a.sig, media,
		service.WithDirectory(store),
		service.WithHistory(store),
		service.WithNotifier(notifier),
		service.WithBusyPolicy(service.BusyPolicy(cfg.BusyPolicy), cfg.QueueDepth),
	)
	a.presence = service.NewPresenceHeartbeat(id, store, cfg.HeartbeatInterval)

	go a.calls.Run(runCtx)
	if err := a.sig.Start(runCtx); err != nil {
		a.Close()
		return nil, err
	}
	a.presence.Start(runCtx)

	log.Info().Str("identity", id.String()).Str("relay", string(cfg.RelayKind)).Msg("Phone ready")
	return a, nil
}

// Close tears down in reverse start order. Closing twice is harmless.
func (a *app) Close() error {
	if a.presence != nil {
		a.presence.Stop()
	}
	a.cancel()
	if a.calls != nil {
		<-a.calls.Done()
	}
	if a.sig != nil {
		a.sig.Stop()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
