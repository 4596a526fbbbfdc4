package gossip

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

const mdnsTag = "yacall"

type HostConfig struct {
	// Listen holds multiaddrs such as /ip4/0.0.0.0/tcp/4001.
	Listen []string
	// Peers holds full p2p multiaddrs dialed at startup.
	Peers []string
	// Discover enables LAN discovery over mDNS.
	Discover bool
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debug().Err(err).Str("peer", pi.ID.String()).Msg("mDNS peer unreachable")
		return
	}
	log.Info().Str("peer", pi.ID.String()).Msg("Discovered peer")
}

// NewHost starts a libp2p host and connects it to the configured peers.
// Unreachable peers are logged and skipped.
func NewHost(ctx context.Context, cfg HostConfig) (host.Host, error) {
	opts := []libp2p.Option{}
	if len(cfg.Listen) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.Listen...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start libp2p host: %w", err)
	}

	for _, addr := range cfg.Peers {
		if err := connect(ctx, h, addr); err != nil {
			log.Warn().Err(err).Str("peer", addr).Msg("Could not reach peer")
		}
	}

	if cfg.Discover {
		md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to start mDNS: %w", err)
		}
	}

	log.Info().Str("peer_id", h.ID().String()).Strs("addrs", addrStrings(h)).Msg("libp2p host started")
	return h, nil
}

func connect(ctx context.Context, h host.Host, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// addrStrings returns the host's dialable p2p addresses.
func addrStrings(h host.Host) []string {
	out := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, h.ID()))
	}
	return out
}
