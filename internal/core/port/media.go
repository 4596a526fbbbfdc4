package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type MediaHandle interface {
	ID() string
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Release() error
}

// TransportCallbacks may be invoked from any goroutine and must not block.
type TransportCallbacks struct {
	OnCandidate   func(domain.Candidate)
	OnRemoteMedia func(domain.RemoteMedia)
	OnStateChange func(domain.TransportState)
}

type Transport interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddCandidate(ctx context.Context, c domain.Candidate) error
	Close() error
}

type MediaEngine interface {
	AcquireLocalMedia(ctx context.Context) (MediaHandle, error)
	NewTransport(remote domain.Identity, media MediaHandle, cb TransportCallbacks) (Transport, error)
}
