package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Mailbox is one subscription to an identity's channel on the relay.
// Close unsubscribes and is safe to call more than once. Done is closed
// when the subscription is closed or lost.
type Mailbox interface {
	Identity() domain.Identity
	Messages() <-chan domain.ControlMessage
	Done() <-chan struct{}
	Close() error
}

// RelayChannel is the pub/sub relay the signaling client talks through.
// Subscribe returns once the relay acknowledged the subscription. Publish
// is at-most-once and is dropped by the relay unless the same connection
// holds an acknowledged subscription to the target identity.
type RelayChannel interface {
	Subscribe(ctx context.Context, id domain.Identity) (Mailbox, error)
	Publish(ctx context.Context, to domain.Identity, msg domain.ControlMessage) error
}
