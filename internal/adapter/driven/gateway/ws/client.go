package ws

import "github.com/Wyydra/yacall/internal/relayproto"

// Client is one relay connection as seen by the hub. Send must not block.
type Client interface {
	ID() string
	Send(frame relayproto.Frame) error
	Close() error
}
