// Package relayproto defines the frames exchanged between relay clients and
// the relay server over a websocket.
package relayproto

import (
	"errors"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type Op string

const (
	// client -> server
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"

	// server -> client
	OpSubscribed Op = "subscribed"
	OpMessage    Op = "message"
	OpError      Op = "error"
)

const (
	MaxFrameSize = 64 * 1024
	WriteWait    = 10 * time.Second
	PongWait     = 60 * time.Second
	PingPeriod   = (PongWait * 9) / 10
)

// Frame is one websocket message. Ref correlates a subscribe with its
// acknowledgement or error, and names the subscription on unsubscribe.
type Frame struct {
	Op      Op                     `json:"op"`
	Ref     string                 `json:"ref,omitempty"`
	Mailbox domain.Identity        `json:"mailbox,omitempty"`
	Message *domain.ControlMessage `json:"message,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func (f Frame) Validate() error {
	switch f.Op {
	case OpSubscribe:
		if f.Ref == "" || f.Mailbox.IsZero() {
			return errors.New("subscribe needs ref and mailbox")
		}
	case OpUnsubscribe:
		if f.Ref == "" {
			return errors.New("unsubscribe needs ref")
		}
	case OpPublish:
		if f.Mailbox.IsZero() || f.Message == nil {
			return errors.New("publish needs mailbox and message")
		}
		if f.Message.To != f.Mailbox {
			return errors.New("message recipient does not match mailbox")
		}
		return f.Message.Validate()
	case OpSubscribed, OpMessage, OpError:
	default:
		return errors.New("unknown op " + string(f.Op))
	}
	return nil
}
