package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAckTimeout       = 5 * time.Second
	DefaultUnsubscribeGrace = 5 * time.Second
)

type HandlerFunc func(ctx context.Context, msg domain.ControlMessage)

type SignalingOption func(*SignalingClient)

// WithAckTimeout bounds the wait for a subscription acknowledgement.
func WithAckTimeout(d time.Duration) SignalingOption {
	return func(c *SignalingClient) {
		c.ackTimeout = d
	}
}

// WithUnsubscribeGrace sets how long a transient subscription is kept
// after its message was published.
func WithUnsubscribeGrace(d time.Duration) SignalingOption {
	return func(c *SignalingClient) {
		c.grace = d
	}
}

// SignalingClient owns the local identity's mailbox on the relay and
// publishes control messages to other identities.
type SignalingClient struct {
	local      domain.Identity
	relay      port.RelayChannel
	ackTimeout time.Duration
	grace      time.Duration
	log        zerolog.Logger

	mu       sync.RWMutex
	handlers map[domain.MessageKind]HandlerFunc

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	mailbox   port.Mailbox
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	loopDone  chan struct{}
	transient sync.WaitGroup

	stateMu   sync.Mutex
	connected bool
	watchers  []chan bool
}

func NewSignalingClient(local domain.Identity, relay port.RelayChannel, opts ...SignalingOption) *SignalingClient {
	c := &SignalingClient{
		local:      local,
		relay:      relay,
		ackTimeout: DefaultAckTimeout,
		grace:      DefaultUnsubscribeGrace,
		log:        log.With().Str("identity", local.String()).Logger(),
		handlers:   make(map[domain.MessageKind]HandlerFunc),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SignalingClient) Local() domain.Identity {
	return c.local
}

// Handle sets the handler for a message kind, replacing any previous one.
func (c *SignalingClient) Handle(kind domain.MessageKind, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.handlers, kind)
		return
	}
	c.handlers[kind] = fn
}

// Start subscribes to the local mailbox and begins dispatching. Calling it
// again after a successful start does nothing.
func (c *SignalingClient) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stopped {
		return domain.NewCallError("start signaling", c.local, domain.ErrClosed)
	}
	if c.started {
		return nil
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	mb, err := c.relay.Subscribe(ackCtx, c.local)
	if err != nil {
		return domain.NewCallError("start signaling", c.local, fmt.Errorf("%w: %w", domain.ErrChannelUnavailable, err))
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mailbox = mb
	c.started = true
	c.setConnected(true)
	go c.dispatchLoop(mb)

	c.log.Info().Msg("Signaling started")
	return nil
}

// Stop closes the local mailbox and waits for pending transient
// subscriptions to be released.
func (c *SignalingClient) Stop() {
	c.lifecycle.Lock()
	if c.stopped {
		c.lifecycle.Unlock()
		return
	}
	c.stopped = true
	close(c.done)
	mb := c.mailbox
	started := c.started
	c.lifecycle.Unlock()

	if started {
		c.cancel()
		if err := mb.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Error closing mailbox")
		}
		<-c.loopDone
	}
	c.transient.Wait()

	c.stateMu.Lock()
	c.connected = false
	for _, w := range c.watchers {
		close(w)
	}
	c.watchers = nil
	c.stateMu.Unlock()
	c.log.Info().Msg("Signaling stopped")
}

// Connected reports whether the long-lived subscription is alive.
func (c *SignalingClient) Connected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connected
}

// Watch returns a channel receiving connection state changes. Slow
// receivers miss intermediate states. The channel is closed by Stop.
func (c *SignalingClient) Watch() <-chan bool {
	ch := make(chan bool, 1)
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.isStopped() {
		close(ch)
		return ch
	}
	c.watchers = append(c.watchers, ch)
	return ch
}

func (c *SignalingClient) isStopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *SignalingClient) setConnected(v bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.connected == v {
		return
	}
	c.connected = v
	for _, w := range c.watchers {
		select {
		case <-w:
		default:
		}
		w <- v
	}
}

func (c *SignalingClient) dispatchLoop(mb port.Mailbox) {
	defer close(c.loopDone)
	defer c.setConnected(false)
	for {
		select {
		case <-c.done:
			return
		case <-mb.Done():
			if !c.isStopped() {
				c.log.Warn().Msg("Signaling mailbox lost")
			}
			return
		case msg, ok := <-mb.Messages():
			if !ok {
				return
			}
			c.dispatch(msg)
		}
	}
}

func (c *SignalingClient) dispatch(msg domain.ControlMessage) {
	l := c.log.With().Str("type", string(msg.Kind)).Str("from", msg.From.String()).Logger()
	if err := msg.Validate(); err != nil {
		l.Warn().Err(err).Msg("Dropping invalid message")
		return
	}
	if msg.To != c.local {
		l.Debug().Str("to", msg.To.String()).Msg("Dropping message for another identity")
		return
	}
	if msg.From == c.local {
		l.Debug().Msg("Dropping own message")
		return
	}

	c.mu.RLock()
	fn := c.handlers[msg.Kind]
	c.mu.RUnlock()
	if fn == nil {
		l.Debug().Msg("No handler registered")
		return
	}
	l.Debug().Str("id", msg.ID.String()).Msg("Dispatching message")
	fn(c.ctx, msg)
}

func (c *SignalingClient) SendOffer(ctx context.Context, to domain.Identity, offer domain.SessionDescription) error {
	return c.sendTo(ctx, to, domain.NewCallMessage(to, offer))
}

func (c *SignalingClient) SendAnswer(ctx context.Context, to domain.Identity, answer domain.SessionDescription) error {
	return c.sendTo(ctx, to, domain.NewAnswerMessage(to, answer))
}

func (c *SignalingClient) SendIceCandidate(ctx context.Context, to domain.Identity, cand domain.Candidate) error {
	return c.sendTo(ctx, to, domain.NewCandidateMessage(to, cand))
}

func (c *SignalingClient) SendEndCall(ctx context.Context, to domain.Identity) error {
	return c.sendTo(ctx, to, domain.NewEndCallMessage(to))
}

func (c *SignalingClient) SendDecline(ctx context.Context, to domain.Identity) error {
	return c.sendTo(ctx, to, domain.NewDeclineMessage(to))
}

// sendTo publishes msg on the target's mailbox through a transient
// subscription, since the relay drops publishes from unsubscribed
// connections.
func (c *SignalingClient) sendTo(ctx context.Context, to domain.Identity, msg domain.ControlMessage) error {
	op := "send " + string(msg.Kind)
	if c.isStopped() {
		return domain.NewCallError(op, to, domain.ErrClosed)
	}
	msg.To = to
	msg = msg.Stamp(c.local)
	if err := msg.Validate(); err != nil {
		return domain.NewCallError(op, to, err)
	}

	return c.withTransientMailbox(ctx, op, to, func(mb port.Mailbox) error {
		if err := c.relay.Publish(ctx, to, msg); err != nil {
			return domain.NewCallError(op, to, fmt.Errorf("%w: %w", domain.ErrChannelUnavailable, err))
		}
		c.log.Debug().Str("to", to.String()).Str("type", string(msg.Kind)).Str("id", msg.ID.String()).Msg("Message published")
		return nil
	})
}

func (c *SignalingClient) withTransientMailbox(ctx context.Context, op string, to domain.Identity, fn func(port.Mailbox) error) error {
	ackCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	mb, err := c.relay.Subscribe(ackCtx, to)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Str("to", to.String()).Msg("Transient subscription failed")
		return domain.NewCallError(op, to, fmt.Errorf("%w: %w", domain.ErrChannelUnavailable, err))
	}

	if err := fn(mb); err != nil {
		if cerr := mb.Close(); cerr != nil {
			c.log.Warn().Err(cerr).Msg("Error closing transient mailbox")
		}
		return err
	}
	c.releaseAfterGrace(mb)
	return nil
}

func (c *SignalingClient) releaseAfterGrace(mb port.Mailbox) {
	// Add must not race the Wait in Stop
	c.lifecycle.Lock()
	if c.stopped {
		c.lifecycle.Unlock()
		if err := mb.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Error closing transient mailbox")
		}
		return
	}
	c.transient.Add(1)
	c.lifecycle.Unlock()

	go func() {
		defer c.transient.Done()
		defer func() {
			if err := mb.Close(); err != nil {
				c.log.Warn().Err(err).Msg("Error closing transient mailbox")
			}
		}()

		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				return
			case <-c.done:
				return
			case <-mb.Done():
				return
			case _, ok := <-mb.Messages():
				if !ok {
					return
				}
			}
		}
	}()
}
