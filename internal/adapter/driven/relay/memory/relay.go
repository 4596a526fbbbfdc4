package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const mailboxBuffer = 64

var ErrConnClosed = errors.New("memory relay: connection closed")

type Option func(*Relay)

// WithAckDelay delays every subscription acknowledgement.
func WithAckDelay(d time.Duration) Option {
	return func(r *Relay) {
		r.ackDelay = d
	}
}

// Relay is an in-process relay. Each Conn behaves like one client
// connection to a relay server.
type Relay struct {
	mu          sync.Mutex
	ackDelay    time.Duration
	unavailable bool
	subs        map[domain.Identity]map[*mailbox]struct{}
	delivered   int
	dropped     int
}

func New(opts ...Option) *Relay {
	r := &Relay{
		subs: make(map[domain.Identity]map[*mailbox]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Connect() *Conn {
	return &Conn{
		id:        uuid.New().String(),
		relay:     r,
		mailboxes: make(map[*mailbox]struct{}),
	}
}

// SetUnavailable makes subsequent subscriptions wait for their context
// instead of being acknowledged.
func (r *Relay) SetUnavailable(unavailable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = unavailable
}

// Subscribers counts acknowledged subscriptions to id.
func (r *Relay) Subscribers(id domain.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for mb := range r.subs[id] {
		if mb.acked {
			n++
		}
	}
	return n
}

// Dropped counts publishes rejected for lacking a subscription.
func (r *Relay) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Relay) Delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

func (r *Relay) settings() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ackDelay, r.unavailable
}

func (r *Relay) remove(mb *mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[mb.id]
	delete(set, mb)
	if len(set) == 0 {
		delete(r.subs, mb.id)
	}
}

// Conn implements port.RelayChannel.
type Conn struct {
	id    string
	relay *Relay

	mu        sync.Mutex
	closed    bool
	mailboxes map[*mailbox]struct{}
}

var _ port.RelayChannel = (*Conn)(nil)

func (c *Conn) Subscribe(ctx context.Context, id domain.Identity) (port.Mailbox, error) {
	mb := &mailbox{
		conn: c,
		id:   id,
		msgs: make(chan domain.ControlMessage, mailboxBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.mailboxes[mb] = struct{}{}
	c.mu.Unlock()

	r := c.relay
	r.mu.Lock()
	if r.subs[id] == nil {
		r.subs[id] = make(map[*mailbox]struct{})
	}
	r.subs[id][mb] = struct{}{}
	r.mu.Unlock()

	delay, unavailable := r.settings()
	if unavailable {
		<-ctx.Done()
		mb.Close()
		return nil, ctx.Err()
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			mb.Close()
			return nil, ctx.Err()
		case <-mb.done:
			return nil, ErrConnClosed
		}
	}

	r.mu.Lock()
	mb.acked = true
	r.mu.Unlock()
	return mb, nil
}

func (c *Conn) Publish(ctx context.Context, to domain.Identity, msg domain.ControlMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}

	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()

	subscribed := false
	for mb := range r.subs[to] {
		if mb.conn == c && mb.acked {
			subscribed = true
			break
		}
	}
	if !subscribed {
		r.dropped++
		log.Debug().Str("to", to.String()).Str("type", string(msg.Kind)).Msg("Publish without subscription, dropping message")
		return nil
	}

	for mb := range r.subs[to] {
		if mb.conn == c || !mb.acked {
			continue
		}
		select {
		case mb.msgs <- msg:
			r.delivered++
		default:
			r.dropped++
			log.Warn().Str("to", to.String()).Msg("Mailbox full, dropping message")
		}
	}
	return nil
}

// Close simulates a lost connection: every mailbox is closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	mailboxes := make([]*mailbox, 0, len(c.mailboxes))
	for mb := range c.mailboxes {
		mailboxes = append(mailboxes, mb)
	}
	c.mu.Unlock()

	for _, mb := range mailboxes {
		mb.Close()
	}
	return nil
}

type mailbox struct {
	conn  *Conn
	id    domain.Identity
	acked bool // guarded by relay.mu
	msgs  chan domain.ControlMessage
	done  chan struct{}
	once  sync.Once
}

func (m *mailbox) Identity() domain.Identity {
	return m.id
}

func (m *mailbox) Messages() <-chan domain.ControlMessage {
	return m.msgs
}

func (m *mailbox) Done() <-chan struct{} {
	return m.done
}

func (m *mailbox) Close() error {
	m.once.Do(func() {
		m.conn.relay.remove(m)
		m.conn.mu.Lock()
		delete(m.conn.mailboxes, m)
		m.conn.mu.Unlock()
		close(m.done)
	})
	return nil
}
