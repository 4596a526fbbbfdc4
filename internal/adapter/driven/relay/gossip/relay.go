// Package gossip carries control messages over libp2p gossipsub. Every
// mailbox maps to its own topic; there is no central relay.
package gossip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	topicPrefix   = "yacall/mailbox/"
	readyTimeout  = 5 * time.Second
	mailboxBuffer = 64
)

var ErrRelayClosed = errors.New("gossip relay closed")

func topicName(id domain.Identity) string {
	return topicPrefix + id.String()
}

type topicRef struct {
	topic *pubsub.Topic
	subs  int
}

// Relay implements port.RelayChannel on top of gossipsub. A publish only
// leaves the node while the node holds a subscription to the target
// mailbox, matching the rule enforced by the websocket relay.
type Relay struct {
	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics    map[domain.Identity]*topicRef
	mailboxes map[*mailbox]struct{}
	closed    bool
	wg     sync.WaitGroup
}

var _ port.RelayChannel = (*Relay)(nil)

func New(ctx context.Context, h host.Host) (*Relay, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}
	return &Relay{
		host:   h,
		ps:     ps,
		topics:    make(map[domain.Identity]*topicRef),
		mailboxes: make(map[*mailbox]struct{}),
	}, nil
}

// join returns the cached topic handle; gossipsub refuses a second Join.
func (r *Relay) join(id domain.Identity) (*topicRef, error) {
	if ref, ok := r.topics[id]; ok {
		return ref, nil
	}
	t, err := r.ps.Join(topicName(id))
	if err != nil {
		return nil, err
	}
	ref := &topicRef{topic: t}
	r.topics[id] = ref
	return ref, nil
}

func (r *Relay) Subscribe(ctx context.Context, id domain.Identity) (port.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRelayClosed
	}
	ref, err := r.join(id)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", id, err)
	}
	sub, err := ref.topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	ref.subs++

	subCtx, cancel := context.WithCancel(context.Background())
	mb := &mailbox{
		relay:  r,
		id:     id,
		sub:    sub,
		cancel: cancel,
		msgs:   make(chan domain.ControlMessage, mailboxBuffer),
		done:   make(chan struct{}),
	}
	r.mailboxes[mb] = struct{}{}
	r.wg.Add(1)
	go mb.run(subCtx)
	return mb, nil
}

func (r *Relay) Publish(ctx context.Context, to domain.Identity, msg domain.ControlMessage) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	ref, ok := r.topics[to]
	if !ok || ref.subs == 0 {
		r.mu.Unlock()
		log.Debug().Str("mailbox", to.String()).Msg("Publish without subscription, dropping message")
		return nil
	}
	topic := ref.topic
	r.mu.Unlock()

	data, err := Encode(msg)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := topic.Publish(pubCtx, data, pubsub.WithReadiness(pubsub.MinTopicSize(1))); err != nil {
		return fmt.Errorf("publish to %s: %w", to, err)
	}
	return nil
}

func (r *Relay) release(mb *mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mailboxes, mb)
	id := mb.id
	ref, ok := r.topics[id]
	if !ok {
		return
	}
	ref.subs--
	if ref.subs > 0 {
		return
	}
	if err := ref.topic.Close(); err != nil {
		log.Debug().Err(err).Str("mailbox", id.String()).Msg("Error closing topic")
		return
	}
	delete(r.topics, id)
}

// Close cancels every mailbox. The libp2p host stays with its owner.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	open := make([]*mailbox, 0, len(r.mailboxes))
	for mb := range r.mailboxes {
		open = append(open, mb)
	}
	r.mu.Unlock()

	for _, mb := range open {
		mb.Close()
	}
	r.wg.Wait()
	return nil
}

type mailbox struct {
	relay  *Relay
	id     domain.Identity
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	once   sync.Once
	msgs   chan domain.ControlMessage
	done   chan struct{}
}

func (m *mailbox) run(ctx context.Context) {
	defer m.relay.wg.Done()
	defer m.Close()

	self := m.relay.host.ID()
	for {
		raw, err := m.sub.Next(ctx)
		if err != nil {
			return
		}
		if raw.ReceivedFrom == self {
			continue
		}
		msg, err := Decode(raw.Data)
		if err != nil {
			log.Warn().Err(err).Str("mailbox", m.id.String()).Msg("Dropping undecodable message")
			continue
		}
		select {
		case m.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
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
		m.cancel()
		m.sub.Cancel()
		close(m.done)
		m.relay.release(m)
	})
	return nil
}

// Encode serializes a control message with msgpack, reusing the json
// field names so both transports share one schema.
func Encode(msg domain.ControlMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (domain.ControlMessage, error) {
	var msg domain.ControlMessage
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&msg); err != nil {
		return domain.ControlMessage{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
