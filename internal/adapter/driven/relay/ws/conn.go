package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/relayproto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	handshakeTimeout = 10 * time.Second
	outgoingBuffer   = 64
	mailboxBuffer    = 64
)

var ErrConnClosed = errors.New("relay connection closed")

// Conn is a websocket connection to the relay server. It implements
// port.RelayChannel; every mailbox it hands out shares the connection.
type Conn struct {
	conn     *websocket.Conn
	outgoing chan relayproto.Frame
	done     chan struct{}
	once     sync.Once
	log      zerolog.Logger

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	acks      map[string]chan error
}

var _ port.RelayChannel = (*Conn)(nil)

// Dial connects to the relay websocket endpoint, e.g. ws://host:8080/ws.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	wsConn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Conn{
		conn:      wsConn,
		outgoing:  make(chan relayproto.Frame, outgoingBuffer),
		done:      make(chan struct{}),
		log:       log.With().Str("relay", url).Logger(),
		mailboxes: make(map[string]*mailbox),
		acks:      make(map[string]chan error),
	}

	wsConn.SetReadLimit(relayproto.MaxFrameSize)
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(relayproto.PongWait))
		return nil
	})
	wsConn.SetPingHandler(func(data string) error {
		wsConn.SetReadDeadline(time.Now().Add(relayproto.PongWait))
		return wsConn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(relayproto.WriteWait))
	})

	go c.readPump()
	go c.writePump()

	c.log.Info().Msg("Connected to relay")
	return c, nil
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Subscribe(ctx context.Context, id domain.Identity) (port.Mailbox, error) {
	ref := uuid.New().String()
	mb := &mailbox{
		conn: c,
		ref:  ref,
		id:   id,
		msgs: make(chan domain.ControlMessage, mailboxBuffer),
		done: make(chan struct{}),
	}
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.mailboxes[ref] = mb
	c.acks[ref] = ack
	c.mu.Unlock()

	if err := c.write(ctx, relayproto.Frame{Op: relayproto.OpSubscribe, Ref: ref, Mailbox: id}); err != nil {
		c.forget(ref)
		return nil, err
	}

	select {
	case err := <-ack:
		if err != nil {
			c.forget(ref)
			return nil, fmt.Errorf("subscribe %s: %w", id, err)
		}
		return mb, nil
	case <-ctx.Done():
		mb.Close()
		return nil, ctx.Err()
	case <-c.done:
		c.forget(ref)
		return nil, ErrConnClosed
	}
}

func (c *Conn) Publish(ctx context.Context, to domain.Identity, msg domain.ControlMessage) error {
	return c.write(ctx, relayproto.Frame{Op: relayproto.OpPublish, Mailbox: to, Message: &msg})
}

func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) write(ctx context.Context, frame relayproto.Frame) error {
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forget drops a mailbox and closes it. It reports whether the mailbox
// was still registered.
func (c *Conn) forget(ref string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.acks, ref)
	mb, ok := c.mailboxes[ref]
	if !ok {
		return false
	}
	delete(c.mailboxes, ref)
	close(mb.done)
	return true
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for ref, mb := range c.mailboxes {
			close(mb.done)
			delete(c.mailboxes, ref)
		}
		for ref, ack := range c.acks {
			ack <- ErrConnClosed
			delete(c.acks, ref)
		}
		c.mu.Unlock()
		c.log.Info().Msg("Relay connection closed")
	})
}

func (c *Conn) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(relayproto.PongWait))
	for {
		var frame relayproto.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closed() {
				c.log.Warn().Err(err).Msg("Relay connection lost")
			}
			return
		}
		c.handle(frame)
	}
}

func (c *Conn) handle(frame relayproto.Frame) {
	switch frame.Op {
	case relayproto.OpSubscribed:
		c.resolve(frame.Ref, nil)
	case relayproto.OpError:
		if !c.resolve(frame.Ref, errors.New(frame.Error)) {
			c.log.Warn().Str("ref", frame.Ref).Str("error", frame.Error).Msg("Relay reported error")
		}
	case relayproto.OpMessage:
		if frame.Message == nil {
			return
		}
		c.deliver(frame.Mailbox, *frame.Message)
	default:
		c.log.Debug().Str("op", string(frame.Op)).Msg("Ignoring frame")
	}
}

func (c *Conn) resolve(ref string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ack, ok := c.acks[ref]
	if !ok {
		return false
	}
	delete(c.acks, ref)
	ack <- err
	return true
}

func (c *Conn) deliver(id domain.Identity, msg domain.ControlMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mb := range c.mailboxes {
		if mb.id != id {
			continue
		}
		select {
		case mb.msgs <- msg:
		default:
			c.log.Warn().Str("mailbox", id.String()).Msg("Mailbox full, dropping message")
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(relayproto.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(relayproto.WriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Warn().Err(err).Msg("Relay write failed")
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(relayproto.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(relayproto.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

type mailbox struct {
	conn *Conn
	ref  string
	id   domain.Identity
	msgs chan domain.ControlMessage
	done chan struct{}
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
	if !m.conn.forget(m.ref) {
		return nil
	}
	frame := relayproto.Frame{Op: relayproto.OpUnsubscribe, Ref: m.ref}
	select {
	case m.conn.outgoing <- frame:
	case <-m.conn.done:
	default:
		m.conn.log.Warn().Str("mailbox", m.id.String()).Msg("Outgoing queue full, unsubscribe not sent")
	}
	return nil
}
