package http

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/relayproto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const sendBuffer = 256

var errSendBufferFull = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origins once phones authenticate against the relay
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan relayproto.Frame
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) Send(frame relayproto.Frame) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *WSClient) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(relayproto.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(relayproto.WriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(relayproto.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(relayproto.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *WSClient) reject(ref, reason string) {
	if err := c.Send(relayproto.Frame{Op: relayproto.OpError, Ref: ref, Error: reason}); err != nil {
		c.log.Warn().Err(err).Msg("Error sending error frame")
	}
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	clientID := uuid.New().String()
	l := log.With().Str("client_id", clientID).Logger()
	client := &WSClient{
		id:   clientID,
		conn: conn,
		send: make(chan relayproto.Frame, sendBuffer),
		done: make(chan struct{}),
		log:  l,
	}
	l.Info().Str("remote_addr", r.RemoteAddr).Msg("New client connected")

	h.Hub.Register(client)
	go client.writePump()

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		client.Close()
	}()

	conn.SetReadLimit(relayproto.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(relayproto.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(relayproto.PongWait))
		return nil
	})

	for {
		var frame relayproto.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}
		if err := frame.Validate(); err != nil {
			l.Warn().Err(err).Str("op", string(frame.Op)).Msg("Rejecting frame")
			client.reject(frame.Ref, err.Error())
			continue
		}

		switch frame.Op {
		case relayproto.OpSubscribe:
			h.Hub.Subscribe(client, frame.Ref, frame.Mailbox)
		case relayproto.OpUnsubscribe:
			h.Hub.Unsubscribe(client, frame.Ref)
		case relayproto.OpPublish:
			h.Hub.Publish(client, *frame.Message)
		default:
			client.reject(frame.Ref, "op not accepted from clients")
		}
	}
}
