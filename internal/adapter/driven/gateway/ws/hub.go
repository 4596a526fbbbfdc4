package ws

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/relayproto"
	"github.com/rs/zerolog/log"
)

const requestBuffer = 256

type Stats struct {
	Clients       int    `json:"clients"`
	Mailboxes     int    `json:"mailboxes"`
	Subscriptions int    `json:"subscriptions"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
}

type requestKind int

const (
	reqRegister requestKind = iota
	reqUnregister
	reqSubscribe
	reqUnsubscribe
	reqPublish
	reqStats
)

// request is one client operation. A single queue keeps each connection's
// operations in the order it sent them.
type request struct {
	kind    requestKind
	client  Client
	ref     string
	mailbox domain.Identity
	msg     domain.ControlMessage
	reply   chan Stats
}

// Hub routes published control messages to the connections subscribed to
// the recipient's mailbox. A connection only reaches a mailbox it has
// subscribed to itself, and never receives its own publishes.
type Hub struct {
	clients   map[Client]map[string]domain.Identity
	mailboxes map[domain.Identity]map[Client]int

	requests chan request
	quit     chan struct{}
	stopOnce sync.Once

	delivered uint64
	dropped   uint64
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[Client]map[string]domain.Identity),
		mailboxes: make(map[domain.Identity]map[Client]int),
		requests:  make(chan request, requestBuffer),
		quit:      make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mailboxes = make(map[domain.Identity]map[Client]int)
			return

		case req := <-h.requests:
			h.handle(req)
		}
	}
}

func (h *Hub) handle(req request) {
	switch req.kind {
	case reqRegister:
		h.clients[req.client] = make(map[string]domain.Identity)
		log.Info().Str("client_id", req.client.ID()).Msg("Client registered")
	case reqUnregister:
		if refs, ok := h.clients[req.client]; ok {
			for ref := range refs {
				h.drop(req.client, ref)
			}
			delete(h.clients, req.client)
			req.client.Close()
			log.Info().Str("client_id", req.client.ID()).Msg("Client unregistered")
		}
	case reqSubscribe:
		h.add(req)
	case reqUnsubscribe:
		h.drop(req.client, req.ref)
	case reqPublish:
		h.route(req)
	case reqStats:
		req.reply <- h.snapshot()
	}
}

func (h *Hub) add(sub request) {
	refs, ok := h.clients[sub.client]
	if !ok {
		return
	}
	if _, dup := refs[sub.ref]; dup {
		h.send(sub.client, relayproto.Frame{Op: relayproto.OpError, Ref: sub.ref, Error: "duplicate subscription ref"})
		return
	}
	refs[sub.ref] = sub.mailbox
	if h.mailboxes[sub.mailbox] == nil {
		h.mailboxes[sub.mailbox] = make(map[Client]int)
	}
	h.mailboxes[sub.mailbox][sub.client]++

	// acknowledge only once the subscription is routable
	h.send(sub.client, relayproto.Frame{Op: relayproto.OpSubscribed, Ref: sub.ref, Mailbox: sub.mailbox})
	log.Debug().Str("client_id", sub.client.ID()).Str("mailbox", sub.mailbox.String()).Msg("Mailbox subscribed")
}

func (h *Hub) drop(client Client, ref string) {
	refs, ok := h.clients[client]
	if !ok {
		return
	}
	mailbox, ok := refs[ref]
	if !ok {
		return
	}
	delete(refs, ref)
	subs := h.mailboxes[mailbox]
	subs[client]--
	if subs[client] <= 0 {
		delete(subs, client)
	}
	if len(subs) == 0 {
		delete(h.mailboxes, mailbox)
	}
}

func (h *Hub) route(pub request) {
	to := pub.msg.To
	subs := h.mailboxes[to]
	if subs[pub.client] == 0 {
		h.dropped++
		log.Debug().Str("client_id", pub.client.ID()).Str("mailbox", to.String()).Msg("Publish without subscription, dropping message")
		return
	}

	frame := relayproto.Frame{Op: relayproto.OpMessage, Mailbox: to, Message: &pub.msg}
	for client := range subs {
		if client == pub.client {
			continue
		}
		if h.send(client, frame) {
			h.delivered++
		} else {
			h.dropped++
		}
	}
}

func (h *Hub) send(client Client, frame relayproto.Frame) bool {
	if err := client.Send(frame); err != nil {
		log.Warn().Err(err).Str("client_id", client.ID()).Str("op", string(frame.Op)).Msg("Error sending frame")
		return false
	}
	return true
}

func (h *Hub) snapshot() Stats {
	s := Stats{
		Clients:   len(h.clients),
		Mailboxes: len(h.mailboxes),
		Delivered: h.delivered,
		Dropped:   h.dropped,
	}
	for _, refs := range h.clients {
		s.Subscriptions += len(refs)
	}
	return s
}

func (h *Hub) enqueue(req request) {
	select {
	case h.requests <- req:
	case <-h.quit:
	}
}

func (h *Hub) Register(c Client) {
	h.enqueue(request{kind: reqRegister, client: c})
}

func (h *Hub) Unregister(c Client) {
	h.enqueue(request{kind: reqUnregister, client: c})
}

func (h *Hub) Subscribe(c Client, ref string, mailbox domain.Identity) {
	h.enqueue(request{kind: reqSubscribe, client: c, ref: ref, mailbox: mailbox})
}

func (h *Hub) Unsubscribe(c Client, ref string) {
	h.enqueue(request{kind: reqUnsubscribe, client: c, ref: ref})
}

func (h *Hub) Publish(c Client, msg domain.ControlMessage) {
	h.enqueue(request{kind: reqPublish, client: c, msg: msg})
}

func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case h.requests <- request{kind: reqStats, reply: reply}:
	case <-h.quit:
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-h.quit:
		return Stats{}
	}
}

// Stop ends Run and closes every registered client. Safe to call twice.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}
