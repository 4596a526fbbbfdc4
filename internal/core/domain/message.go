package domain

import (
	"fmt"
	"time"
)

type MessageKind string

const (
	KindCall         MessageKind = "call"
	KindAnswer       MessageKind = "answer"
	KindIceCandidate MessageKind = "ice-candidate"
	KindEndCall      MessageKind = "end-call"
	KindDecline      MessageKind = "decline"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindCall, KindAnswer, KindIceCandidate, KindEndCall, KindDecline:
		return true
	}
	return false
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate mirrors the browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate for duplicate detection.
func (c Candidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%s|%d", c.Candidate, mid, idx)
}

type ControlMessage struct {
	ID          MessageID           `json:"id"`
	Kind        MessageKind         `json:"type"`
	From        Identity            `json:"from"`
	To          Identity            `json:"to"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *Candidate          `json:"candidate,omitempty"`
	SentAt      time.Time           `json:"sent_at"`
}

func newControlMessage(kind MessageKind, to Identity) ControlMessage {
	return ControlMessage{
		ID:     NewMessageID(),
		Kind:   kind,
		To:     to,
		SentAt: time.Now().UTC(),
	}
}

func NewCallMessage(to Identity, offer SessionDescription) ControlMessage {
	m := newControlMessage(KindCall, to)
	m.Description = &offer
	return m
}

func NewAnswerMessage(to Identity, answer SessionDescription) ControlMessage {
	m := newControlMessage(KindAnswer, to)
	m.Description = &answer
	return m
}

func NewCandidateMessage(to Identity, c Candidate) ControlMessage {
	m := newControlMessage(KindIceCandidate, to)
	m.Candidate = &c
	return m
}

func NewEndCallMessage(to Identity) ControlMessage {
	return newControlMessage(KindEndCall, to)
}

func NewDeclineMessage(to Identity) ControlMessage {
	return newControlMessage(KindDecline, to)
}

// Stamp returns a copy of m sent by from.
func (m ControlMessage) Stamp(from Identity) ControlMessage {
	m.From = from
	if m.ID == "" {
		m.ID = NewMessageID()
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	return m
}

// Validate checks addressing and the payload required by the message kind.
// Payloads on end-call and decline are tolerated and ignored.
func (m ControlMessage) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Kind)
	}
	if m.From.IsZero() {
		return fmt.Errorf("%w: %s without sender", ErrInvalidMessage, m.Kind)
	}
	if m.To.IsZero() {
		return fmt.Errorf("%w: %s without recipient", ErrInvalidMessage, m.Kind)
	}
	switch m.Kind {
	case KindCall:
		return m.validateDescription(SDPOffer)
	case KindAnswer:
		return m.validateDescription(SDPAnswer)
	case KindIceCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidMessage)
		}
	}
	return nil
}

func (m ControlMessage) validateDescription(want SDPType) error {
	if m.Description == nil {
		return fmt.Errorf("%w: %s without description", ErrInvalidMessage, m.Kind)
	}
	if m.Description.Type != want {
		return fmt.Errorf("%w: %s carries %q description", ErrInvalidMessage, m.Kind, m.Description.Type)
	}
	if m.Description.SDP == "" {
		return fmt.Errorf("%w: %s with empty sdp", ErrInvalidMessage, m.Kind)
	}
	return nil
}
