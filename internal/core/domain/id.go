package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Identity is the routing address of a party on the relay.
type Identity string

func NewIdentity() Identity {
	return Identity(uuid.New().String())
}

func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("identity cannot be empty")
	}
	return Identity(s), nil
}

func (id Identity) String() string {
	return string(id)
}

func (id Identity) IsZero() bool {
	return id == ""
}

type MessageID string

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func (id MessageID) String() string {
	return string(id)
}

type CallID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id CallID) String() string {
	return string(id)
}
