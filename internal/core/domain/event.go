package domain

import "time"

type EventKind string

const (
	EventStatusChanged     EventKind = "status-changed"
	EventIncomingCall      EventKind = "incoming-call"
	EventCallConnected     EventKind = "call-connected"
	EventRemoteMedia       EventKind = "remote-media"
	EventParticipantJoined EventKind = "participant-joined"
	EventParticipantLeft   EventKind = "participant-left"
	EventError             EventKind = "error"
)

type Event struct {
	Kind    EventKind
	Status  CallStatus
	Remote  Identity
	Profile *Profile
	Media   *RemoteMedia
	Err     error
	At      time.Time
}
