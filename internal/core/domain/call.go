package domain

import "time"

type CallStatus string

const (
	StatusIdle      CallStatus = "idle"
	StatusCalling   CallStatus = "calling"
	StatusIncoming  CallStatus = "incoming"
	StatusConnected CallStatus = "connected"
	StatusEnded     CallStatus = "ended"
)

// CallSession is a read-only snapshot of the local call state.
type CallSession struct {
	Status       CallStatus
	Local        Identity
	Remote       Identity
	Confirmed    bool
	Hosting      bool
	Participants []Identity
	Queued       []Identity
	AudioEnabled bool
	VideoEnabled bool
}

type Profile struct {
	ID          Identity
	DisplayName string
}

func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID.String()
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeMissed    Outcome = "missed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

type CallRecord struct {
	ID          CallID
	Local       Identity
	Remote      Identity
	Direction   Direction
	Outcome     Outcome
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
}

// Duration is the connected time of the call, zero when it never connected.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}
