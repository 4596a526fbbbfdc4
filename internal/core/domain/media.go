package domain

type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Terminal reports whether the transport can no longer carry media.
func (s TransportState) Terminal() bool {
	switch s {
	case TransportDisconnected, TransportFailed, TransportClosed:
		return true
	}
	return false
}

// RemoteMedia describes a track received from a remote party.
type RemoteMedia struct {
	StreamID string
	TrackID  string
	Kind     string
}
