package domain

import "time"

type PresenceRecord struct {
	Identity   Identity
	Online     bool
	LastSeenAt time.Time
}
