package port

import (
	"context"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type Directory interface {
	Resolve(ctx context.Context, id domain.Identity) (domain.Profile, error)
}

type PresenceStore interface {
	SetOnline(ctx context.Context, id domain.Identity, online bool, at time.Time) error
}

type CallHistory interface {
	Record(ctx context.Context, rec domain.CallRecord) error
	List(ctx context.Context, id domain.Identity, limit int) ([]domain.CallRecord, error)
}
