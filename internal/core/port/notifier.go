package port

import "github.com/Wyydra/yacall/internal/core/domain"

// Notifier receives call events. Notify is called from the call service
// goroutine and must not block.
type Notifier interface {
	Notify(ev domain.Event)
}
