// Package webhook delivers domain events to registered HTTP endpoints. Each
// delivery is signed, bounded by a timeout, and logged whether it succeeds or
// not; no delivery outcome ever propagates into the operation that raised
// the event.
package webhook

import "context"

// Event types raised by the registry. Webhook subscriptions hold a set of
// these, or the wildcard "*" which matches all of them.
const (
	EventPackagePublished    = "package.published"
	EventPackageDeleted      = "package.deleted"
	EventPackageDiscontinued = "package.discontinued"
	EventPackageReactivated  = "package.reactivated"
	EventVersionDeleted      = "version.deleted"
	EventUserRegistered      = "user.registered"
	EventCacheCleared        = "cache.cleared"
)

// KnownEvents lists every event type a webhook may subscribe to.
func KnownEvents() []string {
	return []string{
		EventPackagePublished,
		EventPackageDeleted,
		EventPackageDiscontinued,
		EventPackageReactivated,
		EventVersionDeleted,
		EventUserRegistered,
		EventCacheCleared,
	}
}

// ValidEventType reports whether t is a subscribable event type or the
// wildcard.
func ValidEventType(t string) bool {
	if t == "*" {
		return true
	}
	for _, known := range KnownEvents() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one domain occurrence to be fanned out to subscribers. Data must
// be JSON-serializable.
type Event struct {
	Type string
	Data map[string]any
}

// Emitter is the side of the dispatcher domain services depend on. Emit
// never blocks on network I/O and never returns an error; failures are the
// dispatcher's concern.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// NopEmitter discards every event. Useful where notifications are disabled
// and in tests that do not care about them.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}
