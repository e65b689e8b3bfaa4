package model

import (
	"database/sql"
	"time"

	"github.com/pubkeep/pubkeep/engine/core"
)

// EventWildcard in a webhook's event set matches every event type.
const EventWildcard = "*"

// Webhook is a registered event subscriber.
type Webhook struct {
	ID            core.ID      `db:"id"`
	URL           string       `db:"url"`
	Secret        string       `db:"secret"`
	Events        StringSet    `db:"events"`
	Active        bool         `db:"active"`
	FailureCount  int          `db:"failure_count"`
	LastTriggered sql.NullTime `db:"last_triggered"`
	CreatedAt     time.Time    `db:"created_at"`
}

// Matches reports whether the webhook subscribes to the given event type.
func (w *Webhook) Matches(event string) bool {
	return w.Events.Contains(event) || w.Events.Contains(EventWildcard)
}

// WebhookDelivery is the immutable log row written for every delivery
// attempt, successful or not.
type WebhookDelivery struct {
	ID         string         `db:"id"`
	WebhookID  core.ID        `db:"webhook_id"`
	Event      string         `db:"event"`
	StatusCode int            `db:"status_code"`
	Success    bool           `db:"success"`
	Error      sql.NullString `db:"error"`
	DurationMS int64          `db:"duration_ms"`
	CreatedAt  time.Time      `db:"created_at"`
}
