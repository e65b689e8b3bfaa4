package model

import (
	"database/sql"
	"time"

	"github.com/pubkeep/pubkeep/engine/core"
)

// ActivityEntry is an append-only audit record. Entries are never updated
// or deleted by the engine.
type ActivityEntry struct {
	ID        core.ID        `db:"id"`
	ActorID   sql.NullString `db:"actor_id"`
	Action    string         `db:"action"`
	Subject   string         `db:"subject"`
	Detail    sql.NullString `db:"detail"`
	CreatedAt time.Time      `db:"created_at"`
}

// Setting is one row of site configuration.
type Setting struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}
