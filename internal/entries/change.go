package entries

import "time"

const (
	ChangeUpserted = "entry.upserted"
	ChangeDeleted  = "entry.deleted"
)

// ChangeEvent is pushed to connected clients when an owner's rows change.
type ChangeEvent struct {
	Type string    `json:"type"`
	ID   string    `json:"id"`
	At   time.Time `json:"at"`
}
