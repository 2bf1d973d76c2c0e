// Package entries holds the consumption entry model shared by the client
// engine, the remote row stores and the HTTP API.
package entries

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("entry not found")
	ErrConflict     = errors.New("entry conflict")
	ErrInvalidInput = errors.New("invalid entry input")
)

// Input is the payload a user supplies when logging a drink.
type Input struct {
	ConsumedAt time.Time `json:"consumed_at"`
	Category   Category  `json:"category"`
	SizeL      float64   `json:"size_l"`
	CustomName *string   `json:"custom_name,omitempty"`
	AbvPercent *float64  `json:"abv_percent,omitempty"`
	Note       *string   `json:"note,omitempty"`
}

// Row is what travels to the remote row store. ID is empty when the
// server should assign one.
type Row struct {
	ID string `json:"id,omitempty"`
	Input
}

// Patch is a partial update. Nil fields are left untouched. An empty
// CustomName or Note clears the field; ClearAbv drops the explicit ABV.
type Patch struct {
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	Category   *Category  `json:"category,omitempty"`
	SizeL      *float64   `json:"size_l,omitempty"`
	CustomName *string    `json:"custom_name,omitempty"`
	AbvPercent *float64   `json:"abv_percent,omitempty"`
	ClearAbv   bool       `json:"clear_abv_percent,omitempty"`
	Note       *string    `json:"note,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.ConsumedAt == nil && p.Category == nil && p.SizeL == nil &&
		p.CustomName == nil && p.AbvPercent == nil && !p.ClearAbv && p.Note == nil
}

// Entry is a confirmed (or locally projected) consumption record.
// Pending and SyncError only exist in the reconciled view and are never
// written to a remote store.
type Entry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ConsumedAt time.Time `json:"consumed_at"`
	Category   Category  `json:"category"`
	SizeL      float64   `json:"size_l"`
	CustomName *string   `json:"custom_name,omitempty"`
	AbvPercent *float64  `json:"abv_percent,omitempty"`
	Note       *string   `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Pending    bool      `json:"pending,omitempty"`
	SyncError  string    `json:"syncError,omitempty"`
}

// FromInput builds an entry for owner from a create payload. Both
// timestamps are set to at.
func FromInput(id, owner string, input Input, at time.Time) Entry {
	return Entry{
		ID:         id,
		UserID:     owner,
		ConsumedAt: input.ConsumedAt,
		Category:   input.Category,
		SizeL:      input.SizeL,
		CustomName: input.CustomName,
		AbvPercent: input.AbvPercent,
		Note:       input.Note,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func (e Entry) Input() Input {
	return Input{
		ConsumedAt: e.ConsumedAt,
		Category:   e.Category,
		SizeL:      e.SizeL,
		CustomName: e.CustomName,
		AbvPercent: e.AbvPercent,
		Note:       e.Note,
	}
}

// Row strips the view-only flags and owner so the entry can be sent as an
// upsert.
func (e Entry) Row() Row {
	return Row{ID: e.ID, Input: e.Input()}
}

// Confirmed returns a copy without the pending marker or sync error.
func (e Entry) Confirmed() Entry {
	e.Pending = false
	e.SyncError = ""
	return e
}

// Apply returns e with patch applied. UpdatedAt is not touched; callers
// decide which clock the update belongs to.
func (e Entry) Apply(p Patch) Entry {
	if p.ConsumedAt != nil {
		e.ConsumedAt = *p.ConsumedAt
	}
	if p.Category != nil {
		e.Category = *p.Category
	}
	if p.SizeL != nil {
		e.SizeL = *p.SizeL
	}
	if p.CustomName != nil {
		e.CustomName = optionalString(*p.CustomName)
	}
	if p.ClearAbv {
		e.AbvPercent = nil
	} else if p.AbvPercent != nil {
		v := *p.AbvPercent
		e.AbvPercent = &v
	}
	if p.Note != nil {
		e.Note = optionalString(*p.Note)
	}
	return e
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

// SortNewestFirst orders entries by ConsumedAt descending. Equal
// timestamps keep their relative order.
func SortNewestFirst(list []Entry) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ConsumedAt.After(list[j].ConsumedAt)
	})
}

func String(v string) *string { return &v }

func Float(v float64) *float64 { return &v }
