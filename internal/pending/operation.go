package pending

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/google/uuid"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Operation is a mutation that still has to reach the remote store.
// Input is set for inserts and Patch for updates. Operations are treated
// as immutable values once enqueued; the queue replaces them on change.
type Operation struct {
	ID        string
	Kind      Kind
	EntityID  string
	Input     *entries.Input
	Patch     *entries.Patch
	CreatedAt time.Time
	Attempts  int
	RetryAt   time.Time
	LastError string
}

func NewInsert(entityID string, input entries.Input, now time.Time) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Kind:      KindInsert,
		EntityID:  entityID,
		Input:     &input,
		CreatedAt: now,
		RetryAt:   now,
	}
}

func NewUpdate(entityID string, patch entries.Patch, now time.Time) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Kind:      KindUpdate,
		EntityID:  entityID,
		Patch:     &patch,
		CreatedAt: now,
		RetryAt:   now,
	}
}

func NewDelete(entityID string, now time.Time) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Kind:      KindDelete,
		EntityID:  entityID,
		CreatedAt: now,
		RetryAt:   now,
	}
}

func (op Operation) Due(now time.Time) bool {
	return !op.RetryAt.After(now)
}

// wireOperation keeps the on-device snapshot format: millisecond epoch
// timestamps and the field names older clients wrote.
type wireOperation struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	EntityID  string         `json:"entryId"`
	Input     *entries.Input `json:"input,omitempty"`
	Patch     *entries.Patch `json:"updates,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	Attempts  int            `json:"attempts"`
	RetryAt   int64          `json:"retryAt"`
	LastError *string        `json:"lastError,omitempty"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	wire := wireOperation{
		ID:        op.ID,
		Kind:      op.Kind,
		EntityID:  op.EntityID,
		Input:     op.Input,
		Patch:     op.Patch,
		CreatedAt: op.CreatedAt.UnixMilli(),
		Attempts:  op.Attempts,
		RetryAt:   op.RetryAt.UnixMilli(),
	}
	if op.LastError != "" {
		wire.LastError = &op.LastError
	}
	return json.Marshal(wire)
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var wire wireOperation
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case KindInsert:
		if wire.Input == nil {
			return fmt.Errorf("insert operation %s has no input", wire.ID)
		}
	case KindUpdate:
		if wire.Patch == nil {
			return fmt.Errorf("update operation %s has no updates", wire.ID)
		}
	case KindDelete:
	default:
		return fmt.Errorf("operation %s has unknown kind %q", wire.ID, wire.Kind)
	}
	if wire.ID == "" || wire.EntityID == "" {
		return fmt.Errorf("operation is missing id or entryId")
	}
	*op = Operation{
		ID:        wire.ID,
		Kind:      wire.Kind,
		EntityID:  wire.EntityID,
		Input:     wire.Input,
		Patch:     wire.Patch,
		CreatedAt: time.UnixMilli(wire.CreatedAt).UTC(),
		Attempts:  wire.Attempts,
		RetryAt:   time.UnixMilli(wire.RetryAt).UTC(),
	}
	if wire.LastError != nil {
		op.LastError = *wire.LastError
	}
	return nil
}

const (
	baseBackoff = time.Second
	maxBackoff  = 60 * time.Second
)

// Backoff is the wait before the next attempt of an operation that has
// already failed attempts times: 1s, 2s, 4s ... capped at 60s.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 6 {
		return maxBackoff
	}
	delay := baseBackoff << attempts
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
