package rowstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/google/uuid"
)

type MemoryOptions struct {
	Now   func() time.Time
	NewID func() string
}

// Memory keeps rows in a map. Offline mode and queued failures let tests
// simulate an unreachable backend.
type Memory struct {
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	rows     map[string]entries.Entry
	offline  bool
	failures []error
	calls    []string
}

func NewMemory(opts MemoryOptions) *Memory {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Memory{now: now, newID: newID, rows: map[string]entries.Entry{}}
}

// SetOffline makes every call fail with ErrUnavailable until cleared.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext queues errors returned by the next calls, one per call.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Calls lists the operations attempted so far, e.g. "upsert:e1".
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Seed stores entries as-is, bypassing owner checks.
func (m *Memory) Seed(list ...entries.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range list {
		m.rows[e.ID] = e.Confirmed()
	}
}

func (m *Memory) Select(ctx context.Context, owner string) ([]entries.Entry, error) {
	if err := m.begin(ctx, "select:"+owner); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entries.Entry, 0)
	for _, row := range m.rows {
		if row.UserID == owner {
			out = append(out, row)
		}
	}
	entries.SortNewestFirst(out)
	return out, nil
}

func (m *Memory) Insert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error) {
	if err := m.begin(ctx, "insert:"+rowIDs(rows)); err != nil {
		return nil, err
	}
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if row.ID == "" {
			continue
		}
		if _, exists := m.rows[row.ID]; exists {
			return nil, fmt.Errorf("%w: id %s already exists", entries.ErrConflict, row.ID)
		}
	}
	now := m.now().UTC()
	out := make([]entries.Entry, 0, len(rows))
	for _, row := range rows {
		id := row.ID
		if id == "" {
			id = m.newID()
		}
		e := entries.FromInput(id, owner, row.Input, now)
		m.rows[id] = e
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Upsert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error) {
	if err := m.begin(ctx, "upsert:"+rowIDs(rows)); err != nil {
		return nil, err
	}
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if existing, ok := m.rows[row.ID]; ok && existing.UserID != owner {
			return nil, fmt.Errorf("%w: id %s belongs to another owner", entries.ErrConflict, row.ID)
		}
	}
	now := m.now().UTC()
	out := make([]entries.Entry, 0, len(rows))
	for _, row := range rows {
		id := row.ID
		if id == "" {
			id = m.newID()
		}
		e := entries.FromInput(id, owner, row.Input, now)
		if existing, ok := m.rows[id]; ok {
			e.CreatedAt = existing.CreatedAt
		}
		m.rows[id] = e
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Update(ctx context.Context, owner, id string, patch entries.Patch) (entries.Entry, error) {
	if err := m.begin(ctx, "update:"+id); err != nil {
		return entries.Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rows[id]
	if !ok || existing.UserID != owner {
		return entries.Entry{}, fmt.Errorf("%w: %s", entries.ErrNotFound, id)
	}
	updated := existing.Apply(patch)
	updated.UpdatedAt = m.now().UTC()
	m.rows[id] = updated
	return updated, nil
}

func (m *Memory) Delete(ctx context.Context, owner, id string) error {
	if err := m.begin(ctx, "delete:"+id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[id]; ok && existing.UserID == owner {
		delete(m.rows, id)
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) begin(ctx context.Context, call string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if m.offline {
		return ErrUnavailable
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	return nil
}

func rowIDs(rows []entries.Row) string {
	out := ""
	for i, row := range rows {
		if i > 0 {
			out += ","
		}
		out += row.ID
	}
	return out
}
