// Package pending is the durable FIFO of mutations waiting to reach the
// remote row store.
package pending

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// StorageKey is where the queue snapshot lives in the local store.
const StorageKey = "pending_entry_ops_v1"

type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Updater is implemented by stores that can read and rewrite a key under a
// single lock. fn returning an error leaves the stored value unchanged.
type Updater interface {
	Update(key string, fn func(value string, ok bool) (string, error)) error
}

var errUnchanged = errors.New("pending queue unchanged")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
	Now    func() time.Time
}

// Queue holds operations in enqueue order and writes the full snapshot to
// Store after every change. Persistence failures are logged and the
// in-memory queue stays authoritative; dirty marks operations that have
// not reached the store yet.
type Queue struct {
	store  Store
	logger Logger
	now    func() time.Time

	mu        sync.Mutex
	ops       []Operation
	dirty     bool
	listeners map[int]func()
	nextID    int
}

func New(store Store, opts Options) *Queue {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:     store,
		logger:    opts.Logger,
		now:       now,
		listeners: map[int]func(){},
	}
}

// Load replaces the in-memory queue with the persisted snapshot. Missing
// or unreadable snapshots leave an empty queue.
func (q *Queue) Load() {
	ops := q.readSnapshot()
	q.mu.Lock()
	q.ops = ops
	q.dirty = false
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) readSnapshot() []Operation {
	if q.store == nil {
		return nil
	}
	raw, ok, err := q.store.Get(StorageKey)
	if err != nil {
		q.logf("pending queue load failed: %v", err)
		return nil
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var ops []Operation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		q.logf("pending queue snapshot is corrupt, starting empty: %v", err)
		return nil
	}
	return ops
}

func (q *Queue) Enqueue(ops ...Operation) {
	if len(ops) == 0 {
		return
	}
	q.mu.Lock()
	q.changeLocked(func(current []Operation) ([]Operation, bool) {
		next := append([]Operation(nil), current...)
		for _, op := range ops {
			if indexOf(next, op.ID) < 0 {
				next = append(next, op)
			}
		}
		return next, true
	})
	q.mu.Unlock()
	q.notify()
}

// Dequeue removes the operation with the given id. It reports whether
// anything was removed.
func (q *Queue) Dequeue(opID string) bool {
	removed := q.RemoveWhere(func(op Operation) bool { return op.ID == opID })
	return removed > 0
}

// UpdateAfterFailure records a failed attempt: the retry time moves out by
// Backoff(attempts) and attempts is incremented.
func (q *Queue) UpdateAfterFailure(opID, message string) (Operation, bool) {
	var (
		updated Operation
		found   bool
	)
	q.mu.Lock()
	q.changeLocked(func(current []Operation) ([]Operation, bool) {
		idx := indexOf(current, opID)
		if idx < 0 {
			found = false
			return current, false
		}
		op := current[idx]
		op.RetryAt = q.now().Add(Backoff(op.Attempts))
		op.Attempts++
		op.LastError = message
		next := append([]Operation(nil), current...)
		next[idx] = op
		updated, found = op, true
		return next, true
	})
	q.mu.Unlock()
	if !found {
		return Operation{}, false
	}
	q.notify()
	return updated, true
}

func (q *Queue) RemoveWhere(match func(Operation) bool) int {
	removed := 0
	q.mu.Lock()
	q.changeLocked(func(current []Operation) ([]Operation, bool) {
		kept := make([]Operation, 0, len(current))
		for _, op := range current {
			if !match(op) {
				kept = append(kept, op)
			}
		}
		removed = len(current) - len(kept)
		return kept, removed > 0
	})
	q.mu.Unlock()
	if removed > 0 {
		q.notify()
	}
	return removed
}

// Snapshot returns a copy of the queue in enqueue order.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.ops...)
}

// Due returns operations whose retry time has passed, earliest first.
// Ties keep enqueue order.
func (q *Queue) Due(now time.Time) []Operation {
	q.mu.Lock()
	due := make([]Operation, 0, len(q.ops))
	for _, op := range q.ops {
		if op.Due(now) {
			due = append(due, op)
		}
	}
	q.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].RetryAt.Before(due[j].RetryAt)
	})
	return due
}

func (q *Queue) Get(opID string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(opID)
	if idx < 0 {
		return Operation{}, false
	}
	return q.ops[idx], true
}

func (q *Queue) HasEntity(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.EntityID == entityID {
			return true
		}
	}
	return false
}

// BlockedBy reports whether an operation enqueued before opID for the same
// entity is still queued.
func (q *Queue) BlockedBy(opID string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(opID)
	if idx < 0 {
		return Operation{}, false
	}
	entityID := q.ops[idx].EntityID
	for _, op := range q.ops[:idx] {
		if op.EntityID == entityID {
			return op, true
		}
	}
	return Operation{}, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Subscribe registers fn to run after every change. fn is called without
// the queue lock held.
func (q *Queue) Subscribe(fn func()) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.listeners, id)
	}
}

func (q *Queue) indexLocked(opID string) int {
	return indexOf(q.ops, opID)
}

func indexOf(ops []Operation, opID string) int {
	for i, op := range ops {
		if op.ID == opID {
			return i
		}
	}
	return -1
}

// changeLocked applies change and persists the result. When the store
// supports Update, change runs against the persisted snapshot under the
// store's lock, so operations written by another process sharing the
// store survive. change reports false when it left the queue untouched.
func (q *Queue) changeLocked(change func([]Operation) ([]Operation, bool)) {
	updater, ok := q.store.(Updater)
	if !ok {
		if next, changed := change(q.ops); changed {
			q.ops = next
			q.persistLocked()
		}
		return
	}

	var (
		merged  []Operation
		changed bool
	)
	err := updater.Update(StorageKey, func(raw string, found bool) (string, error) {
		base := q.decodeForUpdate(raw, found)
		if q.dirty {
			base = unionByID(base, q.ops)
		}
		merged, changed = change(base)
		if !changed && !q.dirty {
			return "", errUnchanged
		}
		return encodeSnapshot(merged)
	})
	switch {
	case err == nil:
		q.ops = merged
		q.dirty = false
	case errors.Is(err, errUnchanged):
		q.ops = merged
	default:
		q.logf("pending queue persist failed: %v", err)
		if next, ok := change(q.ops); ok {
			q.ops = next
			q.dirty = true
		}
	}
}

func (q *Queue) decodeForUpdate(raw string, found bool) []Operation {
	if !found || strings.TrimSpace(raw) == "" {
		return nil
	}
	var ops []Operation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		q.logf("pending queue snapshot is corrupt, rewriting from memory: %v", err)
		return append([]Operation(nil), q.ops...)
	}
	return ops
}

// unionByID appends the operations in local that persisted does not hold.
func unionByID(persisted, local []Operation) []Operation {
	out := append([]Operation(nil), persisted...)
	for _, op := range local {
		if indexOf(out, op.ID) < 0 {
			out = append(out, op)
		}
	}
	return out
}

func encodeSnapshot(ops []Operation) (string, error) {
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	data, err := encodeSnapshot(q.ops)
	if err != nil {
		q.logf("pending queue encode failed: %v", err)
		return
	}
	if err := q.store.Set(StorageKey, data); err != nil {
		q.logf("pending queue persist failed: %v", err)
	}
}

func (q *Queue) notify() {
	q.mu.Lock()
	listeners := make([]func(), 0, len(q.listeners))
	for _, fn := range q.listeners {
		listeners = append(listeners, fn)
	}
	q.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger == nil {
		return
	}
	q.logger.Printf(format, args...)
}
