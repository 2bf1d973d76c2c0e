// Package entrysync keeps the local view of a user's entries in step with
// the remote row store. Mutations try the remote store first and fall
// back to the durable pending queue; a drain loop replays the queue.
package entrysync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/Loues000/Alcohol-Tracking-App/internal/pending"
	"github.com/google/uuid"
)

// Remote is the owner-scoped row store the engine writes through to.
type Remote interface {
	Select(ctx context.Context, owner string) ([]entries.Entry, error)
	Insert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error)
	Upsert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error)
	Update(ctx context.Context, owner, id string, patch entries.Patch) (entries.Entry, error)
	Delete(ctx context.Context, owner, id string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Owner  string
	Remote Remote
	Queue  *pending.Queue
	Logger Logger
	Now    func() time.Time
	NewID  func() string
}

type Engine struct {
	owner  string
	remote Remote
	queue  *pending.Queue
	logger Logger
	now    func() time.Time
	newID  func() string

	mu        sync.Mutex
	base      []entries.Entry
	syncing   bool
	syncError string
	loading   bool
	lastError string
	listeners map[int]func()
	nextID    int

	wake        chan struct{}
	stopQueueFn func()
}

func New(opts Options) (*Engine, error) {
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("remote store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("pending queue is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	e := &Engine{
		owner:     owner,
		remote:    opts.Remote,
		queue:     opts.Queue,
		logger:    opts.Logger,
		now:       now,
		newID:     newID,
		loading:   true,
		listeners: map[int]func(){},
		wake:      make(chan struct{}, 1),
	}
	e.stopQueueFn = e.queue.Subscribe(func() {
		select {
		case e.wake <- struct{}{}:
		default:
		}
		e.emit()
	})
	return e, nil
}

// Close detaches the engine from its queue. Listeners are dropped.
func (e *Engine) Close() {
	if e.stopQueueFn != nil {
		e.stopQueueFn()
	}
	e.mu.Lock()
	e.listeners = map[int]func(){}
	e.mu.Unlock()
}

// Entries is the reconciled view: confirmed rows with queued operations
// replayed on top.
func (e *Engine) Entries() []entries.Entry {
	e.mu.Lock()
	base := e.base
	e.mu.Unlock()
	return Project(base, e.queue.Snapshot(), e.owner)
}

// Base returns the last server-confirmed collection.
func (e *Engine) Base() []entries.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]entries.Entry(nil), e.base...)
}

func (e *Engine) PendingOperations() []pending.Operation {
	return e.queue.Snapshot()
}

func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// SyncError is the most recent drain failure, empty after a clean drain.
func (e *Engine) SyncError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncError
}

func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// Error is the message of the last failed user-facing call.
func (e *Engine) Error() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// Subscribe registers fn to be called after any observable change. The
// returned func removes it.
func (e *Engine) Subscribe(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) Refresh(ctx context.Context) {
	e.mu.Lock()
	e.loading = true
	e.mu.Unlock()
	e.emit()

	rows, err := e.remote.Select(ctx, e.owner)

	e.mu.Lock()
	e.loading = false
	if err != nil {
		e.lastError = err.Error()
	} else {
		base := confirmed(rows)
		entries.SortNewestFirst(base)
		e.base = base
		e.lastError = ""
	}
	e.mu.Unlock()
	if err != nil {
		e.logf("refresh failed: %v", err)
	}
	e.emit()
}

func (e *Engine) CreateEntry(ctx context.Context, input entries.Input) *entries.Entry {
	created := e.CreateEntries(ctx, []entries.Input{input})
	if len(created) == 0 {
		return nil
	}
	return &created[0]
}

// CreateEntries writes all inputs in one upsert. When the remote store is
// unreachable each input is queued as an insert with a fresh id and the
// returned entries are marked pending.
func (e *Engine) CreateEntries(ctx context.Context, inputs []entries.Input) []entries.Entry {
	if len(inputs) == 0 {
		return nil
	}
	rows := make([]entries.Row, 0, len(inputs))
	for _, input := range inputs {
		if err := entries.Validate(input); err != nil {
			e.setError(err.Error())
			return nil
		}
		rows = append(rows, entries.Row{Input: input})
	}

	created, err := e.remote.Upsert(ctx, e.owner, rows)
	if err != nil {
		message := err.Error()
		now := e.now()
		ops := make([]pending.Operation, 0, len(inputs))
		out := make([]entries.Entry, 0, len(inputs))
		for _, input := range inputs {
			op := pending.NewInsert(e.newID(), input, now)
			op.LastError = message
			ops = append(ops, op)
			synthetic := entries.FromInput(op.EntityID, e.owner, input, now)
			synthetic.Pending = true
			synthetic.SyncError = message
			out = append(out, synthetic)
		}
		e.logf("create failed, queued %d insert(s): %v", len(ops), err)
		e.setErrorQuiet(message)
		e.queue.Enqueue(ops...)
		return out
	}

	e.mu.Lock()
	e.base = mergeInto(e.base, confirmed(created)...)
	e.lastError = ""
	e.mu.Unlock()
	e.emit()
	return confirmed(created)
}

// UpdateEntry patches an entry. If the entry already has queued
// operations the patch is queued behind them so it cannot overtake an
// unconfirmed insert.
func (e *Engine) UpdateEntry(ctx context.Context, id string, patch entries.Patch) *entries.Entry {
	if err := entries.ValidatePatch(patch); err != nil {
		e.setError(err.Error())
		return nil
	}

	var err error
	if e.queue.HasEntity(id) {
		err = errQueuedBehind
	} else {
		var updated entries.Entry
		updated, err = e.remote.Update(ctx, e.owner, id, patch)
		if err == nil {
			updated = updated.Confirmed()
			e.mu.Lock()
			e.base = mergeInto(e.base, updated)
			e.lastError = ""
			e.mu.Unlock()
			e.emit()
			return &updated
		}
	}

	op := pending.NewUpdate(id, patch, e.now())
	if !errors.Is(err, errQueuedBehind) {
		op.LastError = err.Error()
		e.logf("update %s failed, queued: %v", id, err)
		e.setErrorQuiet(err.Error())
	}
	e.queue.Enqueue(op)
	return e.find(id)
}

// DeleteEntry removes the entry from the view immediately and always
// reports true. A failed or deferred remote delete is queued.
func (e *Engine) DeleteEntry(ctx context.Context, id string) bool {
	e.mu.Lock()
	e.base = removeByID(append([]entries.Entry(nil), e.base...), id)
	e.mu.Unlock()

	if e.queue.HasEntity(id) {
		e.queue.Enqueue(pending.NewDelete(id, e.now()))
		return true
	}
	e.emit()

	if err := e.remote.Delete(ctx, e.owner, id); err != nil {
		op := pending.NewDelete(id, e.now())
		op.LastError = err.Error()
		e.logf("delete %s failed, queued: %v", id, err)
		e.setErrorQuiet(err.Error())
		e.queue.Enqueue(op)
		return true
	}
	e.setError("")
	return true
}

// RestoreEntry undoes a delete: queued deletes for the entry are dropped
// and the entry is written back. If the write fails it is queued as an
// insert under the same id.
func (e *Engine) RestoreEntry(ctx context.Context, entry entries.Entry) *entries.Entry {
	e.queue.RemoveWhere(func(op pending.Operation) bool {
		return op.Kind == pending.KindDelete && op.EntityID == entry.ID
	})
	entry = entry.Confirmed()

	restored, err := e.remote.Upsert(ctx, e.owner, []entries.Row{entry.Row()})
	if err != nil || len(restored) == 0 {
		if err == nil {
			err = errors.New("restore returned no rows")
		}
		op := pending.NewInsert(entry.ID, entry.Input(), e.now())
		op.LastError = err.Error()
		e.logf("restore %s failed, queued: %v", entry.ID, err)
		e.setErrorQuiet(err.Error())
		e.queue.Enqueue(op)
		return e.find(entry.ID)
	}

	row := restored[0].Confirmed()
	e.mu.Lock()
	e.base = mergeInto(e.base, row)
	e.lastError = ""
	e.mu.Unlock()
	e.emit()
	return &row
}

func (e *Engine) find(id string) *entries.Entry {
	for _, entry := range e.Entries() {
		if entry.ID == id {
			found := entry
			return &found
		}
	}
	return nil
}

func (e *Engine) setError(message string) {
	e.setErrorQuiet(message)
	e.emit()
}

func (e *Engine) setErrorQuiet(message string) {
	e.mu.Lock()
	e.lastError = message
	e.mu.Unlock()
}

func (e *Engine) emit() {
	e.mu.Lock()
	listeners := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

var errQueuedBehind = errors.New("queued behind earlier operations")

// mergeInto upserts rows into list by id and re-sorts newest first. The
// input slice is not modified.
func mergeInto(list []entries.Entry, rows ...entries.Entry) []entries.Entry {
	replaced := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		replaced[row.ID] = struct{}{}
	}
	out := make([]entries.Entry, 0, len(list)+len(rows))
	out = append(out, rows...)
	for _, existing := range list {
		if _, ok := replaced[existing.ID]; !ok {
			out = append(out, existing)
		}
	}
	entries.SortNewestFirst(out)
	return out
}

func confirmed(rows []entries.Entry) []entries.Entry {
	out := make([]entries.Entry, len(rows))
	for i, row := range rows {
		out[i] = row.Confirmed()
	}
	return out
}
