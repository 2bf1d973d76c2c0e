package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/Loues000/Alcohol-Tracking-App/internal/kvstore"
)

type failingStore struct {
	kvstore.Store
	fail bool
}

func (s *failingStore) Set(key, value string) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Set(key, value)
}

func (s *failingStore) Update(key string, fn func(string, bool) (string, error)) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Update(key, fn)
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *captureLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func sampleInput(at time.Time) entries.Input {
	return entries.Input{ConsumedAt: at, Category: entries.CategoryBeer, SizeL: 0.5}
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for attempts, expected := range want {
		if got := Backoff(attempts); got != expected {
			t.Fatalf("Backoff(%d) = %s, want %s", attempts, got, expected)
		}
	}
	if got := Backoff(200); got != 60*time.Second {
		t.Fatalf("expected cap for large attempt counts, got %s", got)
	}
}

func TestQueuePersistsAndReloads(t *testing.T) {
	now := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	store := kvstore.NewMemoryStore()
	q := New(store, Options{Now: fixedClock(now)})

	insert := NewInsert("e1", sampleInput(now), now)
	size := 0.33
	update := NewUpdate("e1", entries.Patch{SizeL: &size}, now)
	del := NewDelete("e2", now)
	q.Enqueue(insert, update)
	q.Enqueue(del)

	if _, ok := q.UpdateAfterFailure(update.ID, "network down"); !ok {
		t.Fatalf("expected update op to be found")
	}

	reloaded := New(store, Options{Now: fixedClock(now)})
	reloaded.Load()
	ops := reloaded.Snapshot()
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops after reload, got %d", len(ops))
	}
	if ops[0].ID != insert.ID || ops[1].ID != update.ID || ops[2].ID != del.ID {
		t.Fatalf("reload changed enqueue order")
	}
	if ops[0].Input == nil || ops[0].Input.SizeL != 0.5 {
		t.Fatalf("insert input lost on reload: %#v", ops[0])
	}
	if ops[1].Attempts != 1 || ops[1].LastError != "network down" {
		t.Fatalf("failure metadata lost on reload: %#v", ops[1])
	}
	if !ops[1].RetryAt.Equal(now.Add(time.Second)) {
		t.Fatalf("expected retry at now+1s, got %s", ops[1].RetryAt)
	}
}

func TestQueueSnapshotUsesStableWireNames(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	store := kvstore.NewMemoryStore()
	q := New(store, Options{})
	q.Enqueue(NewDelete("e9", now))

	raw, ok, err := store.Get(StorageKey)
	if err != nil || !ok {
		t.Fatalf("expected snapshot under %s: ok=%v err=%v", StorageKey, ok, err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("snapshot is not a JSON array: %v", err)
	}
	if decoded[0]["kind"] != "delete" || decoded[0]["entryId"] != "e9" {
		t.Fatalf("unexpected wire fields: %v", decoded[0])
	}
	if decoded[0]["createdAt"] != float64(1700000000000) || decoded[0]["retryAt"] != float64(1700000000000) {
		t.Fatalf("expected millisecond timestamps, got %v", decoded[0])
	}
}

func TestQueueLoadCorruptSnapshotStartsEmpty(t *testing.T) {
	store := kvstore.NewMemoryStore()
	_ = store.Set(StorageKey, "{definitely not json")
	logger := &captureLogger{}
	q := New(store, Options{Logger: logger})
	q.Load()
	if q.Len() != 0 {
		t.Fatalf("expected empty queue for corrupt snapshot, got %d", q.Len())
	}
	if !logger.contains("corrupt") {
		t.Fatalf("expected corrupt snapshot to be logged, got %v", logger.lines)
	}

	_ = store.Set(StorageKey, `[{"id":"x","kind":"explode","entryId":"e1"}]`)
	q.Load()
	if q.Len() != 0 {
		t.Fatalf("expected unknown kinds to be rejected")
	}
}

func TestQueuePersistFailureKeepsMemoryState(t *testing.T) {
	store := &failingStore{Store: kvstore.NewMemoryStore(), fail: true}
	logger := &captureLogger{}
	q := New(store, Options{Logger: logger})
	op := NewDelete("e1", time.Now())
	q.Enqueue(op)
	if q.Len() != 1 {
		t.Fatalf("expected op to stay queued in memory after persist failure")
	}
	if !logger.contains("persist failed") {
		t.Fatalf("expected persist failure to be logged")
	}
}

func TestQueuePersistFailureIsWrittenOnRecovery(t *testing.T) {
	store := &failingStore{Store: kvstore.NewMemoryStore(), fail: true}
	q := New(store, Options{Logger: &captureLogger{}})
	first := NewDelete("e1", time.Now())
	q.Enqueue(first)

	store.fail = false
	second := NewDelete("e2", time.Now())
	q.Enqueue(second)

	reloaded := New(store, Options{})
	reloaded.Load()
	if got := opIDs(reloaded.Snapshot()); got != first.ID+","+second.ID {
		t.Fatalf("expected both ops persisted after recovery, got %q", got)
	}
}

func TestQueuesSharingFileStoreKeepEachOthersOps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	openStore := func() *kvstore.FileStore {
		store, err := kvstore.NewFileStore(path)
		if err != nil {
			t.Fatalf("open file store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	daemon := New(openStore(), Options{})
	daemon.Load()
	op1 := NewDelete("e1", time.Now())
	daemon.Enqueue(op1)

	cli := New(openStore(), Options{})
	cli.Load()
	op2 := NewDelete("e2", time.Now())
	cli.Enqueue(op2)

	if !daemon.Dequeue(op1.ID) {
		t.Fatalf("expected daemon to dequeue its own op")
	}
	if got := opIDs(daemon.Snapshot()); got != op2.ID {
		t.Fatalf("expected daemon to pick up the other writer's op, got %q", got)
	}

	fresh := New(openStore(), Options{})
	fresh.Load()
	if got := opIDs(fresh.Snapshot()); got != op2.ID {
		t.Fatalf("expected only %s on disk, got %q", op2.ID, got)
	}

	if _, ok := cli.UpdateAfterFailure(op1.ID, "gone"); ok {
		t.Fatalf("expected failure update for an op dequeued elsewhere to miss")
	}
	if _, ok := cli.UpdateAfterFailure(op2.ID, "offline"); !ok {
		t.Fatalf("expected failure update for queued op")
	}
	fresh.Load()
	got, ok := fresh.Get(op2.ID)
	if !ok || got.Attempts != 1 || got.LastError != "offline" {
		t.Fatalf("expected persisted failure on %s, got %+v ok=%v", op2.ID, got, ok)
	}
}

func opIDs(ops []Operation) string {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return strings.Join(ids, ",")
}

func TestQueueDueOrdersByRetryTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	q := New(nil, Options{Now: fixedClock(now.Add(-30 * time.Second))})
	a := NewDelete("a", now.Add(-10*time.Second))
	b := NewDelete("b", now.Add(-20*time.Second))
	c := NewDelete("c", now.Add(10*time.Second))
	q.Enqueue(a, b, c)

	due := q.Due(now)
	if len(due) != 2 {
		t.Fatalf("expected 2 due ops, got %d", len(due))
	}
	if due[0].ID != b.ID || due[1].ID != a.ID {
		t.Fatalf("expected due ops sorted by retry time")
	}
}

func TestQueueBlockedByEarlierOperationForSameEntity(t *testing.T) {
	now := time.Now()
	q := New(nil, Options{})
	first := NewInsert("e1", sampleInput(now), now)
	other := NewDelete("e2", now)
	second := NewDelete("e1", now)
	q.Enqueue(first, other, second)

	if _, blocked := q.BlockedBy(first.ID); blocked {
		t.Fatalf("first op for an entity must not be blocked")
	}
	if _, blocked := q.BlockedBy(other.ID); blocked {
		t.Fatalf("ops for other entities must not block")
	}
	prev, blocked := q.BlockedBy(second.ID)
	if !blocked || prev.ID != first.ID {
		t.Fatalf("expected second op blocked by first, got %v %v", prev.ID, blocked)
	}
	q.Dequeue(first.ID)
	if _, blocked := q.BlockedBy(second.ID); blocked {
		t.Fatalf("expected op unblocked after predecessor dequeued")
	}
}

func TestQueueSubscribeAndRemoveWhere(t *testing.T) {
	q := New(nil, Options{})
	calls := 0
	unsubscribe := q.Subscribe(func() { calls++ })
	now := time.Now()
	q.Enqueue(NewDelete("e1", now), NewDelete("e2", now), NewInsert("e1", sampleInput(now), now))
	removed := q.RemoveWhere(func(op Operation) bool {
		return op.Kind == KindDelete && op.EntityID == "e1"
	})
	if removed != 1 {
		t.Fatalf("expected 1 removed op, got %d", removed)
	}
	if q.RemoveWhere(func(Operation) bool { return false }) != 0 {
		t.Fatalf("expected no-op removal")
	}
	if calls != 2 {
		t.Fatalf("expected 2 notifications, got %d", calls)
	}
	unsubscribe()
	q.Enqueue(NewDelete("e3", now))
	if calls != 2 {
		t.Fatalf("expected no notification after unsubscribe")
	}
	if !q.HasEntity("e1") || q.HasEntity("missing") {
		t.Fatalf("HasEntity returned wrong answer")
	}
}
