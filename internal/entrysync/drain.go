package entrysync

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/Loues000/Alcohol-Tracking-App/internal/pending"
)

// SyncPending replays due queued operations against the remote store.
// Only one drain runs at a time; a call while one is running returns
// immediately.
//
// Due operations are attempted in ascending retry time, but an operation
// waits while an older operation for the same entity is still queued. A
// predecessor that succeeds during the drain unblocks its followers in
// the same drain. Each operation is attempted at most once per drain.
// SyncError keeps its value when nothing was attempted.
func (e *Engine) SyncPending(ctx context.Context) {
	e.mu.Lock()
	if e.syncing || e.queue.Len() == 0 {
		e.mu.Unlock()
		return
	}
	e.syncing = true
	e.mu.Unlock()
	e.emit()

	due := e.queue.Due(e.now())
	attempted := make(map[string]struct{}, len(due))
	lastError := ""
	tried := 0
	for progress := true; progress && ctx.Err() == nil; {
		progress = false
		for _, op := range due {
			if ctx.Err() != nil {
				break
			}
			if _, done := attempted[op.ID]; done {
				continue
			}
			current, ok := e.queue.Get(op.ID)
			if !ok {
				// removed while draining, e.g. by a restore
				attempted[op.ID] = struct{}{}
				continue
			}
			if _, blocked := e.queue.BlockedBy(op.ID); blocked {
				continue
			}
			attempted[op.ID] = struct{}{}
			tried++
			if err := e.apply(ctx, current); err != nil {
				lastError = err.Error()
				updated, _ := e.queue.UpdateAfterFailure(op.ID, lastError)
				e.logf("pending %s %s failed (attempt %d, next at %s): %v",
					current.Kind, current.EntityID, updated.Attempts, updated.RetryAt.Format(time.RFC3339), err)
				continue
			}
			e.queue.Dequeue(op.ID)
			progress = true
		}
	}

	e.mu.Lock()
	e.syncing = false
	if tried > 0 {
		e.syncError = lastError
	}
	e.mu.Unlock()
	e.emit()
}

func (e *Engine) apply(ctx context.Context, op pending.Operation) error {
	switch op.Kind {
	case pending.KindInsert:
		if op.Input == nil {
			return fmt.Errorf("insert %s has no input", op.ID)
		}
		rows, err := e.remote.Upsert(ctx, e.owner, []entries.Row{{ID: op.EntityID, Input: *op.Input}})
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.base = mergeInto(e.base, confirmed(rows)...)
		e.mu.Unlock()
	case pending.KindUpdate:
		if op.Patch == nil {
			return fmt.Errorf("update %s has no patch", op.ID)
		}
		row, err := e.remote.Update(ctx, e.owner, op.EntityID, *op.Patch)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.base = mergeInto(e.base, row.Confirmed())
		e.mu.Unlock()
	case pending.KindDelete:
		if err := e.remote.Delete(ctx, e.owner, op.EntityID); err != nil {
			return err
		}
		e.mu.Lock()
		e.base = removeByID(append([]entries.Entry(nil), e.base...), op.EntityID)
		e.mu.Unlock()
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

type RunOptions struct {
	// Interval between periodic drains. Queue changes trigger a drain
	// immediately and a failed operation wakes the loop when it is due.
	Interval time.Duration
	// JitterRatio spreads the periodic drain by +/- ratio of Interval.
	JitterRatio float64
	// RefreshInterval forces a full refresh this often. Zero disables
	// periodic refreshes.
	RefreshInterval time.Duration
	// Changes, when set, triggers a refresh for every remote change
	// notification received.
	Changes <-chan entries.ChangeEvent
}

// Open loads the persisted queue, fetches the base collection and drains
// whatever is due.
func (e *Engine) Open(ctx context.Context) {
	e.queue.Load()
	e.Refresh(ctx)
	e.SyncPending(ctx)
}

// Run opens the engine and keeps draining until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ratio := clampJitterRatio(opts.JitterRatio)
	rng := rand.New(rand.NewSource(e.now().UnixNano()))
	nextWait := func() time.Duration {
		return e.untilNextRetry(jitteredInterval(interval, ratio, rng.Float64()))
	}

	e.Open(ctx)
	lastRefresh := e.now()

	timer := time.NewTimer(nextWait())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
			e.SyncPending(ctx)
		case event, ok := <-opts.Changes:
			if !ok {
				opts.Changes = nil
				continue
			}
			e.logf("remote change %s %s", event.Type, event.ID)
			e.Refresh(ctx)
			lastRefresh = e.now()
		case <-timer.C:
			if opts.RefreshInterval > 0 && e.now().Sub(lastRefresh) >= opts.RefreshInterval {
				e.Refresh(ctx)
				lastRefresh = e.now()
			}
			e.SyncPending(ctx)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(nextWait())
	}
}

// untilNextRetry shortens wait so the loop wakes when the earliest queued
// operation becomes due.
func (e *Engine) untilNextRetry(wait time.Duration) time.Duration {
	const floor = 50 * time.Millisecond
	now := e.now()
	for _, op := range e.queue.Snapshot() {
		if _, blocked := e.queue.BlockedBy(op.ID); blocked {
			continue
		}
		until := op.RetryAt.Sub(now)
		if until < floor {
			until = floor
		}
		if until < wait {
			wait = until
		}
	}
	return wait
}

func jitteredInterval(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 || ratio <= 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	next := time.Duration(float64(base) * factor)
	if next <= 0 {
		return base
	}
	return next
}

func clampJitterRatio(ratio float64) float64 {
	if ratio < 0 {
		return 0
	}
	if ratio > 0.9 {
		return 0.9
	}
	return ratio
}
