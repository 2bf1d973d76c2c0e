package entrysync

import (
	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/Loues000/Alcohol-Tracking-App/internal/pending"
)

// Project overlays queued operations on the confirmed base collection and
// returns the list the user should see, newest first. Operations are
// replayed in enqueue order. Neither input is modified.
func Project(base []entries.Entry, ops []pending.Operation, owner string) []entries.Entry {
	out := append(make([]entries.Entry, 0, len(base)+len(ops)), base...)
	for _, op := range ops {
		switch op.Kind {
		case pending.KindInsert:
			if op.Input == nil {
				continue
			}
			synthetic := entries.FromInput(op.EntityID, owner, *op.Input, op.CreatedAt)
			synthetic.Pending = true
			synthetic.SyncError = op.LastError
			out = upsertByID(out, synthetic)
		case pending.KindUpdate:
			if op.Patch == nil {
				continue
			}
			for i := range out {
				if out[i].ID != op.EntityID {
					continue
				}
				patched := out[i].Apply(*op.Patch)
				patched.Pending = true
				patched.SyncError = op.LastError
				patched.UpdatedAt = op.CreatedAt
				out[i] = patched
			}
		case pending.KindDelete:
			out = removeByID(out, op.EntityID)
		}
	}
	entries.SortNewestFirst(out)
	return out
}

func upsertByID(list []entries.Entry, e entries.Entry) []entries.Entry {
	for i := range list {
		if list[i].ID == e.ID {
			list[i] = e
			return list
		}
	}
	return append(list, e)
}

func removeByID(list []entries.Entry, id string) []entries.Entry {
	kept := list[:0]
	for _, e := range list {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	return kept
}
