package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/Loues000/Alcohol-Tracking-App/internal/entrysync"
	"github.com/Loues000/Alcohol-Tracking-App/internal/kvstore"
	"github.com/Loues000/Alcohol-Tracking-App/internal/remote"
	"github.com/Loues000/Alcohol-Tracking-App/internal/settings"
)

// lastDeletedKey holds the most recently deleted entry so restore can
// undo it from a later invocation.
const lastDeletedKey = "last_deleted_entry_v1"

type commandFunc func(ctx context.Context, a *app, args []string) error

var commands = map[string]commandFunc{
	"add":      cmdAdd,
	"list":     cmdList,
	"update":   cmdUpdate,
	"delete":   cmdDelete,
	"restore":  cmdRestore,
	"pending":  cmdPending,
	"sync":     cmdSync,
	"run":      cmdRun,
	"settings": cmdSettings,
}

func cmdAdd(ctx context.Context, a *app, args []string) error {
	prefs := settings.Load(a.state)
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	category := fs.String("category", string(prefs.DefaultCategory), "drink category")
	size := fs.Float64("size", prefs.DefaultSizeL, "size in liters")
	abv := fs.Float64("abv", 0, "alcohol by volume in percent; defaults to the category default")
	name := fs.String("name", "", "custom drink name")
	note := fs.String("note", "", "free-form note")
	at := fs.String("at", "", "consumption time (RFC3339), defaults to now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cat, ok := entries.ParseCategory(*category)
	if !ok {
		return fmt.Errorf("unknown category %q", *category)
	}
	consumedAt := time.Now()
	if *at != "" {
		parsed, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("invalid -at: %w", err)
		}
		consumedAt = parsed
	}
	input := entries.Input{ConsumedAt: consumedAt.UTC(), Category: cat, SizeL: *size}
	set := visited(fs)
	if set["abv"] {
		input.AbvPercent = entries.Float(*abv)
	} else if def, ok := cat.DefaultAbv(); ok {
		input.AbvPercent = entries.Float(def)
	}
	if strings.TrimSpace(*name) != "" {
		input.CustomName = entries.String(strings.TrimSpace(*name))
	}
	if strings.TrimSpace(*note) != "" {
		input.Note = entries.String(strings.TrimSpace(*note))
	}

	a.engine.Open(ctx)
	created := a.engine.CreateEntry(ctx, input)
	if created == nil {
		return fmt.Errorf("add failed: %s", a.engine.Error())
	}
	fmt.Fprintf(a.out, "added %s %s\n", created.ID, describe(*created, prefs.Unit))
	return nil
}

func cmdList(ctx context.Context, a *app, args []string) error {
	prefs := settings.Load(a.state)
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	since := fs.Duration("since", 0, "only entries consumed within this window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a.engine.Open(ctx)
	if msg := a.engine.Error(); msg != "" {
		a.logger.Printf("showing cached and pending entries only: %s", msg)
	}
	list := a.engine.Entries()
	if *since > 0 {
		cutoff := time.Now().Add(-*since)
		filtered := list[:0:0]
		for _, e := range list {
			if !e.ConsumedAt.Before(cutoff) {
				filtered = append(filtered, e)
			}
		}
		list = filtered
	}
	totals := entries.SumAlcohol(list)
	if *asJSON {
		return writeJSON(a, map[string]any{"entries": list, "totals": totals})
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tDRINK\tSIZE\tABV\tSTATUS")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.ConsumedAt.Local().Format("2006-01-02 15:04"),
			drinkName(e),
			entries.FormatSize(e.SizeL, prefs.Unit),
			strconv.FormatFloat(entries.EffectiveAbv(e), 'f', -1, 64)+"%",
			status(e),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d drinks, %s, %.1f g ethanol, %.1f standard drinks\n",
		totals.Entries, entries.FormatSize(totals.VolumeL, prefs.Unit), totals.EthanolGrams, totals.StandardDrinks)
	return nil
}

func cmdUpdate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	category := fs.String("category", "", "drink category")
	size := fs.Float64("size", 0, "size in liters")
	abv := fs.Float64("abv", 0, "alcohol by volume in percent")
	clearAbv := fs.Bool("clear-abv", false, "fall back to the category default ABV")
	name := fs.String("name", "", "custom drink name; empty clears it")
	note := fs.String("note", "", "note; empty clears it")
	at := fs.String("at", "", "consumption time (RFC3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: drinklog update [flags] <id>")
	}
	id := fs.Arg(0)

	var patch entries.Patch
	set := visited(fs)
	if set["category"] {
		cat, ok := entries.ParseCategory(*category)
		if !ok {
			return fmt.Errorf("unknown category %q", *category)
		}
		patch.Category = &cat
	}
	if set["size"] {
		patch.SizeL = entries.Float(*size)
	}
	if set["abv"] {
		patch.AbvPercent = entries.Float(*abv)
	}
	patch.ClearAbv = *clearAbv
	if set["name"] {
		patch.CustomName = entries.String(*name)
	}
	if set["note"] {
		patch.Note = entries.String(*note)
	}
	if set["at"] {
		parsed, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("invalid -at: %w", err)
		}
		parsed = parsed.UTC()
		patch.ConsumedAt = &parsed
	}
	if patch.IsEmpty() {
		return errors.New("update: nothing to change")
	}

	a.engine.Open(ctx)
	if _, ok := findEntry(a.engine, id); !ok {
		return fmt.Errorf("entry %s not found", id)
	}
	updated := a.engine.UpdateEntry(ctx, id, patch)
	if updated == nil {
		return fmt.Errorf("update failed: %s", a.engine.Error())
	}
	fmt.Fprintf(a.out, "updated %s %s\n", updated.ID, describe(*updated, settings.Load(a.state).Unit))
	return nil
}

func cmdDelete(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: drinklog delete <id>")
	}
	id := args[0]
	a.engine.Open(ctx)
	entry, ok := findEntry(a.engine, id)
	if !ok {
		return fmt.Errorf("entry %s not found", id)
	}
	data, err := json.Marshal(entry.Confirmed())
	if err != nil {
		return err
	}
	if err := a.state.Set(lastDeletedKey, string(data)); err != nil {
		a.logger.Printf("failed to remember deleted entry: %v", err)
	}
	a.engine.DeleteEntry(ctx, id)
	fmt.Fprintf(a.out, "deleted %s (undo with: drinklog restore)\n", id)
	return nil
}

func cmdRestore(ctx context.Context, a *app, args []string) error {
	raw, ok, err := a.state.Get(lastDeletedKey)
	if err != nil {
		return err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return errors.New("nothing to restore")
	}
	var entry entries.Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("stored deleted entry is unreadable: %w", err)
	}
	if len(args) > 0 && args[0] != entry.ID {
		return fmt.Errorf("last deleted entry is %s, not %s", entry.ID, args[0])
	}
	a.engine.Open(ctx)
	restored := a.engine.RestoreEntry(ctx, entry)
	if err := a.state.Set(lastDeletedKey, ""); err != nil {
		a.logger.Printf("failed to clear deleted entry: %v", err)
	}
	if restored == nil {
		return fmt.Errorf("restore failed: %s", a.engine.Error())
	}
	fmt.Fprintf(a.out, "restored %s %s\n", restored.ID, describe(*restored, settings.Load(a.state).Unit))
	return nil
}

func cmdPending(_ context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a.queue.Load()
	ops := a.queue.Snapshot()
	if *asJSON {
		return writeJSON(a, ops)
	}
	if len(ops) == 0 {
		fmt.Fprintln(a.out, "no pending operations")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OP\tKIND\tENTRY\tATTEMPTS\tRETRY AT\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.Kind, op.EntityID, op.Attempts,
			op.RetryAt.Local().Format("2006-01-02 15:04:05"), op.LastError)
	}
	return tw.Flush()
}

func cmdSync(ctx context.Context, a *app, _ []string) error {
	a.engine.Open(ctx)
	if msg := a.engine.Error(); msg != "" {
		fmt.Fprintf(a.out, "refresh failed: %s\n", msg)
	}
	left := a.queue.Len()
	if left == 0 {
		fmt.Fprintf(a.out, "in sync, %d entries\n", len(a.engine.Base()))
		return nil
	}
	fmt.Fprintf(a.out, "%d operation(s) still pending", left)
	if msg := a.engine.SyncError(); msg != "" {
		fmt.Fprintf(a.out, ": %s", msg)
	}
	fmt.Fprintln(a.out)
	return nil
}

// syncErrorLog logs a sync error once until it changes. Engine listeners
// run on whichever goroutine changed the engine, so observe may be called
// concurrently.
type syncErrorLog struct {
	logger interface{ Printf(string, ...any) }

	mu   sync.Mutex
	last string
}

func (l *syncErrorLog) observe(msg string, pending int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg != "" && msg != l.last {
		l.logger.Printf("sync error: %s (%d pending)", msg, pending)
	}
	l.last = msg
}

func cmdRun(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	interval := fs.Duration("interval", durationEnv("DRINKLOG_SYNC_INTERVAL", 15*time.Second), "sync interval")
	jitter := fs.Float64("interval-jitter", floatEnv("DRINKLOG_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-0.9)")
	refresh := fs.Duration("refresh-interval", durationEnv("DRINKLOG_REFRESH_INTERVAL", 5*time.Minute), "full refresh interval (0 disables)")
	follow := fs.Bool("changes", true, "follow the server change feed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var changes chan entries.ChangeEvent
	if *follow {
		changes = make(chan entries.ChangeEvent, 16)
		feed := remote.NewChangeFeed(a.cfg.baseURL, a.cfg.token, a.logger)
		go func() {
			_ = feed.Run(ctx, func(event entries.ChangeEvent) {
				select {
				case changes <- event:
				case <-ctx.Done():
				}
			})
		}()
	}
	if fileStore, ok := a.state.(*kvstore.FileStore); ok {
		go func() {
			err := fileStore.Watch(ctx, func() {
				// another invocation changed the state file; pick up its
				// queued operations and settings
				a.queue.Load()
				prefs := settings.Load(a.state)
				a.logger.Printf("local state reloaded: %d pending, unit %s", a.queue.Len(), prefs.Unit)
			})
			if err != nil {
				a.logger.Printf("state watch stopped: %v", err)
			}
		}()
	}

	errLog := &syncErrorLog{logger: a.logger}
	stopLog := a.engine.Subscribe(func() {
		errLog.observe(a.engine.SyncError(), a.queue.Len())
	})
	defer stopLog()

	a.logger.Printf("syncing %s every %s", a.cfg.baseURL, *interval)
	opts := entrysync.RunOptions{
		Interval:        *interval,
		JitterRatio:     *jitter,
		RefreshInterval: *refresh,
	}
	if changes != nil {
		opts.Changes = changes
	}
	return a.engine.Run(ctx, opts)
}

func cmdSettings(_ context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return writeJSON(a, settings.Load(a.state))
	}
	updates := map[string]string{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", arg)
		}
		updates[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	var parseErr error
	saved, err := settings.Update(a.state, func(s *settings.Settings) {
		for key, value := range updates {
			switch key {
			case "unit":
				s.Unit = entries.VolumeUnit(value)
			case "category", "defaultCategory":
				s.DefaultCategory = entries.Category(value)
			case "size", "defaultSizeL":
				size, err := strconv.ParseFloat(value, 64)
				if err != nil {
					parseErr = fmt.Errorf("invalid size %q", value)
					return
				}
				s.DefaultSizeL = size
			case "theme", "themeMode":
				s.ThemeMode = value
			case "accent", "themeAccent":
				s.ThemeAccent = value
			default:
				parseErr = fmt.Errorf("unknown setting %q", key)
				return
			}
		}
	})
	if parseErr != nil {
		return parseErr
	}
	if err != nil {
		return err
	}
	return writeJSON(a, saved)
}

func visited(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func findEntry(engine *entrysync.Engine, id string) (entries.Entry, bool) {
	for _, e := range engine.Entries() {
		if e.ID == id {
			return e, true
		}
	}
	return entries.Entry{}, false
}

func drinkName(e entries.Entry) string {
	if e.CustomName != nil && *e.CustomName != "" {
		return *e.CustomName
	}
	return e.Category.Label()
}

func status(e entries.Entry) string {
	switch {
	case e.Pending && e.SyncError != "":
		return "pending (" + e.SyncError + ")"
	case e.Pending:
		return "pending"
	default:
		return "synced"
	}
}

func describe(e entries.Entry, unit entries.VolumeUnit) string {
	return fmt.Sprintf("%s %s [%s]", drinkName(e), entries.FormatSize(e.SizeL, unit), status(e))
}

func writeJSON(a *app, value any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
