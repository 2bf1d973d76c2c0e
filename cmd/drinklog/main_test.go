package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/Loues000/Alcohol-Tracking-App/internal/httpapi"
	"github.com/Loues000/Alcohol-Tracking-App/internal/pending"
	"github.com/Loues000/Alcohol-Tracking-App/internal/rowstore"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("DRINKLOG_TEST_FLOAT", "0.35")
	if got := floatEnv("DRINKLOG_TEST_FLOAT", 0.1); got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("DRINKLOG_TEST_FLOAT_BAD", "oops")
	if got := floatEnv("DRINKLOG_TEST_FLOAT_BAD", 0.25); got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestDurationEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("DRINKLOG_TEST_DURATION_BAD", "later")
	if got := durationEnv("DRINKLOG_TEST_DURATION_BAD", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %s", got)
	}
}

type cli struct {
	t       *testing.T
	baseURL string
	token   string
	state   string
}

func newCLI(t *testing.T, baseURL string) *cli {
	t.Helper()
	token, err := httpapi.IssueToken("dev-secret", "user_1", nil, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return &cli{
		t:       t,
		baseURL: baseURL,
		token:   token,
		state:   "file://" + filepath.Join(t.TempDir(), "state.json"),
	}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	full := append([]string{
		"-base-url", c.baseURL,
		"-token", c.token,
		"-owner", "user_1",
		"-state", c.state,
		"-timeout", "2s",
	}, args...)
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("drinklog %v failed: %v", args, err)
	}
	return out
}

func (c *cli) listJSON() ([]entries.Entry, entries.Totals) {
	c.t.Helper()
	var payload struct {
		Entries []entries.Entry `json:"entries"`
		Totals  entries.Totals  `json:"totals"`
	}
	if err := json.Unmarshal([]byte(c.mustRun("list", "-json")), &payload); err != nil {
		c.t.Fatalf("decode list output: %v", err)
	}
	return payload.Entries, payload.Totals
}

func TestAddListDeleteRestore(t *testing.T) {
	store := rowstore.NewMemory(rowstore.MemoryOptions{})
	server := httptest.NewServer(httpapi.NewServer(store))
	defer server.Close()
	c := newCLI(t, server.URL)

	out := c.mustRun("add", "-category", "wine", "-size", "0.15", "-note", "dinner")
	if !strings.HasPrefix(out, "added ") || !strings.Contains(out, "[synced]") {
		t.Fatalf("unexpected add output: %q", out)
	}

	list, totals := c.listJSON()
	if len(list) != 1 || list[0].Category != entries.CategoryWine || list[0].Pending {
		t.Fatalf("unexpected entries: %+v", list)
	}
	if list[0].AbvPercent == nil || *list[0].AbvPercent != 12 {
		t.Fatalf("expected wine default ABV 12, got %v", list[0].AbvPercent)
	}
	if totals.Entries != 1 || totals.EthanolGrams <= 0 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	id := list[0].ID

	c.mustRun("update", "-note", "", id)
	list, _ = c.listJSON()
	if list[0].Note != nil {
		t.Fatalf("expected note cleared, got %q", *list[0].Note)
	}

	c.mustRun("delete", id)
	if list, _ = c.listJSON(); len(list) != 0 {
		t.Fatalf("expected empty list after delete, got %+v", list)
	}

	out = c.mustRun("restore")
	if !strings.Contains(out, id) {
		t.Fatalf("expected restore of %s, got %q", id, out)
	}
	if list, _ = c.listJSON(); len(list) != 1 || list[0].ID != id {
		t.Fatalf("expected restored entry %s, got %+v", id, list)
	}
	if _, err := c.run("restore"); err == nil {
		t.Fatalf("expected second restore to have nothing to do")
	}
}

func TestOfflineAddIsQueuedAndSyncedLater(t *testing.T) {
	store := rowstore.NewMemory(rowstore.MemoryOptions{})
	server := httptest.NewServer(httpapi.NewServer(store))
	defer server.Close()
	c := newCLI(t, server.URL)

	store.SetOffline(true)
	out := c.mustRun("add", "-category", "beer", "-size", "0.5")
	if !strings.Contains(out, "pending") {
		t.Fatalf("expected pending add, got %q", out)
	}

	var ops []pending.Operation
	if err := json.Unmarshal([]byte(c.mustRun("pending", "-json")), &ops); err != nil {
		t.Fatalf("decode pending output: %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != pending.KindInsert {
		t.Fatalf("expected one queued insert, got %+v", ops)
	}

	store.SetOffline(false)
	out = c.mustRun("sync")
	if !strings.Contains(out, "in sync, 1 entries") {
		t.Fatalf("unexpected sync output: %q", out)
	}
	rows, err := store.Select(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != ops[0].EntityID {
		t.Fatalf("expected server row %s, got %+v", ops[0].EntityID, rows)
	}
}

func TestSettingsCommandNormalizes(t *testing.T) {
	c := newCLI(t, "http://127.0.0.1:0")
	out := c.mustRun("settings", "unit=ml", "category=shot", "size=0.5")
	var saved map[string]any
	if err := json.Unmarshal([]byte(out), &saved); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if saved["unit"] != "ml" || saved["defaultCategory"] != "shot" {
		t.Fatalf("unexpected settings: %v", saved)
	}
	if size, _ := saved["defaultSizeL"].(float64); !entries.CategoryShot.HasPreset(size) {
		t.Fatalf("expected size snapped to a shot preset, got %v", saved["defaultSizeL"])
	}
	if _, err := c.run("settings", "color=red"); err == nil {
		t.Fatalf("expected unknown setting to fail")
	}
}

func TestUnknownCommandFails(t *testing.T) {
	c := newCLI(t, "http://127.0.0.1:0")
	if _, err := c.run("dance"); err == nil {
		t.Fatalf("expected unknown command to fail")
	}
}

func TestUpdateUnknownEntryFails(t *testing.T) {
	server := httptest.NewServer(httpapi.NewServer(rowstore.NewMemory(rowstore.MemoryOptions{})))
	defer server.Close()
	c := newCLI(t, server.URL)
	if _, err := c.run("update", "-note", "x", "missing"); err == nil {
		t.Fatalf("expected update of unknown entry to fail")
	}
}

func TestSyncErrorLogIsSafeForConcurrentListeners(t *testing.T) {
	var buf bytes.Buffer
	errLog := &syncErrorLog{logger: log.New(&buf, "", 0)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				errLog.observe("offline", 1)
			}
		}()
	}
	wg.Wait()
	if got := strings.Count(buf.String(), "sync error: offline"); got != 1 {
		t.Fatalf("expected one log line for a repeated error, got %d:\n%s", got, buf.String())
	}

	errLog.observe("", 0)
	errLog.observe("offline", 2)
	if got := strings.Count(buf.String(), "sync error: offline"); got != 2 {
		t.Fatalf("expected the error to be logged again after a clean drain, got %d", got)
	}
}
