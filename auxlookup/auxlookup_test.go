package auxlookup

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

func writeTable(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	if err := WriteTable(path, entries); err != nil {
		t.Fatalf("write table: %v", err)
	}
}

func setup(t *testing.T, postUser string) (*Lookup, config.AuxLookup) {
	dir := t.TempDir()
	c := config.AuxLookup{
		QuotaFile:   filepath.Join(dir, "quota.db"),
		VirtualFile: filepath.Join(dir, "virtual.db"),
		AliasesFile: filepath.Join(dir, "aliases.db"),
		PostUser:    postUser,
		Interval:    10 * time.Millisecond,
	}
	writeTable(t, c.VirtualFile, map[string]string{
		"mjl@example.org":   "mjl",
		"sales@example.org": "team",
		"deep@example.org":  "loop",
		"@catchall.example": "postmaster",
		"ext@example.org":   "someone@elsewhere.example",
		"list@example.org":  "mjl, team,mjl",
	})
	writeTable(t, c.AliasesFile, map[string]string{
		"team":       "alice,bob@example.org",
		"bob":        "robert",
		"loop":       "loop",
		"postmaster": "root",
	})
	writeTable(t, c.QuotaFile, map[string]string{
		"mjl":    "100",
		"alice":  "0",
		"robert": "bogus",
	})
	l := New(mlog.New("auxlookup", nil), c)
	if _, errs := l.Reload(false); len(errs) > 0 {
		t.Fatalf("reload: %v", errs)
	}
	return l, c
}

func TestResolveMailboxes(t *testing.T) {
	l, _ := setup(t, "")

	check := func(addrs []string, exp []string) {
		t.Helper()
		got := l.ResolveMailboxes(addrs)
		if !reflect.DeepEqual(got, exp) {
			t.Fatalf("resolve %v: got %v, expected %v", addrs, got, exp)
		}
	}
	check([]string{"MJL@example.org"}, []string{"mjl"})
	check([]string{"sales@example.org"}, []string{"alice", "robert"})
	check([]string{"x@catchall.example"}, []string{"root"})
	check([]string{"ext@example.org"}, nil)
	check([]string{"unknown@example.org"}, nil)
	check([]string{"list@example.org", "mjl@example.org"}, []string{"mjl", "alice", "robert"})
	// Self-referencing alias ends at the nesting limit.
	check([]string{"deep@example.org"}, nil)

	lp, _ := setup(t, "shared")
	if got := lp.ResolveMailboxes([]string{"mjl@example.org"}); !reflect.DeepEqual(got, []string{"shared.mjl"}) {
		t.Fatalf("postuser: got %v", got)
	}
}

func TestQuotaExceeded(t *testing.T) {
	l, _ := setup(t, "")

	check := func(addr string, size int64, exp bool) {
		t.Helper()
		if got := l.QuotaExceeded(addr, size); got != exp {
			t.Fatalf("quota %s %d: got %v, expected %v", addr, size, got, exp)
		}
	}
	check("mjl@example.org", 100, false)
	check("mjl@example.org", 101, true)
	check("sales@example.org", 1000, false) // Two mailboxes.
	check("unknown@example.org", 1000, false)
	check("bob@catchall.example", 1000, false)

	var nl *Lookup
	if nl.QuotaExceeded("mjl@example.org", 1000) || nl.ResolveMailboxes([]string{"mjl@example.org"}) != nil {
		t.Fatalf("nil lookup reported quota or mailboxes")
	}
}

func TestReload(t *testing.T) {
	l, c := setup(t, "")

	changed, errs := l.Reload(false)
	if len(changed) != 0 || len(errs) != 0 {
		t.Fatalf("reload without changes: got %v %v", changed, errs)
	}

	writeTable(t, c.VirtualFile, map[string]string{"mjl@example.org": "other"})
	// Ensure a different modification time, file systems may have coarse timestamps.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(c.VirtualFile, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := l.ResolveMailboxes([]string{"mjl@example.org"})
		if reflect.DeepEqual(got, []string{"other"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("table not reloaded, got %v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A broken table keeps the previous version.
	if err := os.WriteFile(c.AliasesFile, []byte("not a database"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, errs := l.Reload(true); len(errs) == 0 {
		t.Fatalf("expected error for broken table")
	}
	if got := l.ResolveMailboxes([]string{"sales@example.org"}); got != nil {
		t.Fatalf("got %v, expected no mailboxes after virtual table replacement", got)
	}
	for _, st := range l.Status() {
		if !st.Loaded {
			t.Fatalf("table %s not loaded", st.Name)
		}
	}
}
