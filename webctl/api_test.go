package webctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/archiver/auxlookup"
	_ "github.com/mjl-/archiver/backend/debugbackend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/stage"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tneedErrorCode(t *testing.T, code string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		x := recover()
		if x == nil {
			t.Fatalf("expected sherpa error with code %s, saw success", code)
		}
		if err, ok := x.(*sherpa.Error); !ok {
			panic(x)
		} else if err.Code != code {
			t.Fatalf("got error code %q, expected %q", err.Code, code)
		}
	}()
	fn()
}

func setup(t *testing.T) *stage.Stage {
	t.Helper()
	dir := t.TempDir()
	conf := config.Stage{
		Kind:       "archive",
		Backend:    "debug",
		Banner:     "test",
		InputAddr:  config.Addr{Dialect: "lmtp", Network: "tcp", Address: "127.0.0.1:0"},
		OutputAddr: config.Addr{Dialect: "lmtp", Network: "tcp", Address: "127.0.0.1:1"},
		LedgerFile: filepath.Join(dir, "archive-ledger.db"),
	}
	s, err := stage.Start(ctxbg, pkglog, conf, stage.Settings{Hostname: "archiver.example", Timeout: time.Second}, nil)
	tcheck(t, err, "start stage")
	t.Cleanup(func() {
		s.Stop(ctxbg, true)
		Init(nil, nil)
	})

	aux := auxlookup.New(pkglog, config.AuxLookup{
		VirtualFile: filepath.Join(dir, "virtual.db"),
		AliasesFile: filepath.Join(dir, "aliases.db"),
	})
	tcheck(t, auxlookup.WriteTable(filepath.Join(dir, "virtual.db"), map[string]string{"mjl@example.org": "mjl"}), "write table")
	tcheck(t, auxlookup.WriteTable(filepath.Join(dir, "aliases.db"), map[string]string{}), "write table")

	Init([]*stage.Stage{s}, aux)
	return s
}

func TestCtl(t *testing.T) {
	s := setup(t)
	ctl := Ctl{}

	l := ctl.Stages(ctxbg)
	if len(l) != 1 || l[0].Kind != "archive" || !l[0].Running {
		t.Fatalf("unexpected stages %#v", l)
	}

	hash := strings.Repeat("ab", 32)
	if e := ctl.LedgerLookup(ctxbg, "archive", hash); e.Found {
		t.Fatalf("hash found in empty ledger")
	}
	tcheck(t, s.Ledger().Insert(ctxbg, hash, "2024-17"), "insert")

	e := ctl.LedgerLookup(ctxbg, "archive", strings.ToUpper(hash))
	if !e.Found || e.ID != "2024-17" || e.Hash != hash {
		t.Fatalf("unexpected entry %#v", e)
	}
	if st := ctl.LedgerStats(ctxbg, "archive"); st.Entries != 1 || st.Last.IsZero() {
		t.Fatalf("unexpected stats %#v", st)
	}
	if recent := ctl.LedgerRecent(ctxbg, "archive", 10); len(recent) != 1 || recent[0].ID != "2024-17" {
		t.Fatalf("unexpected recent entries %#v", recent)
	}
	if !ctl.LedgerRemove(ctxbg, "archive", hash) {
		t.Fatalf("hash not removed")
	}
	if ctl.LedgerRemove(ctxbg, "archive", hash) {
		t.Fatalf("hash removed twice")
	}

	tneedErrorCode(t, "user:error", func() { ctl.LedgerLookup(ctxbg, "storage", hash) })
	tneedErrorCode(t, "user:error", func() { ctl.LedgerLookup(ctxbg, "archive", "bogus") })
	tneedErrorCode(t, "user:error", func() { ctl.LedgerRecent(ctxbg, "archive", 0) })

	changed := ctl.AuxReload(ctxbg)
	if len(changed) != 2 {
		t.Fatalf("got changed tables %v, expected 2", changed)
	}
	for _, ts := range ctl.AuxStatus(ctxbg) {
		if !ts.Loaded {
			t.Fatalf("table %s not loaded", ts.Name)
		}
	}

	ctl.LogLevelSet(ctxbg, "stage", "debug")
	if v := ctl.LogLevels(ctxbg)["stage"]; v != "debug" {
		t.Fatalf("got log level %q, expected debug", v)
	}
	tneedErrorCode(t, "user:error", func() { ctl.LogLevelSet(ctxbg, "stage", "loud") })
}

func TestHTTP(t *testing.T) {
	setup(t)

	mux := http.NewServeMux()
	mux.Handle("/api/", Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/LedgerStats", "application/json", strings.NewReader(`{"params": ["archive"]}`))
	tcheck(t, err, "call")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	var result struct {
		Result LedgerStats
		Error  *sherpa.Error
	}
	tcheck(t, json.NewDecoder(resp.Body).Decode(&result), "decode response")
	if result.Error != nil || result.Result.Stage != "archive" || result.Result.Entries != 0 {
		t.Fatalf("unexpected response %#v", result)
	}

	resp2, err := http.Get(srv.URL + "/api/sherpa.json")
	tcheck(t, err, "get sherpa.json")
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("got status %d for sherpa.json", resp2.StatusCode)
	}
}
