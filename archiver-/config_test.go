package archiver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/archiver/mlog"
)

const testConfig = `DataDir: data
LogLevel: info
PackageLogLevels:
	relay: debug
PidFile: archiver.pid
Hostname: mail.example
Whitelist:
	- postmaster
	- abuse
SubjectPattern: [noarchive]
AuxLookup:
	VirtualFile: virtual.db
	AliasesFile: aliases.db
Archive:
	Input: lmtp:unix:/tmp/archive.sock
	Output: lmtp:127.0.0.1:2004
	Backend: catalog
	Catalog:
		DatabaseFile: catalog.db
Storage:
	Input: lmtp:127.0.0.1:2004
	Output: smtp:127.0.0.1:10025
	Backend: filesystem
	LogLevel: trace
	Filesystem:
		Directory: /var/archive
`

func TestParseConfig(t *testing.T) {
	log := mlog.New("archiver", nil)
	dir := t.TempDir()
	p := filepath.Join(dir, "archiver.conf")
	if err := os.WriteFile(p, []byte(testConfig), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, errs := ParseConfig(context.Background(), log, p, false)
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}
	st := c.Static

	tcheck := func(got, exp any, what string) {
		t.Helper()
		if got != exp {
			t.Fatalf("%s: got %v, expected %v", what, got, exp)
		}
	}
	tcheck(st.PidFile, filepath.Join(dir, "data", "archiver.pid"), "pidfile")
	tcheck(st.Timeout, 5*time.Minute, "timeout")
	tcheck(st.AuxLookup.Interval, time.Minute, "aux interval")
	tcheck(st.AuxLookup.VirtualFile, filepath.Join(dir, "virtual.db"), "virtual file")
	tcheck(strings.Join(st.Whitelist, ","), "postmaster,abuse", "whitelist")
	tcheck(st.Archive.Kind, StageArchive, "archive kind")
	tcheck(st.Archive.InputAddr.Network, "unix", "archive network")
	tcheck(st.Archive.OutputAddr.String(), "lmtp:127.0.0.1:2004", "archive output")
	tcheck(st.Archive.LedgerFile, filepath.Join(dir, "data", "archive-ledger.db"), "archive ledger")
	tcheck(st.Archive.Catalog.DatabaseFile, filepath.Join(dir, "data", "catalog.db"), "catalog file")
	tcheck(st.Storage.OutputAddr.Dialect, "smtp", "storage output dialect")
	tcheck(strings.HasPrefix(st.Storage.Banner, "Netfarm Archiver [storage] version "), true, "banner")
	tcheck(c.Log[""], mlog.LevelInfo, "default log level")
	tcheck(c.Log["relay"], mlog.LevelDebug, "relay log level")
	tcheck(c.Log["storage"], mlog.LevelTrace, "storage log level")
	tcheck(len(c.Stages()), 2, "stages")

	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Fatalf("data dir not created: %v", err)
	}
}

func TestParseConfigErrors(t *testing.T) {
	log := mlog.New("archiver", nil)
	dir := t.TempDir()

	check := func(conf string, expErr error, expText string) {
		t.Helper()
		p := filepath.Join(dir, "archiver.conf")
		if err := os.WriteFile(p, []byte(conf), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		_, errs := ParseConfig(context.Background(), log, p, true)
		for _, err := range errs {
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("error %v does not match ErrConfig", err)
			}
			if (expErr == nil || errors.Is(err, expErr)) && strings.Contains(err.Error(), expText) {
				return
			}
		}
		t.Fatalf("got errors %v, expected %v %q", errs, expErr, expText)
	}

	check("LogLevel: info\n", ErrNoPidFile, "")
	check("LogLevel: info\nPidFile: x.pid\n", ErrNoStages, "")
	check("LogLevel: bogus\nPidFile: x.pid\n", nil, "invalid log level")
	check("LogLevel: info\nPidFile: x.pid\nArchive:\n\tInput: ftp:127.0.0.1:21\n\tOutput: smtp:127.0.0.1:25\n\tBackend: debug\n", nil, "unknown dialect")
	check("LogLevel: info\nPidFile: x.pid\nArchive:\n\tInput: lmtp:localhost\n\tOutput: smtp:127.0.0.1:25\n\tBackend: debug\n", nil, "Input")
	check("LogLevel: info\nPidFile: x.pid\nAuxLookup:\n\tQuotaFile: q.db\nArchive:\n\tInput: lmtp:127.0.0.1:1\n\tOutput: smtp:127.0.0.1:25\n\tBackend: debug\n", nil, "QuotaFile requires")

	_, errs := ParseConfig(context.Background(), log, filepath.Join(dir, "missing.conf"), true)
	if len(errs) != 1 || !errors.Is(errs[0], ErrConfig) {
		t.Fatalf("got %v, expected single ErrConfig for missing file", errs)
	}
}

func TestParseAddr(t *testing.T) {
	check := func(s, exp string, expErr bool) {
		t.Helper()
		a, err := ParseAddr(s)
		if (err != nil) != expErr {
			t.Fatalf("parse %q: got err %v, expected error %v", s, err, expErr)
		}
		if err == nil && a.String() != exp {
			t.Fatalf("parse %q: got %q, expected %q", s, a.String(), exp)
		}
	}
	check("lmtp:unix:/var/run/a.sock", "lmtp:unix:/var/run/a.sock", false)
	check("SMTP:127.0.0.1:25", "smtp:127.0.0.1:25", false)
	check("lmtp:[::1]:2003", "lmtp:[::1]:2003", false)
	check("lmtp:unix:", "", true)
	check("127.0.0.1:25", "", true)
	check("smtp:host", "", true)
	check("smtp:host:", "", true)
}
