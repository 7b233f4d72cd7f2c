package maildirbackend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

func TestMaildir(t *testing.T) {
	log := mlog.New("backend", nil)
	dir := t.TempDir()
	b, err := backend.New(log, "maildir", backend.Storage, config.Stage{Maildir: &config.Maildir{Directory: dir}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Shutdown()

	f := backend.Fields{Year: 2024, Seq: 1, Date: time.Date(2024, 11, 2, 0, 0, 0, 0, time.UTC), Raw: []byte("Subject: x\n\nhi\n")}
	for i := 0; i < 2; i++ {
		if r := b.Process(context.Background(), f); !r.OK {
			t.Fatalf("process: %#v", r)
		}
	}

	newdir := filepath.Join(dir, "2024-11", "new")
	entries, err := os.ReadDir(newdir)
	if err != nil {
		t.Fatalf("read new: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d messages in new, expected 2", len(entries))
	}
	buf, err := os.ReadFile(filepath.Join(newdir, entries[0].Name()))
	if err != nil || string(buf) != string(f.Raw) {
		t.Fatalf("read message: %q %v", buf, err)
	}

	if _, err := backend.New(log, "maildir", backend.Storage, config.Stage{}); !errors.Is(err, backend.ErrBadConfig) {
		t.Fatalf("got %v, expected ErrBadConfig", err)
	}
}
