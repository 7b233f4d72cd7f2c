package mboxbackend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

func TestMbox(t *testing.T) {
	log := mlog.New("backend", nil)
	dir := t.TempDir()
	b, err := backend.New(log, "mbox", backend.Storage, config.Stage{Mbox: &config.Mbox{Directory: dir}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Shutdown()

	date := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	msgs := []string{"Subject: one\n\nfirst\n", "Subject: two\n\nsecond\n"}
	for i, m := range msgs {
		f := backend.Fields{Year: 2024, Seq: int64(i + 1), Date: date, Sender: "mjl@example.org", Raw: []byte(m)}
		if r := b.Process(context.Background(), f); !r.OK {
			t.Fatalf("process: %#v", r)
		}
	}

	file, err := os.Open(filepath.Join(dir, "2024-02.mbox"))
	if err != nil {
		t.Fatalf("open mbox: %v", err)
	}
	defer file.Close()
	mr := mbox.NewReader(file)
	for i, exp := range msgs {
		r, err := mr.NextMessage()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		buf, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("read message %d: %v", i, err)
		}
		if !strings.HasPrefix(string(buf), exp) {
			t.Fatalf("message %d: got %q, expected %q", i, buf, exp)
		}
	}
	if _, err := mr.NextMessage(); err != io.EOF {
		t.Fatalf("got %v, expected EOF after two messages", err)
	}
}
