package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/message"
	"github.com/mjl-/archiver/mlog"
)

func TestCatalog(t *testing.T) {
	log := mlog.New("backend", nil)
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "catalog.db")

	b, err := backend.New(log, "catalog", backend.Archive, config.Stage{Catalog: &config.Catalog{DatabaseFile: p}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c := b.(*Catalog)
	defer c.Shutdown()

	f := backend.Fields{
		Stage:      backend.Archive,
		Hash:       "abc",
		MessageID:  "<1@example.org>",
		Date:       time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC),
		From:       "mjl@example.org",
		Recipients: []string{"a@example.org", "b@example.org"},
		Subject:    "test",
		Size:       100,
		Parts:      []message.Part{{ContentType: "text/plain", Charset: "utf-8", Size: 10}},
	}
	r1 := c.Process(ctx, f)
	r2 := c.Process(ctx, f)
	if !r1.OK || !r2.OK {
		t.Fatalf("process: %#v %#v", r1, r2)
	}
	if r1.Year != 2023 || r2.Seq != r1.Seq+1 {
		t.Fatalf("got %#v and %#v, expected year 2023 and increasing sequence", r1, r2)
	}

	rec, err := c.Get(ctx, r1.Year, r1.Seq)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.From != f.From || len(rec.Recipients) != 2 || len(rec.Parts) != 1 || rec.Parts[0].ContentType != "text/plain" {
		t.Fatalf("unexpected record %#v", rec)
	}
	if _, err := c.Get(ctx, 2020, r1.Seq); !errors.Is(err, bstore.ErrAbsent) {
		t.Fatalf("got %v, expected ErrAbsent for other year", err)
	}

	l, err := c.ByMessageID(ctx, f.MessageID)
	if err != nil || len(l) != 2 || l[0].ID != r1.Seq {
		t.Fatalf("by message-id: %v %v", l, err)
	}

	c.Shutdown()
	if r := c.Process(ctx, f); r.OK || r.Code != backend.CodeFailure {
		t.Fatalf("got %#v after shutdown, expected failure", r)
	}

	if _, err := backend.New(log, "catalog", backend.Storage, config.Stage{Catalog: &config.Catalog{DatabaseFile: p}}); !errors.Is(err, backend.ErrStageNotSupported) {
		t.Fatalf("got %v, expected ErrStageNotSupported", err)
	}
}
