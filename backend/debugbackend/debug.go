// Package debugbackend is a backend that only logs the messages it is given.
// For archive stages, it hands out sequence numbers from an in-memory counter.
package debugbackend

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

func init() {
	backend.Register("debug", []string{backend.Archive, backend.Storage}, New)
}

// Debug logs messages and returns success.
type Debug struct {
	log   mlog.Log
	stage string
	seq   atomic.Int64
}

func New(log mlog.Log, stage string, conf config.Stage) (backend.Backend, error) {
	log.Print("debug backend started")
	return &Debug{log: log, stage: stage}, nil
}

func (d *Debug) Process(ctx context.Context, f backend.Fields) backend.Result {
	d.log.Info("process",
		slog.String("hash", f.Hash),
		slog.String("messageid", f.MessageID),
		slog.Time("date", f.Date),
		slog.String("from", f.From),
		slog.Any("recipients", f.Recipients),
		slog.String("subject", f.Subject),
		slog.Int64("size", f.Size),
		slog.Int("parts", len(f.Parts)),
		slog.Any("mailboxes", f.Mailboxes),
		slog.Int("year", f.Year),
		slog.Int64("seq", f.Seq))
	if d.stage == backend.Archive {
		return backend.Archived(time.Now().Year(), d.seq.Add(1))
	}
	return backend.Stored()
}

func (d *Debug) Shutdown() {}
