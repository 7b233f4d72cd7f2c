// Package mboxbackend appends messages to an mbox file per month, named
// <year>-<month>.mbox under the configured directory.
package mboxbackend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/emersion/go-mbox"

	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

func init() {
	backend.Register("mbox", []string{backend.Storage}, New)
}

type Mbox struct {
	log mlog.Log
	dir string
}

func New(log mlog.Log, stage string, conf config.Stage) (backend.Backend, error) {
	if conf.Mbox == nil || conf.Mbox.Directory == "" {
		return nil, fmt.Errorf("%w: missing Mbox section with Directory", backend.ErrBadConfig)
	}
	if err := os.MkdirAll(conf.Mbox.Directory, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating mbox directory: %v", backend.ErrBadConfig, err)
	}
	log.Print("mbox backend started", slog.String("dir", conf.Mbox.Directory))
	return &Mbox{log, conf.Mbox.Directory}, nil
}

// Path returns the mbox file for year and month.
func (b *Mbox) Path(year, month int) string {
	return filepath.Join(b.dir, fmt.Sprintf("%04d-%02d.mbox", year, month))
}

func (b *Mbox) Process(ctx context.Context, f backend.Fields) backend.Result {
	p := b.Path(f.Year, int(f.Date.Month()))
	if err := b.append(p, f); err != nil {
		b.log.Errorx("appending to mbox", err, slog.String("path", p))
		return backend.Failure(backend.CodeFailure, "Cannot write mbox file")
	}
	b.log.Debug("appended to mbox", slog.String("path", p), slog.String("messageid", f.MessageID))
	return backend.Stored()
}

func (b *Mbox) append(p string, f backend.Fields) (rerr error) {
	file, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer func() {
		err := file.Close()
		if rerr == nil {
			rerr = err
		}
	}()

	from := f.Sender
	if from == "" {
		from = "MAILER-DAEMON"
	}
	mw := mbox.NewWriter(file)
	w, err := mw.CreateMessage(from, f.Date)
	if err != nil {
		return err
	}
	if _, err := w.Write(f.Raw); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return file.Sync()
}

func (b *Mbox) Shutdown() {}
