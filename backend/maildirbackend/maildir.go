// Package maildirbackend delivers messages into a maildir per month, named
// <year>-<month> under the configured directory.
package maildirbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/emersion/go-maildir"

	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

func init() {
	backend.Register("maildir", []string{backend.Storage}, New)
}

type Maildir struct {
	log mlog.Log
	dir string
}

func New(log mlog.Log, stage string, conf config.Stage) (backend.Backend, error) {
	if conf.Maildir == nil || conf.Maildir.Directory == "" {
		return nil, fmt.Errorf("%w: missing Maildir section with Directory", backend.ErrBadConfig)
	}
	if err := os.MkdirAll(conf.Maildir.Directory, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating maildir directory: %v", backend.ErrBadConfig, err)
	}
	log.Print("maildir backend started", slog.String("dir", conf.Maildir.Directory))
	return &Maildir{log, conf.Maildir.Directory}, nil
}

// Dir returns the maildir for year and month, creating it if needed.
func (b *Maildir) Dir(year, month int) (maildir.Dir, error) {
	p := filepath.Join(b.dir, fmt.Sprintf("%04d-%02d", year, month))
	dir := maildir.Dir(p)
	if _, err := os.Stat(filepath.Join(p, "cur")); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(p, 0700); err != nil {
		return "", err
	}
	if err := dir.Init(); err != nil {
		return "", err
	}
	return dir, nil
}

func (b *Maildir) Process(ctx context.Context, f backend.Fields) backend.Result {
	dir, err := b.Dir(f.Year, int(f.Date.Month()))
	if err != nil {
		b.log.Errorx("creating maildir", err)
		return backend.Failure(backend.CodeFailure, "Cannot create maildir")
	}
	delivery, err := maildir.NewDelivery(string(dir))
	if err != nil {
		b.log.Errorx("starting maildir delivery", err, slog.String("dir", string(dir)))
		return backend.Failure(backend.CodeFailure, "Cannot deliver to maildir")
	}
	if _, err := io.Copy(delivery, bytes.NewReader(f.Raw)); err != nil {
		b.log.Errorx("writing to maildir", err, slog.String("dir", string(dir)))
		err := delivery.Abort()
		b.log.Check(err, "aborting maildir delivery")
		return backend.Failure(backend.CodeFailure, "Cannot deliver to maildir")
	}
	if err := delivery.Close(); err != nil {
		b.log.Errorx("finishing maildir delivery", err, slog.String("dir", string(dir)))
		return backend.Failure(backend.CodeFailure, "Cannot deliver to maildir")
	}
	b.log.Debug("delivered to maildir", slog.String("dir", string(dir)), slog.String("messageid", f.MessageID))
	return backend.Stored()
}

func (b *Maildir) Shutdown() {}
