// Package fsbackend stores each message in its own file, in a directory per
// year and month: <dir>/<year>/<month>/<seq>. Files can be compressed with
// gzip or zlib. Next to each message, a <seq>.meta file holds the message-id,
// hash and date in MessagePack encoding.
package fsbackend

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mjl-/archiver/archio"
	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

func init() {
	backend.Register("filesystem", []string{backend.Storage}, New)
}

// Compression settings.
type Compression struct {
	Type  string // "gzip" or "zlib", empty for none.
	Level int
}

// ParseCompression parses "type:level", e.g. "gzip:6".
func ParseCompression(s string) (Compression, error) {
	if s == "" {
		return Compression{}, nil
	}
	t, ls, ok := strings.Cut(s, ":")
	if !ok {
		return Compression{}, fmt.Errorf("%w: compression %q must be type:level", backend.ErrBadConfig, s)
	}
	t = strings.ToLower(t)
	if t != "gzip" && t != "zlib" {
		return Compression{}, fmt.Errorf("%w: compression type %q not supported", backend.ErrBadConfig, t)
	}
	level, err := strconv.Atoi(ls)
	if err != nil || level < 0 || level > 9 {
		return Compression{}, fmt.Errorf("%w: invalid compression ratio %q", backend.ErrBadConfig, ls)
	}
	return Compression{t, level}, nil
}

// FS is the filesystem backend.
type FS struct {
	log         mlog.Log
	dir         string
	compression Compression
	metadata    bool
}

func New(log mlog.Log, stage string, conf config.Stage) (backend.Backend, error) {
	c := conf.Filesystem
	if c == nil || c.Directory == "" {
		return nil, fmt.Errorf("%w: missing Filesystem section with Directory", backend.ErrBadConfig)
	}
	fi, err := os.Stat(c.Directory)
	if err != nil {
		return nil, fmt.Errorf("%w: storage directory: %v", backend.ErrBadConfig, err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%w: storage directory %s is not a directory", backend.ErrBadConfig, c.Directory)
	}
	comp, err := ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	log.Print("filesystem backend started", slog.String("dir", c.Directory), slog.String("compression", c.Compression))
	return &FS{log, c.Directory, comp, !c.NoMetadata}, nil
}

// Path returns the path of the message file for year, month and seq.
func (b *FS) Path(year, month int, seq int64) string {
	return filepath.Join(b.dir, strconv.Itoa(year), strconv.Itoa(month), strconv.FormatInt(seq, 10))
}

func (b *FS) Process(ctx context.Context, f backend.Fields) backend.Result {
	p := b.Path(f.Year, int(f.Date.Month()), f.Seq)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0700); err != nil {
		b.log.Errorx("creating storage directory", err, slog.String("dir", dir))
		return backend.Failure(backend.CodeFailure, "Cannot create storage directory")
	}

	data, err := b.compress(f)
	if err != nil {
		b.log.Errorx("compressing message", err)
		return backend.Failure(backend.CodeFailure, "Cannot compress mail")
	}
	if err := writeFile(p, data); err != nil {
		b.log.Errorx("writing message file", err, slog.String("path", p))
		return backend.Failure(backend.CodeFailure, "Cannot write mail file")
	}
	if b.metadata {
		meta := Meta{MessageID: f.MessageID, Hash: f.Hash, Date: f.Date, Size: int64(len(f.Raw)), Compression: b.compression.Type}
		if err := writeFile(p+".meta", meta.MarshalMsg(nil)); err != nil {
			b.log.Errorx("writing metadata file", err, slog.String("path", p+".meta"))
			return backend.Failure(backend.CodeFailure, "Cannot write metadata file")
		}
	}
	if err := archio.SyncDir(dir); err != nil {
		b.log.Errorx("sync storage directory", err, slog.String("dir", dir))
		return backend.Failure(backend.CodeFailure, "Cannot sync storage directory")
	}
	b.log.Debug("wrote message", slog.String("path", p), slog.Int("size", len(data)))
	return backend.Stored()
}

func (b *FS) compress(f backend.Fields) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch b.compression.Type {
	case "":
		return f.Raw, nil
	case "gzip":
		gw, err := gzip.NewWriterLevel(&buf, b.compression.Level)
		if err != nil {
			return nil, err
		}
		gw.Name = fmt.Sprintf("%d-%d.eml", f.Year, f.Seq)
		gw.ModTime = f.Date
		w = gw
	case "zlib":
		zw, err := zlib.NewWriterLevel(&buf, b.compression.Level)
		if err != nil {
			return nil, err
		}
		w = zw
	}
	if _, err := w.Write(f.Raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFile writes data to a temporary file and renames it to p, so p is
// either absent or complete.
func writeFile(p string, data []byte) (rerr error) {
	tmp := p + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if f != nil {
			f.Close()
		}
		if rerr != nil {
			os.Remove(tmp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	err = f.Close()
	f = nil
	if err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (b *FS) Shutdown() {
	b.log.Print("filesystem backend shutting down")
}
