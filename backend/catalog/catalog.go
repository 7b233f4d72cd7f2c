// Package catalog is an archive stage backend that stores message metadata
// in a bstore database. The database id of a record is the sequence number of
// the archive identifier.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/archiver/archvar"
	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/message"
	"github.com/mjl-/archiver/mlog"
)

func init() {
	backend.Register("catalog", []string{backend.Archive}, New)
}

// Record is an archived message.
type Record struct {
	ID         int64
	Year       int    `bstore:"index"`
	Hash       string `bstore:"index"`
	MessageID  string `bstore:"index"`
	Date       time.Time
	From       string `bstore:"index"`
	Recipients []string
	Mailboxes  []string
	Subject    string
	Size       int64
	Parts      []message.Part
	Archived   time.Time `bstore:"default now"`
}

// DBTypes are the types stored in a catalog database.
var DBTypes = []any{Record{}}

type Catalog struct {
	log mlog.Log
	db  *bstore.DB
}

func New(log mlog.Log, stage string, conf config.Stage) (backend.Backend, error) {
	if conf.Catalog == nil || conf.Catalog.DatabaseFile == "" {
		return nil, fmt.Errorf("%w: missing Catalog section with DatabaseFile", backend.ErrBadConfig)
	}
	return Open(context.Background(), log, conf.Catalog.DatabaseFile)
}

// Open opens or creates the catalog database at path.
func Open(ctx context.Context, log mlog.Log, path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("creating catalog directory: %v", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: archvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	log.Print("catalog backend started", slog.String("path", path))
	return &Catalog{log, db}, nil
}

func (c *Catalog) Process(ctx context.Context, f backend.Fields) backend.Result {
	if c.db == nil {
		return backend.Failure(backend.CodeFailure, "Catalog not available")
	}
	r := Record{
		Year:       f.Date.Year(),
		Hash:       f.Hash,
		MessageID:  f.MessageID,
		Date:       f.Date,
		From:       f.From,
		Recipients: f.Recipients,
		Mailboxes:  f.Mailboxes,
		Subject:    f.Subject,
		Size:       f.Size,
		Parts:      f.Parts,
	}
	if err := c.db.Insert(ctx, &r); err != nil {
		c.log.Errorx("inserting catalog record", err, slog.String("messageid", f.MessageID))
		return backend.Failure(backend.CodeFailure, "Cannot insert into catalog")
	}
	c.log.Debug("message cataloged", slog.Int64("id", r.ID), slog.String("messageid", f.MessageID))
	return backend.Archived(r.Year, r.ID)
}

// Get returns the record for an archive identifier.
func (c *Catalog) Get(ctx context.Context, year int, seq int64) (Record, error) {
	r := Record{ID: seq}
	if err := c.db.Get(ctx, &r); err != nil {
		return Record{}, err
	}
	if r.Year != year {
		return Record{}, bstore.ErrAbsent
	}
	return r, nil
}

// ByMessageID returns the records with message id, oldest first.
func (c *Catalog) ByMessageID(ctx context.Context, messageID string) ([]Record, error) {
	return bstore.QueryDB[Record](ctx, c.db).FilterNonzero(Record{MessageID: messageID}).SortAsc("ID").List()
}

func (c *Catalog) Shutdown() {
	if c.db == nil {
		return
	}
	err := c.db.Close()
	c.log.Check(err, "closing catalog database")
	c.db = nil
}
