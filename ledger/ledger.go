// Package ledger stores hashes of messages that were archived or stored, with
// the archive identifier they got.
//
// A message is processed by a stage at most once. When a message with a known
// hash is delivered again, the stage uses the identifier from the ledger
// instead of calling its backend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/mjl-/archiver/archvar"
	"github.com/mjl-/archiver/mlog"
)

var (
	metricOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_ledger_ops_total",
			Help: "Ledger operations, by stage, operation and result.",
		},
		[]string{
			"stage",
			"op",     // lookup, insert, remove
			"result", // hit, miss, ok, error
		},
	)
)

var ErrClosed = errors.New("ledger closed")

// Entry is a processed message.
type Entry struct {
	Hash     string    // MessageHash, hex.
	ID       string    // Archive identifier, "year-sequence".
	Inserted time.Time `bstore:"default now,index"`
}

// DBTypes are the types stored in a ledger database.
var DBTypes = []any{Entry{}}

// Ledger is an opened ledger database of a stage. Its methods are called from
// the processing path of a single stage, which handles one transaction at a
// time, and from the control API. Close waits for running operations.
type Ledger struct {
	Path  string
	stage string
	log   mlog.Log

	sync.RWMutex // Write lock for closing, read lock for operations.
	db           *bstore.DB
}

// Open opens or creates the ledger database at path for stage.
func Open(ctx context.Context, log mlog.Log, path, stage string) (*Ledger, error) {
	log = log.WithPkg("ledger").With(slog.String("stage", stage))
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %v", err)
	}
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: archvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	return &Ledger{Path: path, stage: stage, log: log, db: db}, nil
}

// Close closes the database. Subsequent operations return ErrClosed.
func (l *Ledger) Close() error {
	l.Lock()
	defer l.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func (l *Ledger) count(op, result string) {
	metricOps.WithLabelValues(l.stage, op, result).Inc()
}

// Lookup returns the archive identifier for hash, if present.
func (l *Ledger) Lookup(ctx context.Context, hash string) (id string, found bool, rerr error) {
	l.RLock()
	defer l.RUnlock()
	if l.db == nil {
		return "", false, ErrClosed
	}
	e := Entry{Hash: hash}
	err := l.db.Get(ctx, &e)
	if err == bstore.ErrAbsent {
		l.count("lookup", "miss")
		return "", false, nil
	} else if err != nil {
		l.count("lookup", "error")
		return "", false, fmt.Errorf("looking up hash: %w", err)
	}
	l.count("lookup", "hit")
	l.log.Debug("hash found in ledger", slog.String("hash", hash), slog.String("id", e.ID))
	return e.ID, true, nil
}

// Insert adds or replaces the entry for hash. The change is committed to disk
// before Insert returns.
func (l *Ledger) Insert(ctx context.Context, hash, id string) error {
	l.RLock()
	defer l.RUnlock()
	if l.db == nil {
		return ErrClosed
	}
	err := l.db.Write(ctx, func(tx *bstore.Tx) error {
		e := Entry{Hash: hash}
		err := tx.Get(&e)
		if err == bstore.ErrAbsent {
			return tx.Insert(&Entry{Hash: hash, ID: id})
		} else if err != nil {
			return err
		}
		e.ID = id
		e.Inserted = time.Now()
		return tx.Update(&e)
	})
	if err != nil {
		l.count("insert", "error")
		return fmt.Errorf("inserting hash: %w", err)
	}
	l.count("insert", "ok")
	l.log.Debug("hash added to ledger", slog.String("hash", hash), slog.String("id", id))
	return nil
}

// Remove removes the entry for hash. Removing an absent hash is not an error.
func (l *Ledger) Remove(ctx context.Context, hash string) (removed bool, rerr error) {
	l.RLock()
	defer l.RUnlock()
	if l.db == nil {
		return false, ErrClosed
	}
	err := l.db.Delete(ctx, &Entry{Hash: hash})
	if err == bstore.ErrAbsent {
		l.count("remove", "miss")
		return false, nil
	} else if err != nil {
		l.count("remove", "error")
		return false, fmt.Errorf("removing hash: %w", err)
	}
	l.count("remove", "ok")
	l.log.Debug("hash removed from ledger", slog.String("hash", hash))
	return true, nil
}

// Stats returns the number of entries and the time of the most recent insert.
func (l *Ledger) Stats(ctx context.Context) (n int, last time.Time, rerr error) {
	l.RLock()
	defer l.RUnlock()
	if l.db == nil {
		return 0, time.Time{}, ErrClosed
	}
	rerr = l.db.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		n, err = bstore.QueryTx[Entry](tx).Count()
		if err != nil {
			return err
		}
		e, err := bstore.QueryTx[Entry](tx).SortDesc("Inserted").Limit(1).Get()
		if err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return err
		}
		last = e.Inserted
		return nil
	})
	return
}

// Recent returns up to limit most recently inserted entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) (entries []Entry, rerr error) {
	l.RLock()
	defer l.RUnlock()
	if l.db == nil {
		return nil, ErrClosed
	}
	rerr = l.db.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		entries, err = bstore.QueryTx[Entry](tx).SortDesc("Inserted").Limit(limit).List()
		return err
	})
	return
}
