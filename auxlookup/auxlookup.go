// Package auxlookup provides the quota and mailbox lookup tables used by the
// archive stage.
//
// Each table is a bbolt database file with a single bucket "table", holding
// string keys and values. Tables are read into memory completely, and read
// again when the modification time of their file changes. Tables are typically
// generated from postfix-style map files with "archiver table import".
package auxlookup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

var (
	metricReload = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_auxlookup_reloads_total",
			Help: "Lookup table (re)loads, by table and result.",
		},
		[]string{
			"table", // quota, virtual, aliases
			"result",
		},
	)
)

// Bucket is the name of the bbolt bucket holding the key/value pairs of a table.
const Bucket = "table"

// Maximum nesting of aliases that is followed.
const maxAliasDepth = 8

// Table is an in-memory copy of a table file.
type Table struct {
	Name string
	Path string

	sync.RWMutex
	mtime  time.Time
	data   map[string]string // Nil if never loaded successfully.
	loaded time.Time
}

// TableStatus describes the state of a table, for the control API.
type TableStatus struct {
	Name     string
	Path     string
	Loaded   bool
	Entries  int
	Modified time.Time // Of the file, at the last successful load.
	LoadedAt time.Time
}

// Get returns the value for key.
func (t *Table) Get(key string) (string, bool) {
	if t == nil {
		return "", false
	}
	t.RLock()
	defer t.RUnlock()
	v, ok := t.data[key]
	return v, ok
}

// Loaded returns whether the table was loaded successfully at least once.
func (t *Table) Loaded() bool {
	if t == nil {
		return false
	}
	t.RLock()
	defer t.RUnlock()
	return t.data != nil
}

// reload reads the file if its modification time differs from the loaded
// version. The file is read without holding the table lock, only the swap of
// the data is done under the exclusive lock.
func (t *Table) reload(log mlog.Log, force bool) (changed bool, rerr error) {
	fi, err := os.Stat(t.Path)
	if err != nil {
		metricReload.WithLabelValues(t.Name, "error").Inc()
		return false, fmt.Errorf("stat table file: %v", err)
	}
	t.RLock()
	same := t.data != nil && fi.ModTime().Equal(t.mtime)
	t.RUnlock()
	if same && !force {
		return false, nil
	}

	data, err := ReadTable(t.Path)
	if err != nil {
		metricReload.WithLabelValues(t.Name, "error").Inc()
		return false, err
	}

	t.Lock()
	t.data = data
	t.mtime = fi.ModTime()
	t.loaded = time.Now()
	t.Unlock()
	metricReload.WithLabelValues(t.Name, "ok").Inc()
	log.Info("table loaded", slog.String("table", t.Name), slog.String("path", t.Path), slog.Int("entries", len(data)))
	return true, nil
}

func (t *Table) status() TableStatus {
	t.RLock()
	defer t.RUnlock()
	return TableStatus{t.Name, t.Path, t.data != nil, len(t.data), t.mtime, t.loaded}
}

// ReadTable reads all key/value pairs from the table file at path.
func ReadTable(path string) (map[string]string, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening table: %v", err)
	}
	defer db.Close()

	data := map[string]string{}
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(Bucket))
		if b == nil {
			return fmt.Errorf("missing bucket %q", Bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			data[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading table: %v", err)
	}
	return data, nil
}

// WriteTable replaces the contents of the table file at path with entries,
// creating the file if needed. The replacement is a single bbolt transaction,
// so readers see either the old or the new table.
func WriteTable(path string, entries map[string]string) error {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("opening table: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(Bucket)) != nil {
			if err := tx.DeleteBucket([]byte(Bucket)); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket([]byte(Bucket))
		if err != nil {
			return err
		}
		for k, v := range entries {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("writing table: %v", err)
	}
	return db.Close()
}

// Lookup holds the configured tables.
type Lookup struct {
	log      mlog.Log
	interval time.Duration
	postUser string

	quota   *Table
	virtual *Table
	aliases *Table
}

// New returns a Lookup for the configured tables. Tables are not read until
// Reload or Start is called.
func New(log mlog.Log, c config.AuxLookup) *Lookup {
	l := &Lookup{
		log:      log.WithPkg("auxlookup"),
		interval: c.Interval,
		postUser: c.PostUser,
	}
	if l.interval <= 0 {
		l.interval = config.DefaultAuxInterval
	}
	if c.QuotaFile != "" {
		l.quota = &Table{Name: "quota", Path: c.QuotaFile}
	}
	if c.VirtualFile != "" {
		l.virtual = &Table{Name: "virtual", Path: c.VirtualFile}
	}
	if c.AliasesFile != "" {
		l.aliases = &Table{Name: "aliases", Path: c.AliasesFile}
	}
	return l
}

func (l *Lookup) tables() []*Table {
	var r []*Table
	for _, t := range []*Table{l.quota, l.virtual, l.aliases} {
		if t != nil {
			r = append(r, t)
		}
	}
	return r
}

// Reload checks all tables for changes and loads those that changed. With
// force, all tables are loaded. Errors are logged and returned, the previous
// version of a table that failed to load stays in use.
func (l *Lookup) Reload(force bool) (changed []string, errs []error) {
	for _, t := range l.tables() {
		ok, err := t.reload(l.log, force)
		if err != nil {
			l.log.Errorx("loading table", err, slog.String("table", t.Name), slog.String("path", t.Path))
			errs = append(errs, fmt.Errorf("table %s: %w", t.Name, err))
		} else if ok {
			changed = append(changed, t.Name)
		}
	}
	return
}

// Start loads the tables and starts a goroutine that checks for changes every
// interval, until ctx is canceled.
func (l *Lookup) Start(ctx context.Context) {
	l.Reload(false)
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				l.log.Error("unhandled panic in table refresher", slog.Any("err", x))
			}
		}()

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				l.log.Debug("table refresher stopped")
				return
			case <-ticker.C:
				l.Reload(false)
			}
		}
	}()
}

// Status returns the state of each configured table.
func (l *Lookup) Status() []TableStatus {
	var r []TableStatus
	for _, t := range l.tables() {
		r = append(r, t.status())
	}
	return r
}

// QuotaEnabled returns whether a quota table is configured.
func (l *Lookup) QuotaEnabled() bool {
	return l != nil && l.quota != nil
}

// MailboxesEnabled returns whether both tables for mailbox resolution are
// configured.
func (l *Lookup) MailboxesEnabled() bool {
	return l != nil && l.virtual != nil && l.aliases != nil
}

// QuotaExceeded returns whether the mailbox of address has a quota, in
// kilobytes, that is smaller than sizeKB. The address must resolve to exactly
// one mailbox. An absent, zero or invalid quota is never exceeded.
func (l *Lookup) QuotaExceeded(address string, sizeKB int64) bool {
	if !l.QuotaEnabled() || !l.quota.Loaded() {
		return false
	}
	mailboxes := l.ResolveMailboxes([]string{address})
	if len(mailboxes) != 1 {
		return false
	}
	v, ok := l.quota.Get(mailboxes[0])
	if !ok {
		return false
	}
	quota, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		l.log.Debugx("invalid quota value, ignoring", err, slog.String("mailbox", mailboxes[0]))
		return false
	}
	if quota > 0 && sizeKB > quota {
		l.log.Error("quota exceeded", slog.String("address", address), slog.String("mailbox", mailboxes[0]), slog.Int64("quota", quota), slog.Int64("size", sizeKB))
		return true
	}
	return false
}

// ResolveMailboxes returns the local mailboxes that addresses are delivered
// to, in first-seen order and without duplicates. An address is looked up in
// the virtual table, first in full, then as "@domain". Targets are comma
// separated. A target that is a key in the aliases table is expanded further,
// for an address by its localpart. Other targets with an "@" are remote and
// ignored, those without are mailboxes.
func (l *Lookup) ResolveMailboxes(addresses []string) []string {
	if !l.MailboxesEnabled() || !l.virtual.Loaded() || !l.aliases.Loaded() {
		return nil
	}

	var result []string
	seen := map[string]bool{}

	var expand func(targets string, depth int)
	expand = func(targets string, depth int) {
		if depth > maxAliasDepth {
			l.log.Info("aliases nested too deep, ignoring", slog.String("targets", targets))
			return
		}
		for _, target := range strings.Split(targets, ",") {
			target = strings.ToLower(strings.TrimSpace(target))
			if target == "" {
				continue
			}
			key := target
			if localpart, _, ok := strings.Cut(target, "@"); ok {
				key = localpart
			}
			if v, ok := l.aliases.Get(key); ok {
				expand(v, depth+1)
				continue
			}
			if strings.Contains(target, "@") {
				continue
			}
			if l.postUser != "" {
				target = l.postUser + "." + target
			}
			if !seen[target] {
				seen[target] = true
				result = append(result, target)
			}
		}
	}

	for _, addr := range addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		targets, ok := l.virtual.Get(addr)
		if !ok {
			if _, domain, found := strings.Cut(addr, "@"); found {
				targets, ok = l.virtual.Get("@" + domain)
			}
		}
		if !ok {
			continue
		}
		expand(targets, 0)
	}
	return result
}
