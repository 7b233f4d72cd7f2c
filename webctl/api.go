// Package webctl implements the control API: a sherpa JSON API for inspecting
// stages, looking up and removing ledger entries, reloading lookup tables and
// changing log levels at runtime.
//
// The API has no authentication. It should only be served on a loopback
// address.
package webctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/archiver/archiver-"
	"github.com/mjl-/archiver/archvar"
	"github.com/mjl-/archiver/auxlookup"
	"github.com/mjl-/archiver/ledger"
	"github.com/mjl-/archiver/mlog"
	"github.com/mjl-/archiver/stage"
)

var pkglog = mlog.New("webctl", nil)

// Stages and lookup tables the API operates on, set by Init.
var state struct {
	sync.Mutex
	stages []*stage.Stage
	aux    *auxlookup.Lookup
}

// Init sets the running stages and the lookup tables, which may be nil.
func Init(stages []*stage.Stage, aux *auxlookup.Lookup) {
	state.Lock()
	defer state.Unlock()
	state.stages = stages
	state.aux = aux
}

// Ctl exports the functions of the control API under /api/.
type Ctl struct{}

// LedgerEntry is the result of a ledger lookup.
type LedgerEntry struct {
	Hash  string
	ID    string // Archive identifier, empty if not found.
	Found bool
}

// LedgerStats summarizes the ledger of a stage.
type LedgerStats struct {
	Stage   string
	Entries int
	Last    time.Time // Of most recent insert, zero if empty.
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xusererrorf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	pkglog.WithContext(ctx).Error(msg)
	panic(&sherpa.Error{Code: "user:error", Message: msg})
}

func xstage(ctx context.Context, kind string) *stage.Stage {
	state.Lock()
	defer state.Unlock()
	for _, s := range state.stages {
		if s.Kind == kind {
			return s
		}
	}
	xusererrorf(ctx, "unknown stage %q", kind)
	return nil
}

func xledger(ctx context.Context, kind string) *ledger.Ledger {
	s := xstage(ctx, kind)
	select {
	case <-s.Done():
		xusererrorf(ctx, "stage %s is not running", kind)
	default:
	}
	return s.Ledger()
}

func xhash(ctx context.Context, hash string) string {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if len(hash) != 64 || strings.Trim(hash, "0123456789abcdef") != "" {
		xusererrorf(ctx, "hash must be 64 hexadecimal characters")
	}
	return hash
}

// Stages returns the status of the running stages.
func (Ctl) Stages(ctx context.Context) []stage.Status {
	state.Lock()
	l := slices.Clone(state.stages)
	state.Unlock()

	r := make([]stage.Status, 0, len(l))
	for _, s := range l {
		r = append(r, s.Status())
	}
	return r
}

// LedgerLookup returns the archive identifier of a message hash in the ledger
// of a stage.
func (Ctl) LedgerLookup(ctx context.Context, stageKind, hash string) LedgerEntry {
	hash = xhash(ctx, hash)
	id, found, err := xledger(ctx, stageKind).Lookup(ctx, hash)
	xcheckf(ctx, err, "looking up hash")
	return LedgerEntry{hash, id, found}
}

// LedgerRemove removes a message hash from the ledger of a stage, so the
// message will be processed again. It returns whether the hash was present.
func (Ctl) LedgerRemove(ctx context.Context, stageKind, hash string) bool {
	hash = xhash(ctx, hash)
	removed, err := xledger(ctx, stageKind).Remove(ctx, hash)
	xcheckf(ctx, err, "removing hash")
	pkglog.WithContext(ctx).Print("ledger entry removed through control api", slog.String("stage", stageKind), slog.String("hash", hash), slog.Bool("removed", removed))
	return removed
}

// LedgerStats returns the number of entries in the ledger of a stage.
func (Ctl) LedgerStats(ctx context.Context, stageKind string) LedgerStats {
	n, last, err := xledger(ctx, stageKind).Stats(ctx)
	xcheckf(ctx, err, "gathering ledger stats")
	return LedgerStats{stageKind, n, last}
}

// LedgerRecent returns the most recently inserted ledger entries of a stage,
// newest first.
func (Ctl) LedgerRecent(ctx context.Context, stageKind string, limit int) []ledger.Entry {
	if limit <= 0 || limit > 1000 {
		xusererrorf(ctx, "limit must be between 1 and 1000")
	}
	l, err := xledger(ctx, stageKind).Recent(ctx, limit)
	xcheckf(ctx, err, "listing ledger entries")
	return l
}

// AuxReload loads all configured lookup tables, also when unchanged. It returns
// the names of the tables that were loaded.
func (Ctl) AuxReload(ctx context.Context) []string {
	state.Lock()
	aux := state.aux
	state.Unlock()
	if aux == nil {
		xusererrorf(ctx, "no lookup tables configured")
	}
	changed, errs := aux.Reload(true)
	xcheckf(ctx, errors.Join(errs...), "reloading lookup tables")
	if changed == nil {
		changed = []string{}
	}
	return changed
}

// AuxStatus returns the state of the configured lookup tables.
func (Ctl) AuxStatus(ctx context.Context) []auxlookup.TableStatus {
	state.Lock()
	aux := state.aux
	state.Unlock()
	if aux == nil {
		return []auxlookup.TableStatus{}
	}
	return aux.Status()
}

// LogLevels returns the current log levels, by package. The empty package is
// the default level.
func (Ctl) LogLevels(ctx context.Context) map[string]string {
	m := map[string]string{}
	for pkg, level := range archiver.Conf.LogLevels() {
		m[pkg] = mlog.LevelStrings[level]
	}
	return m
}

// LogLevelSet sets the log level of a package, or the default level for an
// empty package. The change is not written to the config file.
func (Ctl) LogLevelSet(ctx context.Context, pkg, level string) {
	l, ok := mlog.Levels[level]
	if !ok {
		levels := maps.Keys(mlog.Levels)
		slices.Sort(levels)
		xusererrorf(ctx, "unknown log level %q, known levels: %s", level, strings.Join(levels, ", "))
	}
	archiver.Conf.LogLevelSet(pkglog.WithContext(ctx), pkg, l)
}

func arg(name string, typewords ...string) sherpadoc.Arg {
	return sherpadoc.Arg{Name: name, Typewords: typewords}
}

func function(name, docs string, params []sherpadoc.Arg, returns ...sherpadoc.Arg) *sherpadoc.Function {
	if params == nil {
		params = []sherpadoc.Arg{}
	}
	if returns == nil {
		returns = []sherpadoc.Arg{}
	}
	return &sherpadoc.Function{Name: name, Docs: docs, Params: params, Returns: returns}
}

func field(name, docs string, typewords ...string) sherpadoc.Field {
	return sherpadoc.Field{Name: name, Docs: docs, Typewords: typewords}
}

var ctlDoc = sherpadoc.Section{
	Name: "Ctl",
	Docs: "Control API of the archiver.",
	Functions: []*sherpadoc.Function{
		function("Stages", "Status of the running stages.", nil, arg("r0", "[]", "Status")),
		function("LedgerLookup", "Archive identifier of a message hash.", []sherpadoc.Arg{arg("stageKind", "string"), arg("hash", "string")}, arg("r0", "LedgerEntry")),
		function("LedgerRemove", "Remove a message hash from a ledger.", []sherpadoc.Arg{arg("stageKind", "string"), arg("hash", "string")}, arg("r0", "bool")),
		function("LedgerStats", "Number of entries in a ledger.", []sherpadoc.Arg{arg("stageKind", "string")}, arg("r0", "LedgerStats")),
		function("LedgerRecent", "Most recent ledger entries.", []sherpadoc.Arg{arg("stageKind", "string"), arg("limit", "int32")}, arg("r0", "[]", "Entry")),
		function("AuxReload", "Load all lookup tables.", nil, arg("r0", "[]", "string")),
		function("AuxStatus", "State of the lookup tables.", nil, arg("r0", "[]", "TableStatus")),
		function("LogLevels", "Log levels by package.", nil, arg("r0", "{}", "string")),
		function("LogLevelSet", "Set log level for a package.", []sherpadoc.Arg{arg("pkg", "string"), arg("level", "string")}),
	},
	Sections: []*sherpadoc.Section{},
	Structs: []sherpadoc.Struct{
		{Name: "Status", Docs: "State of a stage.", Fields: []sherpadoc.Field{
			field("Kind", "archive or storage.", "string"),
			field("Input", "", "string"),
			field("Output", "", "string"),
			field("Backend", "", "string"),
			field("LedgerFile", "", "string"),
			field("Started", "", "timestamp"),
			field("Connections", "", "int32"),
			field("Running", "", "bool"),
			field("Error", "Fatal error that stopped the stage.", "string"),
		}},
		{Name: "LedgerEntry", Docs: "Result of a ledger lookup.", Fields: []sherpadoc.Field{
			field("Hash", "", "string"),
			field("ID", "Archive identifier, empty if not found.", "string"),
			field("Found", "", "bool"),
		}},
		{Name: "LedgerStats", Docs: "Summary of a ledger.", Fields: []sherpadoc.Field{
			field("Stage", "", "string"),
			field("Entries", "", "int32"),
			field("Last", "Of most recent insert.", "timestamp"),
		}},
		{Name: "Entry", Docs: "A processed message.", Fields: []sherpadoc.Field{
			field("Hash", "", "string"),
			field("ID", "", "string"),
			field("Inserted", "", "timestamp"),
		}},
		{Name: "TableStatus", Docs: "State of a lookup table.", Fields: []sherpadoc.Field{
			field("Name", "", "string"),
			field("Path", "", "string"),
			field("Loaded", "", "bool"),
			field("Entries", "", "int32"),
			field("Modified", "", "timestamp"),
			field("LoadedAt", "", "timestamp"),
		}},
	},
	Ints:             []sherpadoc.Ints{},
	Strings:          []sherpadoc.Strings{},
	SherpadocVersion: sherpadoc.SherpadocVersion,
}

var ctlSherpaHandler http.Handler

func init() {
	collector, err := sherpaprom.NewCollector("archiverctl", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}

	ctlSherpaHandler, err = sherpa.NewHandler("/api/", archvar.Version, Ctl{}, &ctlDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		pkglog.Fatalx("sherpa handler", err)
	}
}

// Handler returns the http handler for the control API, to be mounted at
// /api/.
func Handler() http.Handler {
	return ctlSherpaHandler
}
