package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	"github.com/mjl-/sconf"

	"github.com/mjl-/archiver/archiver-"
	"github.com/mjl-/archiver/archvar"
	"github.com/mjl-/archiver/auxlookup"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/ledger"
	"github.com/mjl-/archiver/mlog"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"ledger lookup", cmdLedgerLookup},
	{"ledger remove", cmdLedgerRemove},
	{"ledger recent", cmdLedgerRecent},
	{"table import", cmdTableImport},
	{"table print", cmdTablePrint},
	{"loglevels", cmdLoglevels},
	{"aux reload", cmdAuxReload},
	{"help", cmdHelp},
	{"version", cmdVersion},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words    []string
	fn       func(c *cmd)
	unlisted bool

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("archiver "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "archiver " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		fmt.Printf("archiver %s\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "archiver [-config archiver.conf] [-loglevel level] [-logfmt] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"archiver"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty will be interpreted as info for commands other than serve.

// Exit codes for configuration and startup failures.
const (
	exitConfig     = 3
	exitNoPidFile  = 4
	exitRunning    = 5
	exitPidFile    = 6
	exitNoStages   = 7
	exitStageStart = 8
)

// configExitCode returns the exit code for config errors. A missing pid file
// or missing stages only get their own exit code if there are no other
// problems with the config.
func configExitCode(errs []error) int {
	code := 0
	for _, err := range errs {
		switch {
		case errors.Is(err, archiver.ErrNoPidFile):
			if code == 0 || code == exitNoStages {
				code = exitNoPidFile
			}
		case errors.Is(err, archiver.ErrNoStages):
			if code == 0 {
				code = exitNoStages
			}
		default:
			return exitConfig
		}
	}
	return code
}

func printErrors(errs []error) {
	if len(errs) > 1 {
		log.Printf("multiple errors:")
	}
	for _, err := range errs {
		log.Printf("%s", err)
	}
}

// subcommands that are not "serve" should use this function to load the config,
// it restores any loglevel specified on the command-line instead of using the
// loglevels from the config file.
func mustLoadConfig(c *cmd) {
	if errs := archiver.LoadConfig(context.Background(), c.log); len(errs) > 0 {
		printErrors(errs)
		os.Exit(exitConfig)
	}
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		archiver.Conf.Log = map[string]slog.Level{"": level}
		mlog.SetConfig(archiver.Conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&archiver.ConfigStaticPath, "config", envString("ARCHIVERCONF", "archiver.conf"), "configuration file, defaults to $ARCHIVERCONF with a fallback to archiver.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "write log lines in logfmt instead of the human readable format")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		archiver.Conf.Log[""] = level
		mlog.SetConfig(archiver.Conf.Log)
		// note: SetConfig is called again when subcommands load the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	startProfiling(cpuprofile, memprofile, tracefile)
	defer stopProfiling()

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("archiver "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed, and the command exits with the same status serve would exit with.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := archiver.ParseConfig(context.Background(), c.log, archiver.ConfigStaticPath, true)
	if len(errs) > 0 {
		printErrors(errs)
		os.Exit(configExitCode(errs))
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">archiver.conf"
	c.help = `Prints an annotated empty configuration for use as archiver.conf.

The configuration file cannot be reloaded while the archiver is running, it
has to be restarted for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this archiver version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(archvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// xstageConfig returns the configuration of the stage of the given kind.
func xstageConfig(kind string) *config.Stage {
	for _, s := range archiver.Conf.Stages() {
		if s.Kind == kind {
			return s
		}
	}
	log.Fatalf("stage %q not configured", kind)
	return nil
}

// running returns whether another instance is running, according to the pid
// file.
func running() bool {
	if archiver.Conf.Static.PidFile == "" {
		return false
	}
	return errors.Is(archiver.CheckPidFile(archiver.Conf.Static.PidFile), archiver.ErrRunning)
}

// withLedger calls fn with the ledger of a stage. If an instance is running,
// the ledger database is locked and the control API is used instead through
// viactl.
func withLedger(c *cmd, kind string, viactl func(ctl *ctl), fn func(l *ledger.Ledger)) {
	mustLoadConfig(c)
	sc := xstageConfig(kind)
	if running() {
		viactl(xctl())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l, err := ledger.Open(ctx, c.log, sc.LedgerFile, kind)
	xcheckf(err, "opening ledger")
	defer func() {
		err := l.Close()
		c.log.Check(err, "closing ledger")
	}()
	fn(l)
}

func cmdLedgerLookup(c *cmd) {
	c.params = "stage hash"
	c.help = `Prints the archive identifier of a message hash in the ledger of a stage.

Stage is archive or storage. The hash is the hex-encoded hash of the
identifying message headers, as logged when a message is processed.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	kind, hash := args[0], strings.ToLower(args[1])
	withLedger(c, kind,
		func(ctl *ctl) {
			var e struct {
				ID    string
				Found bool
			}
			ctl.xcall("LedgerLookup", &e, kind, hash)
			printLookup(e.ID, e.Found)
		},
		func(l *ledger.Ledger) {
			id, found, err := l.Lookup(context.Background(), hash)
			xcheckf(err, "lookup")
			printLookup(id, found)
		},
	)
}

func printLookup(id string, found bool) {
	if !found {
		fmt.Println("not found")
		os.Exit(1)
	}
	fmt.Println(id)
}

func cmdLedgerRemove(c *cmd) {
	c.params = "stage hash"
	c.help = `Removes a message hash from the ledger of a stage.

The next delivery of the message is processed again by the backend, getting a
new archive identifier.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	kind, hash := args[0], strings.ToLower(args[1])
	withLedger(c, kind,
		func(ctl *ctl) {
			var removed bool
			ctl.xcall("LedgerRemove", &removed, kind, hash)
			printRemoved(removed)
		},
		func(l *ledger.Ledger) {
			removed, err := l.Remove(context.Background(), hash)
			xcheckf(err, "remove")
			printRemoved(removed)
		},
	)
}

func printRemoved(removed bool) {
	if !removed {
		fmt.Println("not found")
		os.Exit(1)
	}
	fmt.Println("removed")
}

func cmdLedgerRecent(c *cmd) {
	c.params = "[-n limit] stage"
	c.help = `Lists the most recently added entries in the ledger of a stage.`
	var limit int
	c.flag.IntVar(&limit, "n", 20, "maximum number of entries")
	args := c.Parse()
	if len(args) != 1 || limit <= 0 {
		c.Usage()
	}
	kind := args[0]
	withLedger(c, kind,
		func(ctl *ctl) {
			var l []ledger.Entry
			ctl.xcall("LedgerRecent", &l, kind, limit)
			printEntries(l)
		},
		func(l *ledger.Ledger) {
			entries, err := l.Recent(context.Background(), limit)
			xcheckf(err, "listing entries")
			printEntries(entries)
		},
	)
}

func printEntries(l []ledger.Entry) {
	for _, e := range l {
		fmt.Printf("%s %s %s\n", e.Inserted.Format(time.RFC3339), e.ID, e.Hash)
	}
}

func cmdTableImport(c *cmd) {
	c.params = "table <source"
	c.help = `Creates or replaces a lookup table from a text file on standard input.

Each line has a key and a value separated by whitespace. A colon directly
after the key is ignored, so files in aliases format can be imported as is.
Empty lines and lines starting with # are skipped. Lines starting with
whitespace continue the value of the previous line.

A running archiver picks up the new table at its next check for changes.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	entries, err := parseTable(os.Stdin)
	xcheckf(err, "parsing table")
	err = auxlookup.WriteTable(args[0], entries)
	xcheckf(err, "writing table")
	fmt.Printf("%d entries written\n", len(entries))
}

// parseTable parses a lookup table in postfix-like text format.
func parseTable(r io.Reader) (map[string]string, error) {
	m := map[string]string{}
	var lastKey string
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey == "" {
				return nil, fmt.Errorf("line %d: continuation without key", lineno)
			}
			m[lastKey] += " " + strings.TrimSpace(line)
			continue
		}
		t := strings.SplitN(line, ":", 2)
		if len(t) != 2 || strings.ContainsAny(t[0], " \t") {
			t = strings.Fields(line)
			if len(t) < 2 {
				return nil, fmt.Errorf("line %d: missing value", lineno)
			}
			t = []string{t[0], strings.Join(t[1:], " ")}
		}
		key := strings.ToLower(strings.TrimSpace(t[0]))
		value := strings.TrimSpace(t[1])
		if key == "" || value == "" {
			return nil, fmt.Errorf("line %d: empty key or value", lineno)
		}
		m[key] = value
		lastKey = key
	}
	return m, scanner.Err()
}

func cmdTablePrint(c *cmd) {
	c.params = "table"
	c.help = `Prints the entries of a lookup table, sorted by key.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	m, err := auxlookup.ReadTable(args[0])
	xcheckf(err, "reading table")
	keys := maps.Keys(m)
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Printf("%s\t%s\n", k, m[k])
	}
}

func cmdLoglevels(c *cmd) {
	c.params = "[level [pkg]]"
	c.help = `Print the log levels, or set a new default log level, or a level for the given package.

By default, a single log level applies to all logging in the archiver. But for
each "pkg", an overriding log level can be configured. Examples of packages:
mtpserver, relay, archive, storage, ledger, auxlookup, backend.

Log levels are: error, info, debug, trace, tracedata. Changes are not
persisted, they are lost at restart.

The archiver must be running with a ControlListen address configured.
`
	args := c.Parse()
	if len(args) > 2 {
		c.Usage()
	}
	mustLoadConfig(c)
	ctl := xctl()
	if len(args) == 0 {
		var levels map[string]string
		ctl.xcall("LogLevels", &levels)
		keys := maps.Keys(levels)
		slices.Sort(keys)
		for _, pkg := range keys {
			name := pkg
			if name == "" {
				name = "(default)"
			}
			fmt.Printf("%s: %s\n", name, levels[pkg])
		}
		return
	}
	var pkg string
	if len(args) == 2 {
		pkg = args[1]
	}
	ctl.xcall("LogLevelSet", nil, pkg, args[0])
}

func cmdAuxReload(c *cmd) {
	c.help = `Makes a running archiver load its lookup tables, also when unchanged.

The archiver must be running with a ControlListen address configured.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig(c)
	var changed []string
	xctl().xcall("AuxReload", &changed)
	fmt.Printf("loaded: %s\n", strings.Join(changed, ", "))
}

// resolvePath makes p absolute relative to the working directory, for
// messages.
func resolvePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
