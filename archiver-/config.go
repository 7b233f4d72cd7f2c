package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/net/idna"

	"github.com/mjl-/sconf"

	"github.com/mjl-/archiver/archvar"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

var pkglog = mlog.New("archiver", nil)

// Config paths are set early in program startup.
var (
	ConfigStaticPath string
	Conf             = Config{Log: map[string]slog.Level{"": slog.LevelError}}
)

var (
	ErrConfig    = errors.New("config error")
	ErrNoPidFile = errors.New("missing pid file in config")
	ErrNoStages  = errors.New("no stages configured")
)

// Stage kinds.
const (
	StageArchive = "archive"
	StageStorage = "storage"
)

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex // For accessing the log levels.
	Log      map[string]slog.Level
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default log
// value that is used if no explicit log level is configured for a package.
// This change is ephemeral, no config file is changed.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := maps.Clone(c.Log)
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]slog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return maps.Clone(c.Log)
}

// Stages returns the configured stages, archive first.
func (c *Config) Stages() []*config.Stage {
	var l []*config.Stage
	if c.Static.Archive != nil {
		l = append(l, c.Static.Archive)
	}
	if c.Static.Storage != nil {
		l = append(l, c.Static.Storage)
	}
	return l
}

// LoadConfig parses the config file at ConfigStaticPath, sets the log levels
// and makes the config the active config in Conf.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath, false)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{Static: c.Static, Log: c.Log}
}

// ParseConfig parses the static config at path p. If checkOnly is true, no
// changes are made, such as creating the data directory.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("ARCHIVERCONF") == "" {
			return nil, []error{fmt.Errorf("%w: open config file: %v (hint: use archiver -config ... or set ARCHIVERCONF=...)", ErrConfig, err)}
		}
		return nil, []error{fmt.Errorf("%w: open config file: %v", ErrConfig, err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("%w: parsing %s%v", ErrConfig, p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the parsed config, fills in defaults and parses
// addresses. Paths are resolved relative to the directory of configFile.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...))
	}

	c := &conf.Static

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]slog.Level{"": slog.LevelError}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if !checkOnly {
		if err := os.MkdirAll(configDirPath(configFile, c.DataDir), 0770); err != nil {
			addErrorf("creating data directory: %v", err)
		}
	}

	if c.PidFile == "" {
		errs = append(errs, fmt.Errorf("%w: %w", ErrConfig, ErrNoPidFile))
	} else {
		c.PidFile = dataDirPath(configFile, c.DataDir, c.PidFile)
	}

	if c.Hostname == "" {
		name, err := os.Hostname()
		if err != nil {
			addErrorf("looking up system hostname: %v", err)
		}
		c.Hostname = name
	}
	if c.Hostname != "" {
		if name, err := idna.Lookup.ToASCII(c.Hostname); err != nil {
			addErrorf("invalid hostname %q: %v", c.Hostname, err)
		} else {
			c.Hostname = name
		}
	}

	if c.Timeout == 0 {
		c.Timeout = config.DefaultTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	if c.MaxMessageSize < 0 {
		addErrorf("MaxMessageSize must be >= 0")
	}

	var whitelist []string
	for _, s := range c.Whitelist {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "@") {
			addErrorf("whitelist entry %q must be a localpart without domain", s)
		}
		whitelist = append(whitelist, s)
	}
	c.Whitelist = whitelist

	if a := c.AuxLookup; a != nil {
		a.QuotaFile = configDirPath(configFile, a.QuotaFile)
		a.VirtualFile = configDirPath(configFile, a.VirtualFile)
		a.AliasesFile = configDirPath(configFile, a.AliasesFile)
		if (a.VirtualFile == "") != (a.AliasesFile == "") {
			addErrorf("AuxLookup: VirtualFile and AliasesFile must be configured together")
		}
		if a.QuotaFile != "" && a.VirtualFile == "" {
			addErrorf("AuxLookup: QuotaFile requires VirtualFile and AliasesFile for resolving senders to mailboxes")
		}
		if a.Interval == 0 {
			a.Interval = config.DefaultAuxInterval
		} else if a.Interval < 0 {
			addErrorf("AuxLookup: Interval must be positive")
		}
	}

	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			addErrorf("MetricsListen: %v", err)
		}
	}
	if c.ControlListen != "" {
		if _, _, err := net.SplitHostPort(c.ControlListen); err != nil {
			addErrorf("ControlListen: %v", err)
		}
	}

	prepareStage := func(kind string, s *config.Stage) {
		s.Kind = kind
		var err error
		if s.InputAddr, err = ParseAddr(s.Input); err != nil {
			addErrorf("stage %s: Input: %v", kind, err)
		}
		if s.OutputAddr, err = ParseAddr(s.Output); err != nil {
			addErrorf("stage %s: Output: %v", kind, err)
		}
		if s.Backend == "" {
			addErrorf("stage %s: missing Backend", kind)
		}
		if s.LedgerFile == "" {
			s.LedgerFile = kind + "-ledger.db"
		}
		s.LedgerFile = dataDirPath(configFile, c.DataDir, s.LedgerFile)
		if s.Banner == "" {
			s.Banner = fmt.Sprintf("Netfarm Archiver [%s] version %s", kind, archvar.Version)
		}
		if s.LogLevel != "" {
			if level, ok := mlog.Levels[s.LogLevel]; ok {
				conf.Log[kind] = level
			} else {
				addErrorf("stage %s: invalid log level %q", kind, s.LogLevel)
			}
		}
		if s.Filesystem != nil {
			s.Filesystem.Directory = configDirPath(configFile, s.Filesystem.Directory)
		}
		if s.Maildir != nil {
			s.Maildir.Directory = configDirPath(configFile, s.Maildir.Directory)
		}
		if s.Mbox != nil {
			s.Mbox.Directory = configDirPath(configFile, s.Mbox.Directory)
		}
		if s.Catalog != nil {
			if s.Catalog.DatabaseFile == "" {
				s.Catalog.DatabaseFile = "catalog.db"
			}
			s.Catalog.DatabaseFile = dataDirPath(configFile, c.DataDir, s.Catalog.DatabaseFile)
		}
	}
	if c.Archive == nil && c.Storage == nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrConfig, ErrNoStages))
	}
	if c.Archive != nil {
		prepareStage(StageArchive, c.Archive)
	}
	if c.Storage != nil {
		prepareStage(StageStorage, c.Storage)
	}
	if c.Archive != nil && c.Storage != nil && c.Archive.InputAddr == c.Storage.InputAddr {
		addErrorf("archive and storage stage have the same Input address")
	}
	if c.Archive != nil && c.Storage != nil && c.Archive.LedgerFile == c.Storage.LedgerFile {
		addErrorf("archive and storage stage have the same LedgerFile")
	}

	return errs
}

// ParseAddr parses an Input or Output address of the form dialect:address,
// e.g. "lmtp:unix:/var/run/archive.sock" or "smtp:127.0.0.1:25".
func ParseAddr(s string) (config.Addr, error) {
	dialect, addr, ok := strings.Cut(s, ":")
	if !ok {
		return config.Addr{}, fmt.Errorf("missing dialect in %q, must be dialect:address", s)
	}
	dialect = strings.ToLower(dialect)
	if dialect != "lmtp" && dialect != "smtp" {
		return config.Addr{}, fmt.Errorf("unknown dialect %q, must be lmtp or smtp", dialect)
	}
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		if path == "" {
			return config.Addr{}, fmt.Errorf("missing path for unix socket in %q", s)
		}
		return config.Addr{Dialect: dialect, Network: "unix", Address: path}, nil
	}
	if _, port, err := net.SplitHostPort(addr); err != nil {
		return config.Addr{}, fmt.Errorf("parsing address %q: %v", addr, err)
	} else if port == "" {
		return config.Addr{}, fmt.Errorf("missing port in %q", addr)
	}
	return config.Addr{Dialect: dialect, Network: "tcp", Address: addr}, nil
}
