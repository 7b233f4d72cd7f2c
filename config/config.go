package config

import (
	"time"
)

// MinMessageSize is the size in bytes below which a message is rejected as
// invalid by both stages.
const MinMessageSize = 8

// Defaults for optional durations.
const (
	DefaultTimeout         = 5 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
	DefaultAuxInterval     = time.Minute
)

// Static is the parsed form of the archiver.conf configuration file, before
// converting it into an archiver.Config after additional processing.
type Static struct {
	DataDir          string            `sconf:"optional" sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where ledger databases and other state is stored. If this is a relative path, it is relative to the directory of archiver.conf. Default: the directory of archiver.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, tracedata. Trace logs LMTP/SMTP protocol transcripts, tracedata also the full message data."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. mtpserver, relay, stage, ledger, auxlookup, backend)."`
	PidFile          string            `sconf-doc:"File the process id is written to, and checked on startup to prevent two instances from running. Relative to DataDir if not absolute."`
	Hostname         string            `sconf:"optional" sconf-doc:"Hostname used in the greeting and LHLO/EHLO responses and in LHLO/EHLO commands to the next hop. Default: the system hostname."`
	Timeout          time.Duration     `sconf:"optional" sconf-doc:"Idle timeout for reading commands from clients and replies from the next hop. Default: 5m."`
	ShutdownTimeout  time.Duration     `sconf:"optional" sconf-doc:"Maximum time to wait for in-flight transactions during graceful shutdown. Default: 30s."`
	NoWait           bool              `sconf:"optional" sconf-doc:"Do not wait for in-flight transactions at shutdown, close connections immediately."`
	DateFromEmail    bool              `sconf:"optional" sconf-doc:"Use the Date header of a message as archive date, instead of the time of receipt. Messages with a missing or unparsable Date header still use the time of receipt."`
	MaxMessageSize   int64             `sconf:"optional" sconf-doc:"Maximum size of incoming messages in bytes. Zero means no limit."`
	Whitelist        []string          `sconf:"optional" sconf-doc:"Localparts of addresses (sender, recipients, envelope sender) for which messages are not archived but passed through. Without domain, e.g. postmaster."`
	SubjectPattern   string            `sconf:"optional" sconf-doc:"Messages with this text in the decoded subject are not archived but passed through."`
	AuxLookup        *AuxLookup        `sconf:"optional" sconf-doc:"Lookup tables for sender quota and mailbox resolution, used by the archive stage."`
	MetricsListen    string            `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics, e.g. 127.0.0.1:8010."`
	ControlListen    string            `sconf:"optional" sconf-doc:"Address to serve the control API on at /api/, e.g. 127.0.0.1:8011. Only bind to loopback, the API has no authentication."`
	Archive          *Stage            `sconf:"optional" sconf-doc:"Archive stage: archives message metadata through a backend, stamps an X-Archiver-ID header, and relays the message."`
	Storage          *Stage            `sconf:"optional" sconf-doc:"Storage stage: stores messages carrying an X-Archiver-ID header through a backend, and relays the message."`
}

// AuxLookup configures the tables used for quota checks and mailbox lookups.
// Each table is a bbolt database with a bucket "table" holding string keys and
// values.
type AuxLookup struct {
	QuotaFile   string        `sconf:"optional" sconf-doc:"Table with quota in kilobytes, keyed by mailbox. If set, messages from senders exceeding their quota are rejected."`
	VirtualFile string        `sconf:"optional" sconf-doc:"Table mapping addresses (or @domain for catch-all) to local mailboxes or alias names. Mailbox lookup requires both VirtualFile and AliasesFile."`
	AliasesFile string        `sconf:"optional" sconf-doc:"Table mapping alias names to comma-separated lists of mailboxes, aliases or addresses."`
	PostUser    string        `sconf:"optional" sconf-doc:"If set, resolved mailbox names are prefixed with this name and a dot, e.g. for shared folders."`
	Interval    time.Duration `sconf:"optional" sconf-doc:"Interval for checking the tables for changes. Default: 1m."`
}

// Stage is the configuration of an archive or storage stage.
type Stage struct {
	Input      string      `sconf-doc:"Listen address, as dialect:address. Dialect is lmtp or smtp. Address is unix:/path/to/socket or host:port, e.g. lmtp:127.0.0.1:2003 or lmtp:unix:/var/run/archiver/archive.sock."`
	Output     string      `sconf-doc:"Next hop, as dialect:address, in the same format as Input, e.g. smtp:127.0.0.1:10025."`
	Backend    string      `sconf-doc:"Name of the backend: debug, filesystem, maildir, mbox (storage stage), catalog (archive stage)."`
	LedgerFile string      `sconf:"optional" sconf-doc:"Database file with hashes of messages already processed. Default: <stage>-ledger.db in DataDir."`
	Banner     string      `sconf:"optional" sconf-doc:"Text in the greeting after the hostname. Default: Netfarm Archiver [<stage>] version <version>."`
	LogLevel   string      `sconf:"optional" sconf-doc:"Log level for this stage, overriding the default log level."`
	Filesystem *Filesystem `sconf:"optional" sconf-doc:"Settings for the filesystem backend."`
	Maildir    *Maildir    `sconf:"optional" sconf-doc:"Settings for the maildir backend."`
	Mbox       *Mbox       `sconf:"optional" sconf-doc:"Settings for the mbox backend."`
	Catalog    *Catalog    `sconf:"optional" sconf-doc:"Settings for the catalog backend."`

	Kind       string `sconf:"-" json:"-"` // "archive" or "storage".
	InputAddr  Addr   `sconf:"-" json:"-"`
	OutputAddr Addr   `sconf:"-" json:"-"`
}

// Addr is a parsed Input or Output address.
type Addr struct {
	Dialect string // "lmtp" or "smtp".
	Network string // "unix" or "tcp".
	Address string // Path for unix, host:port for tcp.
}

func (a Addr) String() string {
	if a.Network == "unix" {
		return a.Dialect + ":unix:" + a.Address
	}
	return a.Dialect + ":" + a.Address
}

// Filesystem stores each message in its own file.
type Filesystem struct {
	Directory   string `sconf-doc:"Directory to store messages in, as <year>/<month>/<pid>. Must exist and be writable."`
	Compression string `sconf:"optional" sconf-doc:"Compress stored messages, as type:level. Type is gzip or zlib, level 0-9, e.g. gzip:6."`
	NoMetadata  bool   `sconf:"optional" sconf-doc:"Do not write a .meta file with message-id, hash and date next to each message."`
}

// Maildir stores messages in a maildir per month.
type Maildir struct {
	Directory string `sconf-doc:"Directory under which maildirs named <year>-<month> are created."`
}

// Mbox appends messages to an mbox file per month.
type Mbox struct {
	Directory string `sconf-doc:"Directory under which mbox files named <year>-<month>.mbox are created."`
}

// Catalog stores message metadata in a database.
type Catalog struct {
	DatabaseFile string `sconf:"optional" sconf-doc:"Database file. Default: catalog.db in DataDir."`
}
