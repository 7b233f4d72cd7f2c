/*
Package config holds the configuration file definitions.

The archiver uses a single config file, archiver.conf. It is read at startup
and never reloaded during the lifetime of a running instance. After changes,
the archiver must be restarted. Lookup tables configured in AuxLookup are the
exception: they are reloaded when their modification time changes.

Run "archiver config describe" for an "empty" config file, generated from the
config file definitions in the source code, along with comments explaining the
fields. Run "archiver config test" to check a config file.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# Example

An archive stage behind postfix, passing messages to a storage stage, which
delivers to dovecot over LMTP:

	DataDir: /var/lib/archiver
	LogLevel: info
	PidFile: /run/archiver/archiver.pid
	Whitelist:
		- postmaster
	SubjectPattern: [no-archive]
	AuxLookup:
		QuotaFile: /etc/archiver/quota.db
		VirtualFile: /etc/archiver/virtual.db
		AliasesFile: /etc/archiver/aliases.db
	MetricsListen: 127.0.0.1:8010
	Archive:
		Input: lmtp:unix:/run/archiver/archive.sock
		Output: lmtp:127.0.0.1:2004
		Backend: catalog
		Catalog:
			DatabaseFile: catalog.db
	Storage:
		Input: lmtp:127.0.0.1:2004
		Output: lmtp:unix:/run/dovecot/lmtp
		Backend: filesystem
		Filesystem:
			Directory: /var/archive
			Compression: gzip:6
*/
package config
