/*
Command archiver is an intercepting mail proxy that archives messages exactly
once on their way between two MTAs.

An archive stage accepts messages over LMTP or SMTP, records their metadata
through a backend, stamps the archive identifier in an X-Archiver-ID header
and relays them to the next hop. A storage stage stores the full message of
stamped messages through a backend and relays them. Messages already
processed are recognized by a hash of their identifying headers.

	archiver [-config archiver.conf] [-loglevel level] [-logfmt] ...
	archiver serve
	archiver config test
	archiver config describe >archiver.conf
	archiver ledger lookup stage hash
	archiver ledger remove stage hash
	archiver ledger recent [-n limit] stage
	archiver table import table <source
	archiver table print table
	archiver loglevels [level [pkg]]
	archiver aux reload
	archiver help [command ...]
	archiver version

Use "archiver help command" for details about a command.
*/
package main
