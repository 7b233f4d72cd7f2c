package mtpserver

import (
	"fmt"
	"strings"
)

// Dialect is the command dialect spoken by a listener, LMTP or SMTP. Both
// share the same state machine, and differ in the greeting command and in the
// number of replies sent after message data.
type Dialect interface {
	Name() string

	// Hello reports whether verb (lower case) is a greeting command in this
	// dialect, and whether the reply lists capabilities.
	Hello(verb string) (ok, extended bool)

	// Replies returns the number of replies to the end of message data, for a
	// transaction with nrcpt recipients.
	Replies(nrcpt int) int
}

var (
	LMTP Dialect = lmtpDialect{}
	SMTP Dialect = smtpDialect{}
)

type lmtpDialect struct{}

func (lmtpDialect) Name() string { return "lmtp" }

func (lmtpDialect) Hello(verb string) (bool, bool) {
	return verb == "lhlo", true
}

// RFC 2033
func (lmtpDialect) Replies(nrcpt int) int { return nrcpt }

type smtpDialect struct{}

func (smtpDialect) Name() string { return "smtp" }

func (smtpDialect) Hello(verb string) (bool, bool) {
	switch verb {
	case "ehlo":
		return true, true
	case "helo":
		return true, false
	}
	return false, false
}

func (smtpDialect) Replies(nrcpt int) int { return 1 }

// DialectByName returns the dialect for "lmtp" or "smtp".
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "lmtp":
		return LMTP, nil
	case "smtp":
		return SMTP, nil
	}
	return nil, fmt.Errorf("unknown dialect %q", name)
}
