package mtpserver

import (
	"fmt"
)

// mtpError is raised with panic by command handlers, and recovered in the
// command loop, which writes the reply and continues with the next command.
type mtpError struct {
	code   int
	secode string
	msg    string // Sent to the client.
	err    error  // For logging, can be nil.
}

func (e mtpError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e mtpError) Unwrap() error { return e.err }

func xmtpErrorf(code int, secode string, err error, format string, args ...any) {
	panic(mtpError{code, secode, fmt.Sprintf(format, args...), err})
}
