package smtp

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply formats a single reply line, with an enhanced status code derived from
// the three digits of ecode, e.g. 200 becomes "2.0.0". If ecode is 0, the
// digits of code are used, e.g. 550 becomes "5.5.0".
func Reply(code, ecode int, msg string) string {
	if ecode == 0 {
		ecode = code
	}
	digits := strconv.Itoa(ecode)
	return fmt.Sprintf("%d %s %s", code, strings.Join(strings.Split(digits, ""), "."), msg)
}

// ReplyCode returns the code at the start of a reply line, or 0 if the line
// does not start with a valid code.
func ReplyCode(line string) int {
	if len(line) < 3 {
		return 0
	}
	v, err := strconv.Atoi(line[:3])
	if err != nil || v < 200 || v > 599 {
		return 0
	}
	return v
}
