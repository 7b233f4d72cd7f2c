package smtp

import (
	"errors"
	"regexp"
	"strings"
)

// Errors returned by ParseEnvelopeArg.
var (
	ErrBadKeyword      = errors.New("bad command syntax")
	ErrNonASCII        = errors.New("non 7bit")
	ErrUnmatched       = errors.New("unmatched address syntax")
	ErrBadOptionSyntax = errors.New("bad option syntax")
	ErrTooManyAtSigns  = errors.New("too many @")
	ErrBadQuoting      = errors.New("bad quoted sequence")
)

// Characters that must be escaped with a backslash in an envelope address.
const special = `<>()[]," `

var (
	routedAddr = regexp.MustCompile(`^<@.*:(.*)>(.*)$`)
	plainAddr  = regexp.MustCompile(`^<(.*)>(.*)$`)
)

// ParseEnvelopeArg parses the argument of a MAIL or RCPT command, e.g.
// "FROM:<user@example.org> BODY=8BITMIME" with keyword "FROM:". It returns the
// unescaped address and the options following it.
//
// A source route ("<@relay:user@example.org>") is dropped. The null address
// "<>" is returned as an empty address without error.
func ParseEnvelopeArg(keyword, arg string) (address, options string, rerr error) {
	if len(arg) < len(keyword) || !strings.EqualFold(arg[:len(keyword)], keyword) {
		return "", "", ErrBadKeyword
	}
	s := strings.TrimSpace(arg[len(keyword):])

	for _, c := range s {
		if c >= 0x80 {
			return "", "", ErrNonASCII
		}
	}

	var m []string
	if m = routedAddr.FindStringSubmatch(s); m == nil {
		if m = plainAddr.FindStringSubmatch(s); m == nil {
			return "", "", ErrUnmatched
		}
	}
	address, options = m[1], m[2]

	if options != "" && options[0] != ' ' {
		return "", "", ErrBadOptionSyntax
	}
	options = strings.TrimSpace(options)

	if address == "" {
		return "", options, nil
	}

	if strings.Count(address, "@") > 1 {
		return "", "", ErrTooManyAtSigns
	}

	local, domain, haveDomain := strings.Cut(address, "@")
	local, ok := unescape(local)
	if !ok || local == "" {
		return "", "", ErrBadQuoting
	}
	if !haveDomain {
		return local, options, nil
	}
	domain, ok = unescape(domain)
	if !ok {
		return "", "", ErrBadQuoting
	}
	return local + "@" + domain, options, nil
}

// unescape checks that all special characters in s are preceded by a
// backslash, and removes the backslash from escaped special characters and
// escaped backslashes.
func unescape(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(special, s[i]) >= 0 && (i == 0 || s[i-1] != '\\') {
			return "", false
		}
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '\\' || strings.IndexByte(special, s[i+1]) >= 0) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String(), true
}

// Param is a mail or rcpt parameter, e.g. "NOTIFY=SUCCESS,FAILURE".
type Param struct {
	Key   string // Upper case.
	Value string // Empty if parameter has no value.
}

func (p Param) String() string {
	if p.Value == "" {
		return p.Key
	}
	return p.Key + "=" + p.Value
}

// ParseParams splits the options returned by ParseEnvelopeArg into parameters.
func ParseParams(options string) []Param {
	var l []Param
	for _, s := range strings.Fields(options) {
		k, v, _ := strings.Cut(s, "=")
		l = append(l, Param{strings.ToUpper(k), v})
	}
	return l
}

// FindParam returns the value of the parameter with key, case-insensitive.
func FindParam(params []Param, key string) (string, bool) {
	for _, p := range params {
		if strings.EqualFold(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}
