package message

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// ParseAddress parses a single address, as found in an envelope or header,
// returning the lower-cased address without display name.
func ParseAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	a, err := mail.ParseAddress(s)
	if err != nil || a.Address == "" {
		return "", false
	}
	return strings.ToLower(a.Address), true
}

// AddressList returns the addresses of all fields named name. Addresses that
// cannot be parsed are skipped.
func (m *Message) AddressList(name string) []string {
	var r []string
	for _, v := range m.Values(name) {
		l, err := mail.ParseAddressList(v)
		if err == nil {
			for _, a := range l {
				r = append(r, strings.ToLower(a.Address))
			}
			continue
		}
		// Parse individually, a single bad address shouldn't drop the others.
		for _, s := range splitAddressList(v) {
			if addr, ok := ParseAddress(s); ok {
				r = append(r, addr)
			}
		}
	}
	return r
}

// splitAddressList splits at commas outside of quoted strings and angle brackets.
func splitAddressList(s string) []string {
	var l []string
	var quoted, escaped bool
	var depth int
	start := 0
	for i, c := range s {
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			depth++
		case c == '>' && depth > 0:
			depth--
		case c == ',' && depth == 0:
			l = append(l, s[start:i])
			start = i + 1
		}
	}
	return append(l, s[start:])
}

// From returns the single address in the From header. If From does not hold
// exactly one valid address, envelopeSender is used.
func (m *Message) From(envelopeSender string) (string, bool) {
	if l := m.AddressList("From"); len(l) == 1 {
		return l[0], true
	}
	return ParseAddress(envelopeSender)
}

// Recipients returns the addresses in the To header, or the envelope
// recipients if To has no valid addresses, followed by the addresses in Cc.
// Duplicates are removed, keeping the first occurrence. False is returned if
// neither To nor the envelope has a valid recipient.
func (m *Message) Recipients(envelopeRecipients []string) ([]string, bool) {
	to := m.AddressList("To")
	if len(to) == 0 {
		for _, s := range envelopeRecipients {
			if addr, ok := ParseAddress(s); ok {
				to = append(to, addr)
			}
		}
		if len(to) == 0 {
			return nil, false
		}
	}
	to = append(to, m.AddressList("Cc")...)

	var r []string
	seen := map[string]bool{}
	for _, addr := range to {
		if !seen[addr] {
			seen[addr] = true
			r = append(r, addr)
		}
	}
	return r, true
}

// Localpart returns the part of addr before the first "@".
func Localpart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}
