// Package message parses the headers of incoming messages, computes the hash
// used for deduplication, and stamps or strips the X-Archiver-ID header.
//
// Parsing is lenient: messages are relayed as received, with only the
// X-Archiver-ID header changed, so a malformed header is kept as is.
package message

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/emersion/go-message/mail"
	"github.com/oklog/ulid/v2"
)

// ArchiverHeader is the header holding the archive identifier.
const ArchiverHeader = "X-Archiver-ID"

var ErrArchiverID = errors.New("invalid archiver id")

// Header fields that are part of the hash, in order.
var hashHeaders = []string{"Message-Id", "Date", "From", "Sender", "To", "Cc", "Subject"}

// Header fields that may occur only once, RFC 5322 section 3.6.
var singleHeaders = []string{"Date", "From", "Sender", "Reply-To", "To", "Cc", "Bcc", "Message-Id", "In-Reply-To", "References", "Subject"}

// Field is a header field.
type Field struct {
	Name  string // As in message, canonical case is not enforced.
	Value string // Unfolded, trimmed.

	start, end int // Offsets of the raw field, including continuation lines and line ending.
}

// Message is a parsed message. It holds a reference to the raw data.
type Message struct {
	Raw    []byte
	Fields []Field

	headerEnd int    // Offset of the empty line separating header and body, or len(Raw).
	nl        string // Line ending of header lines.
}

// Normalize returns buf with a line ending added if it doesn't end with one.
func Normalize(buf []byte) []byte {
	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		return append(buf[:len(buf):len(buf)], '\n')
	}
	return buf
}

// Parse parses the header section of raw. Lines up to the first empty line
// are header lines. Lines starting with whitespace continue the previous
// field. Lines without colon are skipped.
func Parse(raw []byte) *Message {
	m := &Message{Raw: raw, headerEnd: len(raw), nl: "\n"}
	if i := bytes.IndexByte(raw, '\n'); i > 0 && raw[i-1] == '\r' {
		m.nl = "\r\n"
	}

	o := 0
	cur := -1
	for o < len(raw) {
		e := bytes.IndexByte(raw[o:], '\n')
		var next int
		if e < 0 {
			next = len(raw)
		} else {
			next = o + e + 1
		}
		line := strings.TrimRight(string(raw[o:next]), "\r\n")
		if line == "" {
			m.headerEnd = o
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if cur >= 0 {
				f := &m.Fields[cur]
				f.Value = strings.TrimSpace(f.Value + " " + strings.TrimSpace(line))
				f.end = next
			}
		} else if name, value, ok := strings.Cut(line, ":"); ok && name != "" && !strings.ContainsAny(name, " \t") {
			m.Fields = append(m.Fields, Field{name, strings.TrimSpace(value), o, next})
			cur = len(m.Fields) - 1
		} else {
			cur = -1
		}
		o = next
	}
	return m
}

// Values returns the values of all fields with name, case-insensitive.
func (m *Message) Values(name string) []string {
	var l []string
	for _, f := range m.Fields {
		if strings.EqualFold(f.Name, name) {
			l = append(l, f.Value)
		}
	}
	return l
}

// Get returns the value of the first field with name, or the empty string.
func (m *Message) Get(name string) string {
	for _, f := range m.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has returns whether a field with name is present.
func (m *Message) Has(name string) bool {
	for _, f := range m.Fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Hash returns the hex-encoded BLAKE2b-256 hash over the identifying header
// fields. The body and the X-Archiver-ID header are not part of the hash, so a
// message hashes the same before and after stamping.
func (m *Message) Hash() string {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err) // Only for invalid keys.
	}
	for _, name := range hashHeaders {
		for _, v := range m.Values(name) {
			fmt.Fprintf(h, "%s:%s\n", strings.ToLower(name), strings.Join(strings.Fields(v), " "))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DuplicateHeader returns the name of the first field that may only occur once
// but occurs more than once.
func (m *Message) DuplicateHeader() (string, bool) {
	for _, name := range singleHeaders {
		n := 0
		for _, f := range m.Fields {
			if strings.EqualFold(f.Name, name) {
				n++
			}
		}
		if n > 1 {
			return name, true
		}
	}
	return "", false
}

// MailHeader returns the header fields as go-message mail header, for
// decoding of address lists, dates and encoded words.
func (m *Message) MailHeader() mail.Header {
	var h mail.Header
	// Add prepends, so add in reverse to keep the message order.
	for i := len(m.Fields) - 1; i >= 0; i-- {
		h.Add(m.Fields[i].Name, m.Fields[i].Value)
	}
	return h
}

// Date returns the parsed Date header.
func (m *Message) Date() (time.Time, bool) {
	if !m.Has("Date") {
		return time.Time{}, false
	}
	h := m.MailHeader()
	t, err := h.Date()
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// Subject returns the decoded Subject header, or "No Subject" when absent.
// Undecodable encoded words are returned as is.
func (m *Message) Subject() string {
	if !m.Has("Subject") {
		return "No Subject"
	}
	return DecodeHeader(m.Get("Subject"))
}

// MessageID returns the Message-Id header, or a new synthetic id for
// listenAddress when absent.
func (m *Message) MessageID(listenAddress string) string {
	if v := m.Get("Message-Id"); v != "" {
		return v
	}
	return NewMessageID(listenAddress)
}

// NewMessageID returns a new unique message-id, for messages without one.
func NewMessageID(listenAddress string) string {
	return "<" + ulid.Make().String() + "/NMA@" + listenAddress + ">"
}

// ArchiverID returns the X-Archiver-ID header value, if present.
func (m *Message) ArchiverID() (string, bool) {
	for _, f := range m.Fields {
		if strings.EqualFold(f.Name, ArchiverHeader) {
			return f.Value, true
		}
	}
	return "", false
}

// FormatArchiverID returns the archive identifier for year and sequence.
func FormatArchiverID(year int, seq int64) string {
	return fmt.Sprintf("%d-%d", year, seq)
}

// ParseArchiverID parses an archive identifier of the form "year-sequence".
func ParseArchiverID(s string) (year int, seq int64, rerr error) {
	ys, ss, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: missing dash in %q", ErrArchiverID, s)
	}
	year, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad year in %q", ErrArchiverID, s)
	}
	seq, err = strconv.ParseInt(strings.TrimSpace(ss), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad sequence in %q", ErrArchiverID, s)
	}
	return year, seq, nil
}

// Stamp returns a copy of the raw message with a single X-Archiver-ID header
// with value id. An existing header is replaced in place, further occurrences
// are removed. Without existing header, the header is added at the end of the
// header section.
func (m *Message) Stamp(id string) []byte {
	field := ArchiverHeader + ": " + id + m.nl
	return m.rewrite(&field)
}

// Strip returns a copy of the raw message without X-Archiver-ID headers.
func (m *Message) Strip() []byte {
	return m.rewrite(nil)
}

func (m *Message) rewrite(field *string) []byte {
	var b bytes.Buffer
	b.Grow(len(m.Raw) + 64)
	o := 0
	placed := false
	for _, f := range m.Fields {
		if !strings.EqualFold(f.Name, ArchiverHeader) {
			continue
		}
		b.Write(m.Raw[o:f.start])
		if field != nil && !placed {
			b.WriteString(*field)
			placed = true
		}
		o = f.end
	}
	if field != nil && !placed {
		b.Write(m.Raw[o:m.headerEnd])
		// Header section without line ending at end of message.
		if m.headerEnd > 0 && m.Raw[m.headerEnd-1] != '\n' {
			b.WriteString(m.nl)
		}
		b.WriteString(*field)
		o = m.headerEnd
	}
	b.Write(m.Raw[o:])
	return b.Bytes()
}
