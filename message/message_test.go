package message

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %#v, expected %#v", got, exp)
	}
}

const testMsg = `From: Mechiel <mjl@example.org>
To: a@example.org, "B, Person" <B@example.org>
Cc: a@example.org, c@example.org
Subject: =?iso-8859-1?q?caf=E9?= report
Date: Mon, 01 Jan 2024 10:00:00 +0100
Message-Id: <1@example.org>
X-Long: first
	second

body
X-Archiver-ID: not a header
`

func TestParse(t *testing.T) {
	m := Parse([]byte(testMsg))
	tcompare(t, len(m.Fields), 7)
	tcompare(t, m.Get("x-long"), "first second")
	tcompare(t, m.Get("missing"), "")
	tcompare(t, m.Subject(), "café report")
	_, ok := m.ArchiverID()
	tcompare(t, ok, false)

	from, ok := m.From("")
	tcompare(t, from, "mjl@example.org")
	tcompare(t, ok, true)
	rcpts, ok := m.Recipients(nil)
	tcompare(t, rcpts, []string{"a@example.org", "b@example.org", "c@example.org"})
	tcompare(t, ok, true)

	d, ok := m.Date()
	tcompare(t, ok, true)
	tcompare(t, d.UTC(), time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))

	tcompare(t, m.MessageID("127.0.0.1"), "<1@example.org>")

	_, dup := m.DuplicateHeader()
	tcompare(t, dup, false)
}

func TestFallbacks(t *testing.T) {
	m := Parse([]byte("From: a@example.org, b@example.org\nDate: bogus\n\nbody\n"))
	from, ok := m.From("Env@Example.org")
	tcompare(t, from, "env@example.org")
	tcompare(t, ok, true)
	_, ok = m.From("")
	tcompare(t, ok, false)

	rcpts, ok := m.Recipients([]string{"x@example.org", "", "x@example.org"})
	tcompare(t, rcpts, []string{"x@example.org"})
	tcompare(t, ok, true)
	_, ok = m.Recipients(nil)
	tcompare(t, ok, false)

	_, ok = m.Date()
	tcompare(t, ok, false)
	tcompare(t, m.Subject(), "No Subject")

	mid := m.MessageID("127.0.0.1:2003")
	if !strings.HasPrefix(mid, "<") || !strings.HasSuffix(mid, "/NMA@127.0.0.1:2003>") {
		t.Fatalf("bad synthetic message-id %q", mid)
	}
	if mid == m.MessageID("127.0.0.1:2003") {
		t.Fatalf("synthetic message-id not unique")
	}

	// One bad address in To does not drop the others.
	m = Parse([]byte("To: good@example.org, <bad\n\n"))
	tcompare(t, m.AddressList("To"), []string{"good@example.org"})
	tcompare(t, Localpart("postmaster@example.org"), "postmaster")
}

func TestDuplicateHeader(t *testing.T) {
	m := Parse([]byte("Subject: a\nReceived: x\nReceived: y\nsubject: b\n\n"))
	name, dup := m.DuplicateHeader()
	tcompare(t, dup, true)
	tcompare(t, name, "Subject")
}

func TestHash(t *testing.T) {
	h0 := Parse([]byte(testMsg)).Hash()
	tcompare(t, len(h0), 64)

	// Body, folding, other headers and the archiver header don't matter.
	other := strings.Replace(testMsg, "body", "other body", 1)
	other = strings.Replace(other, "Subject: =?iso-8859-1?q?caf=E9?= report", "Subject: =?iso-8859-1?q?caf=E9?=\n  report", 1)
	other = "Received: from somewhere\nX-Archiver-ID: 2024-1\n" + other
	tcompare(t, Parse([]byte(other)).Hash(), h0)

	changed := strings.Replace(testMsg, "<1@example.org>", "<2@example.org>", 1)
	if Parse([]byte(changed)).Hash() == h0 {
		t.Fatalf("hash did not change with message-id")
	}
}

func TestStamp(t *testing.T) {
	m := Parse([]byte("Subject: test\nTo: x@example.org\n\nbody\n"))
	tcompare(t, string(m.Stamp("2024-17")), "Subject: test\nTo: x@example.org\nX-Archiver-ID: 2024-17\n\nbody\n")

	// Existing headers are replaced in place, duplicates removed.
	m = Parse([]byte("Subject: test\r\nx-archiver-id: 1-1\r\nTo: x@example.org\r\nX-Archiver-ID: 2-2\r\n\tcontinued\r\n\r\nX-Archiver-ID: body\r\n"))
	stamped := string(m.Stamp("2024-17"))
	tcompare(t, stamped, "Subject: test\r\nX-Archiver-ID: 2024-17\r\nTo: x@example.org\r\n\r\nX-Archiver-ID: body\r\n")
	tcompare(t, strings.Count(stamped, "X-Archiver-ID: 2024-17"), 1)

	tcompare(t, string(m.Strip()), "Subject: test\r\nTo: x@example.org\r\n\r\nX-Archiver-ID: body\r\n")

	// Message without body.
	m = Parse([]byte("Subject: test"))
	tcompare(t, string(m.Stamp("1-2")), "Subject: test\nX-Archiver-ID: 1-2\n")

	// Stamping does not change the hash.
	m = Parse([]byte(testMsg))
	tcompare(t, Parse(m.Stamp("2024-17")).Hash(), m.Hash())
	id, ok := Parse(m.Stamp("2024-17")).ArchiverID()
	tcompare(t, id, "2024-17")
	tcompare(t, ok, true)
}

func TestArchiverID(t *testing.T) {
	year, seq, err := ParseArchiverID(" 2024-17 ")
	tcompare(t, err, nil)
	tcompare(t, year, 2024)
	tcompare(t, seq, int64(17))
	tcompare(t, FormatArchiverID(year, seq), "2024-17")

	for _, s := range []string{"", "2024", "x-1", "2024-", "2024-x"} {
		if _, _, err := ParseArchiverID(s); !errors.Is(err, ErrArchiverID) {
			t.Fatalf("parse %q: got %v, expected ErrArchiverID", s, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	tcompare(t, string(Normalize([]byte("abc"))), "abc\n")
	tcompare(t, string(Normalize([]byte("abc\n"))), "abc\n")
	tcompare(t, string(Normalize(nil)), "\n")
}

func TestParts(t *testing.T) {
	const msg = `From: mjl@example.org
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary=XX

--XX
Content-Type: text/plain; charset=utf-8

hello
--XX
Content-Type: application/pdf; name=doc.pdf
Content-Disposition: attachment; filename=report.pdf
Content-Transfer-Encoding: base64

aGVsbG8=
--XX--
`
	parts, errs := Parts([]byte(msg))
	tcompare(t, len(errs), 0)
	tcompare(t, parts, []Part{
		{ContentType: "text/plain", Charset: "utf-8", Size: 5},
		{ContentType: "application/pdf", Disposition: "attachment", Filename: "report.pdf", Size: 5},
	})

	parts, _ = Parts([]byte("Subject: plain\n\ntext\n"))
	tcompare(t, len(parts), 1)
	tcompare(t, parts[0].ContentType, "text/plain")

	// A broken multipart structure keeps the parts found so far.
	parts, errs = Parts([]byte("Content-Type: multipart/mixed; boundary=XX\n\n--XX\n\none\n--XX\nContent-Type: text/plain\n"))
	if len(parts) == 0 {
		t.Fatalf("expected parts for broken multipart, errs %v", errs)
	}
}
