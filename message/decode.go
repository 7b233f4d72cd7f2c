package message

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	gomessage "github.com/emersion/go-message"
)

func init() {
	// Also used by go-message for decoding parts and headers.
	gomessage.CharsetReader = charsetReader
}

var wordDecoder = mime.WordDecoder{CharsetReader: charsetReader}

// charsetReader returns a reader that decodes from charset to utf-8.
func charsetReader(charset string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "utf-8", "us-ascii", "":
		return r, nil
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// DecodeHeader decodes RFC 2047 encoded words in s. If decoding fails, s is
// returned unchanged.
func DecodeHeader(s string) string {
	d, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return d
}
