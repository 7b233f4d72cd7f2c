package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
)

// Part describes a leaf part of a message, for the archive catalog.
type Part struct {
	ContentType string // Lower-case media type, e.g. "text/plain".
	Charset     string `json:",omitempty"`
	Disposition string `json:",omitempty"` // E.g. "attachment" or "inline".
	Filename    string `json:",omitempty"`
	Size        int64  // Of the decoded body.
}

// maximum nesting of multiparts that is followed.
const maxPartDepth = 8

// Parts parses the message in raw and returns its leaf parts. Parts that
// cannot be parsed are skipped, with an error in errs. A message that cannot
// be parsed at all results in no parts.
func Parts(raw []byte) (parts []Part, errs []error) {
	e, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return nil, []error{fmt.Errorf("parsing message: %w", err)}
	} else if err != nil {
		errs = append(errs, err)
	}
	walk(e, 0, &parts, &errs)
	return parts, errs
}

func walk(e *gomessage.Entity, depth int, parts *[]Part, errs *[]error) {
	mr := e.MultipartReader()
	if mr == nil {
		p, err := describe(e)
		if err != nil {
			*errs = append(*errs, err)
			return
		}
		*parts = append(*parts, p)
		return
	}
	defer mr.Close()
	if depth >= maxPartDepth {
		*errs = append(*errs, errors.New("multipart nested too deep"))
		return
	}
	for {
		pe, err := mr.NextPart()
		if err == io.EOF {
			return
		} else if err != nil && pe != nil && (gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err)) {
			*errs = append(*errs, err)
		} else if err != nil {
			// Boundary structure is broken, no further parts can be found.
			*errs = append(*errs, fmt.Errorf("reading next part: %w", err))
			return
		}
		walk(pe, depth+1, parts, errs)
	}
}

func describe(e *gomessage.Entity) (Part, error) {
	var p Part
	ct, params, err := e.Header.ContentType()
	if err != nil || ct == "" {
		ct = "text/plain"
	}
	p.ContentType = strings.ToLower(ct)
	p.Charset = strings.ToLower(params["charset"])
	if disp, dparams, err := e.Header.ContentDisposition(); err == nil {
		p.Disposition = strings.ToLower(disp)
		p.Filename = dparams["filename"]
	}
	if p.Filename == "" {
		p.Filename = params["name"]
	}
	n, err := io.Copy(io.Discard, e.Body)
	if err != nil {
		return Part{}, fmt.Errorf("reading part %s: %w", p.ContentType, err)
	}
	p.Size = n
	return p, nil
}
