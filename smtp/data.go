package smtp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

var ErrMessageTooLarge = errors.New("message too large")

// DataWrite reads data (a mail message) from r, and writes it to smtp
// connection w with dot stuffing, as required by the SMTP data command. Lines
// may end in "\n" or "\r\n", they are written with "\r\n". A final line without
// line ending gets one. The terminating ".\r\n" is written at the end.
func DataWrite(w io.Writer, r io.Reader) error {
	// RFC 5321

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// Write the partial line, without looking at line endings. We only insert a
			// dot at the start of a line, and this is not the start of the next line.
			if len(line) > 0 && line[0] == '.' {
				if _, err := w.Write([]byte{'.'}); err != nil {
					return err
				}
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
			if err := writeRest(w, br); err != nil {
				return err
			}
			continue
		}
		if len(line) > 0 {
			if line[0] == '.' {
				if _, err := w.Write([]byte{'.'}); err != nil {
					return err
				}
			}
			if err := writeLine(w, line); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	_, err := w.Write(dotcrlf)
	return err
}

// writeRest writes the remainder of a long line, which started with a partial
// read.
func writeRest(w io.Writer, br *bufio.Reader) error {
	for {
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			if _, err := w.Write(line); err != nil {
				return err
			}
			continue
		}
		if len(line) > 0 {
			if err := writeLine(w, line); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		return err
	}
}

// writeLine writes line with its line ending replaced by crlf.
func writeLine(w io.Writer, line []byte) error {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if _, err := w.Write(line); err != nil {
		return err
	}
	_, err := w.Write(crlf)
	return err
}

var crlf = []byte("\r\n")
var dotcrlf = []byte(".\r\n")

// ReadData reads the message data following a DATA command, until the line
// consisting of a single dot. A leading dot is removed from lines that start
// with one (RFC 5321). Lines are returned joined with "\n".
//
// If maxSize is > 0 and the message exceeds it, the remaining data is still
// consumed until the end of the message to keep the protocol in sync, and
// ErrMessageTooLarge is returned.
//
// An EOF before the end of the message results in io.ErrUnexpectedEOF.
func ReadData(r *bufio.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var line []byte
	toolarge := false
	for {
		part, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			line = append(line, part...)
			continue
		} else if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		} else if err != nil {
			return nil, fmt.Errorf("reading message data: %w", err)
		}
		line = append(line, part...)
		if bytes.Equal(line, dotcrlf) {
			break
		}
		s := bytes.TrimSuffix(bytes.TrimSuffix(line, []byte("\n")), []byte("\r"))
		if len(s) > 0 && s[0] == '.' {
			s = s[1:]
		}
		if !toolarge {
			buf.Write(s)
			buf.WriteByte('\n')
			if maxSize > 0 && int64(buf.Len()) > maxSize {
				toolarge = true
				buf.Reset()
			}
		}
		line = line[:0]
	}
	if toolarge {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}
