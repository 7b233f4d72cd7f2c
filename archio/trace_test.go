package archio

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/mjl-/archiver/mlog"
)

func TestTrace(t *testing.T) {
	var logbuf bytes.Buffer
	mlog.Output = &logbuf
	mlog.SetConfig(map[string]slog.Level{"": mlog.LevelTrace})
	defer func() {
		mlog.Output = os.Stderr
		mlog.SetConfig(map[string]slog.Level{"": mlog.LevelError})
	}()

	log := mlog.New("archio", nil)

	var out bytes.Buffer
	tw := NewTraceWriter(log, "S: ", &out)
	if _, err := tw.Write([]byte("250 2.0.0 Ok\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.String() != "250 2.0.0 Ok\r\n" {
		t.Fatalf("got %q", out.String())
	}
	if !strings.Contains(logbuf.String(), "S: 250 2.0.0 Ok") {
		t.Fatalf("missing trace line, got %q", logbuf.String())
	}

	// Data is only logged at tracedata level, which is not enabled.
	logbuf.Reset()
	tr := NewTraceReader(log, "C: ", strings.NewReader("secret body\r\n"))
	tr.SetTrace(mlog.LevelTracedata)
	if buf, err := io.ReadAll(tr); err != nil || string(buf) != "secret body\r\n" {
		t.Fatalf("read: %q %v", buf, err)
	}
	if logbuf.Len() != 0 {
		t.Fatalf("unexpected trace output %q", logbuf.String())
	}
}
