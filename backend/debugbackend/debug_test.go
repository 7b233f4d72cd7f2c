package debugbackend

import (
	"context"
	"testing"

	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
)

func TestDebug(t *testing.T) {
	log := mlog.New("backend", nil)
	b, err := backend.New(log, "debug", backend.Archive, config.Stage{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Shutdown()

	r0 := b.Process(context.Background(), backend.Fields{Stage: backend.Archive})
	r1 := b.Process(context.Background(), backend.Fields{Stage: backend.Archive})
	if !r0.OK || !r1.OK || r1.Seq != r0.Seq+1 || r0.Year == 0 {
		t.Fatalf("unexpected results %v %v", r0, r1)
	}

	s, err := backend.New(log, "debug", backend.Storage, config.Stage{})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if r := s.Process(context.Background(), backend.Fields{Stage: backend.Storage}); !r.OK {
		t.Fatalf("storage process failed: %v", r)
	}
	s.Shutdown()
	s.Shutdown()
}
