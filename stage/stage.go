package stage

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mjl-/archiver/archiver-"
	"github.com/mjl-/archiver/auxlookup"
	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/ledger"
	"github.com/mjl-/archiver/mlog"
	"github.com/mjl-/archiver/mtpserver"
)

// Stage is a running archive or storage stage, with its own listener, ledger
// and backend.
type Stage struct {
	Kind    string
	conf    config.Stage
	log     mlog.Log
	ledger  *ledger.Ledger
	backend backend.Backend
	server  *mtpserver.Server
	ln      net.Listener
	started time.Time
	timeout time.Duration // Grace for an in-flight transaction when stopping.

	done     chan struct{} // Closed when Serve returned.
	stopOnce sync.Once

	sync.Mutex
	err error // From Serve, a fatal processing error.
}

// Status is the state of a stage, for the control API.
type Status struct {
	Kind        string
	Input       string
	Output      string
	Backend     string
	LedgerFile  string
	Started     time.Time
	Connections int
	Running     bool
	Error       string
}

// Start opens the ledger and backend for conf, binds the input address and
// starts serving connections in a goroutine.
func Start(ctx context.Context, log mlog.Log, conf config.Stage, settings Settings, aux *auxlookup.Lookup) (rs *Stage, rerr error) {
	log = log.WithPkg(conf.Kind)

	l, err := ledger.Open(ctx, log, conf.LedgerFile, conf.Kind)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr != nil {
			err := l.Close()
			log.Check(err, "closing ledger")
		}
	}()

	b, err := backend.New(log, conf.Backend, conf.Kind, conf)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr != nil {
			b.Shutdown()
		}
	}()

	dialect, err := mtpserver.DialectByName(conf.InputAddr.Dialect)
	if err != nil {
		return nil, err
	}

	ln, err := archiver.Listen(conf.InputAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", conf.InputAddr, err)
	}

	p := NewProcessor(conf, settings, l, b, aux)
	sconf := mtpserver.Config{
		Stage:          conf.Kind,
		Dialect:        dialect,
		Hostname:       settings.Hostname,
		Banner:         conf.Banner,
		Timeout:        settings.Timeout,
		MaxMessageSize: settings.MaxMessageSize,
	}
	timeout := settings.Timeout
	if timeout == 0 {
		timeout = config.DefaultTimeout
	}
	s := &Stage{
		Kind:    conf.Kind,
		conf:    conf,
		log:     log,
		ledger:  l,
		backend: b,
		server:  mtpserver.New(log, sconf, p),
		ln:      ln,
		started: time.Now(),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go s.serve()
	log.Print("stage started", slog.Any("input", conf.InputAddr), slog.Any("output", conf.OutputAddr), slog.String("backend", conf.Backend))
	return s, nil
}

func (s *Stage) serve() {
	defer close(s.done)
	err := s.server.Serve(s.ln)
	s.Lock()
	s.err = err
	s.Unlock()
	if err != nil {
		s.log.Errorx("stage stopped after fatal error", err)
	}
}

// Done returns a channel that is closed when the stage stopped serving, after
// Stop or a fatal error.
func (s *Stage) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that stopped the stage, if any.
func (s *Stage) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.err
}

// Ledger returns the ledger of the stage, for the control API.
func (s *Stage) Ledger() *ledger.Ledger {
	return s.ledger
}

// Addr returns the address the stage is listening on.
func (s *Stage) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop stops accepting connections and transactions. Unless nowait is set,
// it waits for an in-flight transaction until ctx is done. The backend is shut
// down and the ledger closed only after the in-flight transaction finished,
// giving it at most the command timeout once ctx is done or with nowait. Stop
// can be called multiple times.
func (s *Stage) Stop(ctx context.Context, nowait bool) {
	s.stopOnce.Do(func() {
		s.server.Shutdown(ctx, !nowait)
		select {
		case <-s.done:
		case <-ctx.Done():
			s.log.Error("stage did not stop in time")
		}
		if !s.server.Idle(ctx) {
			s.log.Info("waiting for in-flight transaction before closing backend and ledger")
			wctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if !s.server.Idle(wctx) {
				s.log.Error("closing backend and ledger with transaction in flight")
			}
			cancel()
		}
		s.backend.Shutdown()
		err := s.ledger.Close()
		s.log.Check(err, "closing ledger")
		s.log.Print("stage stopped")
	})
}

// Status returns the current state of the stage.
func (s *Stage) Status() Status {
	st := Status{
		Kind:        s.Kind,
		Input:       s.conf.InputAddr.String(),
		Output:      s.conf.OutputAddr.String(),
		Backend:     s.conf.Backend,
		LedgerFile:  s.conf.LedgerFile,
		Started:     s.started,
		Connections: archiver.Connections.Count(s.Kind),
	}
	select {
	case <-s.done:
	default:
		st.Running = true
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}
