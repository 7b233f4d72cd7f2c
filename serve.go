package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/archiver/archiver-"
	"github.com/mjl-/archiver/archvar"
	"github.com/mjl-/archiver/auxlookup"
	"github.com/mjl-/archiver/metrics"
	"github.com/mjl-/archiver/mlog"
	"github.com/mjl-/archiver/stage"
	"github.com/mjl-/archiver/webctl"

	_ "github.com/mjl-/archiver/backend/catalog"
	_ "github.com/mjl-/archiver/backend/debugbackend"
	_ "github.com/mjl-/archiver/backend/fsbackend"
	_ "github.com/mjl-/archiver/backend/maildirbackend"
	_ "github.com/mjl-/archiver/backend/mboxbackend"
)

// instance is a started archiver: its stages, lookup tables and http
// listeners.
type instance struct {
	stages  []*stage.Stage
	aux     *auxlookup.Lookup
	servers []*http.Server
	addrs   map[string]net.Addr // By "metrics" or "control".
}

// start starts the configured stages and http listeners. On error, anything
// already started is stopped again.
func start(ctx context.Context, log mlog.Log, c *archiver.Config) (rin *instance, rerr error) {
	in := &instance{addrs: map[string]net.Addr{}}
	defer func() {
		if rerr != nil {
			in.stop(log, time.Second, true)
		}
	}()

	if c.Static.AuxLookup != nil {
		in.aux = auxlookup.New(log, *c.Static.AuxLookup)
		in.aux.Start(archiver.Shutdown)
	}

	settings := stage.NewSettings(c.Static)
	for _, sc := range c.Stages() {
		s, err := stage.Start(ctx, log, *sc, settings, in.aux)
		if err != nil {
			return nil, fmt.Errorf("starting %s stage: %w", sc.Kind, err)
		}
		in.stages = append(in.stages, s)
	}
	webctl.Init(in.stages, in.aux)

	if addr := c.Static.MetricsListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := in.listenHTTP(log, "metrics", addr, mux); err != nil {
			return nil, err
		}
	}
	if addr := c.Static.ControlListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/api/", webctl.Handler())
		if err := in.listenHTTP(log, "control", addr, mux); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (in *instance) listenHTTP(log mlog.Log, name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for %s http: %w", name, err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Logger.Handler(), slog.LevelDebug),
	}
	in.servers = append(in.servers, server)
	in.addrs[name] = ln.Addr()
	log.Print("http listener started", slog.String("name", name), slog.Any("addr", ln.Addr()))
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				log.Error("unhandled panic in http server", slog.String("name", name), slog.Any("err", x))
				debug.PrintStack()
				metrics.PanicInc("serve")
			}
		}()
		err := server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorx("http server", err, slog.String("name", name))
		}
	}()
	return nil
}

// failed returns a channel that is closed when all stages have stopped.
func (in *instance) failed() <-chan struct{} {
	c := make(chan struct{})
	go func() {
		for _, s := range in.stages {
			<-s.Done()
		}
		close(c)
	}()
	return c
}

// stop stops the stages, waiting at most timeout for in-flight transactions
// unless nowait is set, then closes remaining connections and the http
// listeners.
func (in *instance) stop(log mlog.Log, timeout time.Duration, nowait bool) {
	// New connections and commands are refused from now on.
	archiver.ShutdownCancel()
	if nowait {
		archiver.ContextCancel()
		archiver.Connections.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// When the timeout expires, in-flight transactions are canceled. The stages
	// wait for them to finish before closing backends and ledgers.
	cancelProcessing := archiver.ContextCancel
	stopAfter := context.AfterFunc(ctx, func() {
		cancelProcessing()
		archiver.Connections.Shutdown()
	})
	defer stopAfter()
	var wg sync.WaitGroup
	for _, s := range in.stages {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(ctx, nowait)
		}()
	}
	wg.Wait()

	archiver.ContextCancel()
	archiver.Connections.Shutdown()
	select {
	case <-archiver.Connections.Done():
	case <-time.After(time.Second):
		log.Print("shutting down with pending connections")
	}

	for _, server := range in.servers {
		err := server.Close()
		log.Check(err, "closing http server")
	}
	webctl.Init(nil, nil)
}

func cmdServe(c *cmd) {
	c.help = `Start the archiver, serving the configured archive and storage stages.

Each stage listens for LMTP or SMTP connections, processes each message
through its backend, and relays it to the next hop. The process runs in the
foreground. SIGINT and SIGTERM stop it gracefully, SIGHUP is ignored.

Exit codes: 3 for an invalid config, 4 for a missing pid file in the config,
5 if another instance is running, 6 if the pid file cannot be written, 7 if no
stages are configured, 8 if a stage failed to start or all stages stopped
after a fatal error.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	log := c.log
	if errs := archiver.LoadConfig(context.Background(), log); len(errs) > 0 {
		for _, err := range errs {
			log.Errorx("config", err)
		}
		exit(configExitCode(errs))
	}
	// A log level from the command-line overrides the config file during startup.
	if loglevel != "" {
		level := mlog.Levels[loglevel]
		archiver.Conf.LogLevelSet(log, "", level)
	}

	pidfile := archiver.Conf.Static.PidFile
	if err := archiver.CheckPidFile(pidfile); err != nil {
		log.Errorx("checking pid file", err, slog.String("path", pidfile))
		if errors.Is(err, archiver.ErrRunning) {
			exit(exitRunning)
		}
		exit(exitPidFile)
	}
	if err := archiver.WritePidFile(pidfile); err != nil {
		log.Errorx("writing pid file", err, slog.String("path", pidfile))
		exit(exitPidFile)
	}

	log.Print("starting archiver",
		slog.String("version", archvar.Version),
		slog.Any("pid", os.Getpid()),
		slog.String("config", resolvePath(archiver.ConfigStaticPath)))

	in, err := start(context.Background(), log, &archiver.Conf)
	if err != nil {
		log.Errorx("start", err)
		archiver.RemovePidFile(pidfile)
		exit(exitStageStart)
	}
	log.Print("ready to serve")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	signal.Ignore(syscall.SIGHUP)

	code := 0
	select {
	case sig := <-sigc:
		log.Print("shutting down", slog.Any("signal", sig), slog.Duration("timeout", archiver.Conf.Static.ShutdownTimeout), slog.Bool("nowait", archiver.Conf.Static.NoWait))
	case <-in.failed():
		log.Error("all stages stopped, shutting down")
		code = exitStageStart
	}
	in.stop(log, archiver.Conf.Static.ShutdownTimeout, archiver.Conf.Static.NoWait)
	archiver.RemovePidFile(pidfile)
	log.Print("stopped")
	exit(code)
}
