// Package mtpserver implements the receiving side of LMTP and SMTP for a stage:
// a listener that serializes transactions through a single slot, and a
// per-connection command state machine that hands complete transactions to a
// Processor.
package mtpserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/archiver/archio"
	"github.com/mjl-/archiver/archiver-"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/metrics"
	"github.com/mjl-/archiver/mlog"
	"github.com/mjl-/archiver/smtp"
)

// We use panic and recover for error handling while executing commands.
// These errors signal the connection must be closed.
var errIO = errors.New("io error")

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_mtp_connection_total",
			Help: "Incoming connections, by dialect and stage.",
		},
		[]string{
			"dialect",
			"stage",
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_mtp_command_duration_seconds",
			Help:    "Commands, by dialect, command and reply code.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"dialect",
			"cmd",
			"code",
		},
	)
	metricSlotWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_mtp_slot_wait_seconds",
			Help:    "Time spent waiting for the stage slot before a connection or transaction can start.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{
			"stage",
		},
	)
)

// Transaction is a completed mail transaction, handed to the Processor.
type Transaction struct {
	Peer        string // Remote IP and port, empty for unix domain sockets.
	Sender      string // Empty for the null sender.
	MailOptions string
	MailParams  []smtp.Param
	Recipients  []Recipient
	Body        []byte // Lines joined with "\n", dot transparency undone.
	Body8bit    bool   // MAIL with BODY=8BITMIME.
	Received    time.Time
}

// Recipient is an envelope recipient with its RCPT parameters.
type Recipient struct {
	Address string
	Options string
	Params  []smtp.Param
}

// Addresses returns the recipient addresses.
func (tx *Transaction) Addresses() []string {
	l := make([]string, len(tx.Recipients))
	for i, r := range tx.Recipients {
		l[i] = r.Address
	}
	return l
}

// Processor handles completed transactions. Process returns the reply line to
// send, without line ending, e.g. "250 2.0.0 Ok". An empty reply sends
// "250 2.0.0 Ok". A non-nil fatal error stops the stage after the reply has
// been sent, or "451 4.3.0 Internal error" if reply is empty.
type Processor interface {
	Process(ctx context.Context, log mlog.Log, tx *Transaction) (reply string, fatal error)
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(ctx context.Context, log mlog.Log, tx *Transaction) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, log mlog.Log, tx *Transaction) (string, error) {
	return f(ctx, log, tx)
}

// Config holds the settings of a Server.
type Config struct {
	Stage          string // For logging and metrics.
	Dialect        Dialect
	Hostname       string
	Banner         string
	Timeout        time.Duration // For reading a command or message data. Default config.DefaultTimeout.
	MaxMessageSize int64         // Zero for no limit.
}

// Server accepts connections for a stage. At most one connection holds the
// slot at any time, and only the holder can run a transaction.
type Server struct {
	conf      Config
	processor Processor
	log       mlog.Log
	bufpool   *archio.Bufpool
	slot      chan struct{}
	done      chan struct{} // Closed when shutting down.
	closeOnce sync.Once

	sync.Mutex
	ln       net.Listener
	closing  bool
	inflight int           // Transactions between DATA and their reply.
	idle     chan struct{} // Closed when inflight drops to zero, for waiters.
	fatal    error
}

// New returns a server that hands transactions to p.
func New(log mlog.Log, conf Config, p Processor) *Server {
	if conf.Timeout == 0 {
		conf.Timeout = config.DefaultTimeout
	}
	return &Server{
		conf:      conf,
		processor: p,
		log:       log.WithPkg("mtpserver").With(slog.String("stage", conf.Stage)),
		bufpool:   archio.NewBufpool(8, 2*1024),
		slot:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Serve accepts connections on ln until Shutdown is called or a transaction
// fails fatally. The returned error is the fatal error, or nil.
func (s *Server) Serve(ln net.Listener) error {
	s.Lock()
	s.ln = ln
	closing := s.closing
	s.Unlock()
	if closing {
		ln.Close()
		return s.fatalErr()
	}
	s.log.Print("listening for connections", slog.String("dialect", s.conf.Dialect.Name()), slog.Any("addr", ln.Addr()))

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return s.fatalErr()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return s.fatalErr()
			}
			s.log.Infox("accept", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		// Additional connections wait in the listen backlog while the slot is taken.
		if !s.acquire() {
			s.refuse(nc)
			continue
		}
		go s.serve(nc, archiver.Cid(), true)
	}
}

// refuse sends a shutdown reply to a connection that was accepted but will not
// be served.
func (s *Server) refuse(nc net.Conn) {
	defer nc.Close()
	if err := nc.SetWriteDeadline(time.Now().Add(time.Second)); err == nil {
		fmt.Fprintf(nc, "%d 4.%s Service shutting down\r\n", smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2)
	}
}

// acquire takes the slot, waiting for the current holder. It returns false if
// the server shuts down while waiting.
func (s *Server) acquire() bool {
	start := time.Now()
	defer func() {
		metricSlotWait.WithLabelValues(s.conf.Stage).Observe(float64(time.Since(start)) / float64(time.Second))
	}()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.slot <- struct{}{}:
		return true
	case <-s.done:
		return false
	case <-archiver.Shutdown.Done():
		return false
	}
}

func (s *Server) release() {
	<-s.slot
}

// begin registers the start of a transaction. It returns false when shutting
// down, in which case no transaction may start.
func (s *Server) begin() bool {
	s.Lock()
	defer s.Unlock()
	if s.closing {
		return false
	}
	s.inflight++
	return true
}

func (s *Server) end() {
	s.Lock()
	defer s.Unlock()
	s.inflight--
	if s.inflight == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// Shutdown stops accepting connections and transactions. If wait is set, it
// waits for an in-flight transaction to finish, until ctx is done. Open
// connections are not closed, see archiver.Connections.
func (s *Server) Shutdown(ctx context.Context, wait bool) {
	s.closeOnce.Do(func() { close(s.done) })

	s.Lock()
	wasClosing := s.closing
	s.closing = true
	if s.ln != nil && !wasClosing {
		err := s.ln.Close()
		s.log.Check(err, "closing listener")
	}
	busy := s.inflight > 0
	s.Unlock()

	if !busy || !wait {
		return
	}
	s.log.Info("waiting for in-flight transaction")
	if s.Idle(ctx) {
		s.log.Info("in-flight transaction finished")
	} else {
		s.log.Error("in-flight transaction did not finish in time")
	}
}

// Idle waits until no transaction is in flight, or until ctx is done. It
// returns whether the server is idle. After Shutdown, no new transaction
// starts once Idle returned true.
func (s *Server) Idle(ctx context.Context) bool {
	s.Lock()
	if s.inflight == 0 {
		s.Unlock()
		return true
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.Unlock()

	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail stops the server after a fatal processing error.
func (s *Server) fail(err error) {
	s.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.Unlock()
	s.log.Errorx("fatal error, stopping stage", err)
	s.Shutdown(context.Background(), false)
}

func (s *Server) fatalErr() error {
	s.Lock()
	defer s.Unlock()
	return s.fatal
}

type conn struct {
	s        *Server
	cid      int64
	conn     net.Conn
	peer     string
	r        *bufio.Reader
	w        *bufio.Writer
	tr       *archio.TraceReader
	tw       *archio.TraceWriter
	log      mlog.Log
	lastlog  time.Time
	cmd      string    // Current command.
	cmdStart time.Time // Start of current command.
	haveSlot bool

	hello string // Argument of LHLO/EHLO/HELO.

	// Mail transaction.
	haveMail    bool // MAIL was accepted, sender can be empty for the null sender.
	mailFrom    string
	mailOptions string
	mailParams  []smtp.Param
	body8bit    bool
	recipients  []Recipient
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || archio.IsClosed(err)
}

func (c *conn) rset() {
	c.haveMail = false
	c.mailFrom = ""
	c.mailOptions = ""
	c.mailParams = nil
	c.body8bit = false
	c.recipients = nil
}

// Write writes to the connection. It panics on i/o errors, which is handled by the
// connection command loop.
func (c *conn) Write(buf []byte) (int, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.s.conf.Timeout)); err != nil {
		c.log.Errorx("setting deadline for write", err)
	}
	n, err := c.conn.Write(buf)
	if err != nil {
		panic(fmt.Errorf("write: %s (%w)", err, errIO))
	}
	return n, nil
}

// Read reads from the connection. It panics on i/o errors, which is handled by the
// connection command loop.
func (c *conn) Read(buf []byte) (int, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.s.conf.Timeout)); err != nil {
		c.log.Errorx("setting deadline for read", err)
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		panic(fmt.Errorf("read: %s (%w)", err, errIO))
	}
	return n, err
}

func (c *conn) readline() string {
	line, err := c.s.bufpool.Readline(c.log, c.r)
	if err != nil && errors.Is(err, archio.ErrLineTooLong) {
		c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "Error: line too long", nil)
		panic(fmt.Errorf("%s (%w)", err, errIO))
	} else if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

// Buffered-write a reply line with code, enhanced status code and msg. Err is
// only logged.
func (c *conn) bwritecodeline(code int, secode string, msg string, err error) {
	metricCommands.WithLabelValues(c.s.conf.Dialect.Name(), c.cmd, fmt.Sprintf("%d", code)).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
	c.log.Debugx("command result", err,
		slog.String("cmd", c.cmd),
		slog.Int("code", code),
		slog.Duration("duration", time.Since(c.cmdStart)))
	c.bwritelinef("%d %d.%s %s", code, code/100, secode, msg)
}

// Buffered-write a formatted response line to connection.
func (c *conn) bwritelinef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprint(c.w, msg+"\r\n")
}

// Flush pending buffered writes to connection.
func (c *conn) xflush() {
	c.w.Flush() // Errors will have caused a panic in Write.
}

func (c *conn) writecodeline(code int, secode string, msg string, err error) {
	c.bwritecodeline(code, secode, msg, err)
	c.xflush()
}

func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

// serve runs the command loop for a connection. If haveSlot is set, the
// caller acquired the slot for this connection.
func (s *Server) serve(nc net.Conn, cid int64, haveSlot bool) {
	var peer string
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		peer = a.String()
	}

	c := &conn{
		s:        s,
		cid:      cid,
		conn:     nc,
		peer:     peer,
		lastlog:  time.Now(),
		haveSlot: haveSlot,
	}
	var logmutex sync.Mutex
	c.log = s.log.WithFunc(func() []slog.Attr {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []slog.Attr{
			slog.Int64("cid", c.cid),
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})
	c.tr = archio.NewTraceReader(c.log, "RC: ", c)
	c.tw = archio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	metricConnection.WithLabelValues(s.conf.Dialect.Name(), s.conf.Stage).Inc()
	c.log.Info("new connection",
		slog.Any("remote", nc.RemoteAddr()),
		slog.Any("local", nc.LocalAddr()))

	defer func() {
		nc.Close()
		if c.haveSlot {
			s.release()
			c.haveSlot = false
		}

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc("mtpserver")
		}
	}()

	select {
	case <-archiver.Shutdown.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "Service shutting down", nil)
		return
	default:
	}

	archiver.Connections.Register(nc, s.conf.Dialect.Name(), s.conf.Stage)
	defer archiver.Connections.Unregister(nc)

	c.writelinef("%d %s %s", smtp.C220ServiceReady, s.conf.Hostname, s.conf.Banner)

	for {
		command(c)

		// If another command is present, don't flush our buffered response yet. Holding
		// off will cause us to respond with a single packet.
		n := c.r.Buffered()
		if n > 0 {
			buf, err := c.r.Peek(n)
			if err == nil && bytes.IndexByte(buf, '\n') >= 0 {
				continue
			}
		}
		c.xflush()
	}
}

var commands = map[string]func(c *conn, verb, arg string){
	"lhlo": (*conn).cmdHello,
	"ehlo": (*conn).cmdHello,
	"helo": (*conn).cmdHello,
	"mail": (*conn).cmdMail,
	"rcpt": (*conn).cmdRcpt,
	"data": (*conn).cmdData,
	"bdat": (*conn).cmdBdat,
	"rset": (*conn).cmdRset,
	"noop": (*conn).cmdNoop,
	"quit": (*conn).cmdQuit,
}

func command(c *conn) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}

		if isClosed(err) {
			panic(err)
		}

		var merr mtpError
		if errors.As(err, &merr) {
			c.writecodeline(merr.code, merr.secode, merr.msg, merr.err)
		} else {
			// Other type of panic, we pass it on, aborting the connection.
			c.log.Errorx("command panic", err)
			panic(err)
		}
	}()

	line := c.readline()

	select {
	case <-archiver.Shutdown.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "Service shutting down", nil)
		panic(errIO)
	default:
	}

	c.cmdStart = time.Now()
	if line == "" {
		c.cmd = "(empty)"
		xmtpErrorf(smtp.C500BadSyntax, smtp.SeProto5Syntax2, nil, "Error: bad syntax")
	}
	verb, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	verbl := strings.ToLower(verb)
	c.cmd = verbl

	fn, ok := commands[verbl]
	if ok && (verbl == "lhlo" || verbl == "ehlo" || verbl == "helo") {
		ok, _ = c.s.conf.Dialect.Hello(verbl)
	}
	if !ok {
		c.cmd = "(unknown)"
		xmtpErrorf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, nil, "Error: command \"%s\" not implemented", strings.ToUpper(verb))
	}
	fn(c, verb, arg)
}

// RFC 2033, RFC 5321
func (c *conn) cmdHello(verb, arg string) {
	if arg == "" {
		xmtpErrorf(smtp.C500BadSyntax, smtp.SeProto5Syntax2, nil, "Syntax: %s hostname", verb)
	}
	if c.hello != "" {
		xmtpErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadCmdOrSeq1, nil, "Duplicate %s", verb)
	}
	c.hello = arg

	_, extended := c.s.conf.Dialect.Hello(c.cmd)
	if !extended {
		c.writelinef("%d %s", smtp.C250Completed, c.s.conf.Hostname)
		return
	}
	c.bwritelinef("%d-%s", smtp.C250Completed, c.s.conf.Hostname)
	c.bwritelinef("%d-8BITMIME", smtp.C250Completed)
	c.bwritelinef("%d-ENHANCEDSTATUSCODES", smtp.C250Completed)
	c.writelinef("%d PIPELINING", smtp.C250Completed)
}

// RFC 5321
func (c *conn) cmdMail(verb, arg string) {
	addr, options, err := smtp.ParseEnvelopeArg("FROM:", arg)
	if err != nil {
		xmtpErrorf(smtp.C500BadSyntax, smtp.SeProto5Syntax2, err, "Syntax: MAIL FROM:<address> [ SP <mail-parameters> ]")
	}
	if c.haveMail {
		xmtpErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, nil, "Error: nested MAIL command")
	}
	if !c.haveSlot {
		c.xflush()
		if !c.s.acquire() {
			c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "Service shutting down", nil)
			panic(errIO)
		}
		c.haveSlot = true
	}

	c.haveMail = true
	c.mailFrom = addr
	c.mailOptions = options
	c.mailParams = smtp.ParseParams(options)
	if v, ok := smtp.FindParam(c.mailParams, "BODY"); ok && strings.EqualFold(v, "8BITMIME") {
		c.body8bit = true
		c.writecodeline(smtp.C250Completed, smtp.SeOther00, "Ok - Body 8bitmime ok", nil)
		return
	}
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "Ok", nil)
}

// RFC 5321
func (c *conn) cmdRcpt(verb, arg string) {
	if !c.haveMail {
		xmtpErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, nil, "Error: need MAIL command")
	}
	addr, options, err := smtp.ParseEnvelopeArg("TO:", arg)
	if err == nil && addr == "" {
		err = errors.New("null recipient")
	}
	if err != nil {
		xmtpErrorf(smtp.C500BadSyntax, smtp.SeProto5Syntax2, err, "Syntax: RCPT TO: <address> [ SP <rcpt-parameters> ]")
	}
	c.recipients = append(c.recipients, Recipient{addr, options, smtp.ParseParams(options)})
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "Ok", nil)
}

// RFC 3030
func (c *conn) cmdBdat(verb, arg string) {
	xmtpErrorf(smtp.C502CmdNotImpl, smtp.SeProto5BadCmdOrSeq1, nil, "BDAT not implemented")
}

// RFC 5321, RFC 2033
func (c *conn) cmdData(verb, arg string) {
	if len(c.recipients) == 0 {
		xmtpErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, nil, "Error: need RCPT command")
	}
	if arg != "" {
		xmtpErrorf(smtp.C500BadSyntax, smtp.SeProto5Syntax2, nil, "Syntax: DATA")
	}
	if !c.s.begin() {
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "Service shutting down", nil)
		panic(errIO)
	}
	defer c.s.end()

	c.writelinef("%d End data with <CR><LF>.<CR><LF>", smtp.C354Continue)

	c.tr.SetTrace(mlog.LevelTracedata)
	body, err := smtp.ReadData(c.r, c.s.conf.MaxMessageSize)
	c.tr.SetTrace(mlog.LevelTrace)
	if err != nil && errors.Is(err, smtp.ErrMessageTooLarge) {
		c.rset()
		xmtpErrorf(smtp.C552MailboxFull, smtp.SeSys3MsgLimitExceeded4, err, "Error: message too big")
	} else if err != nil {
		panic(fmt.Errorf("reading message data: %s (%w)", err, errIO))
	}

	tx := &Transaction{
		Peer:        c.peer,
		Sender:      c.mailFrom,
		MailOptions: c.mailOptions,
		MailParams:  c.mailParams,
		Recipients:  c.recipients,
		Body:        body,
		Body8bit:    c.body8bit,
		Received:    time.Now(),
	}
	c.rset()

	ctx := context.WithValue(archiver.Context, mlog.CidKey, c.cid)
	reply, fatal := c.s.processor.Process(ctx, c.log, tx)
	if reply == "" && fatal != nil {
		reply = smtp.Reply(smtp.C451LocalErr, 430, "Internal error")
	} else if reply == "" {
		reply = smtp.Reply(smtp.C250Completed, 200, "Ok")
	}
	code := smtp.ReplyCode(reply)
	metricCommands.WithLabelValues(c.s.conf.Dialect.Name(), c.cmd, fmt.Sprintf("%d", code)).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
	c.log.Debug("transaction processed", slog.String("reply", reply), slog.Int("recipients", len(tx.Recipients)))

	n := c.s.conf.Dialect.Replies(len(tx.Recipients))
	for i := 0; i < n; i++ {
		c.bwritelinef("%s", reply)
	}
	c.xflush()

	if c.haveSlot {
		c.s.release()
		c.haveSlot = false
	}

	if fatal != nil {
		c.s.fail(fatal)
		panic(cleanClose)
	}
}

// RFC 5321
func (c *conn) cmdRset(verb, arg string) {
	c.rset()
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "Ok", nil)
}

// RFC 5321
func (c *conn) cmdNoop(verb, arg string) {
	if arg != "" {
		xmtpErrorf(smtp.C500BadSyntax, smtp.SeProto5Syntax2, nil, "Syntax: NOOP")
	}
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "Ok", nil)
}

// RFC 5321
func (c *conn) cmdQuit(verb, arg string) {
	c.writecodeline(smtp.C221Closing, smtp.SeOther00, "Bye", nil)
	panic(cleanClose)
}
