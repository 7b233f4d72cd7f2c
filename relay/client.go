// Package relay delivers a processed transaction to the next hop of a stage,
// over LMTP or SMTP, and maps the outcome to the reply for the original client.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/archiver/archio"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/metrics"
	"github.com/mjl-/archiver/mlog"
	"github.com/mjl-/archiver/smtp"
)

var (
	ErrNoMessage = errors.New("no message to deliver")
	ErrConnect   = errors.New("connecting to next hop")
	ErrRefused   = errors.New("next hop refused sender or recipients")
	ErrDelivery  = errors.New("delivery to next hop failed")
)

// Resolver resolves the host of a tcp next hop. *adns.Resolver implements it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error)
}

// Config is the next hop of a stage.
type Config struct {
	Stage    string // For logging and metrics.
	Addr     config.Addr
	Hostname string        // Sent with LHLO/EHLO/HELO.
	Timeout  time.Duration // Per command. Default config.DefaultTimeout.
	Resolver Resolver      // Default adns.DefaultResolver.
}

// Envelope is a message to deliver.
type Envelope struct {
	Sender     string // Empty for the null sender.
	Recipients []string
	Notify     string // Value for a NOTIFY parameter on each RCPT, if not empty.
	Body       []byte // Lines end in "\n" or "\r\n", written with "\r\n".
}

// Result is the outcome of a successful delivery.
type Result struct {
	Reply   string   // Last reply to the message data.
	Refused []string // Recipients refused by the next hop, while others were accepted.
}

// Error is a failed delivery. Err wraps one of ErrConnect, ErrRefused or
// ErrDelivery.
type Error struct {
	Command string // Command that failed, e.g. "rcptto".
	Code    int    // Reply code from the next hop, zero for i/o errors.
	Line    string // First line of the reply from the next hop.
	Err     error
}

func (e Error) Unwrap() error { return e.Err }

func (e Error) Error() string {
	s := e.Err.Error()
	if e.Command != "" {
		s += " (" + e.Command + ")"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

type client struct {
	conf     Config
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	tr       *archio.TraceReader
	tw       *archio.TraceWriter
	log      mlog.Log
	lastlog  time.Time
	cmd      string
	cmdStart time.Time
	botched  bool // I/O or protocol error, no QUIT is sent.
}

var bufs = archio.NewBufpool(8, 2*1024)

// Deliver connects to the next hop and delivers the message. On failure, the
// returned error is an Error, or ErrNoMessage.
func Deliver(ctx context.Context, log mlog.Log, conf Config, env Envelope) (result Result, rerr error) {
	log = log.WithPkg("relay").With(slog.String("stage", conf.Stage), slog.Any("nexthop", conf.Addr))
	start := time.Now()
	var class string
	defer func() {
		switch {
		case errors.Is(rerr, ErrNoMessage):
			class = "nomessage"
		case errors.Is(rerr, ErrConnect):
			class = "connect"
		case errors.Is(rerr, ErrRefused):
			class = "refused"
		}
		metrics.RelayObserve(ctx, log, conf.Stage, class, rerr, start)
	}()

	if env.Body == nil {
		log.Error("no message to relay")
		return Result{}, ErrNoMessage
	}
	if len(env.Recipients) == 0 {
		return Result{}, Error{Err: fmt.Errorf("%w: no recipients", ErrRefused)}
	}
	if conf.Timeout == 0 {
		conf.Timeout = config.DefaultTimeout
	}

	conn, err := dial(ctx, log, conf)
	if err != nil {
		return Result{}, Error{Command: "dial", Err: fmt.Errorf("%w: %v", ErrConnect, err)}
	}

	c := &client{conf: conf, conn: conn, lastlog: time.Now()}
	c.log = log.WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})
	c.tr = archio.NewTraceReader(c.log, "RS: ", conn)
	c.tw = archio.NewTraceWriter(c.log, "LC: ", conn)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	// The connection is closed on every path.
	defer c.close()

	if err := c.hello(); err != nil {
		return Result{}, err
	}
	return c.deliver(env)
}

// DialHook can be used during tests to override the regular dialer from being
// used. It is called with the dial timeout from the config.
var DialHook func(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error)

func dialContext(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, network, addr)
	}
	return dialer.DialContext(ctx, network, addr)
}

func dial(ctx context.Context, log mlog.Log, conf Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: conf.Timeout}
	if conf.Addr.Network == "unix" {
		return dialContext(ctx, dialer, "unix", conf.Addr.Address)
	}

	host, port, err := net.SplitHostPort(conf.Addr.Address)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolver := conf.Resolver
		if resolver == nil {
			resolver = adns.DefaultResolver
		}
		addrs, _, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolving next hop %q: %w", host, err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no ip addresses for next hop %q", host)
		}
	}

	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), port)
		conn, err := dialContext(ctx, dialer, "tcp", addr)
		if err == nil {
			log.Debug("connected to next hop", slog.String("addr", addr))
			return conn, nil
		}
		log.Debugx("connection attempt", err, slog.String("addr", addr))
		lastErr = err
	}
	return nil, lastErr
}

func (c *client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	err, ok := x.(Error)
	if !ok {
		metrics.PanicInc("relay")
		panic(x)
	}
	*rerr = err
}

// xerrorf aborts the current operation with an error wrapping class.
func (c *client) xerrorf(class error, code int, line string, format string, args ...any) {
	panic(Error{c.cmd, code, line, fmt.Errorf("%w: %s", class, fmt.Sprintf(format, args...))})
}

// xbotchf marks the connection unusable and aborts.
func (c *client) xbotchf(class error, format string, args ...any) {
	c.botched = true
	c.xerrorf(class, 0, "", format, args...)
}

func (c *client) xwritelinef(class error, format string, args ...any) {
	if err := c.conn.SetDeadline(time.Now().Add(c.conf.Timeout)); err != nil {
		c.log.Errorx("setting deadline for write", err)
	}
	if _, err := fmt.Fprintf(c.w, format+"\r\n", args...); err != nil {
		c.xbotchf(class, "write: %v", err)
	}
	if err := c.w.Flush(); err != nil {
		c.xbotchf(class, "write: %v", err)
	}
}

func (c *client) xcmd(class error, cmd string, format string, args ...any) {
	c.cmd = cmd
	c.cmdStart = time.Now()
	c.xwritelinef(class, format, args...)
}

// xread reads a possibly multiline reply, returning the code and its first
// line.
func (c *client) xread(class error) (code int, firstLine string, moreLines []string) {
	if err := c.conn.SetDeadline(time.Now().Add(c.conf.Timeout)); err != nil {
		c.log.Errorx("setting deadline for read", err)
	}
	for {
		line, err := bufs.Readline(c.log, c.r)
		if err != nil {
			c.xbotchf(class, "reading reply: %v", err)
		}
		if len(line) < 3 {
			c.xbotchf(class, "short reply %q", line)
		}
		co, err := strconv.Atoi(line[:3])
		if err != nil || co < 200 || co > 599 {
			c.xbotchf(class, "bad reply code %q", line)
		}
		if code != 0 && co != code {
			// RFC 5321
			c.xbotchf(class, "multiline reply with different codes %d and %d", code, co)
		}
		code = co
		if firstLine == "" {
			firstLine = line
		} else {
			moreLines = append(moreLines, line)
		}
		if len(line) == 3 || line[3] == ' ' {
			c.log.Debug("relay command result",
				slog.String("cmd", c.cmd),
				slog.Int("code", code),
				slog.Duration("duration", time.Since(c.cmdStart)))
			return
		} else if line[3] != '-' {
			c.xbotchf(class, "expected space or dash after reply code: %q", line)
		}
	}
}

func (c *client) hello() (rerr error) {
	defer c.recover(&rerr)

	c.cmd = "(greeting)"
	c.cmdStart = time.Now()
	code, line, _ := c.xread(ErrConnect)
	if code != smtp.C220ServiceReady {
		c.xerrorf(ErrConnect, code, line, "expected 220, got %d", code)
	}

	if c.conf.Addr.Dialect == "lmtp" {
		// RFC 2033
		c.xcmd(ErrDelivery, "lhlo", "LHLO %s", c.conf.Hostname)
		code, line, _ = c.xread(ErrDelivery)
		if code != smtp.C250Completed {
			c.xerrorf(ErrDelivery, code, line, "expected 250 to LHLO, got %d", code)
		}
		return nil
	}

	// Write EHLO, falling back to HELO if server doesn't appear to support it.
	// RFC 5321
	c.xcmd(ErrDelivery, "ehlo", "EHLO %s", c.conf.Hostname)
	code, line, _ = c.xread(ErrDelivery)
	switch code {
	case smtp.C250Completed:
		return nil
	case smtp.C500BadSyntax, smtp.C501BadParamSyntax, smtp.C502CmdNotImpl, smtp.C503BadCmdSeq, smtp.C504ParamNotImpl:
		c.xcmd(ErrDelivery, "helo", "HELO %s", c.conf.Hostname)
		code, line, _ = c.xread(ErrDelivery)
		if code != smtp.C250Completed {
			c.xerrorf(ErrDelivery, code, line, "expected 250 to HELO, got %d", code)
		}
		return nil
	}
	c.xerrorf(ErrDelivery, code, line, "expected 250 to EHLO, got %d", code)
	return nil
}

func (c *client) deliver(env Envelope) (result Result, rerr error) {
	defer c.recover(&rerr)

	// Transaction overview: RFC 5321
	c.xcmd(ErrDelivery, "mailfrom", "MAIL FROM:<%s>", env.Sender)
	code, line, _ := c.xread(ErrDelivery)
	if code != smtp.C250Completed {
		c.xerrorf(ErrRefused, code, line, "sender refused")
	}

	var notify string
	if env.Notify != "" {
		notify = " NOTIFY=" + env.Notify
	}
	var accepted []string
	for _, rcpt := range env.Recipients {
		c.xcmd(ErrDelivery, "rcptto", "RCPT TO:<%s>%s", rcpt, notify)
		code, line, _ := c.xread(ErrDelivery)
		if code != smtp.C250Completed && code != smtp.C251UserNotLocalWillForward {
			c.log.Info("recipient refused by next hop", slog.String("rcpt", rcpt), slog.String("reply", line))
			result.Refused = append(result.Refused, rcpt)
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		c.xerrorf(ErrRefused, 0, "", "all recipients refused")
	}

	c.xcmd(ErrDelivery, "data", "DATA")
	code, line, _ = c.xread(ErrDelivery)
	if code != smtp.C354Continue {
		c.xerrorf(ErrDelivery, code, line, "expected 354 to DATA, got %d", code)
	}

	c.tw.SetTrace(mlog.LevelTracedata)
	if err := c.conn.SetDeadline(time.Now().Add(c.conf.Timeout)); err != nil {
		c.log.Errorx("setting deadline for data", err)
	}
	err := smtp.DataWrite(c.w, bytes.NewReader(env.Body))
	if err == nil {
		err = c.w.Flush()
	}
	c.tw.SetTrace(mlog.LevelTrace)
	if err != nil {
		c.xbotchf(ErrDelivery, "writing message data: %v", err)
	}

	// LMTP has a reply for each accepted recipient. RFC 2033
	nreplies := 1
	if c.conf.Addr.Dialect == "lmtp" {
		nreplies = len(accepted)
	}
	var nok int
	var lastFailed string
	for i := 0; i < nreplies; i++ {
		code, line, _ := c.xread(ErrDelivery)
		if code == smtp.C250Completed {
			nok++
			result.Reply = line
			continue
		}
		lastFailed = line
		if nreplies > 1 {
			c.log.Info("recipient failed after data", slog.String("rcpt", accepted[i]), slog.String("reply", line))
			result.Refused = append(result.Refused, accepted[i])
		}
	}
	if nok == 0 {
		c.xerrorf(ErrDelivery, smtp.ReplyCode(lastFailed), lastFailed, "message data not accepted")
	}
	if len(result.Refused) > 0 {
		c.log.Error("ok but not all recipients were accepted by next hop", slog.Any("refused", result.Refused))
	}
	return result, nil
}

// close sends QUIT unless the connection is botched, and closes the connection.
func (c *client) close() {
	if !c.botched {
		func() {
			var err error
			defer c.recover(&err)
			c.xcmd(ErrDelivery, "quit", "QUIT")
			if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
				c.log.Infox("setting read deadline for reading quit response", err)
			} else if _, err := bufs.Readline(c.log, c.r); err != nil {
				c.log.Debugx("reading quit response", err)
			}
		}()
	}
	err := c.conn.Close()
	c.log.Check(err, "closing connection to next hop")
}

// Reply returns the reply line for the original client for the outcome of a
// delivery. With a nil err, the reply mentions the archive identifier id, if
// not empty.
func Reply(err error, id string) string {
	switch {
	case err == nil && id != "":
		return smtp.Reply(smtp.C250Completed, 200, "Archived as: "+id)
	case err == nil:
		return smtp.Reply(smtp.C250Completed, 200, "Sendmail Ok")
	case errors.Is(err, ErrNoMessage):
		return smtp.Reply(smtp.C443DeliveryFailed, 0, "Internal server error")
	case errors.Is(err, ErrConnect):
		return smtp.Reply(smtp.C443DeliveryFailed, 0, "Failed to connect to output server")
	case errors.Is(err, ErrRefused):
		return smtp.Reply(smtp.C550MailboxUnavail, 0, "Server refused sender or recipients")
	}
	return smtp.Reply(smtp.C443DeliveryFailed, 0, "Delivery failed to next hop")
}

// NotifyParam returns the value of a NOTIFY parameter in the options of the
// first recipient, to pass on to the next hop for all recipients.
func NotifyParam(firstRcptParams []smtp.Param) string {
	v, _ := smtp.FindParam(firstRcptParams, "NOTIFY")
	return strings.ToUpper(v)
}
