package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/mlog"
	"github.com/mjl-/archiver/smtp"
)

var pkglog = mlog.New("relay", nil)

// fakeHop is a next hop that records commands and message data.
type fakeHop struct {
	t         *testing.T
	ln        net.Listener
	dialect   string
	noEHLO    bool
	mailReply string
	refuse    []string // Recipients refused at RCPT.
	dataReply []string // Replies after message data, default one "250 2.0.0 Ok: queued" per reply.

	sync.Mutex
	cmds []string
	body string
	done chan struct{}
}

func newFakeHop(t *testing.T, dialect string) *fakeHop {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	f := &fakeHop{t: t, ln: ln, dialect: dialect, done: make(chan struct{})}
	go f.serve()
	return f
}

func (f *fakeHop) conf() Config {
	return Config{
		Stage:    "archive",
		Addr:     config.Addr{Dialect: f.dialect, Network: "tcp", Address: f.ln.Addr().String()},
		Hostname: "archiver.example",
		Timeout:  5 * time.Second,
	}
}

func (f *fakeHop) serve() {
	defer close(f.done)
	nc, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(nc)
	reply := func(lines ...string) {
		for _, l := range lines {
			fmt.Fprintf(nc, "%s\r\n", l)
		}
	}

	reply("220 nexthop.example ESMTP")
	var naccepted int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\r\n")
		f.Lock()
		f.cmds = append(f.cmds, line)
		f.Unlock()

		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "LHLO", "EHLO":
			if f.noEHLO {
				reply("502 5.5.1 command not implemented")
			} else {
				reply("250-nexthop.example", "250-8BITMIME", "250 PIPELINING")
			}
		case "HELO":
			reply("250 nexthop.example")
		case "MAIL":
			if f.mailReply != "" {
				reply(f.mailReply)
			} else {
				reply("250 2.1.0 Ok")
			}
		case "RCPT":
			addr, _, err := smtp.ParseEnvelopeArg("TO:", arg)
			if err != nil || slices.Contains(f.refuse, addr) {
				reply("550 5.1.1 unknown user")
			} else {
				naccepted++
				reply("250 2.1.5 Ok")
			}
		case "DATA":
			reply("354 go ahead")
			body, err := smtp.ReadData(r, 0)
			if err != nil {
				return
			}
			f.Lock()
			f.body = string(body)
			f.Unlock()
			n := 1
			if f.dialect == "lmtp" {
				n = naccepted
			}
			for i := 0; i < n; i++ {
				if i < len(f.dataReply) {
					reply(f.dataReply[i])
				} else {
					reply("250 2.0.0 Ok: queued")
				}
			}
		case "QUIT":
			reply("221 2.0.0 Bye")
			return
		default:
			reply("500 5.5.2 unknown command")
		}
	}
}

func (f *fakeHop) commands() []string {
	<-f.done
	f.Lock()
	defer f.Unlock()
	return f.cmds
}

func tcompare(t *testing.T, got, exp []string) {
	t.Helper()
	if !slices.Equal(got, exp) {
		t.Fatalf("got commands:\n%s\nexpected:\n%s", strings.Join(got, "\n"), strings.Join(exp, "\n"))
	}
}

func TestDeliverLMTP(t *testing.T) {
	f := newFakeHop(t, "lmtp")
	env := Envelope{
		Sender:     "mjl@example.org",
		Recipients: []string{"a@example.org", "b@example.org"},
		Notify:     "SUCCESS,FAILURE",
		Body:       []byte("Subject: test\n\n.hello\nbody\n"),
	}
	result, err := Deliver(context.Background(), pkglog, f.conf(), env)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if result.Reply != "250 2.0.0 Ok: queued" || len(result.Refused) != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
	tcompare(t, f.commands(), []string{
		"LHLO archiver.example",
		"MAIL FROM:<mjl@example.org>",
		"RCPT TO:<a@example.org> NOTIFY=SUCCESS,FAILURE",
		"RCPT TO:<b@example.org> NOTIFY=SUCCESS,FAILURE",
		"DATA",
		"QUIT",
	})
	if f.body != "Subject: test\n\n.hello\nbody\n" {
		t.Fatalf("got body %q", f.body)
	}
}

func TestDeliverSMTP(t *testing.T) {
	f := newFakeHop(t, "smtp")
	env := Envelope{Recipients: []string{"a@example.org"}, Body: []byte("Subject: bounce\n\nbody\n")}
	if _, err := Deliver(context.Background(), pkglog, f.conf(), env); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	tcompare(t, f.commands(), []string{
		"EHLO archiver.example",
		"MAIL FROM:<>",
		"RCPT TO:<a@example.org>",
		"DATA",
		"QUIT",
	})

	// Fallback to HELO.
	f = newFakeHop(t, "smtp")
	f.noEHLO = true
	if _, err := Deliver(context.Background(), pkglog, f.conf(), env); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	tcompare(t, f.commands(), []string{
		"EHLO archiver.example",
		"HELO archiver.example",
		"MAIL FROM:<>",
		"RCPT TO:<a@example.org>",
		"DATA",
		"QUIT",
	})
}

func TestDeliverFailures(t *testing.T) {
	body := []byte("Subject: test\n\nbody\n")
	rcpts := []string{"a@example.org", "b@example.org"}

	check := func(f *fakeHop, env Envelope, expErr error, expReply string) {
		t.Helper()
		_, err := Deliver(context.Background(), pkglog, f.conf(), env)
		if !errors.Is(err, expErr) {
			t.Fatalf("got err %v, expected %v", err, expErr)
		}
		if reply := Reply(err, ""); reply != expReply {
			t.Fatalf("got reply %q, expected %q", reply, expReply)
		}
		cmds := f.commands()
		if cmds[len(cmds)-1] != "QUIT" {
			t.Fatalf("connection not ended with quit: %v", cmds)
		}
	}

	f := newFakeHop(t, "lmtp")
	f.mailReply = "550 5.7.1 sender blocked"
	check(f, Envelope{Sender: "spam@example.org", Recipients: rcpts, Body: body}, ErrRefused, "550 5.5.0 Server refused sender or recipients")

	f = newFakeHop(t, "lmtp")
	f.refuse = rcpts
	check(f, Envelope{Recipients: rcpts, Body: body}, ErrRefused, "550 5.5.0 Server refused sender or recipients")

	f = newFakeHop(t, "smtp")
	f.dataReply = []string{"451 4.3.0 try again later"}
	check(f, Envelope{Recipients: rcpts, Body: body}, ErrDelivery, "443 4.4.3 Delivery failed to next hop")

	f = newFakeHop(t, "lmtp")
	f.dataReply = []string{"452 4.2.2 over quota", "452 4.2.2 over quota"}
	check(f, Envelope{Recipients: rcpts, Body: body}, ErrDelivery, "443 4.4.3 Delivery failed to next hop")
}

func TestDeliverPartial(t *testing.T) {
	f := newFakeHop(t, "lmtp")
	f.refuse = []string{"b@example.org"}
	env := Envelope{Recipients: []string{"a@example.org", "b@example.org", "c@example.org"}, Body: []byte("Subject: test\n\nbody\n")}
	f.dataReply = []string{"250 2.0.0 a delivered", "452 4.2.2 c over quota"}
	result, err := Deliver(context.Background(), pkglog, f.conf(), env)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !slices.Equal(result.Refused, []string{"b@example.org", "c@example.org"}) {
		t.Fatalf("got refused %v", result.Refused)
	}
	if Reply(nil, "2024-17") != "250 2.0.0 Archived as: 2024-17" {
		t.Fatalf("bad success reply %q", Reply(nil, "2024-17"))
	}
	if Reply(nil, "") != "250 2.0.0 Sendmail Ok" {
		t.Fatalf("bad success reply %q", Reply(nil, ""))
	}
}

func TestDeliverConnect(t *testing.T) {
	env := Envelope{Recipients: []string{"a@example.org"}, Body: []byte("Subject: test\n\nbody\n")}

	// Closed port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	conf := Config{Stage: "storage", Addr: config.Addr{Dialect: "smtp", Network: "tcp", Address: addr}, Hostname: "archiver.example"}
	_, err = Deliver(context.Background(), pkglog, conf, env)
	if !errors.Is(err, ErrConnect) || Reply(err, "") != "443 4.4.3 Failed to connect to output server" {
		t.Fatalf("got %v, expected ErrConnect", err)
	}

	conf.Addr = config.Addr{Dialect: "lmtp", Network: "unix", Address: filepath.Join(t.TempDir(), "missing.sock")}
	if _, err := Deliver(context.Background(), pkglog, conf, env); !errors.Is(err, ErrConnect) {
		t.Fatalf("got %v, expected ErrConnect", err)
	}

	if _, err := Deliver(context.Background(), pkglog, conf, Envelope{Recipients: env.Recipients}); !errors.Is(err, ErrNoMessage) || Reply(err, "") != "443 4.4.3 Internal server error" {
		t.Fatalf("got %v, expected ErrNoMessage", err)
	}
}

func TestDeliverDialTimeout(t *testing.T) {
	defer func() { DialHook = nil }()
	var timeouts []time.Duration
	DialHook = func(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
		timeouts = append(timeouts, dialer.Timeout)
		return nil, errors.New("no network in test")
	}

	env := Envelope{Recipients: []string{"a@example.org"}, Body: []byte("Subject: test\n\nbody\n")}
	conf := Config{Stage: "archive", Addr: config.Addr{Dialect: "lmtp", Network: "tcp", Address: "127.0.0.1:2003"}, Hostname: "archiver.example", Timeout: 3 * time.Second}
	if _, err := Deliver(context.Background(), pkglog, conf, env); !errors.Is(err, ErrConnect) {
		t.Fatalf("got %v, expected ErrConnect", err)
	}
	conf.Timeout = 0
	if _, err := Deliver(context.Background(), pkglog, conf, env); !errors.Is(err, ErrConnect) {
		t.Fatalf("got %v, expected ErrConnect", err)
	}
	if !slices.Equal(timeouts, []time.Duration{3 * time.Second, config.DefaultTimeout}) {
		t.Fatalf("got dial timeouts %v, expected configured and default timeout", timeouts)
	}
}

type fakeResolver map[string][]net.IPAddr

func (r fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error) {
	ips, ok := r[host]
	if !ok {
		return nil, adns.Result{}, &adns.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, adns.Result{}, nil
}

func TestDeliverResolve(t *testing.T) {
	f := newFakeHop(t, "lmtp")
	_, port, _ := net.SplitHostPort(f.ln.Addr().String())
	resolver := fakeResolver{"nexthop.example": {{IP: net.ParseIP("127.0.0.1")}}}
	conf := f.conf()
	conf.Resolver = resolver
	conf.Addr.Address = net.JoinHostPort("nexthop.example", port)

	env := Envelope{Recipients: []string{"a@example.org"}, Body: []byte("Subject: test\n\nbody\n")}
	if _, err := Deliver(context.Background(), pkglog, conf, env); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	conf.Addr.Address = net.JoinHostPort("unknown.example", port)
	if _, err := Deliver(context.Background(), pkglog, conf, env); !errors.Is(err, ErrConnect) {
		t.Fatalf("got %v, expected ErrConnect", err)
	}
}

func TestNotifyParam(t *testing.T) {
	if v := NotifyParam(smtp.ParseParams("notify=success,delay ORCPT=rfc822;a@example.org")); v != "SUCCESS,DELAY" {
		t.Fatalf("got %q", v)
	}
	if v := NotifyParam(nil); v != "" {
		t.Fatalf("got %q", v)
	}
}
