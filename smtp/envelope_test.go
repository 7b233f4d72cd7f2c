package smtp

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseEnvelopeArg(t *testing.T) {
	check := func(keyword, arg, expAddr, expOpts string) {
		t.Helper()
		addr, opts, err := ParseEnvelopeArg(keyword, arg)
		if err != nil {
			t.Fatalf("parsing %q: %v", arg, err)
		}
		if addr != expAddr || opts != expOpts {
			t.Fatalf("parsing %q: got addr %q opts %q, expected %q %q", arg, addr, opts, expAddr, expOpts)
		}
	}

	checkBad := func(keyword, arg string, expErr error) {
		t.Helper()
		_, _, err := ParseEnvelopeArg(keyword, arg)
		if err == nil || !errors.Is(err, expErr) {
			t.Fatalf("parsing %q: got err %v, expected %v", arg, err, expErr)
		}
	}

	check("FROM:", "FROM:<mjl@example.org>", "mjl@example.org", "")
	check("FROM:", "from:<mjl@example.org>", "mjl@example.org", "")
	check("FROM:", "FROM: <mjl@example.org>", "mjl@example.org", "")
	check("TO:", "TO:<other@example.org>", "other@example.org", "")
	check("FROM:", "FROM:<mjl@example.org> BODY=8BITMIME", "mjl@example.org", "BODY=8BITMIME")
	check("TO:", "TO:<a@example.org> NOTIFY=SUCCESS,FAILURE ORCPT=rfc822;a@example.org", "a@example.org", "NOTIFY=SUCCESS,FAILURE ORCPT=rfc822;a@example.org")
	check("FROM:", "FROM:<>", "", "")
	check("FROM:", "FROM:<> BODY=7BIT", "", "BODY=7BIT")
	check("TO:", "TO:<@relay.example,@other.example:user@example.org>", "user@example.org", "")
	check("TO:", "TO:<postmaster>", "postmaster", "")
	check("TO:", "TO:<ab>", "ab", "")
	check("FROM:", `FROM:<a\ b@example.org>`, "a b@example.org", "")
	check("FROM:", `FROM:<\"quoted\"@example.org>`, `"quoted"@example.org`, "")
	check("FROM:", `FROM:<back\\slash@example.org>`, `back\slash@example.org`, "")

	checkBad("FROM:", "TO:<mjl@example.org>", ErrBadKeyword)
	checkBad("FROM:", "FRO", ErrBadKeyword)
	checkBad("FROM:", "FROM:<mjl@exämple.org>", ErrNonASCII)
	checkBad("FROM:", "FROM:mjl@example.org", ErrUnmatched)
	checkBad("FROM:", "FROM:<mjl@example.org>BODY=8BITMIME", ErrBadOptionSyntax)
	checkBad("FROM:", "FROM:<a@b@example.org>", ErrTooManyAtSigns)
	checkBad("TO:", "TO:<a@b@c@example.org>", ErrTooManyAtSigns)
	checkBad("FROM:", "FROM:<a b@example.org>", ErrBadQuoting)
	checkBad("FROM:", "FROM:<a@example(x).org>", ErrBadQuoting)
	checkBad("FROM:", "FROM:<@example.org>", ErrBadQuoting)
}

func TestParseEnvelopeArgRoundtrip(t *testing.T) {
	addrs := []string{
		"mjl@example.org",
		"a.b+c@sub.example.org",
		"x_y-z@localhost",
		"postmaster",
	}
	for _, a := range addrs {
		for _, kw := range []string{"FROM:", "TO:"} {
			got, _, err := ParseEnvelopeArg(kw, kw+"<"+a+">")
			if err != nil || got != a {
				t.Fatalf("roundtrip %q: got %q, err %v", a, got, err)
			}
		}
	}
}

func TestParseParams(t *testing.T) {
	params := ParseParams("notify=SUCCESS,DELAY  ret=HDRS SMTPUTF8")
	exp := []Param{{"NOTIFY", "SUCCESS,DELAY"}, {"RET", "HDRS"}, {"SMTPUTF8", ""}}
	if !reflect.DeepEqual(params, exp) {
		t.Fatalf("got %v, expected %v", params, exp)
	}
	if v, ok := FindParam(params, "notify"); !ok || v != "SUCCESS,DELAY" {
		t.Fatalf("find notify: got %q %v", v, ok)
	}
	if _, ok := FindParam(params, "BODY"); ok {
		t.Fatalf("found unexpected BODY")
	}
	if s := params[0].String(); s != "NOTIFY=SUCCESS,DELAY" {
		t.Fatalf("got %q", s)
	}
	if s := params[2].String(); s != "SMTPUTF8" {
		t.Fatalf("got %q", s)
	}
}

func TestReply(t *testing.T) {
	check := func(got, exp string) {
		t.Helper()
		if got != exp {
			t.Fatalf("got %q, expected %q", got, exp)
		}
	}
	check(Reply(250, 200, "Archived as: 2024-17"), "250 2.0.0 Archived as: 2024-17")
	check(Reply(550, 0, "Invalid Mail"), "550 5.5.0 Invalid Mail")
	check(Reply(443, 0, "Delivery failed to next hop"), "443 4.4.3 Delivery failed to next hop")

	if c := ReplyCode("250 2.0.0 Ok"); c != 250 {
		t.Fatalf("got %d", c)
	}
	if c := ReplyCode("bogus"); c != 0 {
		t.Fatalf("got %d", c)
	}
}
