package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mjl-/archiver/archiver-"
)

// ctl is a client for the control API of a running archiver instance, served
// on ControlListen.
type ctl struct {
	baseURL string // Including trailing slash.
	client  *http.Client
	x       any // If set, errors are handled by calling panic(x) instead of log.Fatal.
	err     error
}

// xctl returns a client for the control API configured in the loaded config.
func xctl() *ctl {
	addr := archiver.Conf.Static.ControlListen
	if addr == "" {
		log.Fatalf("no ControlListen configured, cannot reach running instance")
	}
	return &ctl{
		baseURL: "http://" + addr + "/api/",
		client:  &http.Client{Timeout: time.Minute},
	}
}

// Interpret err as fatal. If ctl.x is set, err is stored and ctl.x panicked
// with.
func (c *ctl) xerror(err error) {
	if c.x == nil {
		log.Fatalln(err)
	}
	c.err = err
	panic(c.x)
}

func (c *ctl) xcheck(err error, msg string) {
	if err != nil {
		c.xerror(fmt.Errorf("%s: %w", msg, err))
	}
}

// ctlError is an error returned by the control API.
type ctlError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ctlError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// xcall calls function fn with params and stores the result in result, which
// can be nil for functions without return value.
func (c *ctl) xcall(fn string, result any, params ...any) {
	if params == nil {
		params = []any{}
	}
	req, err := json.Marshal(map[string]any{"params": params})
	c.xcheck(err, "encoding request")

	resp, err := c.client.Post(c.baseURL+fn, "application/json", bytes.NewReader(req))
	c.xcheck(err, "calling control api")
	defer resp.Body.Close()

	var r struct {
		Result json.RawMessage `json:"result"`
		Error  *ctlError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.xerror(fmt.Errorf("parsing response with status %s: %v %s", resp.Status, err, buf))
	}
	if r.Error != nil {
		c.xerror(r.Error)
	}
	if result != nil {
		err := json.Unmarshal(r.Result, result)
		c.xcheck(err, "parsing result")
	}
}
