package archiver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/archiver/config"
)

// Shutdown is canceled when a graceful shutdown is initiated. Stages check it
// before accepting a new connection or starting a new transaction. If it is
// canceled, clients get a 421 reply and the connection is closed.
var Shutdown context.Context
var ShutdownCancel func()

// Context is the parent of most operations, such as relaying to the next hop.
// It is canceled after the graceful shutdown period ends, aborting in-flight
// work.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// Listen binds a stream listener for addr. For unix sockets, a stale socket
// file is removed first and the new socket is made accessible to all local
// users, like the MTA that delivers to it.
func Listen(addr config.Addr) (net.Listener, error) {
	switch addr.Network {
	case "unix":
		if err := os.Remove(addr.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket: %v", err)
		}
		ln, err := net.Listen("unix", addr.Address)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(addr.Address, 0777); err != nil {
			ln.Close()
			return nil, fmt.Errorf("setting socket permissions: %v", err)
		}
		return ln, nil
	case "tcp":
		return net.Listen("tcp", addr.Address)
	}
	return nil, fmt.Errorf("unknown network %q for %s", addr.Network, addr)
}

// Connections holds all active client sockets of all stages. They are given an
// immediate read/write deadline when the graceful shutdown period is over.
var Connections = &connections{
	conns:  map[net.Conn]connKind{},
	gauges: map[connKind]prometheus.GaugeFunc{},
	active: map[connKind]int64{},
}

type connKind struct {
	dialect string
	stage   string
}

type connections struct {
	sync.Mutex
	conns  map[net.Conn]connKind
	dones  []chan struct{}
	gauges map[connKind]prometheus.GaugeFunc

	activeMutex sync.Mutex
	active      map[connKind]int64
}

// Register adds a connection for receiving an immediate i/o deadline on shutdown.
// When the connection is closed, Unregister must be called.
func (c *connections) Register(nc net.Conn, dialect, stage string) {
	select {
	case <-Shutdown.Done():
		pkglog.Error("new connection added while shutting down", slog.String("stage", stage))
	default:
	}

	ck := connKind{dialect, stage}

	c.activeMutex.Lock()
	c.active[ck]++
	c.activeMutex.Unlock()

	c.Lock()
	defer c.Unlock()
	c.conns[nc] = ck
	if _, ok := c.gauges[ck]; !ok {
		c.gauges[ck] = promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "archiver_connections_count",
				Help: "Open client connections, per dialect and stage.",
				ConstLabels: prometheus.Labels{
					"dialect": dialect,
					"stage":   stage,
				},
			},
			func() float64 {
				c.activeMutex.Lock()
				defer c.activeMutex.Unlock()
				return float64(c.active[ck])
			},
		)
	}
}

// Unregister removes a connection.
func (c *connections) Unregister(nc net.Conn) {
	c.Lock()
	defer c.Unlock()
	ck, ok := c.conns[nc]
	if !ok {
		return
	}

	c.activeMutex.Lock()
	c.active[ck]--
	c.activeMutex.Unlock()

	delete(c.conns, nc)
	if len(c.conns) > 0 {
		return
	}
	for _, done := range c.dones {
		done <- struct{}{}
	}
	c.dones = nil
}

// Shutdown sets an immediate i/o deadline on all open registered sockets.
// Blocked reads and writes return with an error, after which the connection
// handlers unregister their connection.
func (c *connections) Shutdown() {
	now := time.Now()
	c.Lock()
	defer c.Unlock()
	for nc := range c.conns {
		if err := nc.SetDeadline(now); err != nil {
			pkglog.Errorx("setting immediate read/write deadline for shutdown", err)
		}
	}
}

// Count returns the number of open connections for stage.
func (c *connections) Count(stage string) int {
	c.Lock()
	defer c.Unlock()
	var n int
	for _, ck := range c.conns {
		if ck.stage == stage {
			n++
		}
	}
	return n
}

// Done returns a new channel on which a value is sent when no more sockets are
// open, which could be immediate.
func (c *connections) Done() chan struct{} {
	c.Lock()
	defer c.Unlock()
	done := make(chan struct{}, 1)
	if len(c.conns) == 0 {
		done <- struct{}{}
		return done
	}
	c.dones = append(c.dones, done)
	return done
}
