// Package backend defines the contract between stages and the backends that
// archive message metadata or store messages, and a registry of backends by
// name.
//
// Backends register themselves from an init function of their package, and
// are instantiated by name when a stage starts.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/message"
	"github.com/mjl-/archiver/mlog"
)

var (
	ErrUnknownBackend    = errors.New("unknown backend")
	ErrStageNotSupported = errors.New("backend does not support stage")
	ErrBadConfig         = errors.New("bad backend config")
)

// Stages.
const (
	Archive = "archive"
	Storage = "storage"
)

// Reply code for failures of backends. Results in reply "443 4.4.3 <message>".
const CodeFailure = 443

// Fields is the input to Backend.Process. Which fields are set depends on the
// stage.
type Fields struct {
	Stage     string
	Hash      string    // MessageHash of the message.
	MessageID string    // Message-Id header or synthetic id.
	Date      time.Time // From the Date header if configured, otherwise time of receipt.
	Raw       []byte    // Message as received.
	Sender    string    // Envelope sender, empty for the null sender.

	// Storage stage, from the X-Archiver-ID header.
	Year int
	Seq  int64

	// Archive stage.
	From       string
	Recipients []string
	Subject    string // Decoded.
	Size       int64
	Parts      []message.Part
	Mailboxes  []string // Resolved local mailboxes, if configured.
}

// Result is the outcome of Backend.Process.
type Result struct {
	OK      bool
	Code    int    // Reply code for failures.
	Message string // Reply text for failures.

	// For successful archive stage results, the archive identifier.
	Year int
	Seq  int64
}

// Stored is a successful storage stage result.
func Stored() Result {
	return Result{OK: true, Code: 250, Message: "Ok"}
}

// Archived is a successful archive stage result.
func Archived(year int, seq int64) Result {
	return Result{OK: true, Code: 250, Message: "Ok", Year: year, Seq: seq}
}

// Failure is a failed result with a reply code and message for the client.
func Failure(code int, format string, args ...any) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Backend archives or stores messages.
type Backend interface {
	// Process archives or stores the message described by f. It is called for
	// one message at a time per stage.
	Process(ctx context.Context, f Fields) Result

	// Shutdown releases resources. It can be called multiple times.
	Shutdown()
}

// Factory instantiates a backend for a stage. The stage config holds the
// backend-specific settings.
type Factory func(log mlog.Log, stage string, conf config.Stage) (Backend, error)

type registration struct {
	stages  []string
	factory Factory
}

var (
	registryMutex sync.Mutex
	registry      = map[string]registration{}
)

// Register makes a backend available by name, for the listed stages.
// Registering the same name twice panics.
func Register(name string, stages []string, factory Factory) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("backend %q registered twice", name))
	}
	registry[name] = registration{stages, factory}
}

// Names returns the registered backend names, sorted.
func Names() []string {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	l := maps.Keys(registry)
	slices.Sort(l)
	return l
}

// New instantiates the backend registered as name for stage.
func New(log mlog.Log, name, stage string, conf config.Stage) (Backend, error) {
	registryMutex.Lock()
	reg, ok := registry[name]
	registryMutex.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %q, known backends: %v", ErrUnknownBackend, name, Names())
	}
	if !slices.Contains(reg.stages, stage) {
		return nil, fmt.Errorf("%w: %s does not support stage %s", ErrStageNotSupported, name, stage)
	}
	log = log.WithPkg("backend").With(slog.String("backend", name), slog.String("stage", stage))
	b, err := reg.factory(log, stage, conf)
	if err != nil {
		return nil, fmt.Errorf("initializing backend %s: %w", name, err)
	}
	return b, nil
}
