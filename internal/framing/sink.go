// Package framing implements the output side of the log collector: a
// Sink turns one decoded StructuredLogMessage into framed bytes on an
// io.Writer. The server holds a single mutex around every call into a
// Sink, so implementations here need no locking of their own.
//
// Built-in sinks register themselves in an in-process table at package
// init, the same table a dynamically loaded plugin populates via
// Register before the server starts.
package framing

import (
	"fmt"
	"io"
	"sync"

	"github.com/zendesk/multiproc-log-device/internal/wire"
)

// Sink is implemented by every framing backend. OnMessage is called once
// per StructuredLogMessage the ingest side produces; the caller guarantees
// calls are serialized.
type Sink interface {
	OnMessage(msg wire.StructuredLogMessage) error
}

// Factory builds a Sink that writes to w.
type Factory func(w io.Writer) Sink

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register makes a named framing factory available to -f/--framing. It is
// called by the four built-ins at package init, and by any plugin loaded
// through -r/--require. Registering the same name twice is a programmer
// error, not a runtime condition, so it panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("framing: duplicate registration for %q", name))
	}
	registry[name] = factory
}

// Lookup returns the factory registered under name, if any.
func Lookup(name string) (Factory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := registry[name]
	return f, ok
}

// New builds the named sink over w, or an error if name is not registered.
func New(name string, w io.Writer) (Sink, error) {
	factory, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("framing: unknown framing %q", name)
	}
	return factory(w), nil
}
