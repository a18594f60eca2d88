// Package backend defines the polymorphic storage-backend contract of
// the FlameStore master and the name-to-factory registry through which
// backends are instantiated at server start.
package backend

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/internal/membership"
	"github.com/mdorier/flamestore/internal/transport"
)

// Responder is the reply handle passed down from the provider. Every
// operation responds exactly once, with a status.Status value.
type Responder interface {
	Respond(reply interface{}) error
}

// Context carries the server-owned resources a backend builds on.
type Context struct {
	Engine *transport.Engine
	Log    *logrus.Logger
}

// Config is the opaque string map handed to a backend factory.
// Backends decode the keys they understand and ignore the rest.
type Config map[string]string

// Backend is the capability set every storage backend implements.
// Operations are synchronous: they reply through req before returning.
// Membership hooks are invoked by the master's group callbacks.
type Backend interface {
	RegisterModel(req Responder, clientAddr, name, config string, size uint64, signature string)
	ReloadModel(req Responder, clientAddr, name string)
	WriteModel(req Responder, clientAddr, name, signature string, bulk transport.BulkHandle, size uint64)
	ReadModel(req Responder, clientAddr, name, signature string, bulk transport.BulkHandle, size uint64)
	DuplicateModel(req Responder, name, newName string)

	OnShutdown()
	OnWorkerJoined(id membership.MemberID, addr string)
	OnWorkerLeft(id membership.MemberID)
	OnWorkerDied(id membership.MemberID)
}

// Factory builds a backend from the server context and its config map.
type Factory func(ctx Context, cfg Config) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a backend factory under a name. It is called from
// init functions of backend implementations; registering the same
// name twice panics, like a duplicate driver registration would.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("backend: Register called twice for %q", name))
	}
	registry[name] = factory
}

// Create instantiates the named backend. Unknown names return an
// error; the server keeps running without a backend and replies
// EBACKEND to every operation.
func Create(name string, ctx Context, cfg Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no backend registered under %q", name)
	}
	ctx.Log.WithField("backend", name).Info("creating backend")
	return factory(ctx, cfg)
}

// Names returns the registered backend names, for diagnostics.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
