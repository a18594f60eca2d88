// Package memory implements the in-process storage backend: every
// model's bytes live in a resident buffer on the master, exposed to
// the transport for one-sided bulk access.
package memory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/internal/backend"
	"github.com/mdorier/flamestore/internal/membership"
	"github.com/mdorier/flamestore/internal/model"
	"github.com/mdorier/flamestore/internal/transport"
	"github.com/mdorier/flamestore/pkg/status"
)

func init() {
	backend.Register("memory", New)
}

const transferTimeout = 30 * time.Second

// payload is the memory backend's per-record slot: the owned buffer
// and its bulk registration.
type payload struct {
	data []byte
	bulk transport.BulkHandle
}

// Backend keeps all model bytes resident. Membership events are
// irrelevant to it.
type Backend struct {
	engine *transport.Engine
	log    *logrus.Logger
	models *model.Table[payload]
}

// New builds a memory backend. The config map carries no keys the
// backend understands today.
func New(ctx backend.Context, _ backend.Config) (backend.Backend, error) {
	ctx.Log.Debug("initializing memory backend")
	return &Backend{
		engine: ctx.Engine,
		log:    ctx.Log,
		models: model.NewTable[payload](),
	}, nil
}

// RegisterModel creates the record, allocates its buffer and exposes
// it for bulk before acknowledging. A size of zero allocates nothing.
func (b *Backend) RegisterModel(req backend.Responder, clientAddr, name, config string, size uint64, signature string) {
	rec, created := b.models.FindOrCreate(name)
	if !created {
		b.log.WithField("model", name).Error("model already exists")
		req.Respond(status.Errf(status.EExists, "a model with the same name is already registered"))
		return
	}
	b.log.WithFields(logrus.Fields{
		"model": name,
		"size":  size,
	}).Info("registering model")

	rec.Lock()
	defer rec.Unlock()
	rec.Config = config
	rec.Signature = signature
	rec.Size = size
	if size > 0 {
		rec.Payload.data = make([]byte, size)
		rec.Payload.bulk = b.engine.Expose(rec.Payload.data, transport.BulkReadWrite)
	}
	req.Respond(status.Ok())
}

// ReloadModel returns the model config in the status message.
func (b *Backend) ReloadModel(req backend.Responder, clientAddr, name string) {
	rec := b.models.Find(name)
	if rec == nil {
		b.log.WithField("model", name).Error("model does not exist")
		req.Respond(status.Errf(status.ENoExists, "no model found with provided name"))
		return
	}
	rec.Lock()
	config := rec.Config
	rec.Unlock()
	b.log.WithField("model", name).Info("reloading model config")
	req.Respond(status.OkMsg(config))
}

// WriteModel pulls the model's bytes from the client's memory into the
// resident buffer.
func (b *Backend) WriteModel(req backend.Responder, clientAddr, name, signature string, bulk transport.BulkHandle, size uint64) {
	rec := b.models.Find(name)
	if rec == nil {
		b.log.WithField("model", name).Error("model does not exist")
		req.Respond(status.Errf(status.ENoExists, "no model found with provided name"))
		return
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.Signature != signature {
		b.log.WithField("model", name).Error("unmatching signatures on write")
		req.Respond(status.Errf(status.ESignature, "unmatching signatures"))
		return
	}
	if size != rec.Size {
		req.Respond(status.Errf(status.EIO, "write of %d bytes against model of %d bytes", size, rec.Size))
		return
	}
	if rec.Size == 0 {
		req.Respond(status.Ok())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()
	b.log.WithField("model", name).Debug("pulling model data from client")
	if err := b.engine.BulkPull(ctx, clientAddr, bulk, 0, rec.Payload.data); err != nil {
		b.log.WithField("model", name).WithError(err).Error("bulk pull failed")
		req.Respond(status.Errf(status.EIO, "bulk transfer failed"))
		return
	}
	req.Respond(status.Ok())
}

// ReadModel pushes the resident buffer into the client's memory.
func (b *Backend) ReadModel(req backend.Responder, clientAddr, name, signature string, bulk transport.BulkHandle, size uint64) {
	rec := b.models.Find(name)
	if rec == nil {
		b.log.WithField("model", name).Error("model does not exist")
		req.Respond(status.Errf(status.ENoExists, "no model found with provided name"))
		return
	}
	rec.Lock()
	defer rec.Unlock()
	if rec.Signature != signature {
		b.log.WithField("model", name).Error("unmatching signatures on read")
		req.Respond(status.Errf(status.ESignature, "unmatching signatures"))
		return
	}
	if size != rec.Size {
		req.Respond(status.Errf(status.EIO, "read of %d bytes against model of %d bytes", size, rec.Size))
		return
	}
	if rec.Size == 0 {
		req.Respond(status.Ok())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()
	b.log.WithField("model", name).Debug("pushing model data to client")
	if err := b.engine.BulkPush(ctx, clientAddr, bulk, 0, rec.Payload.data); err != nil {
		b.log.WithField("model", name).WithError(err).Error("bulk push failed")
		req.Respond(status.Errf(status.EIO, "bulk transfer failed"))
		return
	}
	req.Respond(status.Ok())
}

// DuplicateModel snapshots the source under its own lock, then
// installs the copy under the new record's lock. The two record locks
// are never held together.
func (b *Backend) DuplicateModel(req backend.Responder, name, newName string) {
	src := b.models.Find(name)
	if src == nil {
		b.log.WithField("model", name).Error("model does not exist")
		req.Respond(status.Errf(status.ENoExists, "no model found with provided name"))
		return
	}
	dst, created := b.models.FindOrCreate(newName)
	if !created {
		b.log.WithField("model", newName).Error("model already exists")
		req.Respond(status.Errf(status.EExists, "a model with the same name is already registered"))
		return
	}

	src.Lock()
	config := src.Config
	signature := src.Signature
	size := src.Size
	var data []byte
	if size > 0 {
		data = make([]byte, size)
		copy(data, src.Payload.data)
	}
	src.Unlock()

	dst.Lock()
	defer dst.Unlock()
	dst.Config = config
	dst.Signature = signature
	dst.Size = size
	if size > 0 {
		dst.Payload.data = data
		dst.Payload.bulk = b.engine.Expose(data, transport.BulkReadWrite)
	}
	b.log.WithFields(logrus.Fields{
		"model": name,
		"copy":  newName,
	}).Info("duplicated model")
	req.Respond(status.Ok())
}

// OnShutdown has nothing to drain: the bytes die with the master.
func (b *Backend) OnShutdown() {}

func (b *Backend) OnWorkerJoined(id membership.MemberID, addr string) {}

func (b *Backend) OnWorkerLeft(id membership.MemberID) {}

func (b *Backend) OnWorkerDied(id membership.MemberID) {}
