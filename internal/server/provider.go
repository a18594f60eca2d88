// Package server hosts the two FlameStore processes: the master (model
// metadata, placement, client-facing provider) and the storage worker
// (region store attached to the master's group).
package server

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/internal/backend"
	"github.com/mdorier/flamestore/internal/transport"
	"github.com/mdorier/flamestore/pkg/status"
)

// Client-facing RPC names served by the master provider.
const (
	RPCShutdown       = "flamestore_shutdown"
	RPCRegisterModel  = "flamestore_register_model"
	RPCReloadModel    = "flamestore_reload_model"
	RPCWriteModelData = "flamestore_write_model_data"
	RPCReadModelData  = "flamestore_read_model_data"
	RPCDupModel       = "flamestore_dup_model"

	// Reserved dataset surface; always answered with ENoImpl.
	RPCRegisterDataset = "flamestore_register_dataset"
	RPCAddSamples      = "flamestore_add_samples"
)

// RegisterModelArgs et al. are the wire frames of the client-facing
// RPCs. Every reply is a status.Status.
type RegisterModelArgs struct {
	ClientAddr string
	Name       string
	Config     string
	Size       uint64
	Signature  string
}

type ReloadModelArgs struct {
	ClientAddr string
	Name       string
}

type ModelDataArgs struct {
	ClientAddr string
	Name       string
	Signature  string
	Bulk       transport.BulkHandle
	Size       uint64
}

type DupModelArgs struct {
	Name    string
	NewName string
}

// provider dispatches client RPCs to the active backend. The backend
// may be swapped (or absent); absent replies EBackend everywhere.
type provider struct {
	engine *transport.Engine
	log    *logrus.Logger

	mu      sync.RWMutex
	backend backend.Backend
}

func newProvider(engine *transport.Engine, log *logrus.Logger) *provider {
	p := &provider{engine: engine, log: log}
	engine.Define(RPCShutdown, p.handleShutdown)
	engine.Define(RPCRegisterModel, p.handleRegisterModel)
	engine.Define(RPCReloadModel, p.handleReloadModel)
	engine.Define(RPCWriteModelData, p.handleWriteModelData)
	engine.Define(RPCReadModelData, p.handleReadModelData)
	engine.Define(RPCDupModel, p.handleDupModel)
	engine.Define(RPCRegisterDataset, p.handleNotImplemented)
	engine.Define(RPCAddSamples, p.handleNotImplemented)
	return p
}

func (p *provider) setBackend(b backend.Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backend = b
}

func (p *provider) getBackend() backend.Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend
}

func (p *provider) handleRegisterModel(req *transport.Request) {
	var args RegisterModelArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("register_model: %v", err)
		return
	}
	p.log.WithField("model", args.Name).Info("received request to register model")
	b := p.getBackend()
	if b == nil {
		req.Respond(status.Errf(status.EBackend, "no backend configured"))
		return
	}
	b.RegisterModel(req, args.ClientAddr, args.Name, args.Config, args.Size, args.Signature)
}

func (p *provider) handleReloadModel(req *transport.Request) {
	var args ReloadModelArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("reload_model: %v", err)
		return
	}
	p.log.WithField("model", args.Name).Info("received request to reload model")
	b := p.getBackend()
	if b == nil {
		req.Respond(status.Errf(status.EBackend, "no backend configured"))
		return
	}
	b.ReloadModel(req, args.ClientAddr, args.Name)
}

func (p *provider) handleWriteModelData(req *transport.Request) {
	var args ModelDataArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("write_model_data: %v", err)
		return
	}
	p.log.WithField("model", args.Name).Info("received request to write model data")
	b := p.getBackend()
	if b == nil {
		req.Respond(status.Errf(status.EBackend, "no backend configured"))
		return
	}
	b.WriteModel(req, args.ClientAddr, args.Name, args.Signature, args.Bulk, args.Size)
}

func (p *provider) handleReadModelData(req *transport.Request) {
	var args ModelDataArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("read_model_data: %v", err)
		return
	}
	p.log.WithField("model", args.Name).Info("received request to read model data")
	b := p.getBackend()
	if b == nil {
		req.Respond(status.Errf(status.EBackend, "no backend configured"))
		return
	}
	b.ReadModel(req, args.ClientAddr, args.Name, args.Signature, args.Bulk, args.Size)
}

func (p *provider) handleDupModel(req *transport.Request) {
	var args DupModelArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("dup_model: %v", err)
		return
	}
	p.log.WithFields(logrus.Fields{
		"model": args.Name,
		"copy":  args.NewName,
	}).Info("received request to duplicate model")
	b := p.getBackend()
	if b == nil {
		req.Respond(status.Errf(status.EBackend, "no backend configured"))
		return
	}
	b.DuplicateModel(req, args.Name, args.NewName)
}

// handleShutdown drains the fleet through the backend, acknowledges,
// then finalizes the engine asynchronously so the reply gets out.
func (p *provider) handleShutdown(req *transport.Request) {
	p.log.Info("received request to shut down")
	if b := p.getBackend(); b != nil {
		b.OnShutdown()
	}
	req.Respond(status.Ok())
	go p.engine.Finalize()
}

func (p *provider) handleNotImplemented(req *transport.Request) {
	p.log.WithField("rpc", req.Name()).Warn("unimplemented operation requested")
	req.Respond(status.Errf(status.ENoImpl, "operation %s is not implemented", req.Name()))
}
