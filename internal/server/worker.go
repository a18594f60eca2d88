package server

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/internal/config"
	"github.com/mdorier/flamestore/internal/membership"
	"github.com/mdorier/flamestore/internal/regionstore"
	"github.com/mdorier/flamestore/internal/transport"
)

// Worker is a storage process: it hosts a region store and joins the
// master's group. It has no client-facing surface of its own; all
// region traffic is initiated by the master.
type Worker struct {
	engine *transport.Engine
	log    *logrus.Logger
	store  *regionstore.Store
	group  *membership.Group
}

// NewWorker starts a worker from its configuration. The region store
// options come from the backend config map (storage-path, targets,
// minimum-free-gb). On return the worker is a group member and its
// provider RPCs are live.
func NewWorker(cfg *config.Config, log *logrus.Logger, opts MembershipOptions) (*Worker, error) {
	storeOpts, err := regionstore.DecodeOptions(cfg.Backend.Config)
	if err != nil {
		return nil, err
	}

	engine, err := transport.NewEngine(cfg.Listen, log)
	if err != nil {
		return nil, err
	}
	engine.EnableRemoteShutdown()

	store, err := regionstore.NewStore(engine, storeOpts, log)
	if err != nil {
		engine.Finalize()
		return nil, err
	}

	w := &Worker{engine: engine, log: log, store: store}
	group, err := membership.Join(engine, log, cfg.Workspace, opts, w.onMasterUpdate)
	if err != nil {
		engine.Finalize()
		store.Close()
		return nil, fmt.Errorf("joining master group: %w", err)
	}
	w.group = group

	engine.OnPrefinalize(func() {
		group.Leave()
	})
	engine.OnFinalize(func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("closing region store failed")
		}
	})

	log.WithField("addr", engine.Addr()).Info("storage worker is running")
	return w, nil
}

// onMasterUpdate fires when the group heartbeat declares the master
// dead. The worker finalizes itself from a detached goroutine: there
// is nothing left to serve without a master.
func (w *Worker) onMasterUpdate(id membership.MemberID, addr string, update membership.UpdateType) {
	if update != membership.MemberDied {
		return
	}
	w.log.WithField("master", addr).Warn("master is gone, shutting down")
	go w.engine.Finalize()
}

// Addr returns the worker's endpoint address.
func (w *Worker) Addr() string {
	return w.engine.Addr()
}

// Targets returns the storage targets this worker advertises.
func (w *Worker) Targets() []regionstore.TargetID {
	return w.store.Targets()
}

// WaitForFinalize blocks until the engine has been torn down, either
// by the master's drain or a local Finalize.
func (w *Worker) WaitForFinalize() {
	w.engine.WaitForFinalize()
}

// Finalize tears the worker down locally, leaving the group first.
func (w *Worker) Finalize() {
	w.engine.Finalize()
}
