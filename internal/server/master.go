package server

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/internal/backend"
	"github.com/mdorier/flamestore/internal/config"
	"github.com/mdorier/flamestore/internal/membership"
	"github.com/mdorier/flamestore/internal/transport"
)

// Master is the metadata and placement process: it owns the transport
// engine, hosts the client-facing provider, founds the membership
// group and publishes it under the workspace.
type Master struct {
	engine   *transport.Engine
	log      *logrus.Logger
	group    *membership.Group
	provider *provider
	backend  backend.Backend
}

// MembershipOptions lets tests shrink the failure-detector timings; the
// zero value picks the membership package defaults.
type MembershipOptions = membership.Options

// NewMaster starts a master from its configuration. On return the
// provider is serving and the group is published.
func NewMaster(cfg *config.Config, log *logrus.Logger, opts MembershipOptions) (*Master, error) {
	engine, err := transport.NewEngine(cfg.Listen, log)
	if err != nil {
		return nil, err
	}
	engine.EnableRemoteShutdown()

	m := &Master{
		engine:   engine,
		log:      log,
		provider: newProvider(engine, log),
	}

	b, err := backend.Create(cfg.Backend.Name, backend.Context{Engine: engine, Log: log}, cfg.Backend.Config)
	if err != nil {
		// The server stays up without a backend and answers EBackend.
		log.WithError(err).Error("backend creation failed")
	} else {
		m.backend = b
		m.provider.setBackend(b)
	}

	m.group = membership.Create(engine, log, opts, m.onMembershipUpdate)
	if err := m.group.Publish(cfg.Workspace); err != nil {
		m.group.Destroy()
		engine.Finalize()
		return nil, fmt.Errorf("publishing group: %w", err)
	}
	if err := membership.WriteMasterAddr(cfg.Workspace, engine.Addr()); err != nil {
		m.group.Destroy()
		engine.Finalize()
		return nil, err
	}

	engine.OnPrefinalize(func() {
		m.group.Destroy()
	})
	engine.OnFinalize(func() {
		m.provider.setBackend(nil)
		if closer, ok := m.backend.(io.Closer); ok && closer != nil {
			if err := closer.Close(); err != nil {
				log.WithError(err).Error("closing backend failed")
			}
		}
	})

	log.WithField("addr", engine.Addr()).Info("master is running")
	return m, nil
}

// onMembershipUpdate glues group events to the backend's worker hooks.
func (m *Master) onMembershipUpdate(id membership.MemberID, addr string, update membership.UpdateType) {
	b := m.provider.getBackend()
	if b == nil {
		return
	}
	switch update {
	case membership.MemberJoined:
		b.OnWorkerJoined(id, addr)
	case membership.MemberLeft:
		b.OnWorkerLeft(id)
	case membership.MemberDied:
		b.OnWorkerDied(id)
	}
}

// Addr returns the master's endpoint address.
func (m *Master) Addr() string {
	return m.engine.Addr()
}

// WaitForFinalize blocks until the engine has been torn down, either by
// a client shutdown request or a local Finalize.
func (m *Master) WaitForFinalize() {
	m.engine.WaitForFinalize()
}

// Finalize tears the master down locally, without draining workers.
func (m *Master) Finalize() {
	m.engine.Finalize()
}
