package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdorier/flamestore/internal/config"
	"github.com/mdorier/flamestore/internal/membership"
	"github.com/mdorier/flamestore/internal/testutil"
	"github.com/mdorier/flamestore/internal/transport"
	"github.com/mdorier/flamestore/pkg/status"

	_ "github.com/mdorier/flamestore/internal/backend/memory"
)

func masterConfig(t *testing.T, backendName string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Workspace = t.TempDir()
	cfg.Backend.Name = backendName
	return cfg
}

func call(t *testing.T, e *transport.Engine, addr, name string, args interface{}) status.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var st status.Status
	require.NoError(t, e.Call(ctx, addr, name, args, &st))
	return st
}

func TestMasterPublishesWorkspace(t *testing.T) {
	cfg := masterConfig(t, "memory")
	m, err := NewMaster(cfg, testutil.Logger(t), testutil.FastMembership())
	require.NoError(t, err)
	defer m.Finalize()

	addr, err := membership.ReadMasterAddr(cfg.Workspace)
	require.NoError(t, err)
	assert.Equal(t, m.Addr(), addr)
}

func TestMasterWithoutBackendRepliesEBackend(t *testing.T) {
	cfg := masterConfig(t, "no-such-backend")
	m, err := NewMaster(cfg, testutil.Logger(t), testutil.FastMembership())
	require.NoError(t, err)
	defer m.Finalize()

	client, err := transport.NewEngine("127.0.0.1:0", testutil.Logger(t))
	require.NoError(t, err)
	defer client.Finalize()

	st := call(t, client, m.Addr(), RPCRegisterModel, RegisterModelArgs{
		ClientAddr: client.Addr(),
		Name:       "m",
		Size:       16,
	})
	assert.Equal(t, status.EBackend, st.Code)

	st = call(t, client, m.Addr(), RPCReloadModel, ReloadModelArgs{Name: "m"})
	assert.Equal(t, status.EBackend, st.Code)

	st = call(t, client, m.Addr(), RPCDupModel, DupModelArgs{Name: "m", NewName: "n"})
	assert.Equal(t, status.EBackend, st.Code)
}

func TestDatasetSurfaceNotImplemented(t *testing.T) {
	cfg := masterConfig(t, "memory")
	m, err := NewMaster(cfg, testutil.Logger(t), testutil.FastMembership())
	require.NoError(t, err)
	defer m.Finalize()

	client, err := transport.NewEngine("127.0.0.1:0", testutil.Logger(t))
	require.NoError(t, err)
	defer client.Finalize()

	st := call(t, client, m.Addr(), RPCRegisterDataset, nil)
	assert.Equal(t, status.ENoImpl, st.Code)
	st = call(t, client, m.Addr(), RPCAddSamples, nil)
	assert.Equal(t, status.ENoImpl, st.Code)
}

func TestShutdownRepliesBeforeFinalizing(t *testing.T) {
	cfg := masterConfig(t, "memory")
	m, err := NewMaster(cfg, testutil.Logger(t), testutil.FastMembership())
	require.NoError(t, err)

	client, err := transport.NewEngine("127.0.0.1:0", testutil.Logger(t))
	require.NoError(t, err)
	defer client.Finalize()

	// The OK reply arrives while the master is still up; the engine
	// goes down right after.
	st := call(t, client, m.Addr(), RPCShutdown, nil)
	assert.True(t, st.IsOK())
	m.WaitForFinalize()
}

func TestWorkerRequiresStoragePath(t *testing.T) {
	cfg := masterConfig(t, "distributed")
	_, err := NewWorker(cfg, testutil.Logger(t), testutil.FastMembership())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage-path")
}

func TestWorkerRequiresPublishedGroup(t *testing.T) {
	cfg := masterConfig(t, "distributed")
	cfg.Backend.Config["storage-path"] = t.TempDir()
	_, err := NewWorker(cfg, testutil.Logger(t), testutil.FastMembership())
	require.Error(t, err)
}
