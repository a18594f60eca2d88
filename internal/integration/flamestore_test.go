// Package integration spins up real masters, workers and clients on
// loopback and exercises the full request paths end to end.
package integration

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdorier/flamestore/internal/config"
	"github.com/mdorier/flamestore/internal/server"
	"github.com/mdorier/flamestore/internal/testutil"
	"github.com/mdorier/flamestore/pkg/client"
	"github.com/mdorier/flamestore/pkg/status"

	_ "github.com/mdorier/flamestore/internal/backend/distributed"
	_ "github.com/mdorier/flamestore/internal/backend/memory"
)

type cluster struct {
	t         *testing.T
	workspace string
	master    *server.Master
	workers   []*server.Worker
	roots     []string
}

func startMaster(t *testing.T, backendName string, backendConfig map[string]string) *cluster {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Workspace = t.TempDir()
	cfg.Backend.Name = backendName
	for k, v := range backendConfig {
		cfg.Backend.Config[k] = v
	}

	m, err := server.NewMaster(cfg, testutil.Logger(t), testutil.FastMembership())
	require.NoError(t, err)
	return &cluster{t: t, workspace: cfg.Workspace, master: m}
}

func (c *cluster) startWorker() *server.Worker {
	c.t.Helper()
	cfg, err := config.Load("")
	require.NoError(c.t, err)
	cfg.Workspace = c.workspace
	root := c.t.TempDir()
	cfg.Backend.Config["storage-path"] = root
	cfg.Backend.Config["targets"] = "1"

	w, err := server.NewWorker(cfg, testutil.Logger(c.t), testutil.FastMembership())
	require.NoError(c.t, err)
	c.workers = append(c.workers, w)
	c.roots = append(c.roots, root)
	return w
}

func (c *cluster) connect() *client.Client {
	c.t.Helper()
	cl, err := client.Connect(c.workspace, testutil.Logger(c.t))
	require.NoError(c.t, err)
	c.t.Cleanup(cl.Close)
	return cl
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func regionCount(t *testing.T, root string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root, "*", "*.region"))
	require.NoError(t, err)
	return len(matches)
}

func TestMemoryBackendLifecycle(t *testing.T) {
	c := startMaster(t, "memory", nil)
	cl := c.connect()
	ctx := testContext(t)

	const size = 8192
	st, err := cl.Register(ctx, "alexnet", `{"layers": 8}`, size, "sig-1")
	require.NoError(t, err)
	require.True(t, st.IsOK())

	data := randomBytes(t, size)
	st, err = cl.Write(ctx, "alexnet", "sig-1", data)
	require.NoError(t, err)
	require.True(t, st.IsOK())

	st, err = cl.Reload(ctx, "alexnet")
	require.NoError(t, err)
	require.True(t, st.IsOK())
	assert.Equal(t, `{"layers": 8}`, st.Message)

	out := make([]byte, size)
	st, err = cl.Read(ctx, "alexnet", "sig-1", out)
	require.NoError(t, err)
	require.True(t, st.IsOK())
	assert.Equal(t, data, out)

	st, err = cl.Shutdown(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsOK())
	c.master.WaitForFinalize()
}

func TestStatusTaxonomyEndToEnd(t *testing.T) {
	c := startMaster(t, "memory", nil)
	defer c.master.Finalize()
	cl := c.connect()
	ctx := testContext(t)

	st, err := cl.Register(ctx, "m", "cfg", 16, "good")
	require.NoError(t, err)
	require.True(t, st.IsOK())

	st, _ = cl.Register(ctx, "m", "cfg", 16, "good")
	assert.Equal(t, status.EExists, st.Code)

	st, _ = cl.Reload(ctx, "ghost")
	assert.Equal(t, status.ENoExists, st.Code)

	st, _ = cl.Write(ctx, "m", "bad-sig", make([]byte, 16))
	assert.Equal(t, status.ESignature, st.Code)

	st, _ = cl.Write(ctx, "m", "good", make([]byte, 8))
	assert.Equal(t, status.EIO, st.Code)

	st, _ = cl.Duplicate(ctx, "ghost", "copy")
	assert.Equal(t, status.ENoExists, st.Code)
}

func TestDuplicateEndToEnd(t *testing.T) {
	c := startMaster(t, "memory", nil)
	defer c.master.Finalize()
	cl := c.connect()
	ctx := testContext(t)

	const size = 1024
	st, err := cl.Register(ctx, "orig", "cfg", size, "sig")
	require.NoError(t, err)
	require.True(t, st.IsOK())
	data := randomBytes(t, size)
	st, err = cl.Write(ctx, "orig", "sig", data)
	require.NoError(t, err)
	require.True(t, st.IsOK())

	st, err = cl.Duplicate(ctx, "orig", "copy")
	require.NoError(t, err)
	require.True(t, st.IsOK())

	out := make([]byte, size)
	st, err = cl.Read(ctx, "copy", "sig", out)
	require.NoError(t, err)
	require.True(t, st.IsOK())
	assert.Equal(t, data, out)
}

func TestDistributedBackendRoundtrip(t *testing.T) {
	c := startMaster(t, "distributed", nil)
	defer c.master.Finalize()
	c.startWorker()
	cl := c.connect()
	ctx := testContext(t)

	const size = 4096
	data := randomBytes(t, size)

	// The worker's probe runs shortly after its join; retry until the
	// registry has a target.
	var st status.Status
	var err error
	testutil.WaitFor(t, 5*time.Second, func() bool {
		st, err = cl.Register(ctx, "resnet", "cfg", size, "sig")
		return err == nil && st.Code != status.EStorage
	})
	require.True(t, st.IsOK())

	st, err = cl.Write(ctx, "resnet", "sig", data)
	require.NoError(t, err)
	require.True(t, st.IsOK())

	out := make([]byte, size)
	st, err = cl.Read(ctx, "resnet", "sig", out)
	require.NoError(t, err)
	require.True(t, st.IsOK())
	assert.Equal(t, data, out)

	// The bytes live in exactly one region file on the worker.
	assert.Equal(t, 1, regionCount(t, c.roots[0]))
}

func TestDistributedPlacementAndDuplicate(t *testing.T) {
	c := startMaster(t, "distributed", map[string]string{"selector": "hash"})
	defer c.master.Finalize()
	c.startWorker()
	c.startWorker()
	cl := c.connect()
	ctx := testContext(t)

	// Wait until the workers' targets have been probed into the
	// registry; a failed registration rolls back, so retrying under the
	// same name is safe.
	testutil.WaitFor(t, 5*time.Second, func() bool {
		st, err := cl.Register(ctx, "warmup", "cfg", 1, "sig")
		return err == nil && st.IsOK()
	})

	const size = 2048
	data := randomBytes(t, size)
	st, err := cl.Register(ctx, "model-a", "cfg", size, "sig")
	require.NoError(t, err)
	require.True(t, st.IsOK())
	st, err = cl.Write(ctx, "model-a", "sig", data)
	require.NoError(t, err)
	require.True(t, st.IsOK())

	st, err = cl.Duplicate(ctx, "model-a", "model-b")
	require.NoError(t, err)
	require.True(t, st.IsOK())

	// Placement with the hash selector is a pure function of the name,
	// so a re-registration of the same name is placed on the same
	// worker every time. Here we just check both replicas exist and
	// read back correctly.
	out := make([]byte, size)
	st, err = cl.Read(ctx, "model-b", "sig", out)
	require.NoError(t, err)
	require.True(t, st.IsOK())
	assert.Equal(t, data, out)

	total := regionCount(t, c.roots[0]) + regionCount(t, c.roots[1])
	assert.GreaterOrEqual(t, total, 3) // warmup + model-a + model-b
}

func TestGracefulShutdownDrainsWorkers(t *testing.T) {
	c := startMaster(t, "distributed", nil)
	w1 := c.startWorker()
	w2 := c.startWorker()
	cl := c.connect()
	ctx := testContext(t)

	var st status.Status
	var err error
	testutil.WaitFor(t, 5*time.Second, func() bool {
		st, err = cl.Register(ctx, "m", "cfg", 64, "sig")
		return err == nil && st.Code != status.EStorage
	})
	require.True(t, st.IsOK())

	// Shutdown drains: the OK reply only arrives after every worker has
	// left the group, and the workers finalize themselves.
	st, err = cl.Shutdown(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsOK())

	w1.WaitForFinalize()
	w2.WaitForFinalize()
	c.master.WaitForFinalize()
}

func TestWorkerShutsDownWhenMasterDies(t *testing.T) {
	c := startMaster(t, "distributed", nil)
	w := c.startWorker()

	// Kill the master without draining. The worker's heartbeat fails
	// repeatedly and it finalizes itself.
	c.master.Finalize()

	done := make(chan struct{})
	go func() {
		w.WaitForFinalize()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not shut down after master death")
	}
}
