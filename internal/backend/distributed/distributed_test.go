package distributed

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdorier/flamestore/internal/backend"
	"github.com/mdorier/flamestore/internal/membership"
	"github.com/mdorier/flamestore/internal/regionstore"
	"github.com/mdorier/flamestore/internal/testutil"
	"github.com/mdorier/flamestore/internal/transport"
	"github.com/mdorier/flamestore/pkg/status"
)

type recorder struct {
	st status.Status
}

func (r *recorder) Respond(reply interface{}) error {
	r.st = reply.(status.Status)
	return nil
}

type fixture struct {
	t       *testing.T
	backend *Backend
	master  *transport.Engine
	client  *transport.Engine
	workers []*worker
	nextID  membership.MemberID
}

type worker struct {
	engine *transport.Engine
	store  *regionstore.Store
	root   string
	id     membership.MemberID
}

func newFixture(t *testing.T, cfg backend.Config) *fixture {
	t.Helper()
	log := testutil.Logger(t)
	master, err := transport.NewEngine("127.0.0.1:0", log)
	require.NoError(t, err)
	t.Cleanup(master.Finalize)
	client, err := transport.NewEngine("127.0.0.1:0", log)
	require.NoError(t, err)
	t.Cleanup(client.Finalize)

	b, err := New(backend.Context{Engine: master, Log: log}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.(*Backend).Close() })
	return &fixture{
		t:       t,
		backend: b.(*Backend),
		master:  master,
		client:  client,
		nextID:  1,
	}
}

// addWorker starts a region store on its own engine and announces it to
// the backend the way the master's membership callback would.
func (f *fixture) addWorker(targets int) *worker {
	f.t.Helper()
	log := testutil.Logger(f.t)
	engine, err := transport.NewEngine("127.0.0.1:0", log)
	require.NoError(f.t, err)
	f.t.Cleanup(engine.Finalize)

	root := f.t.TempDir()
	store, err := regionstore.NewStore(engine, regionstore.Options{
		StoragePath: root,
		Targets:     targets,
	}, log)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { store.Close() })

	w := &worker{engine: engine, store: store, root: root, id: f.nextID}
	f.nextID++
	f.workers = append(f.workers, w)
	f.backend.OnWorkerJoined(w.id, engine.Addr())
	return w
}

func (f *fixture) register(name string, size uint64, signature string) status.Status {
	var rec recorder
	f.backend.RegisterModel(&rec, f.client.Addr(), name, "config-of-"+name, size, signature)
	return rec.st
}

func (f *fixture) write(name, signature string, data []byte) status.Status {
	bulk := f.client.Expose(data, transport.BulkReadOnly)
	defer f.client.Release(bulk)
	var rec recorder
	f.backend.WriteModel(&rec, f.client.Addr(), name, signature, bulk, uint64(len(data)))
	return rec.st
}

func (f *fixture) read(name, signature string, buf []byte) status.Status {
	bulk := f.client.Expose(buf, transport.BulkWriteOnly)
	defer f.client.Release(bulk)
	var rec recorder
	f.backend.ReadModel(&rec, f.client.Addr(), name, signature, bulk, uint64(len(buf)))
	return rec.st
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

// regionCount counts region files under one worker's storage root.
func regionCount(t *testing.T, w *worker) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(w.root, "*", "*.region"))
	require.NoError(t, err)
	return len(matches)
}

func TestSelectors(t *testing.T) {
	i := HashByName("alexnet", 7)
	assert.Equal(t, i, HashByName("alexnet", 7))

	// The index stays within [0, n) for any name, including names whose
	// 32-bit hash has the sign bit set.
	for k := 0; k < 1000; k++ {
		name := fmt.Sprintf("model-%d", k)
		idx := HashByName(name, 7)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 7)
	}

	j := UniformRandom("ignored", 5)
	assert.GreaterOrEqual(t, j, 0)
	assert.Less(t, j, 5)
}

func TestUnknownSelectorRejected(t *testing.T) {
	log := testutil.Logger(t)
	engine, err := transport.NewEngine("127.0.0.1:0", log)
	require.NoError(t, err)
	defer engine.Finalize()
	_, err = New(backend.Context{Engine: engine, Log: log}, backend.Config{"selector": "bogus"})
	require.Error(t, err)
}

func TestRegisterWithoutTargets(t *testing.T) {
	f := newFixture(t, nil)
	st := f.register("m", 64, "sig")
	assert.Equal(t, status.EStorage, st.Code)

	// The failed registration rolled back: the name is free once a
	// worker shows up.
	f.addWorker(1)
	assert.True(t, f.register("m", 64, "sig").IsOK())
}

func TestRegisterRollbackOnRegionFailure(t *testing.T) {
	f := newFixture(t, nil)
	w := f.addWorker(1)

	// Close the worker's store so region creation fails while its
	// target is still in the registry.
	require.NoError(t, w.store.Close())
	st := f.register("m", 64, "sig")
	assert.Equal(t, status.EStorage, st.Code)

	// The failed registration rolled back and the name is usable again
	// once the dead worker is evicted and a healthy one is available.
	f.backend.OnWorkerLeft(w.id)
	f.addWorker(1)
	assert.True(t, f.register("m", 64, "sig").IsOK())
}

func TestRegisterWriteReadBack(t *testing.T) {
	f := newFixture(t, nil)
	w := f.addWorker(1)

	const size = 4096
	require.True(t, f.register("alexnet", size, "sig").IsOK())
	assert.Equal(t, 1, regionCount(t, w))

	data := randomBytes(t, size)
	require.True(t, f.write("alexnet", "sig", data).IsOK())

	out := make([]byte, size)
	require.True(t, f.read("alexnet", "sig", out).IsOK())
	assert.Equal(t, data, out)
}

func TestReload(t *testing.T) {
	f := newFixture(t, nil)
	f.addWorker(1)
	require.True(t, f.register("m", 8, "sig").IsOK())

	var rec recorder
	f.backend.ReloadModel(&rec, f.client.Addr(), "m")
	require.True(t, rec.st.IsOK())
	assert.Equal(t, "config-of-m", rec.st.Message)
}

func TestStatusTaxonomy(t *testing.T) {
	f := newFixture(t, nil)
	f.addWorker(1)
	require.True(t, f.register("m", 16, "good").IsOK())

	assert.Equal(t, status.EExists, f.register("m", 16, "good").Code)
	assert.Equal(t, status.ESignature, f.write("m", "bad", make([]byte, 16)).Code)
	assert.Equal(t, status.ESignature, f.read("m", "bad", make([]byte, 16)).Code)
	assert.Equal(t, status.EIO, f.write("m", "good", make([]byte, 8)).Code)
	assert.Equal(t, status.ENoExists, f.write("ghost", "good", make([]byte, 16)).Code)
}

func TestHashPlacementIsDeterministic(t *testing.T) {
	f := newFixture(t, backend.Config{"selector": "hash"})
	w1 := f.addWorker(1)
	w2 := f.addWorker(1)

	// With the hash selector the chosen worker depends only on the
	// model name and registry size, so we can predict which root the
	// region lands in.
	require.True(t, f.register("model-x", 128, "sig").IsOK())
	want := HashByName("model-x", 2)
	workers := []*worker{w1, w2}
	assert.Equal(t, 1, regionCount(t, workers[want]))
	assert.Equal(t, 0, regionCount(t, workers[1-want]))
}

func TestEvictedWorkerYieldsEIO(t *testing.T) {
	f := newFixture(t, nil)
	w := f.addWorker(1)
	const size = 64
	require.True(t, f.register("m", size, "sig").IsOK())
	data := randomBytes(t, size)
	require.True(t, f.write("m", "sig", data).IsOK())

	f.backend.OnWorkerLeft(w.id)

	assert.Equal(t, status.EIO, f.write("m", "sig", data).Code)
	assert.Equal(t, status.EIO, f.read("m", "sig", make([]byte, size)).Code)

	// A fresh registration of a new name has no target either.
	assert.Equal(t, status.EStorage, f.register("m2", size, "sig").Code)
}

func TestDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	f.addWorker(1)
	f.addWorker(1)

	const size = 512
	require.True(t, f.register("orig", size, "sig").IsOK())
	data := randomBytes(t, size)
	require.True(t, f.write("orig", "sig", data).IsOK())

	var rec recorder
	f.backend.DuplicateModel(&rec, "orig", "copy")
	require.True(t, rec.st.IsOK())

	out := make([]byte, size)
	require.True(t, f.read("copy", "sig", out).IsOK())
	assert.Equal(t, data, out)

	// Independence: overwriting the copy leaves the original alone.
	other := randomBytes(t, size)
	require.True(t, f.write("copy", "sig", other).IsOK())
	origOut := make([]byte, size)
	require.True(t, f.read("orig", "sig", origOut).IsOK())
	assert.Equal(t, data, origOut)
}

func TestDuplicateRollbackWhenSourceGone(t *testing.T) {
	f := newFixture(t, nil)
	w := f.addWorker(1)
	require.True(t, f.register("orig", 32, "sig").IsOK())
	f.backend.OnWorkerDied(w.id)
	f.addWorker(1)

	var rec recorder
	f.backend.DuplicateModel(&rec, "orig", "copy")
	assert.Equal(t, status.EIO, rec.st.Code)

	// The destination record was rolled back.
	f.backend.ReloadModel(&rec, f.client.Addr(), "copy")
	assert.Equal(t, status.ENoExists, rec.st.Code)
}

func TestMetadataRehydration(t *testing.T) {
	log := testutil.Logger(t)
	metaPath := filepath.Join(t.TempDir(), "meta")
	workerRoot := t.TempDir()

	client, err := transport.NewEngine("127.0.0.1:0", log)
	require.NoError(t, err)
	defer client.Finalize()

	workerEngine, err := transport.NewEngine("127.0.0.1:0", log)
	require.NoError(t, err)
	defer workerEngine.Finalize()
	store, err := regionstore.NewStore(workerEngine, regionstore.Options{
		StoragePath: workerRoot,
		Targets:     1,
	}, log)
	require.NoError(t, err)
	defer store.Close()

	const size = 256
	data := randomBytes(t, size)

	// First master: register and write, then shut down.
	master1, err := transport.NewEngine("127.0.0.1:0", log)
	require.NoError(t, err)
	b1raw, err := New(backend.Context{Engine: master1, Log: log}, backend.Config{"metadata-path": metaPath})
	require.NoError(t, err)
	b1 := b1raw.(*Backend)
	b1.OnWorkerJoined(1, workerEngine.Addr())

	var rec recorder
	b1.RegisterModel(&rec, client.Addr(), "persisted", "cfg", size, "sig")
	require.True(t, rec.st.IsOK())
	bulk := client.Expose(data, transport.BulkReadOnly)
	b1.WriteModel(&rec, client.Addr(), "persisted", "sig", bulk, size)
	client.Release(bulk)
	require.True(t, rec.st.IsOK())

	require.NoError(t, b1.Close())
	master1.Finalize()

	// Second master over the same journal: the record is back, and once
	// the worker is announced again it re-binds through the target id.
	master2, err := transport.NewEngine("127.0.0.1:0", log)
	require.NoError(t, err)
	defer master2.Finalize()
	b2raw, err := New(backend.Context{Engine: master2, Log: log}, backend.Config{"metadata-path": metaPath})
	require.NoError(t, err)
	b2 := b2raw.(*Backend)
	defer b2.Close()

	b2.ReloadModel(&rec, client.Addr(), "persisted")
	require.True(t, rec.st.IsOK())
	assert.Equal(t, "cfg", rec.st.Message)

	// Not bound yet: the worker has not been announced.
	out := make([]byte, size)
	rbulk := client.Expose(out, transport.BulkWriteOnly)
	b2.ReadModel(&rec, client.Addr(), "persisted", "sig", rbulk, size)
	assert.Equal(t, status.EIO, rec.st.Code)

	b2.OnWorkerJoined(7, workerEngine.Addr())
	b2.ReadModel(&rec, client.Addr(), "persisted", "sig", rbulk, size)
	client.Release(rbulk)
	require.True(t, rec.st.IsOK())
	assert.Equal(t, data, out)
}

func TestShutdownWithNoWorkers(t *testing.T) {
	f := newFixture(t, nil)
	// Returns immediately when the registry is already empty.
	f.backend.OnShutdown()
}

func TestFactoryRegistered(t *testing.T) {
	assert.Contains(t, backend.Names(), "distributed")
}
