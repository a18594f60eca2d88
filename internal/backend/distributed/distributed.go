// Package distributed implements the placement backend: every model's
// bytes live in a region on a remote storage worker, chosen when the
// model is registered. Reads and writes are proxied: the worker moves
// the bytes directly against the client's memory, the master only
// orchestrates.
package distributed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/internal/backend"
	"github.com/mdorier/flamestore/internal/membership"
	"github.com/mdorier/flamestore/internal/model"
	"github.com/mdorier/flamestore/internal/regionstore"
	"github.com/mdorier/flamestore/internal/transport"
	"github.com/mdorier/flamestore/pkg/status"
)

func init() {
	backend.Register("distributed", New)
}

const (
	remoteCallTimeout = 30 * time.Second
	drainPollInterval = 50 * time.Millisecond
)

// location is one advertised storage target: worker endpoint, group
// member id, shared provider handle, target id. The registry owns
// locations; records only hold back-references whose liveness the
// registry revokes when the worker goes away.
type location struct {
	endpoint string
	memberID membership.MemberID
	handle   *regionstore.ProviderHandle
	target   regionstore.TargetID
	live     atomic.Bool
}

// payload is the distributed backend's per-record slot. loc is the
// cached back-reference; target and region are authoritative, so a
// rehydrated record can re-bind to a rejoined worker advertising the
// same target.
type payload struct {
	loc    *location
	target regionstore.TargetID
	region regionstore.RegionID
}

// SelectorFunc picks a registry index for a model name among n live
// targets. It must return a value in [0, n).
type SelectorFunc func(name string, n int) int

// UniformRandom is the reference selection policy.
func UniformRandom(_ string, n int) int {
	return rand.Intn(n)
}

// HashByName is the deterministic selection policy (FNV-1a of the
// model name modulo the registry size).
func HashByName(name string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	// Reduce in uint32 so the index stays non-negative on 32-bit ints.
	return int(h.Sum32() % uint32(n))
}

// Backend places models on remote region stores and proxies their
// bulk traffic.
type Backend struct {
	engine *transport.Engine
	log    *logrus.Logger
	models *model.Table[payload]
	client *regionstore.Client
	selfn  SelectorFunc

	// locMu orders after the record mutexes: handlers read the registry
	// while holding a record lock, and no holder of locMu ever waits on
	// a table or record lock.
	locMu     sync.RWMutex
	locations []*location

	meta *metadataStore
}

// New builds a distributed backend. Config keys:
//
//	selector:       "random" (default) or "hash"
//	metadata-path:  optional badger directory for the metadata journal
func New(ctx backend.Context, cfg backend.Config) (backend.Backend, error) {
	ctx.Log.Debug("initializing distributed backend")
	b := &Backend{
		engine: ctx.Engine,
		log:    ctx.Log,
		models: model.NewTable[payload](),
		client: regionstore.NewClient(ctx.Engine),
		selfn:  UniformRandom,
	}
	switch cfg["selector"] {
	case "", "random":
	case "hash":
		b.selfn = HashByName
	default:
		return nil, fmt.Errorf("unknown selector %q", cfg["selector"])
	}
	if path := cfg["metadata-path"]; path != "" {
		meta, err := openMetadata(path, ctx.Log)
		if err != nil {
			return nil, fmt.Errorf("opening metadata store: %w", err)
		}
		b.meta = meta
		if err := b.rehydrate(); err != nil {
			meta.close()
			return nil, fmt.Errorf("reloading metadata: %w", err)
		}
	}
	return b, nil
}

// rehydrate recreates records from the metadata journal. Placement is
// not re-decided: a record keeps its recorded target and becomes
// usable again once a worker advertising that target rejoins.
func (b *Backend) rehydrate() error {
	metas, err := b.meta.load()
	if err != nil {
		return err
	}
	for _, m := range metas {
		rec, created := b.models.FindOrCreate(m.Name)
		if !created {
			continue
		}
		rec.Lock()
		rec.Config = m.Config
		rec.Signature = m.Signature
		rec.Size = m.Size
		rec.Payload = payload{
			target: regionstore.TargetID(m.Target),
			region: regionstore.RegionID(m.Region),
		}
		rec.Unlock()
	}
	if len(metas) > 0 {
		b.log.WithField("models", len(metas)).Info("rehydrated model records from metadata store")
	}
	return nil
}

// snapshotLocations returns the live registry entries in join order.
func (b *Backend) snapshotLocations() []*location {
	b.locMu.RLock()
	defer b.locMu.RUnlock()
	out := make([]*location, len(b.locations))
	copy(out, b.locations)
	return out
}

// resolve promotes a record's back-reference to a live location. When
// the cached reference has been revoked (or never bound, for a
// rehydrated record) the registry is searched by target id. Returns
// nil when the owning worker is gone. Caller holds the record lock;
// taking the registry read lock under it is safe per the locMu order.
func (b *Backend) resolve(rec *model.Record[payload]) *location {
	if loc := rec.Payload.loc; loc != nil && loc.live.Load() {
		return loc
	}
	b.locMu.RLock()
	defer b.locMu.RUnlock()
	for _, loc := range b.locations {
		if loc.target == rec.Payload.target && loc.live.Load() {
			rec.Payload.loc = loc
			return loc
		}
	}
	return nil
}

// RegisterModel inserts the record, picks a storage target and creates
// the backing region before acknowledging. On any failure after
// insertion the record is removed again.
func (b *Backend) RegisterModel(req backend.Responder, clientAddr, name, config string, size uint64, signature string) {
	rec, created := b.models.FindOrCreate(name)
	if !created {
		b.log.WithField("model", name).Error("model already exists")
		req.Respond(status.Errf(status.EExists, "a model with the same name is already registered"))
		return
	}

	// Rollbacks release the record lock before touching the table, so
	// the table lock is never requested under a record lock.
	rec.Lock()
	rec.Config = config
	rec.Signature = signature
	rec.Size = size

	locs := b.snapshotLocations()
	if len(locs) == 0 {
		rec.Unlock()
		b.models.Remove(name)
		b.log.WithField("model", name).Error("no storage target available")
		req.Respond(status.Errf(status.EStorage, "no storage target available"))
		return
	}
	i := b.selfn(name, len(locs)) % len(locs)
	loc := locs[i]
	b.log.WithFields(logrus.Fields{
		"model":  name,
		"target": loc.target,
		"worker": loc.endpoint,
	}).Debug("selected storage target")

	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	region, err := loc.handle.Create(ctx, loc.target, size)
	if err != nil {
		rec.Unlock()
		b.models.Remove(name)
		b.log.WithField("model", name).WithError(err).Error("region creation failed")
		req.Respond(status.Errf(status.EStorage, "region creation failed"))
		return
	}
	rec.Payload = payload{loc: loc, target: loc.target, region: region}
	b.journal(rec)
	rec.Unlock()
	b.log.WithFields(logrus.Fields{
		"model":  name,
		"region": region,
	}).Info("registered model")
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
	req.Respond(status.OkMsg(config))
}

// WriteModel proxies a pull from the client's memory into the model's
// region, then asks the region store to persist. Persist failures are
// logged but do not fail the acknowledged write.
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
	loc := b.resolve(rec)
	if loc == nil {
		b.log.WithField("model", name).Error("storage target is gone")
		req.Respond(status.Errf(status.EIO, "storage target is gone"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	b.log.WithField("model", name).Debug("proxy-writing model")
	if err := loc.handle.Write(ctx, loc.target, rec.Payload.region, 0, bulk, 0, clientAddr, size); err != nil {
		b.log.WithField("model", name).WithError(err).Error("proxied write failed")
		req.Respond(status.Errf(status.EIO, "proxied write failed"))
		return
	}
	if err := loc.handle.Persist(ctx, loc.target, rec.Payload.region, 0, size); err != nil {
		// Weak durability: the write is acknowledged, a crash before
		// the next flush may lose it.
		b.log.WithField("model", name).WithError(err).Error("persist failed after write")
	}
	req.Respond(status.Ok())
}

// ReadModel proxies a push from the model's region into the client's
// memory.
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
	loc := b.resolve(rec)
	if loc == nil {
		b.log.WithField("model", name).Error("storage target is gone")
		req.Respond(status.Errf(status.EIO, "storage target is gone"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	b.log.WithField("model", name).Debug("proxy-reading model")
	if _, err := loc.handle.Read(ctx, loc.target, rec.Payload.region, 0, bulk, 0, clientAddr, size); err != nil {
		b.log.WithField("model", name).WithError(err).Error("proxied read failed")
		req.Respond(status.Errf(status.EIO, "proxied read failed"))
		return
	}
	req.Respond(status.Ok())
}

// DuplicateModel creates a sibling record on a freshly selected target
// by asking the source worker to migrate (copy) the region. The source
// record is untouched.
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

	// The source lock is held across the migration so a concurrent
	// write cannot tear the copy. The destination lock is only taken
	// after the source lock is released.
	src.Lock()
	config := src.Config
	signature := src.Signature
	size := src.Size
	srcRegion := src.Payload.region
	srcLoc := b.resolve(src)
	if srcLoc == nil {
		src.Unlock()
		b.models.Remove(newName)
		b.log.WithField("model", name).Error("source storage target is gone")
		req.Respond(status.Errf(status.EIO, "source storage target is gone"))
		return
	}
	locs := b.snapshotLocations()
	if len(locs) == 0 {
		src.Unlock()
		b.models.Remove(newName)
		req.Respond(status.Errf(status.EStorage, "no storage target available"))
		return
	}
	i := b.selfn(newName, len(locs)) % len(locs)
	newLoc := locs[i]

	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	b.log.WithFields(logrus.Fields{
		"model":  name,
		"copy":   newName,
		"target": newLoc.target,
	}).Debug("migrating region for duplicate")
	region, err := srcLoc.handle.Migrate(ctx, srcLoc.target, srcRegion, size, newLoc.endpoint, newLoc.target)
	src.Unlock()
	if err != nil {
		b.models.Remove(newName)
		b.log.WithField("model", newName).WithError(err).Error("region migration failed")
		req.Respond(status.Errf(status.EStorage, "region migration failed"))
		return
	}

	dst.Lock()
	defer dst.Unlock()
	dst.Config = config
	dst.Signature = signature
	dst.Size = size
	dst.Payload = payload{loc: newLoc, target: newLoc.target, region: region}
	b.journal(dst)
	b.log.WithFields(logrus.Fields{
		"model": name,
		"copy":  newName,
	}).Info("duplicated model")
	req.Respond(status.Ok())
}

// OnShutdown sends a remote shutdown to every known worker endpoint,
// then waits for the membership callbacks to reap the whole registry.
// This is the master's graceful-drain barrier.
func (b *Backend) OnShutdown() {
	b.log.Debug("asking all storage workers to shut down")
	endpoints := make(map[string]struct{})
	for _, loc := range b.snapshotLocations() {
		endpoints[loc.endpoint] = struct{}{}
	}
	for ep := range endpoints {
		ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
		if err := b.engine.ShutdownRemote(ctx, ep); err != nil {
			b.log.WithField("worker", ep).WithError(err).Warn("remote shutdown failed")
		}
		cancel()
	}
	for {
		b.locMu.RLock()
		remaining := len(b.locations)
		b.locMu.RUnlock()
		if remaining == 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}
	b.log.Debug("all storage workers have shut down")
}

// OnWorkerJoined probes the new worker for its advertised targets and
// appends one registry entry per target. Provider handles are shared
// per endpoint through the region-store client's reference counting.
func (b *Backend) OnWorkerJoined(id membership.MemberID, addr string) {
	b.log.WithFields(logrus.Fields{
		"member": id,
		"addr":   addr,
	}).Info("storage worker joined")
	probeHandle := b.client.Handle(addr)
	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	targets, err := probeHandle.Probe(ctx)
	cancel()
	if err != nil {
		probeHandle.Release()
		b.log.WithField("addr", addr).WithError(err).Error("probing worker targets failed")
		return
	}
	b.log.WithFields(logrus.Fields{
		"addr":    addr,
		"targets": len(targets),
	}).Info("worker advertises storage targets")

	b.locMu.Lock()
	for _, tgt := range targets {
		loc := &location{
			endpoint: addr,
			memberID: id,
			handle:   b.client.Handle(addr),
			target:   tgt,
		}
		loc.live.Store(true)
		b.locations = append(b.locations, loc)
	}
	b.locMu.Unlock()
	probeHandle.Release()
}

// OnWorkerLeft removes the worker's targets from the registry. Records
// placed on them keep their (now dead) back-references and fail with
// EIO until re-registered.
func (b *Backend) OnWorkerLeft(id membership.MemberID) {
	b.evictMember(id, "left")
}

// OnWorkerDied removes the worker's targets exactly like OnWorkerLeft;
// no recovery is attempted.
func (b *Backend) OnWorkerDied(id membership.MemberID) {
	b.evictMember(id, "died")
}

func (b *Backend) evictMember(id membership.MemberID, how string) {
	b.locMu.Lock()
	kept := b.locations[:0]
	var evicted []*location
	for _, loc := range b.locations {
		if loc.memberID == id {
			evicted = append(evicted, loc)
			continue
		}
		kept = append(kept, loc)
	}
	b.locations = kept
	b.locMu.Unlock()

	for _, loc := range evicted {
		loc.live.Store(false)
		loc.handle.Release()
	}
	if len(evicted) > 0 {
		b.log.WithFields(logrus.Fields{
			"member":  id,
			"targets": len(evicted),
		}).Warn("storage worker " + how + ", targets evicted")
	}
}

// journal records a model's metadata when a journal is configured.
// Caller holds the record lock.
func (b *Backend) journal(rec *model.Record[payload]) {
	if b.meta == nil {
		return
	}
	m := recordMeta{
		Name:      rec.Name,
		Config:    rec.Config,
		Signature: rec.Signature,
		Size:      rec.Size,
		Target:    string(rec.Payload.target),
		Region:    string(rec.Payload.region),
	}
	if loc := rec.Payload.loc; loc != nil {
		m.Member = uint64(loc.memberID)
	}
	if err := b.meta.put(m); err != nil {
		b.log.WithField("model", rec.Name).WithError(err).Error("journaling model metadata failed")
	}
}

// Close releases the metadata store. Called when the server drops the
// backend after engine finalization.
func (b *Backend) Close() error {
	if b.meta != nil {
		return b.meta.close()
	}
	return nil
}
