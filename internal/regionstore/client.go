package regionstore

import (
	"context"
	"sync"

	"github.com/mdorier/flamestore/internal/transport"
)

// Client is the master-side access point to remote region stores. It
// hands out reference-counted provider handles so that any number of
// records placed on the same worker share one handle.
type Client struct {
	engine  *transport.Engine
	mu      sync.Mutex
	handles map[string]*ProviderHandle
}

// NewClient builds a region-store client on top of the engine.
func NewClient(engine *transport.Engine) *Client {
	return &Client{
		engine:  engine,
		handles: make(map[string]*ProviderHandle),
	}
}

// Handle acquires the provider handle for a worker endpoint, creating
// it on first use and bumping its reference count otherwise. Callers
// release it with ProviderHandle.Release.
func (c *Client) Handle(addr string) *ProviderHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[addr]; ok {
		h.refs++
		return h
	}
	h := &ProviderHandle{client: c, addr: addr, refs: 1}
	c.handles[addr] = h
	return h
}

// ProviderHandle is a shared, reference-counted handle to one worker's
// region provider.
type ProviderHandle struct {
	client *Client
	addr   string
	refs   int
}

// Addr returns the worker endpoint this handle points at.
func (h *ProviderHandle) Addr() string {
	return h.addr
}

// Release drops one reference; the handle is evicted from the client's
// cache when the last reference goes away.
func (h *ProviderHandle) Release() {
	c := h.client
	c.mu.Lock()
	defer c.mu.Unlock()
	h.refs--
	if h.refs <= 0 {
		delete(c.handles, h.addr)
	}
}

// Create allocates a region of exactly size bytes on a target.
func (h *ProviderHandle) Create(ctx context.Context, target TargetID, size uint64) (RegionID, error) {
	var reply createReply
	err := h.client.engine.Call(ctx, h.addr, rpcCreate, createArgs{Target: target, Size: size}, &reply)
	if err != nil {
		return "", err
	}
	return reply.Region, nil
}

// Write asks the region store to pull size bytes from the client's
// bulk handle into the region.
func (h *ProviderHandle) Write(ctx context.Context, target TargetID, region RegionID, regionOffset uint64, bulk transport.BulkHandle, bulkOffset uint64, clientAddr string, size uint64) error {
	return h.client.engine.Call(ctx, h.addr, rpcWrite, writeArgs{
		Target:       target,
		Region:       region,
		RegionOffset: regionOffset,
		Bulk:         bulk,
		BulkOffset:   bulkOffset,
		ClientAddr:   clientAddr,
		Size:         size,
	}, nil)
}

// Read asks the region store to push size bytes from the region into
// the client's bulk handle. Returns the number of bytes transferred.
func (h *ProviderHandle) Read(ctx context.Context, target TargetID, region RegionID, regionOffset uint64, bulk transport.BulkHandle, bulkOffset uint64, clientAddr string, size uint64) (uint64, error) {
	var reply readReply
	err := h.client.engine.Call(ctx, h.addr, rpcRead, readArgs{
		Target:       target,
		Region:       region,
		RegionOffset: regionOffset,
		Bulk:         bulk,
		BulkOffset:   bulkOffset,
		ClientAddr:   clientAddr,
		Size:         size,
	}, &reply)
	if err != nil {
		return 0, err
	}
	return reply.BytesRead, nil
}

// Persist flushes a region range to durable storage.
func (h *ProviderHandle) Persist(ctx context.Context, target TargetID, region RegionID, offset, size uint64) error {
	return h.client.engine.Call(ctx, h.addr, rpcPersist, persistArgs{
		Target: target,
		Region: region,
		Offset: offset,
		Size:   size,
	}, nil)
}

// Migrate copies a region from this handle's worker to a target on
// another worker and returns the new region id. The source region is
// kept.
func (h *ProviderHandle) Migrate(ctx context.Context, target TargetID, region RegionID, size uint64, destAddr string, destTarget TargetID) (RegionID, error) {
	var reply migrateReply
	err := h.client.engine.Call(ctx, h.addr, rpcMigrate, migrateArgs{
		Target:       target,
		Region:       region,
		Size:         size,
		RemoveSource: false,
		DestAddr:     destAddr,
		DestTarget:   destTarget,
	}, &reply)
	if err != nil {
		return "", err
	}
	return reply.Region, nil
}

// Probe lists the targets the worker advertises.
func (h *ProviderHandle) Probe(ctx context.Context) ([]TargetID, error) {
	var reply probeReply
	if err := h.client.engine.Call(ctx, h.addr, rpcProbe, nil, &reply); err != nil {
		return nil, err
	}
	return reply.Targets, nil
}
