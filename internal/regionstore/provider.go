package regionstore

import (
	"github.com/mdorier/flamestore/internal/transport"
)

// RPC argument/reply frames shared by the provider and the client.

type createArgs struct {
	Target TargetID
	Size   uint64
}

type createReply struct {
	Region RegionID
}

type writeArgs struct {
	Target       TargetID
	Region       RegionID
	RegionOffset uint64
	Bulk         transport.BulkHandle
	BulkOffset   uint64
	ClientAddr   string
	Size         uint64
}

type readArgs struct {
	Target       TargetID
	Region       RegionID
	RegionOffset uint64
	Bulk         transport.BulkHandle
	BulkOffset   uint64
	ClientAddr   string
	Size         uint64
}

type readReply struct {
	BytesRead uint64
}

type persistArgs struct {
	Target TargetID
	Region RegionID
	Offset uint64
	Size   uint64
}

type migrateArgs struct {
	Target       TargetID
	Region       RegionID
	Size         uint64
	RemoveSource bool
	DestAddr     string
	DestTarget   TargetID
}

type migrateReply struct {
	Region RegionID
}

type probeReply struct {
	Targets []TargetID
}

type receiveArgs struct {
	Target TargetID
	Size   uint64
	Data   []byte // xz-compressed region bytes
}

type receiveReply struct {
	Region RegionID
}

func (s *Store) defineRPCs() {
	s.engine.Define(rpcCreate, s.handleCreate)
	s.engine.Define(rpcWrite, s.handleWrite)
	s.engine.Define(rpcRead, s.handleRead)
	s.engine.Define(rpcPersist, s.handlePersist)
	s.engine.Define(rpcMigrate, s.handleMigrate)
	s.engine.Define(rpcProbe, s.handleProbe)
	s.engine.Define(rpcReceive, s.handleReceive)
}

func (s *Store) handleCreate(req *transport.Request) {
	var args createArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("create: %v", err)
		return
	}
	id, err := s.createRegion(args.Target, args.Size)
	if err != nil {
		req.Fail("create: %v", err)
		return
	}
	req.Respond(createReply{Region: id})
}

// handleWrite pulls bytes from the client's exposed memory straight
// into the mmap'd region. The master never sees the payload.
func (s *Store) handleWrite(req *transport.Request) {
	var args writeArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("write: %v", err)
		return
	}
	if args.Size == 0 {
		req.Respond(nil)
		return
	}
	reg, err := s.lookupRegion(args.Region)
	if err != nil {
		req.Fail("write: %v", err)
		return
	}
	// Checked in two steps so a huge offset cannot wrap the sum.
	if args.RegionOffset > reg.size || args.Size > reg.size-args.RegionOffset {
		req.Fail("write of %d bytes at offset %d exceeds region of %d bytes", args.Size, args.RegionOffset, reg.size)
		return
	}
	ctx, cancel := callContext()
	defer cancel()
	dst := reg.data[args.RegionOffset : args.RegionOffset+args.Size]
	if err := s.engine.BulkPull(ctx, args.ClientAddr, args.Bulk, args.BulkOffset, dst); err != nil {
		req.Fail("write: pulling from client %s: %v", args.ClientAddr, err)
		return
	}
	req.Respond(nil)
}

// handleRead pushes region bytes into the client's exposed memory.
func (s *Store) handleRead(req *transport.Request) {
	var args readArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("read: %v", err)
		return
	}
	if args.Size == 0 {
		req.Respond(readReply{})
		return
	}
	reg, err := s.lookupRegion(args.Region)
	if err != nil {
		req.Fail("read: %v", err)
		return
	}
	if args.RegionOffset > reg.size || args.Size > reg.size-args.RegionOffset {
		req.Fail("read of %d bytes at offset %d exceeds region of %d bytes", args.Size, args.RegionOffset, reg.size)
		return
	}
	ctx, cancel := callContext()
	defer cancel()
	src := reg.data[args.RegionOffset : args.RegionOffset+args.Size]
	if err := s.engine.BulkPush(ctx, args.ClientAddr, args.Bulk, args.BulkOffset, src); err != nil {
		req.Fail("read: pushing to client %s: %v", args.ClientAddr, err)
		return
	}
	req.Respond(readReply{BytesRead: args.Size})
}

func (s *Store) handlePersist(req *transport.Request) {
	var args persistArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("persist: %v", err)
		return
	}
	reg, err := s.lookupRegion(args.Region)
	if err != nil {
		req.Fail("persist: %v", err)
		return
	}
	if reg.data != nil {
		if err := reg.data.Flush(); err != nil {
			req.Fail("persist: flushing region %s: %v", args.Region, err)
			return
		}
	}
	req.Respond(nil)
}

// handleMigrate copies a region to another worker's target. The source
// side reads and compresses the bytes, the destination materializes
// them as a fresh region. The source region is kept unless
// RemoveSource is set.
func (s *Store) handleMigrate(req *transport.Request) {
	var args migrateArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("migrate: %v", err)
		return
	}
	reg, err := s.lookupRegion(args.Region)
	if err != nil {
		req.Fail("migrate: %v", err)
		return
	}
	if args.Size > reg.size {
		req.Fail("migrate of %d bytes exceeds region of %d bytes", args.Size, reg.size)
		return
	}
	var payload []byte
	if args.Size > 0 {
		payload, err = compressRegion(reg.data[:args.Size])
		if err != nil {
			req.Fail("migrate: compressing region %s: %v", args.Region, err)
			return
		}
	}
	ctx, cancel := callContext()
	defer cancel()
	var reply receiveReply
	err = s.engine.Call(ctx, args.DestAddr, rpcReceive, receiveArgs{
		Target: args.DestTarget,
		Size:   args.Size,
		Data:   payload,
	}, &reply)
	if err != nil {
		req.Fail("migrate: %v", err)
		return
	}
	if args.RemoveSource {
		s.log.WithField("region", args.Region).Debug("migrate requested source removal; keeping file, dropping mapping")
		s.mu.Lock()
		if r, ok := s.regions[args.Region]; ok {
			closeRegion(r)
			delete(s.regions, args.Region)
		}
		s.mu.Unlock()
	}
	req.Respond(migrateReply{Region: reply.Region})
}

func (s *Store) handleReceive(req *transport.Request) {
	var args receiveArgs
	if err := req.Decode(&args); err != nil {
		req.Fail("receive: %v", err)
		return
	}
	id, err := s.createRegion(args.Target, args.Size)
	if err != nil {
		req.Fail("receive: %v", err)
		return
	}
	if args.Size > 0 {
		data, err := decompressRegion(args.Data, args.Size)
		if err != nil {
			req.Fail("receive: %v", err)
			return
		}
		reg, err := s.lookupRegion(id)
		if err != nil {
			req.Fail("receive: %v", err)
			return
		}
		copy(reg.data, data)
	}
	req.Respond(receiveReply{Region: id})
}

func (s *Store) handleProbe(req *transport.Request) {
	req.Respond(probeReply{Targets: s.Targets()})
}
