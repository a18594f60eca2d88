package transport

import (
	"context"
	"fmt"
)

// BulkMode restricts what a remote engine may do with an exposed
// region: pull from it, push into it, or both.
type BulkMode uint8

const (
	BulkReadOnly BulkMode = iota + 1
	BulkWriteOnly
	BulkReadWrite
)

// BulkHandle is an opaque, serializable reference to a memory region
// exposed by some engine. Any engine holding the handle (and the
// origin endpoint address) can use it as the source or destination of
// a one-sided transfer.
type BulkHandle struct {
	Origin string
	ID     uint64
	Size   uint64
	Mode   BulkMode
}

type exposedRegion struct {
	buf  []byte
	mode BulkMode
}

// Expose registers buf for one-sided access by remote engines and
// returns its handle. A zero-length buffer yields a zero handle; bulk
// operations against it are no-ops.
func (e *Engine) Expose(buf []byte, mode BulkMode) BulkHandle {
	if len(buf) == 0 {
		return BulkHandle{}
	}
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()
	e.nextBulk++
	id := e.nextBulk
	e.exposed[id] = &exposedRegion{buf: buf, mode: mode}
	return BulkHandle{Origin: e.addr, ID: id, Size: uint64(len(buf)), Mode: mode}
}

// Release withdraws an exposed region. Releasing a zero handle is a
// no-op.
func (e *Engine) Release(h BulkHandle) {
	if h.ID == 0 {
		return
	}
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()
	delete(e.exposed, h.ID)
}

// BulkPull performs a one-sided read: it copies len(dst) bytes from
// the remote exposed region identified by h, starting at offset, into
// dst. The origin address tells the engine where to reach the exposing
// process (clients pass their endpoint along with their handles).
func (e *Engine) BulkPull(ctx context.Context, origin string, h BulkHandle, offset uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if h.ID == 0 {
		return fmt.Errorf("bulk pull: zero handle for %d bytes", len(dst))
	}
	var reply bulkPullReply
	err := e.Call(ctx, origin, rpcBulkPull, bulkPullArgs{
		ID:     h.ID,
		Offset: offset,
		Size:   uint64(len(dst)),
	}, &reply)
	if err != nil {
		return err
	}
	if uint64(len(reply.Data)) != uint64(len(dst)) {
		return fmt.Errorf("bulk pull: short transfer (%d of %d bytes)", len(reply.Data), len(dst))
	}
	copy(dst, reply.Data)
	return nil
}

// BulkPush performs a one-sided write: it copies src into the remote
// exposed region identified by h, starting at offset.
func (e *Engine) BulkPush(ctx context.Context, origin string, h BulkHandle, offset uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if h.ID == 0 {
		return fmt.Errorf("bulk push: zero handle for %d bytes", len(src))
	}
	return e.Call(ctx, origin, rpcBulkPush, bulkPushArgs{
		ID:     h.ID,
		Offset: offset,
		Data:   src,
	}, nil)
}

const (
	rpcBulkPull = "engine.bulk_pull"
	rpcBulkPush = "engine.bulk_push"
)

type bulkPullArgs struct {
	ID     uint64
	Offset uint64
	Size   uint64
}

type bulkPullReply struct {
	Data []byte
}

type bulkPushArgs struct {
	ID     uint64
	Offset uint64
	Data   []byte
}

func (e *Engine) lookupExposed(id uint64) (*exposedRegion, error) {
	e.bulkMu.RLock()
	defer e.bulkMu.RUnlock()
	reg, ok := e.exposed[id]
	if !ok {
		return nil, fmt.Errorf("no exposed region with id %d", id)
	}
	return reg, nil
}

func (e *Engine) registerBulkBuiltins() {
	e.Define(rpcBulkPull, func(req *Request) {
		var args bulkPullArgs
		if err := req.Decode(&args); err != nil {
			req.fail(err.Error())
			return
		}
		reg, err := e.lookupExposed(args.ID)
		if err != nil {
			req.fail(err.Error())
			return
		}
		if reg.mode != BulkReadOnly && reg.mode != BulkReadWrite {
			req.fail("exposed region does not permit pull")
			return
		}
		// Checked in two steps so a huge offset cannot wrap the sum.
		total := uint64(len(reg.buf))
		if args.Offset > total || args.Size > total-args.Offset {
			req.fail(fmt.Sprintf("pull of %d bytes at offset %d exceeds region of %d bytes", args.Size, args.Offset, total))
			return
		}
		data := make([]byte, args.Size)
		copy(data, reg.buf[args.Offset:args.Offset+args.Size])
		req.Respond(bulkPullReply{Data: data})
	})

	e.Define(rpcBulkPush, func(req *Request) {
		var args bulkPushArgs
		if err := req.Decode(&args); err != nil {
			req.fail(err.Error())
			return
		}
		reg, err := e.lookupExposed(args.ID)
		if err != nil {
			req.fail(err.Error())
			return
		}
		if reg.mode != BulkWriteOnly && reg.mode != BulkReadWrite {
			req.fail("exposed region does not permit push")
			return
		}
		total := uint64(len(reg.buf))
		size := uint64(len(args.Data))
		if args.Offset > total || size > total-args.Offset {
			req.fail(fmt.Sprintf("push of %d bytes at offset %d exceeds region of %d bytes", size, args.Offset, total))
			return
		}
		copy(reg.buf[args.Offset:args.Offset+size], args.Data)
		req.Respond(nil)
	})
}
