// Package membership provides the group-membership collaborator: the
// master creates a group and publishes its identifier under the
// workspace; workers join by that identifier, heartbeat the founder
// and watch it back. Per-member callbacks fire on join, leave and
// death.
package membership

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/internal/transport"
)

// MemberID is the stable identifier assigned to each joined process.
// The founder is always member 0.
type MemberID uint64

// UpdateType tags a membership event.
type UpdateType int

const (
	MemberJoined UpdateType = iota
	MemberLeft
	MemberDied
)

func (u UpdateType) String() string {
	switch u {
	case MemberJoined:
		return "joined"
	case MemberLeft:
		return "left"
	case MemberDied:
		return "died"
	}
	return fmt.Sprintf("UpdateType(%d)", int(u))
}

// Callback receives membership events. For the founder it fires on
// every worker join/leave/death; for a worker it fires when the
// founder is observed dead. Callbacks run on transport handler or
// monitor goroutines and must not block on membership teardown.
type Callback func(id MemberID, addr string, update UpdateType)

// Options tune the failure detector. Zero values pick defaults suited
// for tests and single-host deployments.
type Options struct {
	HeartbeatInterval time.Duration // member -> founder ping period
	SuspectTimeout    time.Duration // founder declares a silent member dead after this
	FailureThreshold  int           // consecutive ping failures before a member declares the founder dead
}

func (o *Options) fillDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 200 * time.Millisecond
	}
	if o.SuspectTimeout == 0 {
		o.SuspectTimeout = 2 * time.Second
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
}

// Group is one process's view of the membership group.
type Group struct {
	engine *transport.Engine
	log    *logrus.Logger
	opts   Options
	cb     Callback

	gid         string
	founder     bool
	founderAddr string
	self        MemberID

	mu       sync.Mutex
	members  map[MemberID]string
	lastSeen map[MemberID]time.Time
	nextID   MemberID

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup
}

const (
	rpcJoin  = "ssg.join"
	rpcLeave = "ssg.leave"
	rpcPing  = "ssg.ping"
)

type joinArgs struct {
	Addr string
}

type joinReply struct {
	ID      MemberID
	GroupID string
}

type leaveArgs struct {
	ID MemberID
}

type pingArgs struct {
	ID MemberID
}

// Create builds a new group with this process as the sole founding
// member (id 0) and starts the failure detector for future members.
func Create(engine *transport.Engine, log *logrus.Logger, opts Options, cb Callback) *Group {
	opts.fillDefaults()
	g := &Group{
		engine:      engine,
		log:         log,
		opts:        opts,
		cb:          cb,
		gid:         newGroupID(),
		founder:     true,
		founderAddr: engine.Addr(),
		self:        0,
		members:     map[MemberID]string{0: engine.Addr()},
		lastSeen:    make(map[MemberID]time.Time),
		nextID:      1,
		stop:        make(chan struct{}),
	}
	g.defineFounderRPCs()
	g.done.Add(1)
	go g.monitorMembers()
	log.WithFields(logrus.Fields{
		"group": g.gid,
		"addr":  g.founderAddr,
	}).Debug("membership group created")
	return g
}

// Join attaches to an existing group published under workspace. The
// callback fires (with the founder's id and address) if the founder is
// later observed dead.
func Join(engine *transport.Engine, log *logrus.Logger, workspace string, opts Options, cb Callback) (*Group, error) {
	opts.fillDefaults()
	gid, founderAddr, err := readGroupFile(workspace)
	if err != nil {
		return nil, err
	}
	masterID, err := readMasterID(workspace)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var reply joinReply
	if err := engine.Call(ctx, founderAddr, rpcJoin, joinArgs{Addr: engine.Addr()}, &reply); err != nil {
		return nil, fmt.Errorf("joining group at %s: %w", founderAddr, err)
	}
	if reply.GroupID != gid {
		return nil, fmt.Errorf("joined wrong group: got %s, want %s", reply.GroupID, gid)
	}

	g := &Group{
		engine:      engine,
		log:         log,
		opts:        opts,
		cb:          cb,
		gid:         gid,
		founder:     false,
		founderAddr: founderAddr,
		self:        reply.ID,
		members:     map[MemberID]string{masterID: founderAddr, reply.ID: engine.Addr()},
		stop:        make(chan struct{}),
	}
	g.done.Add(1)
	go g.heartbeatFounder(masterID)
	log.WithFields(logrus.Fields{
		"group":  gid,
		"member": reply.ID,
	}).Debug("joined membership group")
	return g, nil
}

// Self returns this process's member id.
func (g *Group) Self() MemberID {
	return g.self
}

// GroupID returns the group identifier.
func (g *Group) GroupID() string {
	return g.gid
}

// Leave notifies the founder that this member is going away. Errors
// are swallowed: the founder may already be gone, in which case it no
// longer cares.
func (g *Group) Leave() {
	if g.founder {
		return
	}
	g.stopLoops()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.engine.Call(ctx, g.founderAddr, rpcLeave, leaveArgs{ID: g.self}, nil); err != nil {
		g.log.WithError(err).Debug("leave notification failed")
	}
}

// Destroy tears the group down on the founder: the failure detector
// stops and no further callbacks fire. Remaining members will observe
// the founder dead once its engine goes away.
func (g *Group) Destroy() {
	g.stopLoops()
}

func (g *Group) stopLoops() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.done.Wait()
}

func (g *Group) defineFounderRPCs() {
	g.engine.Define(rpcJoin, func(req *transport.Request) {
		var args joinArgs
		if err := req.Decode(&args); err != nil {
			req.Respond(joinReply{})
			return
		}
		g.mu.Lock()
		id := g.nextID
		g.nextID++
		g.members[id] = args.Addr
		g.lastSeen[id] = time.Now()
		g.mu.Unlock()
		g.log.WithFields(logrus.Fields{
			"member": id,
			"addr":   args.Addr,
		}).Info("member joined")
		req.Respond(joinReply{ID: id, GroupID: g.gid})
		g.cb(id, args.Addr, MemberJoined)
	})

	g.engine.Define(rpcLeave, func(req *transport.Request) {
		var args leaveArgs
		if err := req.Decode(&args); err != nil {
			req.Respond(nil)
			return
		}
		g.mu.Lock()
		addr, known := g.members[args.ID]
		delete(g.members, args.ID)
		delete(g.lastSeen, args.ID)
		g.mu.Unlock()
		req.Respond(nil)
		if known {
			g.log.WithField("member", args.ID).Info("member left")
			g.cb(args.ID, addr, MemberLeft)
		}
	})

	g.engine.Define(rpcPing, func(req *transport.Request) {
		var args pingArgs
		if err := req.Decode(&args); err != nil {
			req.Respond(nil)
			return
		}
		g.mu.Lock()
		if _, known := g.members[args.ID]; known {
			g.lastSeen[args.ID] = time.Now()
		}
		g.mu.Unlock()
		req.Respond(nil)
	})
}

// monitorMembers sweeps the last-seen table and declares silent
// members dead. Runs on the founder only.
func (g *Group) monitorMembers() {
	defer g.done.Done()
	ticker := time.NewTicker(g.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		type dead struct {
			id   MemberID
			addr string
		}
		var suspects []dead
		g.mu.Lock()
		for id, seen := range g.lastSeen {
			if now.Sub(seen) > g.opts.SuspectTimeout {
				suspects = append(suspects, dead{id: id, addr: g.members[id]})
				delete(g.members, id)
				delete(g.lastSeen, id)
			}
		}
		g.mu.Unlock()
		for _, s := range suspects {
			g.log.WithFields(logrus.Fields{
				"member": s.id,
				"addr":   s.addr,
			}).Warn("member died")
			g.cb(s.id, s.addr, MemberDied)
		}
	}
}

// heartbeatFounder pings the founder and declares it dead after
// FailureThreshold consecutive failures. Runs on workers only.
func (g *Group) heartbeatFounder(masterID MemberID) {
	defer g.done.Done()
	ticker := time.NewTicker(g.opts.HeartbeatInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.HeartbeatInterval*2)
		err := g.engine.Call(ctx, g.founderAddr, rpcPing, pingArgs{ID: g.self}, nil)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		if failures >= g.opts.FailureThreshold {
			g.log.WithField("addr", g.founderAddr).Warn("group founder is unreachable, declaring it dead")
			g.cb(masterID, g.founderAddr, MemberDied)
			return
		}
	}
}

func newGroupID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails on a broken platform
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
