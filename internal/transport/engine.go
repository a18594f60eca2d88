// Package transport implements the FlameStore RPC engine: named TCP
// endpoints exchanging gob-encoded request/reply frames, plus
// one-sided bulk transfers against memory regions exposed by any
// engine in the system.
package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const dialTimeout = 10 * time.Second

// Handler processes one incoming request. It must respond exactly
// once; a handler that returns without responding causes a transport
// error on the caller's side.
type Handler func(req *Request)

// Engine binds a TCP endpoint, dispatches incoming RPCs to registered
// handlers and performs outgoing calls. A process typically owns a
// single engine shared by its provider and every client handle.
type Engine struct {
	log      *logrus.Logger
	listener net.Listener
	addr     string

	mu       sync.RWMutex
	handlers map[string]Handler

	bulkMu   sync.RWMutex
	exposed  map[uint64]*exposedRegion
	nextBulk uint64

	shutdownEnabled bool

	lifecycleMu sync.Mutex
	prefinalize []func()
	finalize    []func()

	handlerWG    sync.WaitGroup
	finalizeOnce sync.Once
	finalized    chan struct{}
	closing      chan struct{}
}

// NewEngine binds addr (host:port, port 0 picks a free one) and starts
// serving requests.
func NewEngine(addr string, log *logrus.Logger) (*Engine, error) {
	if log == nil {
		log = logrus.New()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding endpoint %q: %w", addr, err)
	}
	e := &Engine{
		log:       log,
		listener:  ln,
		addr:      ln.Addr().String(),
		handlers:  make(map[string]Handler),
		exposed:   make(map[uint64]*exposedRegion),
		finalized: make(chan struct{}),
		closing:   make(chan struct{}),
	}
	e.registerBuiltins()
	go e.acceptLoop()
	e.log.WithField("addr", e.addr).Debug("transport engine listening")
	return e, nil
}

// Addr returns the endpoint address other engines use to reach this
// one.
func (e *Engine) Addr() string {
	return e.addr
}

// Define registers a handler under an RPC name. Registration after
// requests have started being served is allowed; redefinition
// replaces the previous handler.
func (e *Engine) Define(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// EnableRemoteShutdown allows remote engines to finalize this one
// through ShutdownRemote.
func (e *Engine) EnableRemoteShutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdownEnabled = true
}

// OnPrefinalize pushes a callback run at the start of Finalize, before
// the endpoint stops serving. Callbacks run in reverse push order.
func (e *Engine) OnPrefinalize(f func()) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	e.prefinalize = append(e.prefinalize, f)
}

// OnFinalize pushes a callback run after the endpoint has stopped
// serving and all in-flight handlers have returned. Callbacks run in
// reverse push order.
func (e *Engine) OnFinalize(f func()) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	e.finalize = append(e.finalize, f)
}

// Finalize tears the engine down: prefinalize callbacks, then the
// listener, then in-flight handlers are drained, then finalize
// callbacks. Safe to call more than once and from any goroutine,
// including (asynchronously) from a handler.
func (e *Engine) Finalize() {
	e.finalizeOnce.Do(func() {
		e.lifecycleMu.Lock()
		pre := make([]func(), len(e.prefinalize))
		copy(pre, e.prefinalize)
		fin := make([]func(), len(e.finalize))
		copy(fin, e.finalize)
		e.lifecycleMu.Unlock()

		for i := len(pre) - 1; i >= 0; i-- {
			pre[i]()
		}

		close(e.closing)
		e.listener.Close()
		e.handlerWG.Wait()

		for i := len(fin) - 1; i >= 0; i-- {
			fin[i]()
		}
		e.log.WithField("addr", e.addr).Debug("transport engine finalized")
		close(e.finalized)
	})
	<-e.finalized
}

// WaitForFinalize blocks until Finalize has completed.
func (e *Engine) WaitForFinalize() {
	<-e.finalized
}

// Finalized reports whether the engine has been (or is being) torn
// down.
func (e *Engine) Finalized() bool {
	select {
	case <-e.closing:
		return true
	default:
		return false
	}
}

// Call performs a request/reply RPC against a remote endpoint. A nil
// reply discards the response payload.
func (e *Engine) Call(ctx context.Context, addr, name string, args, reply interface{}) error {
	payload, err := encode(args)
	if err != nil {
		return fmt.Errorf("rpc %s to %s: %w", name, addr, err)
	}

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc %s to %s: %w", name, addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := gob.NewEncoder(conn).Encode(rpcRequest{Name: name, Payload: payload}); err != nil {
		return fmt.Errorf("rpc %s to %s: send: %w", name, addr, err)
	}
	var resp rpcResponse
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("rpc %s to %s: recv: %w", name, addr, err)
	}
	if resp.Err != "" {
		return fmt.Errorf("rpc %s to %s: %s", name, addr, resp.Err)
	}
	if reply != nil {
		if err := decode(resp.Payload, reply); err != nil {
			return fmt.Errorf("rpc %s to %s: %w", name, addr, err)
		}
	}
	return nil
}

// ShutdownRemote asks a remote engine to finalize itself. The remote
// must have called EnableRemoteShutdown.
func (e *Engine) ShutdownRemote(ctx context.Context, addr string) error {
	return e.Call(ctx, addr, rpcEngineShutdown, nil, nil)
}

func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.closing:
				return
			default:
			}
			e.log.WithError(err).Debug("accept failed")
			continue
		}
		e.handlerWG.Add(1)
		go e.serveConn(conn)
	}
}

func (e *Engine) serveConn(conn net.Conn) {
	defer e.handlerWG.Done()
	defer conn.Close()

	var frame rpcRequest
	if err := gob.NewDecoder(conn).Decode(&frame); err != nil {
		e.log.WithError(err).Debug("dropping malformed request")
		return
	}

	e.mu.RLock()
	h, ok := e.handlers[frame.Name]
	e.mu.RUnlock()

	req := &Request{
		engine:     e,
		name:       frame.Name,
		payload:    frame.Payload,
		remoteAddr: conn.RemoteAddr().String(),
		enc:        gob.NewEncoder(conn),
	}
	if !ok {
		req.fail(fmt.Sprintf("no handler for rpc %q", frame.Name))
		return
	}
	h(req)
	if !req.responded {
		req.fail(fmt.Sprintf("rpc %q handler did not respond", frame.Name))
	}
}

// Request is the reply handle passed to RPC handlers.
type Request struct {
	engine     *Engine
	name       string
	payload    []byte
	remoteAddr string
	enc        *gob.Encoder
	responded  bool
}

// Name returns the RPC name of the request.
func (r *Request) Name() string {
	return r.name
}

// RemoteAddr returns the connection-level address of the caller. This
// is not the caller's engine endpoint; clients that want to be called
// back pass their endpoint address as an RPC argument.
func (r *Request) RemoteAddr() string {
	return r.remoteAddr
}

// Decode unmarshals the request arguments into args.
func (r *Request) Decode(args interface{}) error {
	return decode(r.payload, args)
}

// Respond sends the reply. Exactly one response is sent per request;
// further calls are rejected.
func (r *Request) Respond(reply interface{}) error {
	if r.responded {
		return fmt.Errorf("rpc %q: already responded", r.name)
	}
	r.responded = true
	payload, err := encode(reply)
	if err != nil {
		return err
	}
	return r.enc.Encode(rpcResponse{Payload: payload})
}

// Fail responds with a transport-level error. The caller's Call
// returns it as a Go error rather than a decoded reply.
func (r *Request) Fail(format string, args ...interface{}) {
	r.fail(fmt.Sprintf(format, args...))
}

func (r *Request) fail(msg string) {
	if r.responded {
		return
	}
	r.responded = true
	if err := r.enc.Encode(rpcResponse{Err: msg}); err != nil {
		r.engine.log.WithError(err).Debug("failed to send error response")
	}
}

const rpcEngineShutdown = "engine.shutdown"

func (e *Engine) registerBuiltins() {
	e.Define(rpcEngineShutdown, func(req *Request) {
		e.mu.RLock()
		enabled := e.shutdownEnabled
		e.mu.RUnlock()
		if !enabled {
			req.fail("remote shutdown not enabled")
			return
		}
		e.log.Debug("received remote shutdown request")
		req.Respond(nil)
		go e.Finalize()
	})
	e.registerBulkBuiltins()
}
