// Package registry implements the session-id -> session-handle map spec.md
// §4.3 describes: a mutex-protected map of handles, each owning its own
// socket, running flag, and inbound instruction queue, following the
// "lock-sharing" guidance of spec.md §9 (no monolithic lock held across
// I/O). Adapted from the teacher's internal/guacamole.SessionRegistry
// (map[string]*SharedSession behind a single mutex, GetOrCreate,
// onClose-triggered removal), generalized from "one guacd connection per
// viewer session" to "one front-end-or-guacd socket per mux session".
//
// There is no SIGPIPE handler here, unlike the original C++ implementation
// (gmserver.cpp's signal_sigpipe_cb), because Go's net package never
// raises SIGPIPE for a write to an already-closed peer: a write after
// close surfaces as an ordinary error return. Every Write call against a
// Handle's Socket (in internal/servermux and internal/clientmux's
// writerLoop) is checked and routed into teardown, which is the complete
// equivalent of spec.md §5's "write-to-closed-socket signals must be
// ignored at the process level" — no signal disposition to register or
// document beyond this.
package registry

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/macsnoeren/gms-diode/internal/idgen"
	"github.com/macsnoeren/gms-diode/internal/queue"
)

// Handle is one session's state, per spec.md §3's "Session handle" block:
// id, socket (front-end on S, guacd on C), running flag, and an ordered
// inbound_queue of instructions destined for Socket. Each field carries its
// own concurrency discipline rather than sharing one lock across the
// struct: Running is atomic, Socket is owned by whichever goroutine does
// I/O on it but closable from outside via Close, and InboundQueue is
// already thread-safe (internal/queue.Queue).
type Handle struct {
	ID           string
	Socket       net.Conn
	InboundQueue *queue.Queue

	running int32 // atomic bool; 1 = running, 0 = teardown in progress

	closeOnce sync.Once
}

// NewHandle constructs a running Handle wrapping socket.
func NewHandle(id string, socket net.Conn, inboundMaxDepth int, dropped queue.DroppedFunc) *Handle {
	return &Handle{
		ID:           id,
		Socket:       socket,
		InboundQueue: queue.New(inboundMaxDepth, dropped),
		running:      1,
	}
}

// Running reports whether the handle is still live. false means teardown
// is in progress or complete; observers must tolerate this flipping at any
// time (spec.md §4.3's invariant).
func (h *Handle) Running() bool {
	return atomic.LoadInt32(&h.running) == 1
}

// MarkDead flips Running to false, closes the socket, and closes the
// inbound queue so any blocked writer goroutine wakes up. It is idempotent
// and safe to call from any goroutine; it reports whether this call was
// the one that actually performed the transition, so a caller that must
// react exactly once to teardown (e.g. emitting a single GMS_CLOSE) does
// not need a separate, racy Running() check of its own.
func (h *Handle) MarkDead() bool {
	did := false
	h.closeOnce.Do(func() {
		did = true
		atomic.StoreInt32(&h.running, 0)
		if h.Socket != nil {
			h.Socket.Close()
		}
		h.InboundQueue.Close()
	})
	return did
}

// Registry is the thread-safe id -> Handle map spec.md §4.3 names.
// Registry's mutex is held only for short map operations, never across
// socket I/O, matching spec.md §9's "Shared resources" guidance.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	ids      idgen.Generator
	onCreate func(*Handle) // not set or called by any Registry method
}

// New creates an empty Registry. ids is the id generator used by
// CreateWithFreshID (pass idgen.New() in production, a deterministic
// generator in tests).
func New(ids idgen.Generator) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		ids:     ids,
	}
}

// CreateWithFreshID allocates a new id (retrying on collision, per spec.md
// §4.3's "create with a colliding id retries id generation (S)") and
// registers a Handle for it. Used by Server-mux, which originates ids.
func (r *Registry) CreateWithFreshID(socket net.Conn, inboundMaxDepth int, dropped queue.DroppedFunc) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = r.ids.New()
		if _, exists := r.handles[id]; !exists {
			break
		}
	}
	h := NewHandle(id, socket, inboundMaxDepth, dropped)
	r.handles[id] = h
	return h
}

// CreateWithID registers a Handle under a peer-supplied id, per spec.md
// §4.3's "on C, create on receipt of GMS_NEW" — ids are dictated by the
// peer, so a collision is a no-op that returns the existing handle and
// ok=false rather than retrying id generation.
func (r *Registry) CreateWithID(id string, socket net.Conn, inboundMaxDepth int, dropped queue.DroppedFunc) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handles[id]; ok {
		return existing, false
	}
	h := NewHandle(id, socket, inboundMaxDepth, dropped)
	r.handles[id] = h
	return h, true
}

// Lookup returns the handle for id, if any.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// MarkDead marks the handle for id as no longer running and closes its
// socket/queue, but leaves it discoverable until Remove — per spec.md
// §4.3's two-phase teardown ("mark_dead... leaves handle discoverable
// until remove").
func (r *Registry) MarkDead(id string) {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if ok {
		h.MarkDead()
	}
}

// Remove drops the entry for id entirely.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// Snapshot returns an exclusive copy of every registered handle, for
// periodic reaping (spec.md §4.3's iter()) or diagnostics. The returned
// slice is safe to range over without holding the registry lock.
func (r *Registry) Snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Len reports the current number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Reap removes every handle that is no longer running, implementing the
// two-phase mark/sweep spec.md §4.3 describes and SPEC_FULL.md §3 grounds
// on the original's thread_guacamole_client_send sweep (there, a
// busy-loop scan; here, called periodically from a ticker in each mux's
// run loop). It returns the ids removed, for logging.
func (r *Registry) Reap() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, h := range r.handles {
		if !h.Running() {
			delete(r.handles, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// ErrUnknownSession names the case of an id the registry does not hold.
// No function in this module returns it: when an ingress GMS_START names
// an id with no handle, the muxes reply GMS_CLOSE id toward the peer
// instead (spec.md §4.4/§4.5).
var ErrUnknownSession = fmt.Errorf("registry: unknown session")
