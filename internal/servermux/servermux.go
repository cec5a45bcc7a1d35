// Package servermux implements Server-mux (S), the Guacamole-front-end
// side of the diode pair, per spec.md §4.4. It accepts front-end TCP
// connections, allocates session ids, frames their traffic as GMS_*
// envelopes onto an egress stream carried by a Ship-out relay, and
// demultiplexes envelope traffic arriving from a Ship-in relay back onto
// the matching front-end sockets.
//
// Structurally this mirrors the teacher's internal/guacamole.GuacdProxy:
// one goroutine pair (reader/writer) per session, plus the instruction
// re-framing buffering pattern of proxy.go's relayTCPToWS/relayWSToTCP,
// generalized here into internal/protocol's validator and reused for
// every socket direction instead of being hand-rolled per call site.
package servermux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/macsnoeren/gms-diode/internal/envelope"
	"github.com/macsnoeren/gms-diode/internal/idgen"
	"github.com/macsnoeren/gms-diode/internal/netutil"
	"github.com/macsnoeren/gms-diode/internal/protocol"
	"github.com/macsnoeren/gms-diode/internal/queue"
	"github.com/macsnoeren/gms-diode/internal/ratelimit"
	"github.com/macsnoeren/gms-diode/internal/registry"
)

// Config holds Server-mux's tunable parameters, assembled from
// internal/config.ServerConfig by cmd/gms-server.
type Config struct {
	ListenAddr      string // front-end TCP listen address
	EgressDialAddr  string // Ship-out's accept address, dialed outbound
	IngressAddr     string // local address Ship-in dials into
	MaxInstruction  int    // validator size bound, 0 = protocol.DefaultMaxInstructionSize
	MaxClients      int    // cap on concurrent front-end sessions, <= 0 disables the cap
	EgressQueueCap  int
	InboundQueueCap int
	BatchBufferCap  int
	Heartbeat       time.Duration // 0 disables
}

// Server is one running Server-mux instance.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *registry.Registry
	egress   *queue.Queue
	limiter  *ratelimit.Limiter

	egressConnMu sync.Mutex
	egressConn   net.Conn
}

// New constructs a Server. It does not start listening; call Run.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		registry: registry.New(idgen.New()),
		limiter:  ratelimit.New(1, 5),
	}
	s.egress = queue.New(cfg.EgressQueueCap, s.onEgressDrop)
	return s
}

// Sessions returns a snapshot of every currently registered handle, for a
// diagnostics feed (cmd/gms-server adapts this into diag.Snapshot values).
func (s *Server) Sessions() []*registry.Handle {
	return s.registry.Snapshot()
}

func (s *Server) onEgressDrop(item any) {
	if s.limiter.Allow("egress-full") {
		s.log.Error("egress queue full, dropping instruction", "item", fmt.Sprint(item))
	}
}

// Run starts the front-end listener, the egress dial/drain loop, the
// ingress listener/handler, and the reap ticker. It blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := netutil.ListenTCP(s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("servermux: %w", err)
	}
	defer ln.Close()

	ingressLn, err := netutil.ListenTCP(s.cfg.IngressAddr)
	if err != nil {
		return fmt.Errorf("servermux: %w", err)
	}
	defer ingressLn.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.egressDrainLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.ingressAcceptLoop(ctx, ingressLn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reapLoop(ctx)
	}()

	if s.cfg.Heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.heartbeatLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		ln.Close()
	}()

	s.frontendAcceptLoop(ctx, ln)
	wg.Wait()
	return nil
}

func (s *Server) frontendAcceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Warn("front-end accept error", "error", err)
			return
		}
		go s.handleFrontend(ctx, conn)
	}
}

func (s *Server) handleFrontend(ctx context.Context, conn net.Conn) {
	if s.cfg.MaxClients > 0 && s.registry.Len() >= s.cfg.MaxClients {
		s.log.Warn("rejecting front-end connection, max-clients reached", "max-clients", s.cfg.MaxClients, "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	h := s.registry.CreateWithFreshID(conn, s.cfg.InboundQueueCap, func(item any) {
		if s.limiter.Allow("inbound-full") {
			s.log.Error("inbound queue full, dropping instruction", "item", fmt.Sprint(item))
		}
	})
	s.log.Info("front-end connected", "id", h.ID, "remote", conn.RemoteAddr())

	s.egress.TryPush(envelope.Encode(envelope.New, h.ID))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readerLoop(h)
	}()
	go func() {
		defer wg.Done()
		s.writerLoop(h)
	}()
	wg.Wait()

	s.log.Info("front-end session ended", "id", h.ID)
}

// readerLoop reads bytes from the front-end socket, validates them, and
// batches the resulting instructions onto the egress queue framed with
// GMS_START/GMS_END, per spec.md §4.4's Reader task.
func (s *Server) readerLoop(h *registry.Handle) {
	v := protocol.New(s.cfg.MaxInstruction)
	b := envelope.NewBatcher(h.ID, s.cfg.BatchBufferCap)
	buf := make([]byte, 32*1024)

	emit := func(instr protocol.Instruction) { s.egress.TryPush(instr) }

	for {
		n, err := h.Socket.Read(buf)
		if n > 0 {
			v.Feed(buf[:n], func(instr protocol.Instruction) {
				b.Append(instr, emit)
			}, func(verr error) {
				if s.limiter.Allow("malformed-instruction") {
					s.log.Warn("malformed instruction from front-end", "id", h.ID, "error", verr)
				}
			})
			b.Flush(emit) // the per-Read batch ends once the socket buffer drains
		}
		if err != nil {
			b.Flush(emit)
			s.teardown(h, err)
			return
		}
	}
}

// writerLoop drains the handle's inbound_queue to the front-end socket,
// per spec.md §4.4's Writer task.
func (s *Server) writerLoop(h *registry.Handle) {
	for {
		item, ok := h.InboundQueue.Pop()
		if !ok {
			return
		}
		instr := item.(protocol.Instruction)
		if _, err := h.Socket.Write(instr); err != nil {
			s.teardown(h, err)
			return
		}
	}
}

// teardown marks h dead and emits exactly one GMS_CLOSE for it. The
// reader and writer goroutines both call this on their respective I/O
// errors with no coordination between them; h.MarkDead's return value
// (not a separate Running() check, which would race against the other
// goroutine's MarkDead call) is what guarantees only the first caller
// emits GMS_CLOSE, per spec.md §8 invariant 6 / scenario E6.
func (s *Server) teardown(h *registry.Handle, cause error) {
	if !h.MarkDead() {
		return
	}
	if cause != nil && !errors.Is(cause, io.EOF) {
		s.log.Info("session closed", "id", h.ID, "cause", cause)
	}
	s.egress.TryPush(envelope.Encode(envelope.Close, h.ID))
}

// egressDrainLoop owns the single outbound TCP connection to Ship-out and
// is the sole consumer of the egress queue, per spec.md §5's "single
// consumer" rule. It reconnects with backoff on failure.
func (s *Server) egressDrainLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := netutil.DialRetry(ctx, s.cfg.EgressDialAddr, netutil.DefaultRetryConfig(), s.log)
		if err != nil {
			return // ctx cancelled
		}
		s.drainTo(ctx, conn)
	}
}

func (s *Server) drainTo(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()
	for {
		item, ok := s.egress.Pop()
		if !ok {
			return
		}
		instr := item.(protocol.Instruction)
		if _, err := conn.Write(instr); err != nil {
			s.log.Warn("egress write error, reconnecting", "error", err)
			return
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

// ingressAcceptLoop accepts Ship-in's single inbound connection and runs
// the ingress handler against it, reconnecting if the connection drops.
func (s *Server) ingressAcceptLoop(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Warn("ingress accept error", "error", err)
			return
		}
		s.ingressHandler(conn)
	}
}

// ingressHandler implements spec.md §4.4's ingress dispatch table: it owns
// the envelope-scoped stream state current_target for this ingress
// connection.
func (s *Server) ingressHandler(conn net.Conn) {
	defer conn.Close()
	v := protocol.New(s.cfg.MaxInstruction)
	buf := make([]byte, 32*1024)
	var currentTarget *registry.Handle

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			v.Feed(buf[:n], func(instr protocol.Instruction) {
				s.dispatchIngress(instr, &currentTarget)
			}, func(verr error) {
				if s.limiter.Allow("malformed-ingress") {
					s.log.Warn("malformed instruction on ingress", "error", verr)
				}
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("ingress connection error", "error", err)
			}
			return
		}
	}
}

func (s *Server) dispatchIngress(instr protocol.Instruction, currentTarget **registry.Handle) {
	msg, isEnvelope := envelope.Decode(instr)
	if !isEnvelope {
		if *currentTarget != nil {
			(*currentTarget).InboundQueue.TryPush(instr)
		} else if s.limiter.Allow("no-target") {
			s.log.Warn("instruction with no current_target, dropping")
		}
		return
	}

	switch msg.Opcode {
	case envelope.Start:
		h, ok := s.registry.Lookup(msg.Arg)
		if !ok {
			s.egress.TryPush(envelope.Encode(envelope.Close, msg.Arg))
			*currentTarget = nil
			return
		}
		*currentTarget = h
	case envelope.End:
		if *currentTarget != nil && (*currentTarget).ID != msg.Arg {
			s.log.Warn("GMS_END id mismatch", "expected", (*currentTarget).ID, "got", msg.Arg)
		}
		*currentTarget = nil
	case envelope.Close:
		s.registry.MarkDead(msg.Arg)
	case envelope.New:
		// not expected on S; ignored per spec.md §4.4.
	case envelope.Heartbeat:
		// liveness marker only.
	}
}

func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.registry.Reap() {
				s.log.Debug("reaped session", "id", id)
			}
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.egress.TryPush(envelope.Encode(envelope.Heartbeat))
		}
	}
}
