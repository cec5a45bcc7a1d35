// Package clientmux implements Client-mux (C), the guacd-facing side of
// the diode pair, per spec.md §4.5. It is symmetric to internal/servermux
// with roles swapped: ingress GMS_NEW instructions open new outbound guacd
// connections instead of accepting front-end ones, and a failed guacd dial
// immediately replies GMS_CLOSE rather than retrying.
package clientmux

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

// Config holds Client-mux's tunable parameters, assembled from
// internal/config.ClientConfig by cmd/gms-client.
type Config struct {
	GuacdAddr       string // dial target for each new session, e.g. "127.0.0.1:4822"
	EgressDialAddr  string // Ship-out's accept address, dialed outbound
	IngressAddr     string // local address Ship-in dials into
	MaxInstruction  int
	EgressQueueCap  int
	InboundQueueCap int
	BatchBufferCap  int
	Heartbeat       time.Duration
}

// Client is one running Client-mux instance.
type Client struct {
	cfg      Config
	log      *slog.Logger
	registry *registry.Registry
	egress   *queue.Queue
	limiter  *ratelimit.Limiter
}

// New constructs a Client. It does not dial anywhere; call Run.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:      cfg,
		log:      logger,
		registry: registry.New(idgen.New()), // C never originates ids; CreateWithFreshID is unused
		limiter:  ratelimit.New(1, 5),
	}
	c.egress = queue.New(cfg.EgressQueueCap, c.onEgressDrop)
	return c
}

// Sessions returns a snapshot of every currently registered handle, for a
// diagnostics feed (cmd/gms-client adapts this into diag.Snapshot values).
func (c *Client) Sessions() []*registry.Handle {
	return c.registry.Snapshot()
}

func (c *Client) onEgressDrop(item any) {
	if c.limiter.Allow("egress-full") {
		c.log.Error("egress queue full, dropping instruction", "item", fmt.Sprint(item))
	}
}

// Run starts the egress dial/drain loop, the ingress listener/handler, and
// the reap ticker. It blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	ingressLn, err := netutil.ListenTCP(c.cfg.IngressAddr)
	if err != nil {
		return fmt.Errorf("clientmux: %w", err)
	}
	defer ingressLn.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.egressDrainLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.reapLoop(ctx)
	}()

	if c.cfg.Heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeatLoop(ctx)
		}()
	}

	c.ingressAcceptLoop(ctx, ingressLn)
	wg.Wait()
	return nil
}

func (c *Client) egressDrainLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := netutil.DialRetry(ctx, c.cfg.EgressDialAddr, netutil.DefaultRetryConfig(), c.log)
		if err != nil {
			return
		}
		c.drainTo(ctx, conn)
	}
}

func (c *Client) drainTo(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()
	for {
		item, ok := c.egress.Pop()
		if !ok {
			return
		}
		instr := item.(protocol.Instruction)
		if _, err := conn.Write(instr); err != nil {
			c.log.Warn("egress write error, reconnecting", "error", err)
			return
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func (c *Client) ingressAcceptLoop(ctx context.Context, ln net.Listener) {
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
			c.log.Warn("ingress accept error", "error", err)
			return
		}
		c.ingressHandler(ctx, conn)
	}
}

// ingressHandler implements spec.md §4.5's ingress dispatch table.
func (c *Client) ingressHandler(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	v := protocol.New(c.cfg.MaxInstruction)
	buf := make([]byte, 32*1024)
	var currentTarget *registry.Handle

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			v.Feed(buf[:n], func(instr protocol.Instruction) {
				c.dispatchIngress(ctx, instr, &currentTarget)
			}, func(verr error) {
				if c.limiter.Allow("malformed-ingress") {
					c.log.Warn("malformed instruction on ingress", "error", verr)
				}
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn("ingress connection error", "error", err)
			}
			return
		}
	}
}

func (c *Client) dispatchIngress(ctx context.Context, instr protocol.Instruction, currentTarget **registry.Handle) {
	msg, isEnvelope := envelope.Decode(instr)
	if !isEnvelope {
		if *currentTarget != nil {
			(*currentTarget).InboundQueue.TryPush(instr)
		} else if c.limiter.Allow("no-target") {
			c.log.Warn("instruction with no current_target, dropping")
		}
		return
	}

	switch msg.Opcode {
	case envelope.New:
		c.openSession(ctx, msg.Arg)
	case envelope.Start:
		h, ok := c.registry.Lookup(msg.Arg)
		if !ok {
			c.egress.TryPush(envelope.Encode(envelope.Close, msg.Arg))
			*currentTarget = nil
			return
		}
		*currentTarget = h
	case envelope.End:
		if *currentTarget != nil && (*currentTarget).ID != msg.Arg {
			c.log.Warn("GMS_END id mismatch", "expected", (*currentTarget).ID, "got", msg.Arg)
		}
		*currentTarget = nil
	case envelope.Close:
		c.registry.MarkDead(msg.Arg)
	case envelope.Heartbeat:
		// liveness marker only.
	}
}

// openSession dials guacd for a new id, per spec.md §4.5's "On GMS_NEW id".
func (c *Client) openSession(ctx context.Context, id string) {
	if _, exists := c.registry.Lookup(id); exists {
		return // duplicate GMS_NEW: ignored, no guacd connection is opened
	}
	conn, err := net.Dial("tcp", c.cfg.GuacdAddr)
	if err != nil {
		c.log.Warn("guacd dial failed, closing session", "id", id, "error", err)
		c.egress.TryPush(envelope.Encode(envelope.Close, id))
		return
	}

	h, created := c.registry.CreateWithID(id, conn, c.cfg.InboundQueueCap, func(item any) {
		if c.limiter.Allow("inbound-full") {
			c.log.Error("inbound queue full, dropping instruction", "item", fmt.Sprint(item))
		}
	})
	if !created {
		conn.Close()
		return
	}

	c.log.Info("guacd session opened", "id", id, "guacd", c.cfg.GuacdAddr)

	go c.readerLoop(h)
	go c.writerLoop(h)
}

// readerLoop reads bytes from guacd, validates them, and batches the
// resulting instructions onto the egress queue framed with
// GMS_START/GMS_END, per spec.md §4.5's reader task.
func (c *Client) readerLoop(h *registry.Handle) {
	v := protocol.New(c.cfg.MaxInstruction)
	b := envelope.NewBatcher(h.ID, c.cfg.BatchBufferCap)
	buf := make([]byte, 32*1024)

	emit := func(instr protocol.Instruction) { c.egress.TryPush(instr) }

	for {
		n, err := h.Socket.Read(buf)
		if n > 0 {
			v.Feed(buf[:n], func(instr protocol.Instruction) {
				b.Append(instr, emit)
			}, func(verr error) {
				if c.limiter.Allow("malformed-instruction") {
					c.log.Warn("malformed instruction from guacd", "id", h.ID, "error", verr)
				}
			})
			b.Flush(emit)
		}
		if err != nil {
			b.Flush(emit)
			c.teardown(h, err)
			return
		}
	}
}

// writerLoop drains the handle's inbound_queue to the guacd socket, per
// spec.md §4.5's writer task.
func (c *Client) writerLoop(h *registry.Handle) {
	for {
		item, ok := h.InboundQueue.Pop()
		if !ok {
			return
		}
		instr := item.(protocol.Instruction)
		if _, err := h.Socket.Write(instr); err != nil {
			c.teardown(h, err)
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
func (c *Client) teardown(h *registry.Handle, cause error) {
	if !h.MarkDead() {
		return
	}
	if cause != nil && !errors.Is(cause, io.EOF) {
		c.log.Info("session closed", "id", h.ID, "cause", cause)
	}
	c.egress.TryPush(envelope.Encode(envelope.Close, h.ID))
}

func (c *Client) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range c.registry.Reap() {
				c.log.Debug("reaped session", "id", id)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.egress.TryPush(envelope.Encode(envelope.Heartbeat))
		}
	}
}
