package clientmux

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/macsnoeren/gms-diode/internal/envelope"
	"github.com/macsnoeren/gms-diode/internal/protocol"
	"github.com/macsnoeren/gms-diode/internal/registry"
)

func testClient(t *testing.T, guacdAddr string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(Config{GuacdAddr: guacdAddr, EgressQueueCap: 16, InboundQueueCap: 16}, logger)
}

func TestOpenSession_DialFailureEmitsClose(t *testing.T) {
	c := testClient(t, "127.0.0.1:1") // port 1 is never listened on
	c.openSession(context.Background(), "DEADBEEF")

	item, ok := c.egress.TryPop()
	if !ok {
		t.Fatalf("expected a GMS_CLOSE reply on egress")
	}
	msg, isEnv := envelope.Decode(item.(protocol.Instruction))
	if !isEnv || msg.Opcode != envelope.Close || msg.Arg != "DEADBEEF" {
		t.Fatalf("got %v, want GMS_CLOSE DEADBEEF", item)
	}
	if _, ok := c.registry.Lookup("DEADBEEF"); ok {
		t.Fatalf("no handle should be registered on dial failure")
	}
}

func TestOpenSession_DialSuccessRegistersHandle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			// Keep the connection open for the test's lifetime.
			_ = conn
		}
	}()

	c := testClient(t, ln.Addr().String())
	c.openSession(context.Background(), "ABCD1234")

	h, ok := c.registry.Lookup("ABCD1234")
	if !ok {
		t.Fatalf("expected a registered handle after successful dial")
	}
	h.MarkDead()
}

func TestDispatchIngress_NewOpensSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn
		}
	}()

	c := testClient(t, ln.Addr().String())
	var target *registry.Handle
	c.dispatchIngress(context.Background(), envelope.Encode(envelope.New, "SESSION1"), &target)

	h, ok := c.registry.Lookup("SESSION1")
	if !ok {
		t.Fatalf("GMS_NEW should have opened a session")
	}
	h.MarkDead()
}

func TestTeardown_EmitsExactlyOneCloseWhenCalledConcurrently(t *testing.T) {
	c := testClient(t, "127.0.0.1:1")
	conn, peer := net.Pipe()
	defer peer.Close()
	h, _ := c.registry.CreateWithID("SESSION1", conn, 16, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.teardown(h, nil)
		}()
	}
	wg.Wait()

	closes := 0
	for {
		item, ok := c.egress.TryPop()
		if !ok {
			break
		}
		if msg, isEnv := envelope.Decode(item.(protocol.Instruction)); isEnv && msg.Opcode == envelope.Close {
			closes++
		}
	}
	if closes != 1 {
		t.Fatalf("got %d GMS_CLOSE on egress from concurrent teardown calls, want exactly 1", closes)
	}
}

func TestDispatchIngress_StartUnknownRepliesClose(t *testing.T) {
	c := testClient(t, "127.0.0.1:1")
	var target *registry.Handle
	c.dispatchIngress(context.Background(), envelope.Encode(envelope.Start, "UNKNOWN"), &target)

	item, ok := c.egress.TryPop()
	if !ok {
		t.Fatalf("expected GMS_CLOSE reply")
	}
	msg, _ := envelope.Decode(item.(protocol.Instruction))
	if msg.Opcode != envelope.Close || msg.Arg != "UNKNOWN" {
		t.Fatalf("got %v", msg)
	}
}
