package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	. "github.com/onsi/gomega"

	"github.com/macsnoeren/gms-diode/internal/clientmux"
	"github.com/macsnoeren/gms-diode/internal/servermux"
	"github.com/macsnoeren/gms-diode/internal/shipper"
)

// topology wires one Server-mux, one Client-mux, and both shipper pairs
// (forward: S egress -> C ingress; backward: C egress -> S ingress) over
// real loopback sockets, plus a fake guacd acceptor the test inspects
// directly. Ports are fixed per-suite rather than dynamically discovered,
// since every component here is configured by address string rather than
// by a shared *net.Listener (matching how the real binaries are wired from
// flags) — tests in this package run serially, so fixed ports do not
// collide with each other.
type topology struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup

	FrontendAddr string
	GuacdAddr    string

	// ShipInFwdAddr is the UDP address Ship-in on the forward (S -> C)
	// path listens on. Tests use it to inject synthetic datagrams
	// straight at C, bypassing S entirely.
	ShipInFwdAddr string

	guacdLn net.Listener

	mu        sync.Mutex
	guacdConn net.Conn
	guacdAll  []net.Conn
}

var portBase = 23800

func nextPortBlock() int {
	b := portBase
	portBase += 100
	return b
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTopology launches every process goroutine and returns after a fixed
// 300 ms pause that gives every listener time to bind. Call top.stop() to
// tear everything down.
func startTopology() *topology {
	base := nextPortBlock()
	frontendPort := base
	shipOutFwdPort := base + 1
	shipInFwdUDPPort := base + 2
	clientIngressPort := base + 3
	shipOutBwdPort := base + 4
	shipInBwdUDPPort := base + 5
	serverIngressPort := base + 6

	guacdLn, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	top := &topology{
		FrontendAddr:  fmt.Sprintf("127.0.0.1:%d", frontendPort),
		GuacdAddr:     guacdLn.Addr().String(),
		ShipInFwdAddr: fmt.Sprintf("127.0.0.1:%d", shipInFwdUDPPort),
		guacdLn:       guacdLn,
	}

	ctx, cancel := context.WithCancel(context.Background())
	top.cancel = cancel

	top.wg.Add(1)
	go func() {
		defer top.wg.Done()
		for {
			conn, err := guacdLn.Accept()
			if err != nil {
				return
			}
			top.mu.Lock()
			top.guacdConn = conn
			top.guacdAll = append(top.guacdAll, conn)
			top.mu.Unlock()
		}
	}()

	srv := servermux.New(servermux.Config{
		ListenAddr:      fmt.Sprintf(":%d", frontendPort),
		EgressDialAddr:  fmt.Sprintf("127.0.0.1:%d", shipOutFwdPort),
		IngressAddr:     fmt.Sprintf(":%d", serverIngressPort),
		EgressQueueCap:  256,
		InboundQueueCap: 256,
	}, quietLogger())

	cli := clientmux.New(clientmux.Config{
		GuacdAddr:       top.GuacdAddr,
		EgressDialAddr:  fmt.Sprintf("127.0.0.1:%d", shipOutBwdPort),
		IngressAddr:     fmt.Sprintf(":%d", clientIngressPort),
		EgressQueueCap:  256,
		InboundQueueCap: 256,
	}, quietLogger())

	run := func(fn func(context.Context) error) {
		top.wg.Add(1)
		go func() {
			defer top.wg.Done()
			_ = fn(ctx)
		}()
	}

	run(srv.Run)
	run(cli.Run)
	run(func(ctx context.Context) error {
		return shipper.RunShipOut(ctx, shipper.ShipOutConfig{
			ListenAddr: fmt.Sprintf(":%d", shipOutFwdPort),
			DiodeAddr:  fmt.Sprintf("127.0.0.1:%d", shipInFwdUDPPort),
		}, quietLogger())
	})
	run(func(ctx context.Context) error {
		return shipper.RunShipIn(ctx, shipper.ShipInConfig{
			ListenAddr: fmt.Sprintf(":%d", shipInFwdUDPPort),
			MuxAddr:    fmt.Sprintf("127.0.0.1:%d", clientIngressPort),
		}, quietLogger())
	})
	run(func(ctx context.Context) error {
		return shipper.RunShipOut(ctx, shipper.ShipOutConfig{
			ListenAddr: fmt.Sprintf(":%d", shipOutBwdPort),
			DiodeAddr:  fmt.Sprintf("127.0.0.1:%d", shipInBwdUDPPort),
		}, quietLogger())
	})
	run(func(ctx context.Context) error {
		return shipper.RunShipIn(ctx, shipper.ShipInConfig{
			ListenAddr: fmt.Sprintf(":%d", shipInBwdUDPPort),
			MuxAddr:    fmt.Sprintf("127.0.0.1:%d", serverIngressPort),
		}, quietLogger())
	})

	// Give every listener time to bind before the test starts dialing.
	time.Sleep(300 * time.Millisecond)

	return top
}

func (top *topology) guacd() net.Conn {
	top.mu.Lock()
	defer top.mu.Unlock()
	return top.guacdConn
}

func (top *topology) guacdConnCount() int {
	top.mu.Lock()
	defer top.mu.Unlock()
	return len(top.guacdAll)
}

func (top *topology) guacdConnAt(i int) net.Conn {
	top.mu.Lock()
	defer top.mu.Unlock()
	if i >= len(top.guacdAll) {
		return nil
	}
	return top.guacdAll[i]
}

func (top *topology) stop() {
	top.cancel()
	top.guacdLn.Close()
	if c := top.guacd(); c != nil {
		c.Close()
	}
	top.wg.Wait()
}

func dialFrontend(top *topology) net.Conn {
	conn, err := net.Dial("tcp", top.FrontendAddr)
	Expect(err).NotTo(HaveOccurred())
	return conn
}

func readAvailable(conn net.Conn, timeout time.Duration) []byte {
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 8192)
	n, _ := conn.Read(buf)
	return buf[:n]
}
