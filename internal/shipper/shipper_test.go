package shipper

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRelayTCPToUDP_ForwardsEachReadAsOneDatagram(t *testing.T) {
	tcpA, tcpB := net.Pipe()
	defer tcpB.Close()

	udpServer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer udpServer.Close()
	udpClient, err := net.DialUDP("udp", nil, udpServer.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer udpClient.Close()

	done := make(chan struct{})
	go func() {
		relayTCPToUDP(tcpB, udpClient, 8192, testLogger())
		close(done)
	}()

	go func() {
		tcpA.Write([]byte("5.mouse,1.0;"))
		tcpA.Close()
	}()

	buf := make([]byte, 8192)
	udpServer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := udpServer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "5.mouse,1.0;" {
		t.Fatalf("got %q", buf[:n])
	}

	<-done
}

func TestRelayUDPToTCP_ValidatesAndForwards(t *testing.T) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer udpConn.Close()
	sender, err := net.DialUDP("udp", nil, udpConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer sender.Close()

	tcpA, tcpB := net.Pipe()
	defer tcpA.Close()

	ctx, cancel := context.WithCancel(context.Background())

	go relayUDPToTCP(ctx, udpConn, tcpB, 8192, ShipInConfig{}, testLogger())

	if _, err := sender.Write([]byte("5.mouse,1.0;")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 64)
	tcpA.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := tcpA.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "5.mouse,1.0;" {
		t.Fatalf("got %q", buf[:n])
	}
	cancel()
}

func TestRelayUDPToTCP_MalformedDatagramDroppedWhenValidating(t *testing.T) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer udpConn.Close()
	sender, err := net.DialUDP("udp", nil, udpConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer sender.Close()

	tcpA, tcpB := net.Pipe()
	defer tcpA.Close()
	defer tcpB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go relayUDPToTCP(ctx, udpConn, tcpB, 8192, ShipInConfig{}, testLogger())

	sender.Write([]byte("garbage no instruction here"))
	sender.Write([]byte("4.ping,0.;"))

	buf := make([]byte, 64)
	tcpA.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := tcpA.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "4.ping,0.;" {
		t.Fatalf("got %q, want only the valid trailing instruction", buf[:n])
	}
}

func TestRelayUDPToTCP_NoValidatePassesRawDatagram(t *testing.T) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer udpConn.Close()
	sender, err := net.DialUDP("udp", nil, udpConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer sender.Close()

	tcpA, tcpB := net.Pipe()
	defer tcpA.Close()
	defer tcpB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go relayUDPToTCP(ctx, udpConn, tcpB, 8192, ShipInConfig{NoValidate: true}, testLogger())

	sender.Write([]byte("not-a-valid-instruction"))

	buf := make([]byte, 64)
	tcpA.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := tcpA.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "not-a-valid-instruction" {
		t.Fatalf("got %q, want the raw datagram passed through unchanged", buf[:n])
	}
}
