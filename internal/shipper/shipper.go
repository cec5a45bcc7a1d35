// Package shipper implements the Ship-out/Ship-in relay pair that crosses
// the data diode, per spec.md §4.6. Each shipper is a single-purpose byte
// relay: Ship-out accepts one TCP connection from its mux and forwards
// every read as one UDP datagram; Ship-in binds a UDP port, optionally
// re-validates datagrams for defence-in-depth, and forwards them over a
// TCP connection dialed to its mux. Neither shipper understands envelope
// framing — that belongs entirely to internal/servermux/internal/clientmux.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/macsnoeren/gms-diode/internal/netutil"
	"github.com/macsnoeren/gms-diode/internal/protocol"
)

// ShipOutConfig configures a Ship-out relay: TCP-accept from the mux,
// UDP-send to the diode.
type ShipOutConfig struct {
	ListenAddr string // accept address for the mux's outbound connection
	DiodeAddr  string // UDP destination on the far side of the diode
	MTU        int    // 0 = netutil.DefaultMTU
}

// RunShipOut accepts one TCP connection at a time from its mux and relays
// every read as a single UDP datagram to DiodeAddr, looping to accept a
// new connection if the mux reconnects. It blocks until ctx is cancelled.
func RunShipOut(ctx context.Context, cfg ShipOutConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = netutil.DefaultMTU
	}

	ln, err := netutil.ListenTCP(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("shipper: ship-out: %w", err)
	}
	defer ln.Close()

	udpConn, err := netutil.DialUDP(cfg.DiodeAddr)
	if err != nil {
		return fmt.Errorf("shipper: ship-out: %w", err)
	}
	defer udpConn.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("shipper: ship-out: accept: %w", err)
		}
		logger.Info("ship-out: mux connected", "remote", conn.RemoteAddr())
		relayTCPToUDP(conn, udpConn, mtu, logger)
		logger.Info("ship-out: mux disconnected, awaiting reconnect")
	}
}

// relayTCPToUDP reads bytes from conn and writes each non-empty read as
// one UDP datagram — no re-framing, per spec.md §4.6 ("no retransmit").
func relayTCPToUDP(conn net.Conn, udpConn net.Conn, mtu int, logger *slog.Logger) {
	defer conn.Close()
	buf := make([]byte, mtu)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := udpConn.Write(buf[:n]); werr != nil {
				logger.Warn("ship-out: udp write error", "error", werr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("ship-out: tcp read error", "error", err)
			}
			return
		}
	}
}

// ShipInConfig configures a Ship-in relay: UDP-bind for the diode, TCP
// dial-out to the mux.
type ShipInConfig struct {
	ListenAddr string // UDP bind address on the receiving side of the diode
	MuxAddr    string // TCP dial target, the mux's ingress listen address
	MTU        int    // 0 = netutil.DefaultMTU
	NoValidate bool   // opt-out of §4.1 validation, for debugging
	MaxInstr   int    // validator size bound when validation is enabled
}

// RunShipIn binds a UDP socket, dials its mux over TCP with retry, and
// relays every datagram onward, optionally validating it first. It blocks
// until ctx is cancelled.
func RunShipIn(ctx context.Context, cfg ShipInConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = netutil.DefaultMTU
	}

	udpConn, err := netutil.ListenUDP(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("shipper: ship-in: %w", err)
	}
	defer udpConn.Close()

	go func() {
		<-ctx.Done()
		udpConn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := netutil.DialRetry(ctx, cfg.MuxAddr, netutil.DefaultRetryConfig(), logger)
		if err != nil {
			return nil // ctx cancelled
		}
		logger.Info("ship-in: connected to mux", "addr", cfg.MuxAddr)
		relayUDPToTCP(ctx, udpConn, conn, mtu, cfg, logger)
		logger.Info("ship-in: mux connection lost, reconnecting")
	}
}

// relayUDPToTCP reads datagrams from udpConn and writes them to conn,
// optionally passing them through the protocol validator first. A single
// datagram may contain one or more whole instructions; datagram
// boundaries are not significant once validated (spec.md §4.6).
func relayUDPToTCP(ctx context.Context, udpConn net.PacketConn, conn net.Conn, mtu int, cfg ShipInConfig, logger *slog.Logger) {
	defer conn.Close()
	buf := make([]byte, mtu)

	var v *protocol.Validator
	if !cfg.NoValidate {
		v = protocol.New(cfg.MaxInstr)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := udpConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("ship-in: udp read error", "error", err)
			return
		}
		if n == 0 {
			continue
		}

		datagram := buf[:n]
		if v == nil {
			if _, werr := conn.Write(datagram); werr != nil {
				logger.Warn("ship-in: tcp write error", "error", werr)
				return
			}
			continue
		}

		var writeErr error
		v.Feed(datagram, func(instr protocol.Instruction) {
			if writeErr != nil {
				return
			}
			if _, err := conn.Write(instr); err != nil {
				writeErr = err
			}
		}, func(verr error) {
			logger.Debug("ship-in: dropping malformed datagram content", "error", verr)
		})
		if writeErr != nil {
			logger.Warn("ship-in: tcp write error", "error", writeErr)
			return
		}
	}
}
