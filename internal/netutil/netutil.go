// Package netutil provides the socket plumbing shared by every role:
// TCP dial-with-retry for the one retryable hop spec.md §7 names (a
// shipper/mux's outbound connection to its paired TCP endpoint), and
// UDP listen/dial helpers for the shipper pair's datagram relay.
package netutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/avast/retry-go/v4"
)

// DefaultMTU bounds a single UDP datagram, per spec.md §4.6 (the diode is
// "best-effort, in order enough, no retransmit"). Ship-out sends each TCP
// read of at most this many bytes as one datagram, so an instruction may
// span several datagrams; Ship-in's validator reassembles it.
const DefaultMTU = 8192

// RetryConfig controls DialRetry's backoff. spec.md §7 requires a floor of
// at least one second between attempts.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryConfig matches the floor spec.md §7 requires, with capped
// exponential backoff beyond it (SPEC_FULL.md §3's documented improvement
// over the original's flat sleep(1) reconnect loop).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 0, // 0 means unlimited; the caller's ctx bounds the retry loop
		Delay:    time.Second,
		MaxDelay: 30 * time.Second,
	}
}

// DialRetry dials addr over tcp, retrying with backoff until it succeeds,
// ctx is cancelled, or the configured attempt count is exhausted (0 means
// unlimited — the usual case for a long-running mux/shipper process).
func DialRetry(ctx context.Context, addr string, cfg RetryConfig, logger *slog.Logger) (net.Conn, error) {
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	opts := []retry.Option{
		retry.Delay(cfg.Delay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if logger != nil {
				logger.Warn("retrying tcp dial", "addr", addr, "attempt", n, "error", err)
			}
		}),
	}
	if cfg.Attempts > 0 {
		opts = append(opts, retry.Attempts(cfg.Attempts))
	} else {
		opts = append(opts, retry.Attempts(0), retry.UntilSucceeded())
	}

	var dialer net.Dialer
	var conn net.Conn
	err := retry.Do(func() error {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("netutil: dial %s: %w", addr, err)
	}
	return conn, nil
}

// ListenTCP opens a TCP listener on addr. It does not retry: a bind
// failure at startup is fatal to the process (spec.md §6).
func ListenTCP(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen %s: %w", addr, err)
	}
	return ln, nil
}

// ListenUDP opens a UDP socket bound to addr, for Ship-in's diode-facing
// receive side.
func ListenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netutil: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("netutil: listen udp %s: %w", addr, err)
	}
	return conn, nil
}

// DialUDP opens a connected UDP socket to addr, for Ship-out's diode-facing
// send side.
func DialUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netutil: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("netutil: dial udp %s: %w", addr, err)
	}
	return conn, nil
}
