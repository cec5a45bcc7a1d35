// Command gms-server runs Server-mux (S), the Guacamole-front-end side of
// the diode pair (spec.md §4.4).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/macsnoeren/gms-diode/internal/config"
	"github.com/macsnoeren/gms-diode/internal/diag"
	"github.com/macsnoeren/gms-diode/internal/registry"
	"github.com/macsnoeren/gms-diode/internal/servermux"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.DefaultServerConfig()

	flag.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "TCP port to accept front-end connections on")
	flag.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "maximum concurrent front-end sessions")
	flag.StringVar(&cfg.ShipOutHost, "ddout-host", cfg.ShipOutHost, "Ship-out host to dial for egress")
	flag.IntVar(&cfg.ShipOutPort, "ddout-port", cfg.ShipOutPort, "Ship-out port to dial for egress")
	flag.IntVar(&cfg.ShipInPort, "ddin-port", cfg.ShipInPort, "local port Ship-in dials into for ingress")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "GMS_HEARTBEAT interval, 0 disables")
	flag.StringVar(&cfg.DiagAddr, "diag-addr", cfg.DiagAddr, "optional diagnostics websocket listen address, empty disables")
	verbose := flag.Bool("v", false, "verbose (debug) logging")
	flag.Parse()
	cfg.Verbosity = boolToVerbosity(*verbose)

	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Fprintln(os.Stderr, errs.Error())
		return 1
	}

	logger := newLogger(cfg.Verbosity)
	slog.SetDefault(logger)

	srv := servermux.New(servermux.Config{
		ListenAddr:      fmt.Sprintf(":%d", cfg.ListenPort),
		EgressDialAddr:  fmt.Sprintf("%s:%d", cfg.ShipOutHost, cfg.ShipOutPort),
		IngressAddr:     fmt.Sprintf(":%d", cfg.ShipInPort),
		MaxInstruction:  cfg.MaxInstruction,
		MaxClients:      cfg.MaxClients,
		EgressQueueCap:  cfg.EgressQueueCap,
		InboundQueueCap: cfg.InboundQueueCap,
		BatchBufferCap:  cfg.BatchBufferCap,
		Heartbeat:       cfg.Heartbeat,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DiagAddr != "" {
		startDiag(ctx, cfg.DiagAddr, logger, srv.Sessions)
	}

	logger.Info("gms-server starting", "listen", cfg.ListenPort, "ddout", cfg.ShipOutHost, "ddin-port", cfg.ShipInPort)
	if err := srv.Run(ctx); err != nil {
		logger.Error("gms-server exited with error", "error", err)
		return 1
	}
	return 0
}

func startDiag(ctx context.Context, addr string, logger *slog.Logger, sessions func() []*registry.Handle) {
	hub := diag.NewHub(func() []diag.Snapshot { return snapshotSessions(sessions()) }, time.Second, logger)
	go hub.Run(ctx)
	mux := http.NewServeMux()
	mux.Handle("/diag", hub)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("diagnostics server error", "error", err)
		}
	}()
}

func snapshotSessions(handles []*registry.Handle) []diag.Snapshot {
	out := make([]diag.Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, diag.Snapshot{
			ID:         h.ID,
			Running:    h.Running(),
			QueueDepth: h.InboundQueue.Len(),
		})
	}
	return out
}

func boolToVerbosity(v bool) int {
	if v {
		return 1
	}
	return 0
}

func newLogger(verbosity int) *slog.Logger {
	level := slog.LevelInfo
	if verbosity > 0 {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
