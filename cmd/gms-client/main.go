// Command gms-client runs Client-mux (C), the guacd side of the diode pair
// (spec.md §4.5).
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

	"github.com/macsnoeren/gms-diode/internal/clientmux"
	"github.com/macsnoeren/gms-diode/internal/config"
	"github.com/macsnoeren/gms-diode/internal/diag"
	"github.com/macsnoeren/gms-diode/internal/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.DefaultClientConfig()

	flag.StringVar(&cfg.GuacdHost, "guacd-host", cfg.GuacdHost, "guacd host to dial for each new session")
	flag.IntVar(&cfg.GuacdPort, "guacd-port", cfg.GuacdPort, "guacd port to dial for each new session")
	flag.StringVar(&cfg.ShipOutHost, "ddout-host", cfg.ShipOutHost, "Ship-out host to dial for egress")
	flag.IntVar(&cfg.ShipOutPort, "ddout-port", cfg.ShipOutPort, "Ship-out port to dial for egress")
	flag.IntVar(&cfg.ShipInPort, "ddin-port", cfg.ShipInPort, "local port Ship-in dials into for ingress")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "GMS_HEARTBEAT interval, 0 disables")
	flag.StringVar(&cfg.DiagAddr, "diag-addr", cfg.DiagAddr, "optional diagnostics websocket listen address, empty disables")
	verbose := flag.Bool("v", false, "verbose (debug) logging")
	flag.Parse()
	if *verbose {
		cfg.Verbosity = 1
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Fprintln(os.Stderr, errs.Error())
		return 1
	}

	level := slog.LevelInfo
	if cfg.Verbosity > 0 {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cli := clientmux.New(clientmux.Config{
		GuacdAddr:       fmt.Sprintf("%s:%d", cfg.GuacdHost, cfg.GuacdPort),
		EgressDialAddr:  fmt.Sprintf("%s:%d", cfg.ShipOutHost, cfg.ShipOutPort),
		IngressAddr:     fmt.Sprintf(":%d", cfg.ShipInPort),
		MaxInstruction:  cfg.MaxInstruction,
		EgressQueueCap:  cfg.EgressQueueCap,
		InboundQueueCap: cfg.InboundQueueCap,
		BatchBufferCap:  cfg.BatchBufferCap,
		Heartbeat:       cfg.Heartbeat,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DiagAddr != "" {
		startDiag(ctx, cfg.DiagAddr, logger, cli.Sessions)
	}

	logger.Info("gms-client starting", "guacd", cfg.GuacdHost, "ddout", cfg.ShipOutHost, "ddin-port", cfg.ShipInPort)
	if err := cli.Run(ctx); err != nil {
		logger.Error("gms-client exited with error", "error", err)
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
