// Command gms-shipin runs Ship-in (Xi): binds a UDP port on the receiving
// side of the diode, optionally validates datagrams, and forwards them to
// its mux over TCP (spec.md §4.6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/macsnoeren/gms-diode/internal/config"
	"github.com/macsnoeren/gms-diode/internal/shipper"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.DefaultShipInConfig()

	flag.IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "UDP port to bind on the receiving side of the diode")
	flag.StringVar(&cfg.MuxHost, "mux-host", cfg.MuxHost, "mux host to dial for forwarding")
	flag.IntVar(&cfg.MuxPort, "mux-port", cfg.MuxPort, "mux port to dial for forwarding")
	flag.BoolVar(&cfg.NoValidate, "no-validate", cfg.NoValidate, "disable protocol validation (debugging only)")
	flag.IntVar(&cfg.MTU, "mtu", cfg.MTU, "maximum UDP datagram size")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("gms-shipin starting", "listen-port", cfg.ListenPort, "mux", fmt.Sprintf("%s:%d", cfg.MuxHost, cfg.MuxPort), "validate", !cfg.NoValidate)
	err := shipper.RunShipIn(ctx, shipper.ShipInConfig{
		ListenAddr: fmt.Sprintf(":%d", cfg.ListenPort),
		MuxAddr:    fmt.Sprintf("%s:%d", cfg.MuxHost, cfg.MuxPort),
		MTU:        cfg.MTU,
		NoValidate: cfg.NoValidate,
	}, logger)
	if err != nil {
		logger.Error("gms-shipin exited with error", "error", err)
		return 1
	}
	return 0
}
