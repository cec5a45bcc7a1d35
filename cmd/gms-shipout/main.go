// Command gms-shipout runs Ship-out (Xo): TCP-accepts one connection from
// its mux and forwards every read as a UDP datagram across the diode
// (spec.md §4.6).
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
	cfg := config.DefaultShipOutConfig()

	flag.IntVar(&cfg.ListenPort, "listen-port", cfg.ListenPort, "TCP port to accept the mux's connection on")
	flag.StringVar(&cfg.DiodeHost, "diode-host", cfg.DiodeHost, "UDP host on the far side of the diode")
	flag.IntVar(&cfg.DiodePort, "diode-port", cfg.DiodePort, "UDP port on the far side of the diode")
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

	logger.Info("gms-shipout starting", "listen-port", cfg.ListenPort, "diode", fmt.Sprintf("%s:%d", cfg.DiodeHost, cfg.DiodePort))
	err := shipper.RunShipOut(ctx, shipper.ShipOutConfig{
		ListenAddr: fmt.Sprintf(":%d", cfg.ListenPort),
		DiodeAddr:  fmt.Sprintf("%s:%d", cfg.DiodeHost, cfg.DiodePort),
		MTU:        cfg.MTU,
	}, logger)
	if err != nil {
		logger.Error("gms-shipout exited with error", "error", err)
		return 1
	}
	return 0
}
