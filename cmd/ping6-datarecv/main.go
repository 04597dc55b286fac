// Command ping6-datarecv accepts one stream connection over an ICMPv6
// Echo Request/Reply tunnel and writes the reassembled stream to stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/dmnsafonov/ping6-tools/internal/config"
	"github.com/dmnsafonov/ping6-tools/internal/rawsock"
	"github.com/dmnsafonov/ping6-tools/internal/receiver"
	"github.com/dmnsafonov/ping6-tools/internal/telemetry"
)

func main() {
	cfg, err := config.ParseReceiverFlags(os.Args[1:])
	if err != nil {
		config.Fatal(2, "error: %v", err)
	}

	if err := rawsock.RequirePrivileges(cfg.Iface != ""); err != nil {
		config.Fatal(1, "privileges check failed: %v", err)
	}

	log := telemetry.Logger(cfg.Verbose)
	metrics := telemetry.NewMetrics()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	mtu := 1280
	if cfg.Iface != "" {
		if m, err := rawsock.InterfaceMTU(cfg.Iface); err == nil {
			mtu = m
		}
	}

	conn, err := rawsock.Open(cfg.Iface)
	if err != nil {
		config.Fatal(1, "failed to open socket: %v", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := receiver.New(receiver.Config{
		Clock:      clockwork.NewRealClock(),
		Conn:       conn,
		Bind:       cfg.Bind,
		MTU:        mtu,
		WindowSize: cfg.WindowSize,
		Framed:     cfg.Framed,
		Stdout:     os.Stdout,
		Logger:     log,
		Metrics:    metrics,
	})

	log.Info("listening", "bind", cfg.Bind, "mtu", mtu, "window_size", cfg.WindowSize)

	if err := m.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log.Info("connection closed")
}
