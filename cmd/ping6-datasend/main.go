// Command ping6-datasend streams stdin to a peer over an ICMPv6 Echo
// Request/Reply tunnel, completing the handshake and teardown before
// exiting.
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
	"github.com/dmnsafonov/ping6-tools/internal/sender"
	"github.com/dmnsafonov/ping6-tools/internal/telemetry"
)

func main() {
	cfg, err := config.ParseSenderFlags(os.Args[1:])
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

	mtu := sender.Ipv6MinMtu
	if cfg.Iface != "" {
		if m, err := rawsock.InterfaceMTU(cfg.Iface); err == nil {
			mtu = sender.ClampMTU(m)
		}
	}

	conn, err := rawsock.Open(cfg.Iface)
	if err != nil {
		config.Fatal(1, "failed to open socket: %v", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := sender.New(sender.Config{
		Clock:   clockwork.NewRealClock(),
		Conn:    conn,
		Src:     cfg.Src,
		Dst:     cfg.Dst,
		MTU:     mtu,
		Framed:  cfg.Framed,
		Stdin:   os.Stdin,
		Logger:  log,
		Metrics: metrics,
	})

	log.Info("connecting", "src", cfg.Src, "dst", cfg.Dst, "mtu", mtu)

	outcome, err := m.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log.Info("connection closed", "outcome", outcome)
}
